// Package worker defines the narrow contract between the dispatch core
// and the browser engine: launch a worker, execute one operation, close,
// and be told when the worker disconnects. The production implementation
// is backed by Playwright; tests substitute fakes.
package worker

import (
	"context"
	"errors"
	"time"
)

// Kind identifies one of the supported browser operations.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindPDF        Kind = "pdf"
	KindScrape     Kind = "scrape"
	KindEvaluate   Kind = "evaluate"
)

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindScreenshot, KindPDF, KindScrape, KindEvaluate:
		return true
	}

	return false
}

var (
	// ErrUpstream indicates the worker executed the operation but the
	// browser reported a failure. The core never retries these
	// automatically; retry policy belongs to the queue or the caller.
	ErrUpstream = errors.New("worker: upstream failure")

	// ErrLaunch indicates the worker process could not be started or
	// connected to.
	ErrLaunch = errors.New("worker: launch failed")
)

// Operation is one unit of browser work.
type Operation struct {
	Kind       Kind
	URL        string
	Selector   string // scrape: restrict extraction to this selector
	Expression string // evaluate: script to run in page context
	WaitUntil  string // goto readiness: load | domcontentloaded | networkidle
	FullPage   bool   // screenshot
	Landscape  bool   // pdf
	PaperSize  string // pdf, defaults to A4
}

// Result carries the outcome of an executed operation. Exactly one of
// Data, Text or Value is populated depending on the operation kind.
type Result struct {
	Data        []byte `json:"data,omitempty"`
	Text        string `json:"text,omitempty"`
	Value       any    `json:"value,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Config configures a worker launch. An empty Endpoint launches a local
// headless browser; otherwise the worker attaches to the remote backend
// over CDP.
type Config struct {
	Endpoint       string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	LaunchTimeout  time.Duration
	PageTimeout    time.Duration
}

// Handle is a live worker process.
type Handle interface {
	// Execute runs one operation on a fresh page. Browser-reported
	// failures are wrapped in ErrUpstream.
	Execute(ctx context.Context, op Operation) (*Result, error)

	// Close tears the worker down. Best effort; safe to call twice.
	Close(ctx context.Context) error

	// OnDisconnect registers fn to run once when the underlying browser
	// goes away outside of Close.
	OnDisconnect(fn func())
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, cfg Config) (Handle, error)
}
