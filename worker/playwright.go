package worker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightLauncher launches browser workers through Playwright. It
// attaches to remote backends over CDP when the launch config carries an
// endpoint, and falls back to a local Chromium otherwise.
type PlaywrightLauncher struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightLauncher installs the Playwright driver if needed and
// starts it. Driver output is discarded so it cannot pollute structured
// logs.
func NewPlaywrightLauncher() (*PlaywrightLauncher, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("%w: install playwright: %v", ErrLaunch, err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: start playwright: %v", ErrLaunch, err)
	}

	return &PlaywrightLauncher{pw: pw}, nil
}

// Launch starts or attaches to a browser per cfg.
func (pl *PlaywrightLauncher) Launch(_ context.Context, cfg Config) (Handle, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pw == nil {
		return nil, fmt.Errorf("%w: launcher is stopped", ErrLaunch)
	}

	timeoutMs := float64(cfg.LaunchTimeout.Milliseconds())

	var (
		browser playwright.Browser
		err     error
	)

	if cfg.Endpoint != "" {
		connectOpts := playwright.BrowserTypeConnectOverCDPOptions{}
		if timeoutMs > 0 {
			connectOpts.Timeout = playwright.Float(timeoutMs)
		}

		browser, err = pl.pw.Chromium.ConnectOverCDP(cfg.Endpoint, connectOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: connect to %s: %v", ErrLaunch, cfg.Endpoint, err)
		}
	} else {
		launchOpts := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(cfg.Headless),
		}
		if timeoutMs > 0 {
			launchOpts.Timeout = playwright.Float(timeoutMs)
		}

		browser, err = pl.pw.Chromium.Launch(launchOpts)
		if err != nil {
			return nil, fmt.Errorf("%w: launch chromium: %v", ErrLaunch, err)
		}
	}

	return newPlaywrightHandle(browser, cfg), nil
}

// Stop shuts down the Playwright driver. Outstanding handles become
// unusable.
func (pl *PlaywrightLauncher) Stop() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.pw == nil {
		return nil
	}

	err := pl.pw.Stop()
	pl.pw = nil

	return err
}

type playwrightHandle struct {
	browser playwright.Browser
	cfg     Config

	mu             sync.Mutex
	closed         bool
	disconnectOnce sync.Once
	onDisconnect   func()
}

func newPlaywrightHandle(browser playwright.Browser, cfg Config) *playwrightHandle {
	h := &playwrightHandle{browser: browser, cfg: cfg}

	browser.OnDisconnected(func(playwright.Browser) {
		h.mu.Lock()
		closed := h.closed
		fn := h.onDisconnect
		h.mu.Unlock()

		// Close() disconnects too; only surprise disconnects notify.
		if closed || fn == nil {
			return
		}

		h.disconnectOnce.Do(fn)
	})

	return h
}

// OnDisconnect registers the disconnect callback.
func (h *playwrightHandle) OnDisconnect(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.onDisconnect = fn
}

// Execute runs one operation on a fresh browser context and page, so
// operations never share cookies or DOM state.
func (h *playwrightHandle) Execute(_ context.Context, op Operation) (*Result, error) {
	bctx, err := h.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  h.cfg.ViewportWidth,
			Height: h.cfg.ViewportHeight,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: new context: %v", ErrUpstream, err)
	}

	defer func() { _ = bctx.Close() }()

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: new page: %v", ErrUpstream, err)
	}

	if h.cfg.PageTimeout > 0 {
		page.SetDefaultTimeout(float64(h.cfg.PageTimeout.Milliseconds()))
	}

	if op.URL != "" {
		gotoOpts := playwright.PageGotoOptions{}
		if op.WaitUntil != "" {
			waitUntil := playwright.WaitUntilState(op.WaitUntil)
			gotoOpts.WaitUntil = &waitUntil
		}

		if _, err = page.Goto(op.URL, gotoOpts); err != nil {
			return nil, fmt.Errorf("%w: goto %s: %v", ErrUpstream, op.URL, err)
		}
	}

	switch op.Kind {
	case KindScreenshot:
		return h.screenshot(page, op)
	case KindPDF:
		return h.pdf(page, op)
	case KindScrape:
		return h.scrape(page, op)
	case KindEvaluate:
		return h.evaluate(page, op)
	default:
		return nil, fmt.Errorf("%w: unsupported operation kind %q", ErrUpstream, op.Kind)
	}
}

func (h *playwrightHandle) screenshot(page playwright.Page, op Operation) (*Result, error) {
	data, err := page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(op.FullPage),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", ErrUpstream, err)
	}

	return &Result{Data: data, ContentType: "image/png"}, nil
}

func (h *playwrightHandle) pdf(page playwright.Page, op Operation) (*Result, error) {
	paper := op.PaperSize
	if paper == "" {
		paper = "A4"
	}

	data, err := page.PDF(playwright.PagePdfOptions{
		Format:          playwright.String(paper),
		Landscape:       playwright.Bool(op.Landscape),
		PrintBackground: playwright.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pdf: %v", ErrUpstream, err)
	}

	return &Result{Data: data, ContentType: "application/pdf"}, nil
}

func (h *playwrightHandle) scrape(page playwright.Page, op Operation) (*Result, error) {
	if op.Selector != "" {
		element, err := page.QuerySelector(op.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: query %q: %v", ErrUpstream, op.Selector, err)
		}

		if element == nil {
			return nil, fmt.Errorf("%w: no element matches %q", ErrUpstream, op.Selector)
		}

		text, err := element.TextContent()
		if err != nil {
			return nil, fmt.Errorf("%w: text content: %v", ErrUpstream, err)
		}

		return &Result{Text: text, ContentType: "text/plain"}, nil
	}

	content, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("%w: page content: %v", ErrUpstream, err)
	}

	return &Result{Text: content, ContentType: "text/html"}, nil
}

func (h *playwrightHandle) evaluate(page playwright.Page, op Operation) (*Result, error) {
	value, err := page.Evaluate(op.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate: %v", ErrUpstream, err)
	}

	return &Result{Value: value, ContentType: "application/json"}, nil
}

// Close tears down the browser. Safe to call more than once.
func (h *playwrightHandle) Close(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}

	h.closed = true
	h.mu.Unlock()

	if err := h.browser.Close(); err != nil {
		return fmt.Errorf("%w: close browser: %v", ErrUpstream, err)
	}

	return nil
}
