package balancer

import "time"

// Backend is one addressable browser-hosting endpoint. Backends are
// created from configuration at startup and never removed; a failing
// backend is marked unhealthy, not deleted. All fields are guarded by
// the owning Balancer's lock.
type Backend struct {
	ID           string
	URL          string
	Healthy      bool
	CurrentLoad  int
	MaxLoad      int
	LastCheck    time.Time
	ResponseTime time.Duration
	ErrorCount   uint64
	SuccessCount uint64
}

// eligible reports whether the backend may receive new work: healthy,
// under its load ceiling, and (checked by the caller) breaker not open.
func (b *Backend) eligible() bool {
	return b.Healthy && b.CurrentLoad < b.MaxLoad
}

// spareCapacity returns the fraction of the load ceiling still free.
func (b *Backend) spareCapacity() float64 {
	if b.MaxLoad <= 0 {
		return 0
	}

	return float64(b.MaxLoad-b.CurrentLoad) / float64(b.MaxLoad)
}

// successRatio returns the fraction of completed dispatches that
// succeeded. A backend with no history scores a full 1.0 so new
// backends are not starved.
func (b *Backend) successRatio() float64 {
	total := b.SuccessCount + b.ErrorCount
	if total == 0 {
		return 1.0
	}

	return float64(b.SuccessCount) / float64(total)
}

// responsiveness maps recent response time onto (0, 1], where an instant
// backend scores 1.
func (b *Backend) responsiveness() float64 {
	return 1.0 / (1.0 + b.ResponseTime.Seconds())
}

// Snapshot is a copy of one backend's observable state, safe to hand to
// other components.
type Snapshot struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Healthy      bool          `json:"healthy"`
	CurrentLoad  int           `json:"currentLoad"`
	MaxLoad      int           `json:"maxLoad"`
	LastCheck    time.Time     `json:"lastCheck"`
	ResponseTime time.Duration `json:"responseTime"`
	ErrorCount   uint64        `json:"errorCount"`
	SuccessCount uint64        `json:"successCount"`
}

func (b *Backend) snapshot() Snapshot {
	return Snapshot{
		ID:           b.ID,
		URL:          b.URL,
		Healthy:      b.Healthy,
		CurrentLoad:  b.CurrentLoad,
		MaxLoad:      b.MaxLoad,
		LastCheck:    b.LastCheck,
		ResponseTime: b.ResponseTime,
		ErrorCount:   b.ErrorCount,
		SuccessCount: b.SuccessCount,
	}
}
