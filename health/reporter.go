// Package health aggregates the state of the dispatch components into a
// composite verdict for readiness and liveness consumers. The overall
// verdict is the worst individual check: unhealthy dominates degraded
// dominates healthy.
package health

import (
	"github.com/steveteneriello/browserless/balancer"
	"github.com/steveteneriello/browserless/memory"
	"github.com/steveteneriello/browserless/pool"
	"github.com/steveteneriello/browserless/queue"
)

// Status is a component or composite health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders verdicts so the worst one wins.
func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worst(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}

	return a
}

// Check is one named verdict with a human-readable detail.
type Check struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the composite verdict with its per-check breakdown.
type Report struct {
	Status Status           `json:"status"`
	Checks map[string]Check `json:"checks"`
}

// MemorySource exposes the memory reading the reporter consumes.
type MemorySource interface {
	Sample() memory.Sample
	Critical() bool
}

// PoolSource exposes pool occupancy.
type PoolSource interface {
	Stats() pool.Stats
}

// QueueSource exposes backlog counts and capacity.
type QueueSource interface {
	Stats() queue.Stats
	Capacity() int
}

// BackendSource exposes backend reachability.
type BackendSource interface {
	Snapshots() []balancer.Snapshot
	EligibleCount() int
}

// Utilization and backlog thresholds for the degraded verdicts.
const (
	poolUtilizationWarn  = 0.9
	queueFailureWarn     = 0.1
	queueBacklogWarnFrac = 0.8
)

// Reporter computes composite health.
type Reporter struct {
	memory   MemorySource
	pool     PoolSource
	queue    QueueSource
	backends BackendSource
}

// NewReporter builds a Reporter. Any source may be nil; its check then
// reports healthy with a "not configured" detail.
func NewReporter(mem MemorySource, p PoolSource, q QueueSource, backends BackendSource) *Reporter {
	return &Reporter{memory: mem, pool: p, queue: q, backends: backends}
}

// Report evaluates all checks and combines them.
func (r *Reporter) Report() Report {
	checks := map[string]Check{
		"memory":   r.checkMemory(),
		"pool":     r.checkPool(),
		"queue":    r.checkQueue(),
		"backends": r.checkBackends(),
	}

	status := StatusHealthy
	for _, check := range checks {
		status = worst(status, check.Status)
	}

	return Report{Status: status, Checks: checks}
}

// Ready reports whether the service should receive traffic.
func (r *Reporter) Ready() bool {
	return r.Report().Status != StatusUnhealthy
}

// Live is the narrow liveness probe: only critical memory pressure kills
// the process. A process merely waiting on a slow downstream dependency
// stays alive.
func (r *Reporter) Live() bool {
	if r.memory == nil {
		return true
	}

	return !r.memory.Critical()
}

func (r *Reporter) checkMemory() Check {
	if r.memory == nil {
		return Check{Status: StatusHealthy, Detail: "not configured"}
	}

	sample := r.memory.Sample()

	switch {
	case sample.Critical:
		return Check{Status: StatusUnhealthy, Detail: "critical memory pressure"}
	case sample.Warning:
		return Check{Status: StatusDegraded, Detail: "memory pressure warning"}
	default:
		return Check{Status: StatusHealthy}
	}
}

func (r *Reporter) checkPool() Check {
	if r.pool == nil {
		return Check{Status: StatusHealthy, Detail: "not configured"}
	}

	stats := r.pool.Stats()
	if stats.Max <= 0 {
		return Check{Status: StatusUnhealthy, Detail: "no session capacity"}
	}

	utilization := float64(stats.Total) / float64(stats.Max)

	switch {
	case stats.Total >= stats.Max:
		return Check{Status: StatusUnhealthy, Detail: "no sessions available"}
	case utilization > poolUtilizationWarn:
		return Check{Status: StatusDegraded, Detail: "pool nearly exhausted"}
	default:
		return Check{Status: StatusHealthy}
	}
}

func (r *Reporter) checkQueue() Check {
	if r.queue == nil {
		return Check{Status: StatusHealthy, Detail: "not configured"}
	}

	stats := r.queue.Stats()

	if stats.Completed > 0 {
		failureRatio := float64(stats.Failed) / float64(stats.Completed)
		if failureRatio > queueFailureWarn {
			return Check{Status: StatusDegraded, Detail: "elevated job failure ratio"}
		}
	}

	if capacity := r.queue.Capacity(); capacity > 0 {
		if float64(stats.Waiting) > queueBacklogWarnFrac*float64(capacity) {
			return Check{Status: StatusDegraded, Detail: "backlog near capacity"}
		}
	}

	return Check{Status: StatusHealthy}
}

func (r *Reporter) checkBackends() Check {
	if r.backends == nil {
		return Check{Status: StatusHealthy, Detail: "not configured"}
	}

	if r.backends.EligibleCount() == 0 {
		return Check{Status: StatusUnhealthy, Detail: "no eligible backend"}
	}

	for _, snap := range r.backends.Snapshots() {
		if !snap.Healthy {
			return Check{Status: StatusDegraded, Detail: "backend " + snap.ID + " unhealthy"}
		}
	}

	return Check{Status: StatusHealthy}
}
