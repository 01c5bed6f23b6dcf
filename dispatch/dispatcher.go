// Package dispatch is the entry point of the resilience engine. It
// composes backend selection, circuit breaker admission, session
// leasing and worker execution into a single Execute call, and exposes
// the aggregate statistics and shutdown surface the API layer needs.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveteneriello/browserless/balancer"
	"github.com/steveteneriello/browserless/breaker"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/memory"
	"github.com/steveteneriello/browserless/metrics"
	"github.com/steveteneriello/browserless/pool"
	"github.com/steveteneriello/browserless/queue"
	"github.com/steveteneriello/browserless/worker"
)

// ErrShuttingDown is returned once graceful shutdown has begun.
var ErrShuttingDown = errors.New("dispatch: shutting down")

// Stats merges every component's observable state into one snapshot.
type Stats struct {
	Backends []balancer.Snapshot      `json:"backends"`
	Breakers map[string]breaker.State `json:"breakers"`
	Pool     pool.Stats               `json:"pool"`
	Queue    queue.Stats              `json:"queue"`
	Memory   memory.Sample            `json:"memory"`
}

// Dispatcher routes units of work through the resilience stack.
type Dispatcher struct {
	balancer *balancer.Balancer
	pool     *pool.Pool
	monitor  *memory.Monitor
	metrics  *metrics.Factory
	logger   log.Logger

	queue *queue.Queue

	closed       atomic.Bool
	shutdownOnce sync.Once
}

// New creates a Dispatcher. The queue is attached separately because its
// executor is the dispatcher itself.
func New(lb *balancer.Balancer, p *pool.Pool, monitor *memory.Monitor, factory *metrics.Factory, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNop()
	}

	if factory == nil {
		factory = metrics.NewNopFactory()
	}

	return &Dispatcher{
		balancer: lb,
		pool:     p,
		monitor:  monitor,
		metrics:  factory,
		logger:   logger,
	}
}

// AttachQueue wires the work queue in. Must be called before Start when
// asynchronous jobs are enabled.
func (d *Dispatcher) AttachQueue(q *queue.Queue) {
	d.queue = q
}

// Executor returns the queue executor backed by this dispatcher.
func (d *Dispatcher) Executor() queue.Executor {
	return func(ctx context.Context, job queue.Job) (*worker.Result, error) {
		return d.Execute(ctx, job.Op, job.SessionID)
	}
}

// Execute runs one unit of work. With a session id the dispatch is
// pinned to that session's backend; otherwise the balancer selects one.
// Errors are typed: balancer.ErrNoHealthyBackend, pool.ErrCapacityExceeded,
// pool.ErrLaunchFailed, breaker.ErrOpen / breaker.ErrTooManyCalls,
// breaker.ErrTimeout and worker.ErrUpstream.
func (d *Dispatcher) Execute(ctx context.Context, op worker.Operation, sessionID string) (*worker.Result, error) {
	if d.closed.Load() {
		return nil, ErrShuttingDown
	}

	started := time.Now()

	var (
		backendID string
		result    any
		err       error
	)

	run := func(callCtx context.Context, sel balancer.Selection) (any, error) {
		backendID = sel.ID
		return d.runOnBackend(callCtx, sel, op, sessionID)
	}

	if sessionID != "" {
		sess, getErr := d.pool.Get(sessionID)
		if getErr != nil {
			return nil, getErr
		}

		result, err = d.balancer.ExecuteOn(ctx, sess.BackendID, run)
	} else {
		result, err = d.balancer.Execute(ctx, run)
	}

	d.record(ctx, backendID, op.Kind, err, time.Since(started))

	if err != nil {
		return nil, err
	}

	res, _ := result.(*worker.Result)

	return res, nil
}

// runOnBackend leases a session bound to the selected backend and
// executes the operation on its worker.
func (d *Dispatcher) runOnBackend(ctx context.Context, sel balancer.Selection, op worker.Operation, sessionID string) (any, error) {
	var (
		sess *pool.Session
		err  error
	)

	if sessionID != "" {
		sess, err = d.pool.Get(sessionID)
		if err != nil {
			return nil, err
		}

		d.pool.Touch(sess.ID)
	} else {
		sess, err = d.pool.Acquire(ctx, sel.ID, sel.URL)
		if err != nil {
			return nil, err
		}

		defer d.pool.Release(sess.ID)
	}

	return sess.Handle.Execute(ctx, op)
}

// record emits dispatch metrics. Metric failures are ignored; the no-op
// factory never fails and a misconfigured meter must not affect dispatch.
func (d *Dispatcher) record(ctx context.Context, backendID string, kind worker.Kind, err error, latency time.Duration) {
	outcome := "success"

	switch {
	case err == nil:
	case errors.Is(err, balancer.ErrNoHealthyBackend):
		outcome = "no_backend"
	case breaker.IsRejection(err):
		outcome = "rejected"
	case errors.Is(err, breaker.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, pool.ErrCapacityExceeded):
		outcome = "capacity"
	case errors.Is(err, pool.ErrLaunchFailed):
		outcome = "launch_failed"
	default:
		outcome = "error"
	}

	if counter, cerr := d.metrics.Counter(metrics.MetricDispatchTotal); cerr == nil {
		_ = counter.WithLabels(map[string]string{
			"backend": backendID,
			"kind":    string(kind),
			"outcome": outcome,
		}).AddOne(ctx)
	}

	if histogram, herr := d.metrics.Histogram(metrics.MetricDispatchLatency); herr == nil {
		_ = histogram.WithLabels(map[string]string{"kind": string(kind)}).Record(ctx, latency.Seconds())
	}

	if gauge, gerr := d.metrics.Gauge(metrics.MetricSessionsActive); gerr == nil {
		_ = gauge.Record(ctx, int64(d.pool.Stats().Active))
	}

	if d.queue != nil {
		if gauge, gerr := d.metrics.Gauge(metrics.MetricQueueBacklog); gerr == nil {
			stats := d.queue.Stats()
			_ = gauge.Record(ctx, int64(stats.Waiting+stats.Delayed))
		}
	}
}

// OnStateChange implements breaker.StateChangeListener, counting breaker
// transitions per backend.
func (d *Dispatcher) OnStateChange(name string, _, to breaker.State) {
	ctx := context.Background()

	if counter, err := d.metrics.Counter(metrics.MetricBreakerTransitions); err == nil {
		_ = counter.WithLabels(map[string]string{
			"backend": name,
			"to":      string(to),
		}).AddOne(ctx)
	}
}

// Stats returns the merged component snapshot.
func (d *Dispatcher) Stats() Stats {
	stats := Stats{
		Backends: d.balancer.Snapshots(),
		Breakers: d.balancer.BreakerStates(),
		Pool:     d.pool.Stats(),
	}

	if d.queue != nil {
		stats.Queue = d.queue.Stats()
	}

	if d.monitor != nil {
		stats.Memory = d.monitor.Sample()
	}

	return stats
}

// Start launches the background loops owned by the dispatcher's
// components.
func (d *Dispatcher) Start() {
	if d.monitor != nil {
		d.monitor.Start()
	}

	d.balancer.Start()
	d.pool.Start()

	if d.queue != nil {
		d.queue.Start()
	}
}

// Shutdown stops admitting work, drains the queue workers, and closes
// every session, bounded by the context deadline. Idempotent.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.closed.Store(true)
		d.logger.Log(ctx, log.LevelInfo, "dispatcher shutting down")

		if d.queue != nil {
			if err := d.queue.Stop(ctx); err != nil {
				d.logger.Log(ctx, log.LevelWarn, "queue drain incomplete", log.Err(err))
			}
		}

		d.balancer.Stop()
		d.pool.Stop()
		d.pool.Cleanup(ctx)

		if d.monitor != nil {
			d.monitor.Stop()
		}

		d.logger.Log(ctx, log.LevelInfo, "dispatcher stopped")
	})
}
