// Package queue is the bounded asynchronous buffer in front of the
// dispatch core. Jobs move waiting -> active -> completed|failed, with a
// delayed detour while a retry backs off. Transitions are monotonic; a
// retry bumps the attempt count rather than resurrecting a finished
// state. Finished jobs are retained up to a bounded count so status
// lookups stay cheap without growing memory forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/steveteneriello/browserless/backoff"
	"github.com/steveteneriello/browserless/log"
	"github.com/steveteneriello/browserless/runtime"
	"github.com/steveteneriello/browserless/worker"
)

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrQueueFull is returned when the backing store is at capacity.
	ErrQueueFull = errors.New("queue: at capacity")

	// ErrJobNotFound is returned for unknown or already-evicted job ids.
	ErrJobNotFound = errors.New("queue: job not found")
)

// Job is one queued unit of work.
type Job struct {
	ID            string           `json:"id"`
	Op            worker.Operation `json:"op"`
	SessionID     string           `json:"sessionId,omitempty"`
	Priority      int              `json:"priority"`
	State         State            `json:"state"`
	Attempts      int              `json:"attempts"`
	CreatedAt     time.Time        `json:"createdAt"`
	StartedAt     time.Time        `json:"startedAt,omitempty"`
	FinishedAt    time.Time        `json:"finishedAt,omitempty"`
	Result        *worker.Result   `json:"result,omitempty"`
	FailureReason string           `json:"failureReason,omitempty"`
}

// Stats aggregates backlog counts per state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Total     int `json:"total"`
}

// Executor runs one job attempt. The dispatcher provides it.
type Executor func(ctx context.Context, job Job) (*worker.Result, error)

// Config holds queue configuration.
type Config struct {
	Capacity       int           // bound on unfinished jobs
	Concurrency    int           // worker goroutines
	MaxAttempts    int           // terminal failure after this many attempts
	RetryBase      time.Duration // exponential backoff base between attempts
	RetainFinished int           // completed/failed jobs kept for status lookups
}

// Queue is the bounded work buffer.
type Queue struct {
	cfg    Config
	exec   Executor
	logger log.Logger

	mu       sync.Mutex
	jobs     map[string]*Job
	waiting  []*Job
	finished []string // eviction order, oldest first

	notify   chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Queue. Workers do not run until Start.
func New(cfg Config, exec Executor, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNop()
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	return &Queue{
		cfg:      cfg,
		exec:     exec,
		logger:   logger,
		jobs:     make(map[string]*Job),
		notify:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)

		go q.workerLoop(i)
	}
}

// Stop halts the workers, waiting up to the context deadline for
// in-flight jobs to settle.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopChan) })

	done := make(chan struct{})

	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: drain interrupted: %w", ctx.Err())
	}
}

// Add enqueues a job and returns its id, or ErrQueueFull when the
// unfinished backlog is at capacity.
func (q *Queue) Add(op worker.Operation, sessionID string, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	unfinished := 0

	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting, StateActive, StateDelayed:
			unfinished++
		}
	}

	if q.cfg.Capacity > 0 && unfinished >= q.cfg.Capacity {
		return "", fmt.Errorf("%w: %d unfinished jobs", ErrQueueFull, unfinished)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Op:        op,
		SessionID: sessionID,
		Priority:  priority,
		State:     StateWaiting,
		CreatedAt: time.Now(),
	}

	q.jobs[job.ID] = job
	q.waiting = append(q.waiting, job)
	q.wake()

	return job.ID, nil
}

// Status returns a copy of the job's current state.
func (q *Queue) Status(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	return *job, nil
}

// Stats returns backlog counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats Stats

	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			stats.Waiting++
		case StateActive:
			stats.Active++
		case StateDelayed:
			stats.Delayed++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}

	stats.Total = stats.Waiting + stats.Active + stats.Delayed + stats.Completed + stats.Failed

	return stats
}

// Capacity returns the configured backlog bound.
func (q *Queue) Capacity() int {
	return q.cfg.Capacity
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) workerLoop(id int) {
	defer q.wg.Done()
	defer runtime.Recover(context.Background(), q.logger, "queue", fmt.Sprintf("worker_%d", id))

	for {
		job := q.pop()
		if job == nil {
			select {
			case <-q.notify:
				continue
			case <-q.stopChan:
				return
			}
		}

		q.runJob(job)

		// Bail out promptly once stopped; remaining waiting jobs stay
		// queued and are reported as backlog.
		select {
		case <-q.stopChan:
			return
		default:
		}
	}
}

// pop removes and returns the highest-priority waiting job, FIFO within
// a priority level. Returns nil when nothing is waiting.
func (q *Queue) pop() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return nil
	}

	best := 0

	for i, job := range q.waiting[1:] {
		if job.Priority > q.waiting[best].Priority {
			best = i + 1
		}
	}

	job := q.waiting[best]
	q.waiting = append(q.waiting[:best], q.waiting[best+1:]...)

	job.State = StateActive
	job.StartedAt = time.Now()

	return job
}

func (q *Queue) runJob(job *Job) {
	ctx := context.Background()

	q.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	snapshot := *job
	q.mu.Unlock()

	result, err := q.exec(ctx, snapshot)
	if err == nil {
		q.finish(job, StateCompleted, result, "")
		return
	}

	if attempt >= q.cfg.MaxAttempts {
		q.logger.Log(ctx, log.LevelWarn, "job failed permanently",
			log.String("job_id", job.ID),
			log.Int("attempts", attempt),
			log.Err(err))
		q.finish(job, StateFailed, nil, err.Error())

		return
	}

	delay := backoff.ExponentialWithJitter(q.cfg.RetryBase, attempt-1)

	q.logger.Log(ctx, log.LevelDebug, "job retry scheduled",
		log.String("job_id", job.ID),
		log.Int("attempt", attempt),
		log.Duration("delay", delay),
		log.Err(err))

	q.mu.Lock()
	job.State = StateDelayed
	job.FailureReason = err.Error()
	q.mu.Unlock()

	time.AfterFunc(delay, func() { q.requeue(job) })
}

// requeue returns a delayed job to the waiting set unless the queue has
// stopped in the meantime.
func (q *Queue) requeue(job *Job) {
	select {
	case <-q.stopChan:
		return
	default:
	}

	q.mu.Lock()
	if job.State == StateDelayed {
		job.State = StateWaiting
		q.waiting = append(q.waiting, job)
	}
	q.mu.Unlock()

	q.wake()
}

// finish moves a job to a terminal state and evicts the oldest finished
// job beyond the retention bound.
func (q *Queue) finish(job *Job, state State, result *worker.Result, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.State = state
	job.Result = result
	job.FailureReason = reason
	job.FinishedAt = time.Now()

	q.finished = append(q.finished, job.ID)

	for q.cfg.RetainFinished > 0 && len(q.finished) > q.cfg.RetainFinished {
		oldest := q.finished[0]
		q.finished = q.finished[1:]
		delete(q.jobs, oldest)
	}
}
