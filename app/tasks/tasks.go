/* Apache v2 license
*  Copyright (C) <2024> WasteAnt
*
*  SPDX-License-Identifier: Apache-2.0
 */

package tasks

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/intel/rsp-sw-toolkit-im-suite-utilities/go-metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wasteant/delivery-state-service/app/engine"
)

// Task lifecycle states, queryable through the task status endpoint.
const (
	StatusPending = "PENDING"
	StatusStarted = "STARTED"
	StatusRetry   = "RETRY"
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

// ErrQueueFull is returned when the worker queue for the event's gate has
// no capacity left. The caller should reject the ingestion request rather
// than block the handler.
var ErrQueueFull = errors.New("task queue is full")

// Processor consumes one presence event. Satisfied by engine.Engine.
type Processor interface {
	Process(ctx context.Context, event engine.Event) (engine.Result, error)
}

// Task pairs an explicit idempotency key with a typed event payload.
// Redelivery after a worker failure re-runs the same payload, never a
// serialized closure.
type Task struct {
	TaskID string       `json:"task_id"`
	Event  engine.Event `json:"event"`
}

// State is the queryable progress record of a submitted task.
type State struct {
	TaskID      string         `json:"task_id"`
	Status      string         `json:"status"`
	Result      *engine.Result `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Runner executes presence events on a fixed pool of workers. Events are
// routed to a worker by a hash of their gate, so all events for one gate
// run on the same worker in submission order. Retries happen inline on
// that worker, which keeps the per-gate ordering intact across retries.
type Runner struct {
	processor  Processor
	queues     []chan Task
	maxRetries int
	retryBase  time.Duration
	retention  time.Duration

	mu      sync.RWMutex
	states  map[string]*State
	stopped bool

	wg   sync.WaitGroup
	quit chan struct{}

	// test hooks
	now   func() time.Time
	sleep func(time.Duration)
}

// NewRunner creates a stopped Runner; call Start before submitting.
func NewRunner(processor Processor, workers int, depth int, maxRetries int,
	retryBase time.Duration, retention time.Duration) *Runner {

	queues := make([]chan Task, workers)
	for i := range queues {
		queues[i] = make(chan Task, depth)
	}
	return &Runner{
		processor:  processor,
		queues:     queues,
		maxRetries: maxRetries,
		retryBase:  retryBase,
		retention:  retention,
		states:     make(map[string]*State),
		quit:       make(chan struct{}),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Start launches the worker pool and the state janitor.
func (r *Runner) Start(ctx context.Context) {
	for i := range r.queues {
		r.wg.Add(1)
		go r.worker(ctx, r.queues[i])
	}
	r.wg.Add(1)
	go r.janitor()
}

// Stop closes the queues and waits for in-flight tasks to drain. Submit
// calls racing a Stop are rejected instead of panicking on a closed queue.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.quit)
	for i := range r.queues {
		close(r.queues[i])
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit enqueues an event under the given idempotency key and returns
// immediately. Resubmitting a known key is a no-op so redelivered ingestion
// requests do not run the event twice.
func (r *Runner) Submit(taskID string, event engine.Event) error {
	metrics.GetOrRegisterGauge(`Tasks.Submit.Attempt`, nil).Update(1)
	mSuccess := metrics.GetOrRegisterGauge(`Tasks.Submit.Success`, nil)
	mFullErr := metrics.GetOrRegisterGauge("Tasks.Submit.QueueFull-Error", nil)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		mFullErr.Update(1)
		return errors.Wrapf(ErrQueueFull, "runner stopped, gate %q", event.Location)
	}
	if _, ok := r.states[taskID]; ok {
		r.mu.Unlock()
		mSuccess.Update(1)
		return nil
	}
	now := r.now()
	r.states[taskID] = &State{
		TaskID:      taskID,
		Status:      StatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	// The enqueue stays under the lock so Stop cannot close the queue
	// between the stopped check and the send.
	queue := r.queues[r.queueFor(event.Location)]
	select {
	case queue <- Task{TaskID: taskID, Event: event}:
		r.mu.Unlock()
		mSuccess.Update(1)
		return nil
	default:
		delete(r.states, taskID)
		r.mu.Unlock()
		mFullErr.Update(1)
		return errors.Wrapf(ErrQueueFull, "gate %q", event.Location)
	}
}

// Lookup returns the state of a submitted task.
func (r *Runner) Lookup(taskID string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[taskID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// queueFor keeps every event of a gate on the same worker.
func (r *Runner) queueFor(gateID string) int {
	h := fnv.New32a()
	// fnv never fails
	// nolint: errcheck
	h.Write([]byte(gateID))
	return int(h.Sum32() % uint32(len(r.queues)))
}

func (r *Runner) worker(ctx context.Context, queue chan Task) {
	defer r.wg.Done()
	for task := range queue {
		r.run(ctx, task)
	}
}

func (r *Runner) run(ctx context.Context, task Task) {
	mSuccess := metrics.GetOrRegisterGauge(`Tasks.Run.Success`, nil)
	mRetry := metrics.GetOrRegisterGauge(`Tasks.Run.Retry`, nil)
	mFailure := metrics.GetOrRegisterGauge("Tasks.Run.Failure", nil)
	runTimer := time.Now()
	defer metrics.GetOrRegisterTimer(`Tasks.Run.Run-Latency`, nil).Update(time.Since(runTimer))

	r.setState(task.TaskID, func(s *State) {
		s.Status = StatusStarted
	})

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			mRetry.Update(1)
			r.setState(task.TaskID, func(s *State) {
				s.Status = StatusRetry
				s.Attempts = attempt
			})
			// exponential backoff, first retry waits the base interval
			r.sleep(r.retryBase << uint(attempt-1))
		}

		result, err := r.processor.Process(ctx, task.Event)
		if err == nil {
			r.setState(task.TaskID, func(s *State) {
				s.Status = StatusSuccess
				s.Result = &result
				s.Error = ""
				s.Attempts = attempt + 1
			})
			mSuccess.Update(1)
			return
		}

		lastErr = err
		if !engine.Retryable(err) {
			break
		}
		log.WithFields(log.Fields{
			"Method":  "tasks.run",
			"Action":  "retrying task",
			"TaskID":  task.TaskID,
			"GateID":  task.Event.Location,
			"Attempt": attempt + 1,
		}).Warn(err.Error())
	}

	mFailure.Update(1)
	r.setState(task.TaskID, func(s *State) {
		s.Status = StatusFailure
		s.Result = &engine.Result{Action: engine.ActionFailed, Message: lastErr.Error()}
		s.Error = lastErr.Error()
	})
	log.WithFields(log.Fields{
		"Method": "tasks.run",
		"Action": "task failed",
		"TaskID": task.TaskID,
		"GateID": task.Event.Location,
	}).Error(lastErr.Error())
}

func (r *Runner) setState(taskID string, update func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[taskID]
	if !ok {
		return
	}
	update(state)
	state.UpdatedAt = r.now()
}

// janitor evicts finished task states after the retention window so the
// registry does not grow without bound.
func (r *Runner) janitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
			r.evictExpired()
		}
	}
}

func (r *Runner) evictExpired() {
	cutoff := r.now().Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for taskID, state := range r.states {
		if state.Status != StatusSuccess && state.Status != StatusFailure {
			continue
		}
		if state.UpdatedAt.Before(cutoff) {
			delete(r.states, taskID)
		}
	}
}
