// Package queue coalesces independent backend operations into small,
// priority-ordered batches and reacts to rate limiting, network loss and
// auth-sensitive work as distinct queue states.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/errors"
	"github.com/vitalog/datalayer/pkg/utils"
)

type item struct {
	id             string
	op             Operation
	ctx            context.Context
	priority       Priority
	category       string
	enqueuedAt     time.Time
	seq            uint64
	retries        int
	maxRetries     int
	retryOnNetwork bool
	future         *Future
}

// before reports whether a dispatches ahead of b.
func (a *item) before(b *item) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

type result struct {
	value interface{}
	err   error
}

// Queue batches operations. Create one per application with New.
type Queue struct {
	config Config
	clock  clock.Clock
	logger *utils.StructuredLogger

	mu               sync.Mutex
	items            []*item
	seq              uint64
	timer            clock.Timer
	processing       bool
	batchDone        chan struct{}
	rateLimitedUntil time.Time
	cooldownTimer    clock.Timer
	networkDown      bool
	recheckTimer     clock.Timer
	authOps          int
	authExternal     bool
	status           Status
	closed           bool
	stats            Stats

	listenerMu sync.Mutex
	listeners  []listenerEntry
	notifyMu   sync.Mutex

	wg sync.WaitGroup
}

// New creates a queue.
func New(config Config) *Queue {
	config.applyDefaults()
	return &Queue{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}
}

// Submit queues op and returns its future. Bypass and auth operations run
// immediately while batch dispatch is paused.
func (q *Queue) Submit(ctx context.Context, op Operation, opts Options) *Future {
	if ctx == nil {
		ctx = context.Background()
	}
	it := &item{
		id:             uuid.NewString(),
		op:             op,
		ctx:            ctx,
		priority:       opts.Priority,
		category:       opts.Category,
		retryOnNetwork: opts.RetryOnNetworkError,
		maxRetries:     opts.MaxRetries,
		future:         newFuture(),
	}
	if it.maxRetries <= 0 {
		it.maxRetries = q.config.DefaultMaxRetries
	}

	if opts.BypassBatching || opts.Category == CategoryAuth {
		q.runIsolated(it, opts.Category == CategoryAuth)
		return it.future
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.future.settle(nil, shutdownError())
		return it.future
	}
	q.seq++
	it.seq = q.seq
	it.enqueuedAt = q.clock.Now()
	q.insertLocked(it)
	q.stats.Enqueued++

	next := q.restingStatusLocked()
	changed := q.transitionLocked(next)
	q.scheduleLocked()
	queued := len(q.items)
	q.mu.Unlock()

	q.logger.Debug("operation queued", map[string]interface{}{
		"id":       it.id,
		"priority": it.priority.String(),
		"category": it.category,
		"queued":   queued,
	})
	if changed {
		q.notify(next)
	}
	return it.future
}

// runIsolated executes it outside batching. While it runs no batch may start.
// Auth operations also wait for a running batch to finish first.
func (q *Queue) runIsolated(it *item, auth bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.future.settle(nil, shutdownError())
		return
	}
	q.authOps++
	q.stats.Bypassed++
	var wait <-chan struct{}
	if auth && q.processing {
		wait = q.batchDone
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		if wait != nil {
			select {
			case <-wait:
			case <-it.ctx.Done():
				q.finishIsolated(it, result{err: errors.NewError(errors.ErrCodeOperationCanceled, "isolated operation abandoned").
					WithComponent("queue").WithCause(it.ctx.Err())})
				return
			}
		}
		q.finishIsolated(it, q.execute(it))
	}()
}

func (q *Queue) finishIsolated(it *item, res result) {
	q.mu.Lock()
	q.authOps--
	if res.err == nil {
		q.stats.Succeeded++
	} else {
		q.stats.Failed++
	}
	q.scheduleLocked()
	q.mu.Unlock()

	outcome := "success"
	if res.err != nil {
		outcome = errors.Classify(res.err).String()
	}
	q.recordItem(it.category, outcome)
	it.future.settle(res.value, res.err)
}

// SetAuthOperationStatus pauses or resumes batch dispatch around work done
// outside the queue.
func (q *Queue) SetAuthOperationStatus(inProgress bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.authExternal = inProgress
	if !inProgress {
		q.scheduleLocked()
	}
}

func (q *Queue) insertLocked(it *item) {
	i := sort.Search(len(q.items), func(i int) bool {
		return it.before(q.items[i])
	})
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = it
}

func (q *Queue) canDispatchLocked() bool {
	return !q.closed &&
		!q.processing &&
		q.rateLimitedUntil.IsZero() &&
		!q.networkDown &&
		q.authOps == 0 &&
		!q.authExternal
}

// scheduleLocked arms the debounce timer if a dispatch could run.
func (q *Queue) scheduleLocked() {
	if q.timer != nil || len(q.items) == 0 || !q.canDispatchLocked() {
		return
	}
	q.timer = q.clock.AfterFunc(q.config.BatchWindow, q.dispatch)
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	q.timer = nil
	if len(q.items) == 0 || !q.canDispatchLocked() {
		q.mu.Unlock()
		return
	}

	n := min(q.config.MaxBatchSize, len(q.items))
	batch := make([]*item, n)
	copy(batch, q.items[:n])
	q.items = append([]*item(nil), q.items[n:]...)
	q.processing = true
	q.batchDone = make(chan struct{})
	q.stats.Batches++
	q.wg.Add(1)
	remaining := len(q.items)
	q.mu.Unlock()

	if q.config.Metrics != nil {
		q.config.Metrics.QueueBatch(n)
	}
	q.logger.Debug("dispatching batch", map[string]interface{}{
		"size":      n,
		"remaining": remaining,
	})
	go q.runBatch(batch)
}

func (q *Queue) runBatch(batch []*item) {
	defer q.wg.Done()

	results := make([]result, len(batch))
	var wg conc.WaitGroup
	for i, it := range batch {
		wg.Go(func() {
			results[i] = q.execute(it)
		})
	}
	wg.Wait()

	q.complete(batch, results)
}

func (q *Queue) execute(it *item) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res = result{err: errors.Newf(errors.ErrCodePanicRecovered, "operation panicked: %v", r).
				WithComponent("queue")}
		}
	}()
	if err := it.ctx.Err(); err != nil {
		return result{err: errors.NewError(errors.ErrCodeOperationCanceled, "operation abandoned before dispatch").
			WithComponent("queue").WithCause(err)}
	}
	v, err := it.op(it.ctx)
	return result{value: v, err: err}
}

type settlement struct {
	it      *item
	res     result
	outcome string
}

// complete applies a finished batch: settles items, requeues network
// failures and enters the rate-limited or network-error state.
func (q *Queue) complete(batch []*item, results []result) {
	var (
		settles       []settlement
		retried       []string
		rateLimited   bool
		networkFailed bool
		failed        bool
	)

	q.mu.Lock()
	for i, it := range batch {
		res := results[i]
		if res.err == nil {
			q.stats.Succeeded++
			settles = append(settles, settlement{it: it, res: res, outcome: "success"})
			continue
		}

		class := errors.Classify(res.err)
		if it.ctx.Err() != nil && class != errors.ClassCancelled {
			// The caller gave up. Whatever the error looks like, it says
			// nothing about the backend.
			class = errors.ClassCancelled
			res.err = errors.NewError(errors.ErrCodeOperationCanceled, "operation abandoned by caller").
				WithComponent("queue").WithDetail("id", it.id).WithCause(res.err)
		}
		switch class {
		case errors.ClassRateLimit:
			rateLimited = true
		case errors.ClassNetwork:
			networkFailed = true
			q.stats.NetworkErrors++
			if it.retryOnNetwork && it.retries < it.maxRetries && !q.closed {
				it.retries++
				q.stats.Retried++
				q.insertLocked(it)
				retried = append(retried, it.category)
				continue
			}
		case errors.ClassData:
			q.logger.Warn("backend rejected operation", map[string]interface{}{
				"id":       it.id,
				"category": it.category,
				"error":    res.err.Error(),
			})
		}
		failed = true
		q.stats.Failed++
		settles = append(settles, settlement{it: it, res: res, outcome: class.String()})
	}

	q.processing = false
	close(q.batchDone)

	if rateLimited {
		q.enterCooldownLocked()
	}
	if networkFailed {
		if !q.networkDown {
			q.logger.Warn("network error detected, pausing dispatch", map[string]interface{}{
				"recheck_in": q.config.NetworkRecheckDelay.String(),
			})
		}
		q.networkDown = true
		q.scheduleRecheckLocked()
	}

	var next Status
	switch {
	case !q.rateLimitedUntil.IsZero():
		next = StatusRateLimited
	case q.networkDown:
		next = StatusNetworkError
	case failed:
		next = StatusError
	default:
		next = StatusSuccess
	}
	var statuses []Status
	if q.transitionLocked(next) {
		statuses = append(statuses, next)
	}
	q.scheduleLocked()
	if q.timer != nil && q.transitionLocked(StatusPending) {
		statuses = append(statuses, StatusPending)
	}
	q.mu.Unlock()

	for _, category := range retried {
		q.recordItem(category, "retried")
	}
	for _, s := range settles {
		q.recordItem(s.it.category, s.outcome)
		s.it.future.settle(s.res.value, s.res.err)
	}
	for _, s := range statuses {
		q.notify(s)
	}
}

func (q *Queue) enterCooldownLocked() {
	q.stats.RateLimitEvents++
	q.rateLimitedUntil = q.clock.Now().Add(q.config.RateLimitCooldown)
	if q.cooldownTimer != nil {
		q.cooldownTimer.Stop()
	}
	q.cooldownTimer = q.clock.AfterFunc(q.config.RateLimitCooldown, q.endCooldown)
	q.logger.Warn("rate limited, pausing dispatch", map[string]interface{}{
		"cooldown": q.config.RateLimitCooldown.String(),
		"queued":   len(q.items),
	})
}

func (q *Queue) endCooldown() {
	q.mu.Lock()
	q.cooldownTimer = nil
	q.rateLimitedUntil = time.Time{}
	if q.closed {
		q.mu.Unlock()
		return
	}
	next := q.restingStatusLocked()
	changed := q.transitionLocked(next)
	q.scheduleLocked()
	q.mu.Unlock()

	q.logger.Info("rate limit cool-down elapsed")
	if changed {
		q.notify(next)
	}
}

// restingStatusLocked is the status implied by the current flags and backlog.
func (q *Queue) restingStatusLocked() Status {
	switch {
	case !q.rateLimitedUntil.IsZero():
		return StatusRateLimited
	case q.networkDown:
		return StatusNetworkError
	case len(q.items) > 0:
		return StatusPending
	default:
		return StatusIdle
	}
}

// Clear rejects every queued item with a QUEUE_CLEARED error. The queue
// returns to idle unless a cool-down or network outage is still in effect.
func (q *Queue) Clear() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.stats.Cleared += int64(len(items))
	next := q.restingStatusLocked()
	changed := q.transitionLocked(next)
	q.mu.Unlock()

	for _, it := range items {
		q.recordItem(it.category, "cleared")
		it.future.settle(nil, errors.NewError(errors.ErrCodeQueueCleared, "queue cleared").
			WithComponent("queue").
			WithDetail("id", it.id))
	}
	if len(items) > 0 {
		q.logger.Info("queue cleared", map[string]interface{}{"rejected": len(items)})
	}
	if changed {
		q.notify(next)
	}
	return len(items)
}

// Close stops timers, rejects queued items and waits for running work.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, t := range []clock.Timer{q.timer, q.cooldownTimer, q.recheckTimer} {
		if t != nil {
			t.Stop()
		}
	}
	q.timer, q.cooldownTimer, q.recheckTimer = nil, nil, nil
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		it.future.settle(nil, shutdownError())
	}
	q.wg.Wait()
	return nil
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns current queue statistics
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.QueueLength = len(q.items)
	s.Status = q.status.String()
	s.Processing = q.processing
	s.RateLimitedUntil = q.rateLimitedUntil
	s.NetworkDown = q.networkDown
	s.AuthInProgress = q.authOps > 0 || q.authExternal
	return s
}

func (q *Queue) recordItem(category, outcome string) {
	if q.config.Metrics != nil {
		q.config.Metrics.QueueItem(category, outcome)
	}
}

func shutdownError() error {
	return errors.NewError(errors.ErrCodeShutdownInProgress, "queue is closed").WithComponent("queue")
}
