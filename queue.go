// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package jobq

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/addrummond/heap"
	"github.com/gammazero/deque"
	"github.com/petenewcomb/jobq-go/internal/state"
	"github.com/petenewcomb/jobq-go/internal/telemetry"
	"github.com/petenewcomb/jobq-go/internal/timerp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval    = time.Second
	DefaultUserExitTimeout = 10 * time.Second
)

// ErrDoneRejected is attached as the diagnostic of an attempt whose
// [JobSpec.OnDone] callback returned false.
const ErrDoneRejected = constError("job result rejected by done callback")

// Config holds a queue's tunable parameters. The zero value is usable and
// yields an unbounded queue of unknown size that polls once per second and
// makes a single attempt per job.
type Config struct {
	// MaxRunning bounds the number of jobs that are submitted or running at
	// once. Zero means no bound. See also [Queue.SetMaxRunning].
	MaxRunning int

	// MaxSubmit is the number of attempts granted to jobs whose spec does not
	// say. Zero means one.
	MaxSubmit int

	// Size, if positive, is the total number of jobs the queue will run.
	// [Queue.Run] then returns as soon as that many jobs have reached a
	// terminal status, and [Queue.DeclareComplete] is unnecessary. Zero means
	// the size is not known in advance and the queue grows as jobs are
	// submitted until DeclareComplete is called.
	Size int

	// PollInterval is the sleep between ticks of the control loop.
	PollInterval time.Duration

	// RetryBackoff, if positive, delays the re-dispatch of a failed job. The
	// delay doubles with each attempt, up to MaxRetryBackoff if that is
	// positive.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// SubmitRate, if positive, limits how many jobs per second are handed to
	// the driver.
	SubmitRate rate.Limit

	// UserExitTimeout bounds how long [Queue.RequestUserExit] waits for the
	// queue to start running.
	UserExitTimeout time.Duration

	// Logger defaults to the global zap logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRunning < 0 {
		c.MaxRunning = 0
	}
	if c.MaxSubmit <= 0 {
		c.MaxSubmit = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.UserExitTimeout <= 0 {
		c.UserExitTimeout = DefaultUserExitTimeout
	}
	return c
}

// Queue schedules jobs onto a [Driver], keeping at most a configured number
// of them submitted or running at once, retrying failed attempts, and
// tracking every job's status until the whole batch is done.
//
// A Queue is driven by a single call to [Queue.Run]. All other methods are
// thread-safe and may be called from any goroutine while Run is active;
// apart from the explicitly blocking helpers, none of them wait on the
// driver or on the control loop.
type Queue struct {
	driver  Driver
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.QueueMetrics
	limiter *rate.Limiter
	started chan struct{}

	// Notified whenever the control loop should re-examine the queue before
	// its poll interval elapses.
	wake state.Signal

	// Notified after every job status change.
	changed state.Signal

	mu         sync.Mutex
	registry   Registry
	waiting    heap.Heap[waitingEntry, heap.Min]
	backoff    heap.Heap[backoffEntry, heap.Min]
	active     deque.Deque[*Job]
	maxRunning int
	// When the rate limiter will next admit a submission; zero unless the
	// last dispatch attempt was refused by it.
	rateReadyAt time.Time
	running     bool
	complete    bool
	paused      bool
	userExit    bool
}

// Jobs eligible for dispatch, lowest id first.
type waitingEntry struct {
	job *Job
}

func (a *waitingEntry) Cmp(b *waitingEntry) int {
	return cmp.Compare(a.job.id, b.job.id)
}

// Failed jobs sitting out their retry delay, earliest first.
type backoffEntry struct {
	readyAt time.Time
	job     *Job
}

func (a *backoffEntry) Cmp(b *backoffEntry) int {
	if c := a.readyAt.Compare(b.readyAt); c != 0 {
		return c
	}
	return cmp.Compare(a.job.id, b.job.id)
}

// NewQueue creates a queue that dispatches through driver. The queue is
// inert until [Queue.Run] is called.
//
// Panics if driver is nil.
func NewQueue(driver Driver, cfg Config) *Queue {
	if driver == nil {
		panic("driver must be non-nil")
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		driver:     driver,
		cfg:        cfg,
		logger:     telemetry.Logger(cfg.Logger),
		metrics:    telemetry.NewQueueMetrics(),
		started:    make(chan struct{}),
		maxRunning: cfg.MaxRunning,
	}
	q.registry.guard = &q.mu
	if cfg.SubmitRate > 0 {
		q.limiter = rate.NewLimiter(cfg.SubmitRate, 1)
	}
	return q
}

func jobFields(j *Job, fields ...zap.Field) []zap.Field {
	return append([]zap.Field{zap.Int("job", j.id), zap.String("name", j.spec.Name)}, fields...)
}

// Submit registers a new job in the [Waiting] status and returns it. It never
// blocks. Jobs may be submitted before or while [Queue.Run] is active.
func (q *Queue) Submit(spec JobSpec) (*Job, error) {
	if spec.MaxSubmit == 0 {
		spec.MaxSubmit = q.cfg.MaxSubmit
	}
	q.mu.Lock()
	j, err := q.registry.Register(spec)
	if err == nil {
		heap.PushOrderable(&q.waiting, waitingEntry{job: j})
	}
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}
	q.logger.Debug("Job submitted", jobFields(j, zap.Int("max_submit", j.spec.MaxSubmit))...)
	q.changed.Notify()
	q.wake.Notify()
	return j, nil
}

// DeclareComplete informs a queue of unknown size that no more jobs will be
// submitted, allowing [Queue.Run] to return once every registered job has
// reached a terminal status. Calling it more than once has no additional
// effect, and it is not needed if [Config.Size] is set.
func (q *Queue) DeclareComplete() {
	q.mu.Lock()
	q.complete = true
	q.mu.Unlock()
	q.wake.Notify()
}

// Run drives jobs through the driver until the queue is finished: when
// [Config.Size] jobs have reached a terminal status, or, for a queue of
// unknown size, when [Queue.DeclareComplete] has been called and every
// registered job is terminal. Run also returns once a user exit has been
// requested and no job is left running.
//
// Run returns nil when the queue finishes, the context's error if ctx is
// canceled first, or an error wrapping [ErrDriverUnreachable] if the driver
// reports that its backend is gone. Jobs that are submitted or running when
// Run returns early are left as they are.
//
// Panics if called more than once.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		panic(errQueueStarted)
	}
	q.running = true
	q.mu.Unlock()
	close(q.started)

	q.logger.Info("Queue running",
		zap.Int("max_running", q.MaxRunning()),
		zap.Int("size", q.cfg.Size),
		zap.Duration("poll_interval", q.cfg.PollInterval))

	timer := timerp.Get(q.cfg.PollInterval)
	defer timerp.Put(timer)
	for {
		wake := q.wake.Wait()
		if err := q.tick(ctx); err != nil {
			if ctx.Err() == nil {
				q.logger.Error("Queue stopped", zap.Error(err))
			}
			return err
		}
		if q.finished() {
			c := q.Counts()
			q.logger.Info("Queue finished",
				zap.Int("success", c.Success),
				zap.Int("failed", c.FailedPermanently),
				zap.Int("killed", c.Killed),
				zap.Int("waiting", c.Waiting))
			return nil
		}
		timer.Reset(q.sleepDuration(time.Now()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
	}
}

func (q *Queue) tick(ctx context.Context) error {
	q.promote(time.Now())
	if err := q.dispatch(ctx); err != nil {
		return err
	}
	return q.poll(ctx)
}

// promote moves jobs whose retry delay has elapsed into the waiting pool.
func (q *Queue) promote(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		e, ok := heap.Peek(&q.backoff)
		if !ok || e.readyAt.After(now) {
			return
		}
		_, _ = heap.PopOrderable(&q.backoff)
		heap.PushOrderable(&q.waiting, waitingEntry{job: e.job})
	}
}

func (q *Queue) sleepDuration(now time.Time) time.Duration {
	d := q.cfg.PollInterval
	q.mu.Lock()
	e, ok := heap.Peek(&q.backoff)
	rateReadyAt := q.rateReadyAt
	q.mu.Unlock()
	if ok {
		d = min(d, max(e.readyAt.Sub(now), 0))
	}
	if !rateReadyAt.IsZero() {
		d = min(d, max(rateReadyAt.Sub(now), 0))
	}
	return d
}

func (q *Queue) finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := countJobs(q.registry.All())
	if q.userExit && c.Active() == 0 {
		return true
	}
	if q.cfg.Size > 0 {
		return c.Complete() >= q.cfg.Size
	}
	return q.complete && c.Complete() == c.Total()
}

func (q *Queue) dispatch(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		j := q.nextToDispatch()
		if j == nil {
			return nil
		}
		if err := q.submitJob(ctx, j); err != nil {
			return err
		}
	}
}

// nextToDispatch claims a driver slot for the lowest-id waiting job, if the
// queue's state and limits allow one to be dispatched now.
func (q *Queue) nextToDispatch() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rateReadyAt = time.Time{}
	if q.paused || q.userExit {
		return nil
	}
	if q.maxRunning > 0 && q.activeCountLocked() >= q.maxRunning {
		return nil
	}
	if _, ok := heap.Peek(&q.waiting); !ok {
		return nil
	}
	if q.limiter != nil && !q.limiter.Allow() {
		r := q.limiter.Reserve()
		q.rateReadyAt = time.Now().Add(r.Delay())
		r.Cancel()
		return nil
	}
	e, _ := heap.PopOrderable(&q.waiting)
	j := e.job
	j.status = Submitted
	j.submitCount++
	j.handle = nil
	j.startTime = time.Time{}
	q.active.PushBack(j)
	return j
}

func (q *Queue) activeCountLocked() int {
	n := 0
	for i := range q.active.Len() {
		if q.active.At(i).status.IsActive() {
			n++
		}
	}
	return n
}

// undoDispatch returns a claimed job to the waiting pool without counting
// the attempt.
func (q *Queue) undoDispatch(j *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j.status != Submitted {
		return
	}
	j.status = Waiting
	j.submitCount--
	heap.PushOrderable(&q.waiting, waitingEntry{job: j})
}

func (q *Queue) submitJob(ctx context.Context, j *Job) error {
	q.mu.Lock()
	attempt := j.submitCount
	q.mu.Unlock()

	h, err := q.driver.Submit(ctx, j.submitRequest())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			q.undoDispatch(j)
			return ctxErr
		}
		if errors.Is(err, ErrDriverUnreachable) {
			q.undoDispatch(j)
			return fmt.Errorf("submitting %v: %w", j, err)
		}
		q.metrics.SubmitErrors.Add(ctx)
		q.logger.Warn("Driver rejected job", jobFields(j, zap.Int("attempt", attempt), zap.Error(err))...)
		q.fail(ctx, j, attempt, err)
		return nil
	}
	q.metrics.Dispatched.Add(ctx)

	start, hasStart := q.driver.StartTime(h)
	q.mu.Lock()
	j.handle = h
	if hasStart {
		j.startTime = start
	}
	killed := j.status == Killed
	q.mu.Unlock()

	if killed {
		// The job was killed while the driver was still accepting it.
		q.killHandle(ctx, j, h)
	} else {
		q.logger.Debug("Job dispatched", jobFields(j, zap.Int("attempt", attempt))...)
	}
	q.changed.Notify()
	return nil
}

func (q *Queue) poll(ctx context.Context) error {
	q.mu.Lock()
	batch := make([]*Job, 0, q.active.Len())
	for q.active.Len() > 0 {
		if j := q.active.PopFront(); j.status.IsActive() {
			batch = append(batch, j)
		}
	}
	q.mu.Unlock()

	// Whatever is still active goes back for the next tick, even if this one
	// ends early.
	defer func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for _, j := range batch {
			if j.status.IsActive() {
				q.active.PushBack(j)
			}
		}
	}()

	for _, j := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.mu.Lock()
		h, attempt, active := j.handle, j.submitCount, j.status.IsActive()
		q.mu.Unlock()
		if !active {
			continue
		}

		status, err := q.driver.Poll(ctx, h)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, ErrDriverUnreachable) {
				return fmt.Errorf("polling %v: %w", j, err)
			}
			q.logger.Warn("Cannot poll job", jobFields(j, zap.Int("attempt", attempt), zap.Error(err))...)
			q.fail(ctx, j, attempt, err)
			continue
		}

		switch status {
		case DriverRunning:
			q.markRunning(j, h, attempt)
		case DriverSuccess:
			q.succeed(ctx, j, attempt)
		case DriverFailed:
			var cause error
			if d, ok := q.driver.(Diagnoser); ok {
				cause = d.Diagnostic(h)
			}
			q.fail(ctx, j, attempt, cause)
		}
	}
	return nil
}

// owns reports whether attempt is still the job's live attempt, i.e. it has
// been neither killed nor superseded. Must be called with q.mu held.
func owns(j *Job, attempt int) bool {
	return j.status.IsActive() && j.submitCount == attempt
}

func (q *Queue) markRunning(j *Job, h Handle, attempt int) {
	start, hasStart := q.driver.StartTime(h)
	q.mu.Lock()
	changed := owns(j, attempt) && j.status == Submitted
	if changed {
		j.status = Running
	}
	if owns(j, attempt) && hasStart && j.startTime.IsZero() {
		j.startTime = start
	}
	q.mu.Unlock()
	if changed {
		q.logger.Debug("Job running", jobFields(j, zap.Int("attempt", attempt))...)
		q.changed.Notify()
	}
}

func (q *Queue) succeed(ctx context.Context, j *Job, attempt int) {
	if cb := j.spec.OnDone; cb != nil {
		q.mu.Lock()
		current := owns(j, attempt)
		q.mu.Unlock()
		if !current {
			return
		}
		if !cb(j) {
			q.logger.Warn("Job result rejected", jobFields(j, zap.Int("attempt", attempt))...)
			q.fail(ctx, j, attempt, ErrDoneRejected)
			return
		}
	}
	q.mu.Lock()
	if !owns(j, attempt) {
		q.mu.Unlock()
		return
	}
	j.status = Success
	start := j.startTime
	q.mu.Unlock()

	q.metrics.Succeeded.Add(ctx)
	if !start.IsZero() {
		q.metrics.AttemptDuration.Record(ctx, time.Since(start))
	}
	q.logger.Info("Job succeeded", jobFields(j, zap.Int("attempt", attempt))...)
	q.changed.Notify()
}

// fail resolves a failed attempt: the job goes back to the waiting pool if it
// has attempts left and becomes permanently failed otherwise.
func (q *Queue) fail(ctx context.Context, j *Job, attempt int, cause error) {
	q.mu.Lock()
	if !owns(j, attempt) {
		q.mu.Unlock()
		return
	}
	j.status = Failed
	j.diagnostic = cause
	retry := j.submitCount < j.spec.MaxSubmit
	var delay time.Duration
	if retry {
		j.status = Waiting
		delay = q.backoffDelay(j.submitCount)
		if delay > 0 {
			heap.PushOrderable(&q.backoff, backoffEntry{readyAt: time.Now().Add(delay), job: j})
		} else {
			heap.PushOrderable(&q.waiting, waitingEntry{job: j})
		}
	} else {
		j.status = FailedPermanently
	}
	q.mu.Unlock()

	if retry {
		q.metrics.Retried.Add(ctx)
		q.logger.Warn("Job failed, will retry", jobFields(j,
			zap.Int("attempt", attempt),
			zap.Int("max_submit", j.spec.MaxSubmit),
			zap.Duration("backoff", delay),
			zap.Error(cause))...)
		if cb := j.spec.OnRetry; cb != nil {
			cb(j)
		}
	} else {
		q.metrics.FailedPermanently.Add(ctx)
		q.logger.Error("Job failed permanently", jobFields(j,
			zap.Int("attempts", attempt),
			zap.Error(cause))...)
		if cb := j.spec.OnExit; cb != nil {
			cb(j)
		}
	}
	q.changed.Notify()
}

func (q *Queue) backoffDelay(attempts int) time.Duration {
	d := q.cfg.RetryBackoff
	if d <= 0 {
		return 0
	}
	limit := q.cfg.MaxRetryBackoff
	for i := 1; i < attempts; i++ {
		if limit > 0 && d >= limit || d > time.Hour {
			break
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}

// Kill cancels a job that is submitted or running: the driver is asked to
// kill it and the job becomes [Killed] immediately, never to be retried. Kill
// does not wait for the backend to confirm termination.
//
// Returns false, doing nothing, if the job is nil, waiting, already
// terminal, or does not belong to this queue.
func (q *Queue) Kill(ctx context.Context, j *Job) bool {
	if j == nil {
		return false
	}
	q.mu.Lock()
	if q.registry.ByID(j.id) != j || !j.status.IsActive() {
		q.mu.Unlock()
		return false
	}
	j.status = Killed
	h := j.handle
	q.mu.Unlock()

	q.metrics.Killed.Add(ctx)
	q.logger.Info("Job killed", jobFields(j)...)
	// A nil handle means the driver has not returned from Submit yet; the
	// control loop kills the attempt once it does.
	if h != nil {
		q.killHandle(ctx, j, h)
	}
	q.changed.Notify()
	q.wake.Notify()
	return true
}

func (q *Queue) killHandle(ctx context.Context, j *Job, h Handle) {
	if _, err := q.driver.Kill(ctx, h); err != nil {
		q.logger.Warn("Driver failed to kill job", jobFields(j, zap.Error(err))...)
	}
}

// RequestUserExit stops the queue from dispatching any further jobs. Jobs
// already submitted or running are left to finish (or to be killed
// individually), after which [Queue.Run] returns. RequestUserExit does not
// wait for that to happen; use [Queue.Block] to do so.
//
// The request is only accepted once the queue is running. If [Queue.Run] has
// not been called within [Config.UserExitTimeout], or ctx is done first,
// RequestUserExit returns false and the queue is left unchanged.
func (q *Queue) RequestUserExit(ctx context.Context) bool {
	timer := timerp.Get(q.cfg.UserExitTimeout)
	defer timerp.Put(timer)
	select {
	case <-q.started:
	case <-timer.C:
		q.logger.Warn("User exit refused: queue is not running", zap.Duration("timeout", q.cfg.UserExitTimeout))
		return false
	case <-ctx.Done():
		return false
	}
	q.mu.Lock()
	q.userExit = true
	q.mu.Unlock()
	q.logger.Info("User exit requested")
	q.changed.Notify()
	q.wake.Notify()
	return true
}

// UserExitRequested reports whether [Queue.RequestUserExit] has succeeded.
func (q *Queue) UserExitRequested() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.userExit
}

// KillAll requests a user exit, kills every submitted or running job, and
// waits until none is left running. Returns false if the exit request was
// refused (see [Queue.RequestUserExit]) or ctx was done before the queue
// drained.
func (q *Queue) KillAll(ctx context.Context) bool {
	if !q.RequestUserExit(ctx) {
		return false
	}
	q.mu.Lock()
	var victims []*Job
	for _, j := range q.registry.All() {
		if j.status.IsActive() {
			victims = append(victims, j)
		}
	}
	q.mu.Unlock()
	for _, j := range victims {
		q.Kill(ctx, j)
	}
	return q.Block(ctx) == nil
}

// Pause suspends dispatching. Jobs already submitted or running are still
// polled and complete normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("Queue paused")
}

// Resume undoes [Queue.Pause].
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.logger.Info("Queue resumed")
	q.wake.Notify()
}

// Paused reports whether dispatching is suspended.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetMaxRunning changes the bound on simultaneously submitted or running
// jobs. Zero or a negative value removes the bound. Lowering the bound never
// affects jobs already dispatched.
func (q *Queue) SetMaxRunning(n int) {
	q.mu.Lock()
	q.maxRunning = max(n, 0)
	q.mu.Unlock()
	q.wake.Notify()
}

// MaxRunning returns the current bound, zero meaning none.
func (q *Queue) MaxRunning() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxRunning
}

// Counts returns how many jobs are currently in each status.
func (q *Queue) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countJobs(q.registry.All())
}

// IsRunning reports whether any job is submitted or running.
func (q *Queue) IsRunning() bool {
	return q.Counts().Active() > 0
}

// Len returns the number of registered jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.Len()
}

// Job returns the job with the given id, or nil if there is none.
func (q *Queue) Job(id int) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.ByID(id)
}

// JobByName returns the job with the given name, or nil if there is none.
func (q *Queue) JobByName(name string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.registry.ByName(name)
}

// RunTime returns how long the current attempt of a submitted or running job
// has been executing. It returns false if the job is not active or the
// driver has not reported a start time.
func (q *Queue) RunTime(j *Job) (time.Duration, bool) {
	q.mu.Lock()
	active, start := j.status.IsActive(), j.startTime
	q.mu.Unlock()
	if !active || start.IsZero() {
		return 0, false
	}
	return time.Since(start), true
}

// BlockWaiting blocks until no job is waiting to be dispatched or ctx is
// done. Note that waiting jobs are never dispatched once a user exit has
// been requested.
func (q *Queue) BlockWaiting(ctx context.Context) error {
	return q.waitUntil(ctx, func(c Counts) bool { return c.Pending() == 0 })
}

// Block blocks until no job is submitted or running or ctx is done.
func (q *Queue) Block(ctx context.Context) error {
	return q.waitUntil(ctx, func(c Counts) bool { return c.Active() == 0 })
}

func (q *Queue) waitUntil(ctx context.Context, cond func(Counts) bool) error {
	for {
		changed := q.changed.Wait()
		if cond(q.Counts()) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
