// Package scheduler admits queued jobs into a bounded pool of workers,
// honors cancellation and pause, and survives worker panics without
// leaking permits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/events"
	"github.com/snarg/selenite/internal/metrics"
)

var (
	ErrNotQueued   = errors.New("job is not queued")
	ErrNotInflight = errors.New("job is not running")
	ErrNotPaused   = errors.New("job is not paused")
	ErrWrongStatus = errors.New("unexpected job status")
	ErrStopped     = errors.New("scheduler stopped")
)

// Concurrency bounds; reconfiguration clamps into this range.
const (
	MinConcurrent = 1
	MaxConcurrent = 8
)

// errorMessageLimit caps the persisted error text.
const errorMessageLimit = 2048

// JobStore is the persistence surface the scheduler needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*database.Job, error)
	UpdateJob(ctx context.Context, id string, patch database.JobPatch, expectedUpdatedAt time.Time) (time.Time, error)
}

// Runner executes one admitted job. A returned error means the runner
// could not finalize the job row itself; the scheduler then marks it
// failed. Panics are caught at the worker boundary.
type Runner interface {
	Run(ctx context.Context, h *Handle, job *database.Job) error
}

// Options configures a scheduler.
type Options struct {
	MaxConcurrent   int
	PersistRetryMax int
	ShutdownTimeout time.Duration
}

// Scheduler owns the ready queue, the inflight set, and the admission
// loop.
type Scheduler struct {
	store  JobStore
	runner Runner
	bus    *events.Bus
	opts   Options
	log    zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	queued   map[string]bool
	inflight map[string]*Handle
	target   int
	running  int
	holds    int // paused inflight jobs; admissions stop while > 0
	stopped  bool

	baseCtx context.Context
	cancel  context.CancelFunc

	loopWg   sync.WaitGroup
	workerWg sync.WaitGroup
}

// New creates a scheduler. The bus may be nil in tests.
func New(store JobStore, runner Runner, bus *events.Bus, opts Options, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		store:    store,
		runner:   runner,
		bus:      bus,
		opts:     opts,
		log:      log.With().Str("component", "scheduler").Logger(),
		queued:   make(map[string]bool),
		inflight: make(map[string]*Handle),
		target:   clampConcurrency(opts.MaxConcurrent),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the admission loop.
func (s *Scheduler) Start() {
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.loopWg.Add(1)
	go s.admissionLoop()
}

// Stop blocks new admissions, waits for inflight workers up to the
// shutdown timeout, then cancels whatever is still running and waits for
// the pool to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.opts.ShutdownTimeout):
		s.log.Warn().Dur("timeout", s.opts.ShutdownTimeout).Msg("graceful drain timed out, cancelling inflight jobs")
		s.mu.Lock()
		for _, h := range s.inflight {
			h.cancel()
		}
		s.mu.Unlock()
		<-done
	}

	s.cancel()
	s.loopWg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

// Submit enqueues a queued job for admission. At-most-once: a job already
// queued or inflight is silently ignored.
func (s *Scheduler) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.queued[jobID] || s.inflight[jobID] != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != database.StatusQueued {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotQueued)
	}

	s.mu.Lock()
	if !s.queued[jobID] && s.inflight[jobID] == nil && !s.stopped {
		s.queue = append(s.queue, jobID)
		s.queued[jobID] = true
		s.updateGaugesLocked()
		s.cond.Broadcast()
	}
	s.mu.Unlock()

	metrics.JobsSubmittedTotal.Inc()
	s.publish(events.TypeJobQueued, jobID, nil)
	return nil
}

// Cancel cancels a job. Queued jobs transition to cancelled immediately
// and leave the queue without disturbing the order of others; inflight
// jobs are signalled and transition when the worker observes the signal;
// terminal jobs are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if s.queued[jobID] {
		delete(s.queued, jobID)
		for i, id := range s.queue {
			if id == jobID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.updateGaugesLocked()
		s.mu.Unlock()
		if err := s.transition(ctx, jobID, database.StatusQueued, database.JobPatch{}, database.StatusCancelled); err != nil {
			return err
		}
		s.publish(events.TypeJobCancelled, jobID, nil)
		return nil
	}
	if h := s.inflight[jobID]; h != nil {
		s.mu.Unlock()
		h.cancel()
		return nil
	}
	s.mu.Unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if database.TerminalStatus(job.Status) {
		return nil
	}
	// Queued in the database but unknown to this scheduler (e.g. submitted
	// and not yet resumed). Cancel the row directly.
	if job.Status == database.StatusQueued {
		if err := s.transition(ctx, jobID, database.StatusQueued, database.JobPatch{}, database.StatusCancelled); err != nil {
			return err
		}
		s.publish(events.TypeJobCancelled, jobID, nil)
		return nil
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotInflight)
}

// Pause pauses a processing job. The worker suspends at its next
// checkpoint; until resume, no further jobs are admitted.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	s.mu.Lock()
	h := s.inflight[jobID]
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotInflight)
	}

	if err := s.transition(ctx, jobID, database.StatusProcessing, database.JobPatch{}, database.StatusPaused); err != nil {
		return err
	}

	h.pause()
	s.mu.Lock()
	s.holds++
	s.mu.Unlock()

	s.publish(events.TypeJobPaused, jobID, nil)
	return nil
}

// Resume resumes a paused job and re-opens admissions held by the pause.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	s.mu.Lock()
	h := s.inflight[jobID]
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("job %s: %w", jobID, ErrNotInflight)
	}
	if !h.isPaused() {
		return fmt.Errorf("job %s: %w", jobID, ErrNotPaused)
	}

	if err := s.transition(ctx, jobID, database.StatusPaused, database.JobPatch{}, database.StatusProcessing); err != nil {
		return err
	}

	h.resume()
	s.mu.Lock()
	s.holds--
	s.cond.Broadcast()
	s.mu.Unlock()

	s.publish(events.TypeJobResumed, jobID, nil)
	return nil
}

// Reconfigure changes the concurrency target, clamped to [1,8]. Shrinking
// never preempts running jobs; excess permits drain as workers finish.
func (s *Scheduler) Reconfigure(n int) {
	n = clampConcurrency(n)
	s.mu.Lock()
	old := s.target
	s.target = n
	s.cond.Broadcast()
	s.mu.Unlock()
	if old != n {
		s.log.Info().Int("from", old).Int("to", n).Msg("concurrency reconfigured")
	}
}

// QueueDepth returns the number of jobs waiting for admission.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Inflight returns the number of admitted jobs.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Scheduler) admissionLoop() {
	defer s.loopWg.Done()
	for {
		s.mu.Lock()
		for !s.stopped && (len(s.queue) == 0 || s.running >= s.target || s.holds > 0) {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		jobID := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, jobID)
		s.running++
		s.mu.Unlock()

		job, ok := s.claim(jobID)
		if !ok {
			s.releasePermit()
			continue
		}

		h := NewHandle(s.baseCtx, jobID)
		s.mu.Lock()
		s.inflight[jobID] = h
		s.updateGaugesLocked()
		s.mu.Unlock()

		s.workerWg.Add(1)
		go s.work(h, job)
	}
}

// claim atomically moves a queued row to processing. A row that is no
// longer queued (cancelled while waiting, or claimed elsewhere) is
// skipped.
func (s *Scheduler) claim(jobID string) (*database.Job, bool) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
	defer cancel()

	for attempt := 0; ; attempt++ {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("admission load failed")
			return nil, false
		}
		if job.Status != database.StatusQueued {
			return nil, false
		}

		now := time.Now().UTC()
		processing := database.StatusProcessing
		updatedAt, err := s.store.UpdateJob(ctx, jobID, database.JobPatch{
			Status:          &processing,
			StartedAt:       &now,
			LastHeartbeatAt: &now,
			ClearStalledAt:  true,
		}, job.UpdatedAt)
		if err == nil {
			job.Status = processing
			job.StartedAt = &now
			job.UpdatedAt = updatedAt
			return job, true
		}
		if errors.Is(err, database.ErrConcurrentUpdate) && attempt < s.opts.PersistRetryMax {
			continue
		}
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("admission transition failed")
		return nil, false
	}
}

func (s *Scheduler) work(h *Handle, job *database.Job) {
	defer func() {
		p := recover()
		if p != nil {
			s.log.Error().Str("job_id", job.ID).Interface("panic", p).Msg("worker panicked")
			s.failJob(job.ID, fmt.Sprintf("worker panic: %v", p))
		}
		s.finishWorker(h)
		s.workerWg.Done()
	}()

	s.publish(events.TypeJobStarted, job.ID, nil)
	if err := s.runner.Run(h.Context(), h, job); err != nil {
		s.log.Error().Err(err).Str("job_id", job.ID).Msg("job runner failed to finalize")
		s.failJob(job.ID, err.Error())
	}
}

func (s *Scheduler) finishWorker(h *Handle) {
	s.mu.Lock()
	delete(s.inflight, h.jobID)
	if h.isPaused() {
		// A worker exiting while its handle is paused (cancelled during
		// pause) must not leave admissions held.
		s.holds--
	}
	s.running--
	s.updateGaugesLocked()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) releasePermit() {
	s.mu.Lock()
	s.running--
	s.updateGaugesLocked()
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) updateGaugesLocked() {
	metrics.QueueDepth.Set(float64(len(s.queue)))
	metrics.JobsInflight.Set(float64(len(s.inflight)))
}

// failJob forces a job to failed with a truncated error message. Persist
// failures retry with exponential backoff; if the write never lands the
// row is left for the resume manager to pick up on next startup.
func (s *Scheduler) failJob(jobID, msg string) {
	msg = Truncate(msg, errorMessageLimit)
	failed := database.StatusFailed

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for attempt := 0; attempt <= s.opts.PersistRetryMax; attempt++ {
		if attempt > 0 {
			time.Sleep(100 * time.Millisecond << (attempt - 1))
		}
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		if database.TerminalStatus(job.Status) {
			return
		}
		now := time.Now().UTC()
		_, err = s.store.UpdateJob(ctx, jobID, database.JobPatch{
			Status:       &failed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}, job.UpdatedAt)
		if err == nil {
			s.publish(events.TypeJobFailed, jobID, map[string]string{"error": msg})
			return
		}
	}
	s.log.Error().Str("job_id", jobID).Msg("could not persist failed status, leaving row for restart recovery")
}

// transition CASes a job row from one status to another, retrying lost
// races while the row still shows the expected source status.
func (s *Scheduler) transition(ctx context.Context, jobID, from string, patch database.JobPatch, to string) error {
	for attempt := 0; ; attempt++ {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != from {
			return fmt.Errorf("job %s is %s, expected %s: %w", jobID, job.Status, from, ErrWrongStatus)
		}
		patch.Status = &to
		if database.TerminalStatus(to) {
			now := time.Now().UTC()
			patch.CompletedAt = &now
		}
		_, err = s.store.UpdateJob(ctx, jobID, patch, job.UpdatedAt)
		if err == nil {
			return nil
		}
		if errors.Is(err, database.ErrConcurrentUpdate) && attempt < s.opts.PersistRetryMax {
			continue
		}
		return err
	}
}

func (s *Scheduler) publish(eventType, jobID string, payload any) {
	if s.bus != nil {
		s.bus.Publish(eventType, jobID, payload)
	}
}

func clampConcurrency(n int) int {
	if n < MinConcurrent {
		return MinConcurrent
	}
	if n > MaxConcurrent {
		return MaxConcurrent
	}
	return n
}

// Truncate caps a string at n bytes, cutting on a rune boundary.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
