package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/service"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

// FactSource supplies fresh facts for a client at condition-evaluation time.
// Optional; when absent the runner evaluates against the trigger-time
// snapshot stored on the enrollment.
type FactSource interface {
	Facts(ctx context.Context, clientID string) (map[string]string, error)
}

type Config struct {
	// TickInterval is how often the runner walks active enrollments.
	TickInterval time.Duration
	// DispatchTimeout bounds a single send to the delivery collaborator.
	DispatchTimeout time.Duration
	// Workers is the per-tick worker pool size.
	Workers int
	// RetryCap is the number of failed dispatch attempts tolerated on one
	// step before the enrollment is cancelled with a failure reason.
	RetryCap int
	// MaxHopsPerTick bounds step transitions for one enrollment in one tick,
	// guarding against branch cycles introduced by careless edits.
	MaxHopsPerTick int
	// CancelOnDeactivate cancels in-flight enrollments of a deactivated
	// sequence. When false (the default) they drain normally; deactivation
	// only blocks new enrollments.
	CancelOnDeactivate bool
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Minute,
		DispatchTimeout: 10 * time.Second,
		Workers:         4,
		RetryCap:        3,
		MaxHopsPerTick:  25,
	}
}

// Runner walks active enrollments on a periodic tick: it evaluates condition
// steps immediately, dispatches message steps whose send window has arrived
// and advances the step pointer. All pointer mutations go through the
// enrollment repository's compare-and-swap, and the cron chain guarantees a
// single tick runs at a time, so enrollments are never double-advanced.
//
// Facts policy: condition evaluation uses the trigger-time snapshot stored on
// the enrollment; when a FactSource is configured, fresh facts are overlaid
// on top of the snapshot at evaluation time.
type Runner struct {
	cfg         Config
	sequences   storage.SequenceRepository
	enrollments storage.EnrollmentRepository
	dispatcher  Dispatcher
	facts       FactSource
	logger      internal.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	now     func() time.Time
}

func NewRunner(cfg Config, sequences storage.SequenceRepository, enrollments storage.EnrollmentRepository, dispatcher Dispatcher, logger internal.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxHopsPerTick < 1 {
		cfg.MaxHopsPerTick = DefaultConfig().MaxHopsPerTick
	}
	return &Runner{
		cfg:         cfg,
		sequences:   sequences,
		enrollments: enrollments,
		dispatcher:  dispatcher,
		logger:      logger,
		now:         time.Now,
	}
}

// SetFactSource installs an optional fresh-fact collaborator. Must be called
// before Start.
func (r *Runner) SetFactSource(fs FactSource) {
	r.facts = fs
}

// Start schedules the periodic tick. SkipIfStillRunning gives the tick-level
// mutual exclusion: a slow tick is never overlapped by the next one.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("runner already started")
	}
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
		cron.Recover(cron.DiscardLogger),
	))
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.cfg.TickInterval), func() {
		if err := r.Tick(context.Background()); err != nil {
			r.logger.Errorf("runner: tick failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.running = true
	r.logger.Infof("runner: started, tick interval %s", r.cfg.TickInterval)
	return nil
}

// Stop halts the tick schedule and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	ctx := r.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		r.logger.Warn("runner: shutdown timed out waiting for tick")
	}
	r.running = false
	r.logger.Info("runner: stopped")
}

// OnTriggerEvent enrolls the client into every active sequence keyed by
// eventName that targets them. A client already actively enrolled in a
// sequence is ignored with a log line, never enrolled twice.
func (r *Runner) OnTriggerEvent(ctx context.Context, eventName, clientID string, factSnapshot map[string]string) error {
	sequences, err := r.sequences.ListActiveByTrigger(ctx, eventName)
	if err != nil {
		return fmt.Errorf("list sequences for trigger %q: %w", eventName, err)
	}
	now := r.now()
	for i := range sequences {
		seq := &sequences[i]
		if !seq.Targets(clientID) {
			continue
		}
		first, ok := seq.FirstStepOrder()
		if !ok {
			r.logger.Warnf("runner: sequence %s has no steps, skipping enrollment of client %s", seq.ID, clientID)
			continue
		}
		e := internal.NewEnrollment(seq.ID, clientID, first, factSnapshot, now)
		if err := r.enrollments.CreateEnrollment(ctx, e); err != nil {
			if errors.Is(err, internal.ErrAlreadyEnrolled) {
				r.logger.Infof("runner: client %s already enrolled in sequence %s, ignoring trigger %q", clientID, seq.ID, eventName)
				continue
			}
			return fmt.Errorf("enroll client %s in sequence %s: %w", clientID, seq.ID, err)
		}
		r.logger.Infof("runner: enrolled client %s in sequence %s (trigger %q)", clientID, seq.ID, eventName)
	}
	return nil
}

// Tick makes one pass over all active enrollments. Enrollments are processed
// across a bounded worker pool; each one is owned by exactly one worker for
// the duration of the pass. One enrollment's failure never aborts the rest.
func (r *Runner) Tick(ctx context.Context) error {
	sequences, err := r.sequences.ListSequences(ctx, "")
	if err != nil {
		return fmt.Errorf("list sequences: %w", err)
	}

	jobs := make(chan tickJob)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				r.processEnrollment(ctx, job.seq, job.enr)
			}
		}()
	}

	for i := range sequences {
		seq := &sequences[i]
		enrollments, err := r.enrollments.ListActiveBySequence(ctx, seq.ID)
		if err != nil {
			r.logger.Errorf("runner: list enrollments for sequence %s: %v", seq.ID, err)
			continue
		}
		if !seq.IsActive && r.cfg.CancelOnDeactivate {
			for j := range enrollments {
				r.cancelEnrollment(ctx, &enrollments[j], "sequence deactivated")
			}
			continue
		}
		for j := range enrollments {
			jobs <- tickJob{seq: seq, enr: &enrollments[j]}
		}
	}
	close(jobs)
	wg.Wait()
	return nil
}

type tickJob struct {
	seq *internal.Sequence
	enr *internal.Enrollment
}

// processEnrollment advances one enrollment as far as it can go this tick.
// Condition steps chain immediately; a message step either dispatches (and
// falls through) or parks the enrollment until its window. The visited set
// plus the hop cap keep a branch cycle from spinning.
func (r *Runner) processEnrollment(ctx context.Context, seq *internal.Sequence, e *internal.Enrollment) {
	visited := map[int]bool{}
	for hops := 0; hops < r.cfg.MaxHopsPerTick; hops++ {
		if e.Status != internal.EnrollmentActive {
			return
		}
		if visited[e.CurrentStepOrder] {
			r.logger.Errorf("runner: branch cycle at step %d of sequence %s, enrollment %s parked", e.CurrentStepOrder, seq.ID, e.ID)
			return
		}
		visited[e.CurrentStepOrder] = true

		step, ok := seq.StepByOrder(e.CurrentStepOrder)
		if !ok {
			// Dangling pointer or branch target; degrade to end of sequence.
			r.completeEnrollment(ctx, e)
			return
		}

		switch step.Kind {
		case internal.StepKindCondition:
			if !r.runConditionStep(ctx, seq, e, step) {
				return
			}
		case internal.StepKindMessage:
			if !r.runMessageStep(ctx, seq, e, step) {
				return
			}
		default:
			r.logger.Errorf("runner: sequence %s step %d has unknown kind %q, enrollment %s parked", seq.ID, step.StepOrder, step.Kind, e.ID)
			return
		}
	}
	r.logger.Warnf("runner: enrollment %s hit the per-tick hop cap in sequence %s", e.ID, seq.ID)
}

// runConditionStep evaluates and branches. Returns false when processing of
// this enrollment should stop for this tick.
func (r *Runner) runConditionStep(ctx context.Context, seq *internal.Sequence, e *internal.Enrollment, step *internal.Step) bool {
	result, err := service.Evaluate(*step, r.factsFor(ctx, e))
	if err != nil {
		// Fails closed to false; log for the sequence owner.
		r.logger.Warnf("runner: sequence %s step %d: %v", seq.ID, step.StepOrder, err)
	}

	branch := step.FalseBranch
	if result {
		branch = step.TrueBranch
	}
	if branch == nil {
		r.completeEnrollment(ctx, e)
		return false
	}
	if _, ok := seq.StepByOrder(*branch); !ok {
		r.logger.Warnf("runner: sequence %s step %d branches to missing step %d, completing enrollment %s", seq.ID, step.StepOrder, *branch, e.ID)
		r.completeEnrollment(ctx, e)
		return false
	}
	return r.advanceTo(ctx, e, *branch)
}

// runMessageStep dispatches when the send window has arrived. Returns false
// when processing of this enrollment should stop for this tick.
func (r *Runner) runMessageStep(ctx context.Context, seq *internal.Sequence, e *internal.Enrollment, step *internal.Step) bool {
	if !step.IsActive {
		// Inactive steps are skipped, not executed; the pointer still moves.
		return r.advancePastStep(ctx, seq, e, step.StepOrder)
	}

	now := r.now()
	due, err := service.NextDispatchTime(*step, e.StepEnteredAt, now)
	if err != nil {
		// Misconfigured window: park the enrollment on this step and surface
		// the problem rather than silently skipping the message.
		r.logger.Errorf("runner: sequence %s enrollment %s paused: %v", seq.ID, e.ID, err)
		return false
	}
	if due.After(now) {
		return false
	}

	locale := e.Facts["locale"]
	if locale == "" {
		locale = service.DefaultLocale
	}
	text, err := service.RenderMessage(*step, locale, r.templateVars(e, now))
	if err != nil {
		r.logger.Errorf("runner: sequence %s step %d render failed: %v", seq.ID, step.StepOrder, err)
		return r.recordDispatchFailure(ctx, e, err)
	}

	// The dispatch call is the only blocking I/O here; it runs with a bounded
	// timeout and outside any per-record commit, which re-validates via CAS.
	dctx, cancel := context.WithTimeout(ctx, r.dispatchTimeout())
	dispatchID, err := r.dispatcher.SendMessage(dctx, e.ClientID, text, locale)
	cancel()
	if err != nil {
		r.logger.Warnf("runner: dispatch failed for enrollment %s (attempt %d): %v", e.ID, e.Attempts+1, err)
		return r.recordDispatchFailure(ctx, e, err)
	}

	e.DispatchIDs = append(e.DispatchIDs, dispatchID)
	e.Attempts = 0
	if next, ok := seq.NextStepOrder(step.StepOrder); ok {
		return r.advanceTo(ctx, e, next)
	}
	r.completeEnrollment(ctx, e)
	return false
}

// advancePastStep moves the pointer past an inactive step without dispatch.
func (r *Runner) advancePastStep(ctx context.Context, seq *internal.Sequence, e *internal.Enrollment, order int) bool {
	if next, ok := seq.NextStepOrder(order); ok {
		return r.advanceTo(ctx, e, next)
	}
	r.completeEnrollment(ctx, e)
	return false
}

// recordDispatchFailure bumps the attempt counter and cancels the enrollment
// once the retry cap is exhausted. Returns false always: a failed step ends
// this enrollment's processing for the tick.
func (r *Runner) recordDispatchFailure(ctx context.Context, e *internal.Enrollment, cause error) bool {
	e.Attempts++
	if e.Attempts > r.cfg.RetryCap {
		r.cancelEnrollment(ctx, e, fmt.Sprintf("dispatch failed %d times on step %d: %v", e.Attempts, e.CurrentStepOrder, cause))
		return false
	}
	r.commit(ctx, e)
	return false
}

func (r *Runner) advanceTo(ctx context.Context, e *internal.Enrollment, order int) bool {
	e.CurrentStepOrder = order
	e.StepEnteredAt = r.now()
	e.Attempts = 0
	return r.commit(ctx, e)
}

func (r *Runner) completeEnrollment(ctx context.Context, e *internal.Enrollment) {
	e.Status = internal.EnrollmentCompleted
	if r.commit(ctx, e) {
		r.logger.Infof("runner: enrollment %s completed", e.ID)
	}
}

func (r *Runner) cancelEnrollment(ctx context.Context, e *internal.Enrollment, reason string) {
	e.Status = internal.EnrollmentCancelled
	e.FailureReason = reason
	if r.commit(ctx, e) {
		r.logger.Warnf("runner: enrollment %s cancelled: %s", e.ID, reason)
	}
}

// commit writes the enrollment back under the version CAS. A stale write
// means another owner advanced it first; this worker backs off.
func (r *Runner) commit(ctx context.Context, e *internal.Enrollment) bool {
	if err := r.enrollments.UpdateEnrollment(ctx, e); err != nil {
		if errors.Is(err, internal.ErrStaleEnrollment) {
			r.logger.Warnf("runner: enrollment %s advanced concurrently, backing off", e.ID)
		} else {
			r.logger.Errorf("runner: failed to update enrollment %s: %v", e.ID, err)
		}
		return false
	}
	return true
}

func (r *Runner) factsFor(ctx context.Context, e *internal.Enrollment) map[string]string {
	facts := make(map[string]string, len(e.Facts))
	for k, v := range e.Facts {
		facts[k] = v
	}
	if r.facts != nil {
		fresh, err := r.facts.Facts(ctx, e.ClientID)
		if err != nil {
			r.logger.Warnf("runner: fact source failed for client %s, using snapshot: %v", e.ClientID, err)
		} else {
			for k, v := range fresh {
				facts[k] = v
			}
		}
	}
	return facts
}

func (r *Runner) templateVars(e *internal.Enrollment, now time.Time) map[string]string {
	vars := make(map[string]string, len(e.Facts)+2)
	for k, v := range e.Facts {
		vars[k] = v
	}
	vars["client_id"] = e.ClientID
	vars["date"] = now.Format("2006-01-02")
	return vars
}

func (r *Runner) dispatchTimeout() time.Duration {
	if r.cfg.DispatchTimeout > 0 {
		return r.cfg.DispatchTimeout
	}
	return DefaultConfig().DispatchTimeout
}
