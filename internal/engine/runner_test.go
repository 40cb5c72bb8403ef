package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

type sentMessage struct {
	ClientID string
	Text     string
	Locale   string
}

type fakeDispatcher struct {
	mu       sync.Mutex
	sent     []sentMessage
	failNext int
	calls    int
}

func (d *fakeDispatcher) SendMessage(ctx context.Context, clientID, text, locale string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failNext > 0 {
		d.failNext--
		return "", &internal.DispatchError{ClientID: clientID, Err: errors.New("delivery service unavailable")}
	}
	d.sent = append(d.sent, sentMessage{ClientID: clientID, Text: text, Locale: locale})
	return fmt.Sprintf("d-%d", d.calls), nil
}

func (d *fakeDispatcher) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// 2026-09-07 is a Monday.
func at(hour, min int) time.Time {
	return time.Date(2026, 9, 7, hour, min, 0, 0, time.UTC)
}

func newTestRunner(cfg Config) (*Runner, *storage.MemoryStorage, *fakeDispatcher) {
	store := storage.NewMemoryStorage(internal.NewNopLogger())
	d := &fakeDispatcher{}
	r := NewRunner(cfg, store, store, d, internal.NewNopLogger())
	return r, store, d
}

func (r *Runner) setNow(t time.Time) {
	r.now = func() time.Time { return t }
}

func mealMissedSequence() *internal.Sequence {
	reminder := 3
	return &internal.Sequence{
		ID:           "seq-1",
		CoachID:      "coach-1",
		Name:         "Missed meal follow-up",
		TriggerEvent: "meal_missed",
		IsActive:     true,
		Steps: []internal.Step{
			{
				Kind: internal.StepKindMessage, StepOrder: 1, IsActive: true,
				MessageContent:  map[string]string{"en": "Hi {{.client_id}}, you missed a meal."},
				SendWindowStart: "09:00", SendWindowEnd: "10:00",
				SendDays: []string{internal.SendDayAny},
			},
			{
				Kind: internal.StepKindCondition, StepOrder: 2, IsActive: true,
				ConditionField: "meal_completed_within", ConditionOperator: internal.OpEq, ConditionValue: "60",
				FalseBranch: &reminder,
			},
			{
				Kind: internal.StepKindMessage, StepOrder: 3, IsActive: true,
				MessageContent:  map[string]string{"en": "Second reminder for {{.client_id}}."},
				SendWindowStart: "18:00", SendWindowEnd: "19:00",
			},
		},
		CreatedAt: at(0, 0),
		UpdatedAt: at(0, 0),
	}
}

func TestRunnerEndToEndMealMissedFlow(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	// Trigger fires at 08:00; enrollment lands on the first message step.
	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "120"}))

	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.CurrentStepOrder)

	// Still before the 09:00 window: nothing dispatches.
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 0, d.sentCount())

	// Inside the window the message dispatches, the condition evaluates false
	// (120 != 60) in the same pass, and the pointer parks on the reminder.
	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 1, d.sentCount())
	e, err = store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, 3, e.CurrentStepOrder)

	// The reminder dispatches in its own window and the enrollment completes.
	r.setNow(at(18, 15))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 2, d.sentCount())
	_, err = store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	got, err := store.GetEnrollment(ctx, e.ID)
	assert.NoError(t, err)
	assert.Equal(t, internal.EnrollmentCompleted, got.Status)
	assert.Len(t, got.DispatchIDs, 2)
}

func TestRunnerConditionTrueEndsSequence(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "60"}))

	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	// First message went out, then the true branch (absent) ended the sequence.
	assert.Equal(t, 1, d.sentCount())

	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.Nil(t, e)
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestRunnerRetriggerWhileEnrolledIsIgnored(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(DefaultConfig())
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", nil))
	first, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)

	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", nil))
	second, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunnerTargetedClientSet(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	seq.ClientIDs = []string{"client-a"}
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-a", nil))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-b", nil))

	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, "client-a", all[0].ClientID)
}

func TestRunnerDeactivatedSequenceDrains(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-a", map[string]string{"meal_completed_within": "120"}))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-b", map[string]string{"meal_completed_within": "120"}))

	seq.IsActive = false
	assert.NoError(t, store.SaveSequence(ctx, seq))

	// New triggers are blocked...
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-c", nil))
	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Len(t, all, 2)

	// ...but existing enrollments keep advancing.
	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 2, d.sentCount())
}

func TestRunnerCancelOnDeactivate(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.CancelOnDeactivate = true
	r, store, d := newTestRunner(cfg)
	seq := mealMissedSequence()
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-a", nil))

	seq.IsActive = false
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 0, d.sentCount())

	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunnerRetryCapCancelsEnrollment(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.RetryCap = 3
	r, store, d := newTestRunner(cfg)
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", nil))
	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)

	d.mu.Lock()
	d.failNext = 10
	d.mu.Unlock()

	r.setNow(at(9, 30))
	// Three failed ticks leave the enrollment active on the same step.
	for i := 1; i <= 3; i++ {
		assert.NoError(t, r.Tick(ctx))
		got, err := store.GetEnrollment(ctx, e.ID)
		assert.NoError(t, err)
		assert.Equal(t, internal.EnrollmentActive, got.Status)
		assert.Equal(t, 1, got.CurrentStepOrder)
		assert.Equal(t, i, got.Attempts)
	}

	// The fourth failure exceeds the cap and cancels with a recorded reason.
	assert.NoError(t, r.Tick(ctx))
	got, err := store.GetEnrollment(ctx, e.ID)
	assert.NoError(t, err)
	assert.Equal(t, internal.EnrollmentCancelled, got.Status)
	assert.Contains(t, got.FailureReason, "dispatch failed")
	assert.Equal(t, 0, d.sentCount())
}

func TestRunnerDispatchRecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "60"}))

	d.mu.Lock()
	d.failNext = 1
	d.mu.Unlock()

	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 0, d.sentCount())

	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 1, d.sentCount())

	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.Nil(t, e)
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestRunnerInactiveStepSkippedWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	seq.Steps[0].IsActive = false
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "120"}))

	// The inactive first message is skipped even outside its window; the
	// condition then routes to the reminder step.
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 0, d.sentCount())
	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, 3, e.CurrentStepOrder)
}

func TestRunnerDanglingBranchCompletes(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	missing := 99
	seq.Steps[1].FalseBranch = &missing
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(9, 30))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "120"}))
	assert.NoError(t, r.Tick(ctx))

	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunnerBranchCycleGuard(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRunner(DefaultConfig())

	// A careless edit can point a condition back at itself.
	self := 1
	seq := &internal.Sequence{
		ID: "seq-cycle", TriggerEvent: "meal_missed", IsActive: true,
		Steps: []internal.Step{
			{
				Kind: internal.StepKindCondition, StepOrder: 1, IsActive: true,
				ConditionField: "x", ConditionOperator: internal.OpExists,
				TrueBranch: &self, FalseBranch: &self,
			},
		},
		CreatedAt: at(0, 0), UpdatedAt: at(0, 0),
	}
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(8, 0))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"x": "1"}))
	assert.NoError(t, r.Tick(ctx))

	// The guard parks the enrollment instead of spinning.
	e, err := store.GetActiveEnrollment(ctx, "seq-cycle", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, internal.EnrollmentActive, e.Status)
}

func TestRunnerMisconfiguredWindowPausesEnrollment(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	seq.Steps[0].SendWindowStart = "10:00"
	seq.Steps[0].SendWindowEnd = "09:00"
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(9, 30))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", nil))
	assert.NoError(t, r.Tick(ctx))

	// No dispatch, no advance: the enrollment waits for the coach to fix it.
	assert.Equal(t, 0, d.sentCount())
	e, err := store.GetActiveEnrollment(ctx, "seq-1", "client-x")
	assert.NoError(t, err)
	assert.Equal(t, 1, e.CurrentStepOrder)
}

func TestRunnerUsesClientLocale(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	seq := mealMissedSequence()
	seq.Steps[0].MessageContent = map[string]string{"en": "hello", "sv": "hej"}
	assert.NoError(t, store.SaveSequence(ctx, seq))

	r.setNow(at(9, 30))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{
		"locale":                "sv",
		"meal_completed_within": "60",
	}))
	assert.NoError(t, r.Tick(ctx))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.sent, 1)
	assert.Equal(t, "hej", d.sent[0].Text)
	assert.Equal(t, "sv", d.sent[0].Locale)
}

type fixedFactSource struct {
	facts map[string]string
}

func (f *fixedFactSource) Facts(ctx context.Context, clientID string) (map[string]string, error) {
	return f.facts, nil
}

func TestRunnerFactSourceOverlaysSnapshot(t *testing.T) {
	ctx := context.Background()
	r, store, d := newTestRunner(DefaultConfig())
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	// Snapshot says the meal was completed late, fresh facts say in time.
	r.SetFactSource(&fixedFactSource{facts: map[string]string{"meal_completed_within": "60"}})

	r.setNow(at(9, 30))
	assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", "client-x", map[string]string{"meal_completed_within": "120"}))
	assert.NoError(t, r.Tick(ctx))

	// True branch is absent, so the enrollment completes after one message.
	assert.Equal(t, 1, d.sentCount())
	all, err := store.ListActiveBySequence(ctx, "seq-1")
	assert.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunnerParallelEnrollmentsIndependentFailures(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Workers = 3
	r, store, d := newTestRunner(cfg)
	assert.NoError(t, store.SaveSequence(ctx, mealMissedSequence()))

	r.setNow(at(8, 0))
	for i := 0; i < 5; i++ {
		assert.NoError(t, r.OnTriggerEvent(ctx, "meal_missed", fmt.Sprintf("client-%d", i), map[string]string{"meal_completed_within": "60"}))
	}

	// One transient failure must not keep the other enrollments from sending.
	d.mu.Lock()
	d.failNext = 1
	d.mu.Unlock()

	r.setNow(at(9, 30))
	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 4, d.sentCount())

	assert.NoError(t, r.Tick(ctx))
	assert.Equal(t, 5, d.sentCount())
}

func TestRunnerStartStop(t *testing.T) {
	r, _, _ := newTestRunner(DefaultConfig())
	assert.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start must be rejected")
	r.Stop()
	assert.NoError(t, r.Start())
	r.Stop()
}
