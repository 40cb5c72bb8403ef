package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

func validRequest() *SequenceRequest {
	branch := 3
	return &SequenceRequest{
		Name:         "Missed meal follow-up",
		TriggerEvent: "meal_missed",
		IsActive:     true,
		Steps: []internal.Step{
			{
				Kind:            internal.StepKindMessage,
				StepOrder:       1,
				IsActive:        true,
				MessageContent:  map[string]string{"en": "Don't forget to log your meal!"},
				SendWindowStart: "09:00",
				SendWindowEnd:   "10:00",
				SendDays:        []string{internal.SendDayAny},
			},
			{
				Kind:              internal.StepKindCondition,
				StepOrder:         2,
				IsActive:          true,
				ConditionField:    "meal_completed_within",
				ConditionOperator: internal.OpEq,
				ConditionValue:    "60",
				FalseBranch:       &branch,
			},
			{
				Kind:            internal.StepKindMessage,
				StepOrder:       3,
				IsActive:        true,
				MessageContent:  map[string]string{"en": "Second reminder"},
				SendWindowStart: "18:00",
				SendWindowEnd:   "19:00",
			},
		},
	}
}

func TestValidateSequenceRequestAccepts(t *testing.T) {
	assert.NoError(t, ValidateSequenceRequest(validRequest()))
}

func TestValidateStepsRejectsDuplicateOrder(t *testing.T) {
	req := validRequest()
	req.Steps[2].StepOrder = 1
	err := ValidateSequenceRequest(req)
	assert.Error(t, err)
	var verr *internal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateStepsRejectsInvertedWindow(t *testing.T) {
	req := validRequest()
	req.Steps[0].SendWindowStart = "10:00"
	req.Steps[0].SendWindowEnd = "09:00"
	err := ValidateSequenceRequest(req)
	var verr *internal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateStepsRejectsBadSendDay(t *testing.T) {
	req := validRequest()
	req.Steps[0].SendDays = []string{"monday"}
	err := ValidateSequenceRequest(req)
	var verr *internal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateStepsRejectsUnknownKind(t *testing.T) {
	req := validRequest()
	req.Steps[0].Kind = "pause"
	err := ValidateSequenceRequest(req)
	var verr *internal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateStepsRejectsBadOperator(t *testing.T) {
	req := validRequest()
	req.Steps[1].ConditionOperator = "between"
	err := ValidateSequenceRequest(req)
	var verr *internal.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestValidateStepsToleratesDanglingBranch(t *testing.T) {
	// A branch target pointing at a missing step degrades at run time,
	// it is not a save-time error.
	req := validRequest()
	missing := 99
	req.Steps[1].TrueBranch = &missing
	assert.NoError(t, ValidateSequenceRequest(req))
}

func TestCreateAndUpdateSequence(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStorage(internal.NewNopLogger())
	coach := &internal.User{ID: "coach-1"}

	seq, err := CreateSequence(ctx, repo, coach, validRequest())
	assert.NoError(t, err)
	assert.NotEmpty(t, seq.ID)
	assert.Equal(t, "coach-1", seq.CoachID)

	got, err := repo.GetSequence(ctx, seq.ID)
	assert.NoError(t, err)
	assert.Len(t, got.Steps, 3)
	// Steps come back sorted by step_order.
	assert.Equal(t, []int{1, 2, 3}, []int{got.Steps[0].StepOrder, got.Steps[1].StepOrder, got.Steps[2].StepOrder})

	req := validRequest()
	req.Name = "Renamed"
	updated, err := UpdateSequence(ctx, repo, seq.ID, req)
	assert.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.True(t, updated.UpdatedAt.After(seq.UpdatedAt) || updated.UpdatedAt.Equal(seq.UpdatedAt))
}

func TestSetSequenceActive(t *testing.T) {
	ctx := context.Background()
	repo := storage.NewMemoryStorage(internal.NewNopLogger())
	coach := &internal.User{ID: "coach-1"}

	seq, err := CreateSequence(ctx, repo, coach, validRequest())
	assert.NoError(t, err)

	got, err := SetSequenceActive(ctx, repo, seq.ID, false)
	assert.NoError(t, err)
	assert.False(t, got.IsActive)

	byTrigger, err := repo.ListActiveByTrigger(ctx, "meal_missed")
	assert.NoError(t, err)
	assert.Empty(t, byTrigger)
}
