package service

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

var validate = validator.New()

type SequenceRequest struct {
	Name         string          `json:"name" validate:"required"`
	TriggerEvent string          `json:"trigger_event" validate:"required"`
	IsActive     bool            `json:"is_active"`
	ClientIDs    []string        `json:"client_ids" validate:"dive,required"`
	Steps        []internal.Step `json:"steps" validate:"required,min=1"`
}

func ValidateSequenceRequest(req *SequenceRequest) error {
	if err := validate.Struct(req); err != nil {
		return err
	}
	return ValidateSteps(req.Steps)
}

// ValidateSteps enforces the save-time invariants: unique step_order values,
// well-formed per-kind payloads and non-inverted send windows. Branch targets
// pointing at a missing step are tolerated; the runner degrades them to "end
// of sequence".
func ValidateSteps(steps []internal.Step) error {
	seen := make(map[int]bool, len(steps))
	for _, st := range steps {
		if seen[st.StepOrder] {
			return internal.NewValidationError("duplicate step_order %d", st.StepOrder)
		}
		seen[st.StepOrder] = true

		switch st.Kind {
		case internal.StepKindMessage:
			if err := validateMessageStep(st); err != nil {
				return err
			}
		case internal.StepKindCondition:
			if err := validateConditionStep(st); err != nil {
				return err
			}
		default:
			return internal.NewValidationError("step %d: unknown kind %q", st.StepOrder, st.Kind)
		}
	}
	return nil
}

func validateMessageStep(st internal.Step) error {
	if len(st.MessageContent) == 0 {
		return internal.NewValidationError("step %d: message content required", st.StepOrder)
	}
	if st.DelayDays < 0 {
		return internal.NewValidationError("step %d: delay_days must not be negative", st.StepOrder)
	}
	if _, err := NextDispatchTime(st, time.Now(), time.Now()); err != nil {
		return internal.NewValidationError("step %d: %v", st.StepOrder, err)
	}
	for _, tag := range st.SendDays {
		if !ValidSendDay(tag) {
			return internal.NewValidationError("step %d: unknown send day %q", st.StepOrder, tag)
		}
	}
	return nil
}

func validateConditionStep(st internal.Step) error {
	if st.ConditionField == "" {
		return internal.NewValidationError("step %d: condition field required", st.StepOrder)
	}
	switch st.ConditionOperator {
	case internal.OpEq, internal.OpNeq, internal.OpGt, internal.OpLt, internal.OpExists:
	default:
		return internal.NewValidationError("step %d: unknown operator %q", st.StepOrder, st.ConditionOperator)
	}
	return nil
}

func CreateSequence(ctx context.Context, repo storage.SequenceRepository, coach *internal.User, req *SequenceRequest) (*internal.Sequence, error) {
	now := time.Now()
	seq := &internal.Sequence{
		ID:           uuid.NewString(),
		CoachID:      coach.ID,
		Name:         req.Name,
		TriggerEvent: req.TriggerEvent,
		IsActive:     req.IsActive,
		ClientIDs:    req.ClientIDs,
		Steps:        req.Steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.SaveSequence(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

func UpdateSequence(ctx context.Context, repo storage.SequenceRepository, id string, req *SequenceRequest) (*internal.Sequence, error) {
	seq, err := repo.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	seq.Name = req.Name
	seq.TriggerEvent = req.TriggerEvent
	seq.IsActive = req.IsActive
	seq.ClientIDs = req.ClientIDs
	seq.Steps = req.Steps
	seq.UpdatedAt = time.Now()
	if err := repo.SaveSequence(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}

// SetSequenceActive flips the active flag. Deactivation blocks new
// enrollments; whether in-flight ones drain or get cancelled is the runner's
// drain policy, not decided here.
func SetSequenceActive(ctx context.Context, repo storage.SequenceRepository, id string, active bool) (*internal.Sequence, error) {
	seq, err := repo.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	seq.IsActive = active
	seq.UpdatedAt = time.Now()
	if err := repo.SaveSequence(ctx, seq); err != nil {
		return nil, err
	}
	return seq, nil
}
