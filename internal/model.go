package internal

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// StepKind discriminates the two step payload shapes. Every switch over a
// StepKind must handle both values explicitly.
type StepKind string

const (
	StepKindMessage   StepKind = "message"
	StepKindCondition StepKind = "condition"
)

type ConditionOperator string

const (
	OpEq     ConditionOperator = "eq"
	OpNeq    ConditionOperator = "neq"
	OpGt     ConditionOperator = "gt"
	OpLt     ConditionOperator = "lt"
	OpExists ConditionOperator = "exists"
)

// SendDayAny in SendDays (or an empty SendDays) permits dispatch on any weekday.
const SendDayAny = "any"

// Step is a tagged union over the message and condition variants; Kind decides
// which field group is meaningful.
type Step struct {
	Kind      StepKind `json:"kind"`
	StepOrder int      `json:"step_order"`
	IsActive  bool     `json:"is_active"`

	// Message variant. Content is keyed by locale, times are "HH:MM",
	// send days are mon..sun tags or "any".
	MessageContent  map[string]string `json:"message_content,omitempty"`
	DelayDays       int               `json:"delay_days,omitempty"`
	SendWindowStart string            `json:"send_window_start,omitempty"`
	SendWindowEnd   string            `json:"send_window_end,omitempty"`
	SendDays        []string          `json:"send_days,omitempty"`

	// Condition variant. Branch targets are step_order values in the same
	// sequence; a nil branch ends the sequence on that outcome.
	ConditionField    string            `json:"condition_field,omitempty"`
	ConditionOperator ConditionOperator `json:"condition_operator,omitempty"`
	ConditionValue    string            `json:"condition_value,omitempty"`
	TrueBranch        *int              `json:"true_branch,omitempty"`
	FalseBranch       *int              `json:"false_branch,omitempty"`
}

type Sequence struct {
	ID           string    `json:"id"`
	CoachID      string    `json:"coach_id"`
	Name         string    `json:"name"`
	TriggerEvent string    `json:"trigger_event"`
	IsActive     bool      `json:"is_active"`
	ClientIDs    []string  `json:"client_ids,omitempty"` // empty means all eligible clients
	Steps        []Step    `json:"steps"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StepByOrder returns the step addressed by a step_order value.
func (s *Sequence) StepByOrder(order int) (*Step, bool) {
	for i := range s.Steps {
		if s.Steps[i].StepOrder == order {
			return &s.Steps[i], true
		}
	}
	return nil, false
}

// NextStepOrder returns the smallest step_order strictly greater than after.
// Message steps fall through in this order; only condition steps branch.
func (s *Sequence) NextStepOrder(after int) (int, bool) {
	best := 0
	found := false
	for i := range s.Steps {
		o := s.Steps[i].StepOrder
		if o > after && (!found || o < best) {
			best = o
			found = true
		}
	}
	return best, found
}

// FirstStepOrder returns the lowest step_order in the sequence.
func (s *Sequence) FirstStepOrder() (int, bool) {
	best := 0
	found := false
	for i := range s.Steps {
		o := s.Steps[i].StepOrder
		if !found || o < best {
			best = o
			found = true
		}
	}
	return best, found
}

// Targets reports whether the sequence enrolls the given client.
func (s *Sequence) Targets(clientID string) bool {
	if len(s.ClientIDs) == 0 {
		return true
	}
	for _, id := range s.ClientIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

func (s *Sequence) Clone() *Sequence {
	c := *s
	c.ClientIDs = append([]string(nil), s.ClientIDs...)
	c.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		cs := st
		cs.MessageContent = cloneStringMap(st.MessageContent)
		cs.SendDays = append([]string(nil), st.SendDays...)
		if st.TrueBranch != nil {
			v := *st.TrueBranch
			cs.TrueBranch = &v
		}
		if st.FalseBranch != nil {
			v := *st.FalseBranch
			cs.FalseBranch = &v
		}
		c.Steps[i] = cs
	}
	return &c
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// Enrollment tracks one client's progress through one sequence. While Status
// is active, CurrentStepOrder addresses a step in the owning sequence.
// Version backs optimistic concurrency on updates.
type Enrollment struct {
	ID               string            `json:"id"`
	SequenceID       string            `json:"sequence_id"`
	ClientID         string            `json:"client_id"`
	CurrentStepOrder int               `json:"current_step_order"`
	EnrolledAt       time.Time         `json:"enrolled_at"`
	StepEnteredAt    time.Time         `json:"step_entered_at"` // delay-day baseline for the current step
	Status           EnrollmentStatus  `json:"status"`
	Facts            map[string]string `json:"facts,omitempty"` // snapshot captured at trigger time
	Attempts         int               `json:"attempts"`        // failed dispatch attempts on the current step
	DispatchIDs      []string          `json:"dispatch_ids,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	Version          int64             `json:"version"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// NewEnrollment creates an active enrollment positioned at firstStepOrder,
// with now as both the enrollment time and the delay baseline of the first
// step.
func NewEnrollment(sequenceID, clientID string, firstStepOrder int, facts map[string]string, now time.Time) *Enrollment {
	return &Enrollment{
		ID:               uuid.NewString(),
		SequenceID:       sequenceID,
		ClientID:         clientID,
		CurrentStepOrder: firstStepOrder,
		EnrolledAt:       now,
		StepEnteredAt:    now,
		Status:           EnrollmentActive,
		Facts:            cloneStringMap(facts),
		UpdatedAt:        now,
	}
}

func (e *Enrollment) Clone() *Enrollment {
	c := *e
	c.Facts = cloneStringMap(e.Facts)
	c.DispatchIDs = append([]string(nil), e.DispatchIDs...)
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
