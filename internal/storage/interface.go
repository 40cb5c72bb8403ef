package storage

import (
	"context"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// SequenceRepository persists coach-authored sequence definitions. Reads
// return steps sorted ascending by step_order.
type SequenceRepository interface {
	SaveSequence(ctx context.Context, seq *internal.Sequence) error
	GetSequence(ctx context.Context, id string) (*internal.Sequence, error)
	// ListSequences returns sequences owned by coachID; an empty coachID
	// matches all coaches.
	ListSequences(ctx context.Context, coachID string) ([]internal.Sequence, error)
	ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]internal.Sequence, error)
	DeleteSequence(ctx context.Context, id string) error
}

// EnrollmentRepository persists per-client sequence progress. CreateEnrollment
// returns internal.ErrAlreadyEnrolled when an active record exists for the
// (sequence, client) pair. UpdateEnrollment is a compare-and-swap on Version
// and returns internal.ErrStaleEnrollment when it loses; on success the
// stored Version is incremented and reflected on the passed record.
type EnrollmentRepository interface {
	CreateEnrollment(ctx context.Context, e *internal.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*internal.Enrollment, error)
	GetActiveEnrollment(ctx context.Context, sequenceID, clientID string) (*internal.Enrollment, error)
	ListActiveBySequence(ctx context.Context, sequenceID string) ([]internal.Enrollment, error)
	UpdateEnrollment(ctx context.Context, e *internal.Enrollment) error
}
