package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// MemoryStorage keeps everything in process. Used by tests and development.
type MemoryStorage struct {
	sequences   map[string]*internal.Sequence
	enrollments map[string]*internal.Enrollment
	mu          sync.RWMutex
	logger      internal.Logger
}

func NewMemoryStorage(logger internal.Logger) *MemoryStorage {
	return &MemoryStorage{
		sequences:   make(map[string]*internal.Sequence),
		enrollments: make(map[string]*internal.Enrollment),
		logger:      logger,
	}
}

// --- SequenceRepository ---

func (s *MemoryStorage) SaveSequence(ctx context.Context, seq *internal.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[seq.ID] = seq.Clone()
	return nil
}

func (s *MemoryStorage) GetSequence(ctx context.Context, id string) (*internal.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return sortedSteps(seq.Clone()), nil
}

func (s *MemoryStorage) ListSequences(ctx context.Context, coachID string) ([]internal.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []internal.Sequence
	for _, seq := range s.sequences {
		if coachID != "" && seq.CoachID != coachID {
			continue
		}
		out = append(out, *sortedSteps(seq.Clone()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStorage) ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]internal.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []internal.Sequence
	for _, seq := range s.sequences {
		if seq.IsActive && seq.TriggerEvent == triggerEvent {
			out = append(out, *sortedSteps(seq.Clone()))
		}
	}
	return out, nil
}

func (s *MemoryStorage) DeleteSequence(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[id]; !ok {
		return internal.ErrNotFound
	}
	delete(s.sequences, id)
	return nil
}

// --- EnrollmentRepository ---

func (s *MemoryStorage) CreateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.SequenceID == e.SequenceID && existing.ClientID == e.ClientID &&
			existing.Status == internal.EnrollmentActive {
			return internal.ErrAlreadyEnrolled
		}
	}
	s.enrollments[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStorage) GetEnrollment(ctx context.Context, id string) (*internal.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStorage) GetActiveEnrollment(ctx context.Context, sequenceID, clientID string) (*internal.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.enrollments {
		if e.SequenceID == sequenceID && e.ClientID == clientID && e.Status == internal.EnrollmentActive {
			return e.Clone(), nil
		}
	}
	return nil, internal.ErrNotFound
}

func (s *MemoryStorage) ListActiveBySequence(ctx context.Context, sequenceID string) ([]internal.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []internal.Enrollment
	for _, e := range s.enrollments {
		if e.SequenceID == sequenceID && e.Status == internal.EnrollmentActive {
			out = append(out, *e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrolledAt.Before(out[j].EnrolledAt) })
	return out, nil
}

func (s *MemoryStorage) UpdateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.enrollments[e.ID]
	if !ok {
		return internal.ErrNotFound
	}
	if stored.Version != e.Version {
		return internal.ErrStaleEnrollment
	}
	e.Version++
	e.UpdatedAt = time.Now()
	s.enrollments[e.ID] = e.Clone()
	return nil
}

func sortedSteps(seq *internal.Sequence) *internal.Sequence {
	sort.Slice(seq.Steps, func(i, j int) bool { return seq.Steps[i].StepOrder < seq.Steps[j].StepOrder })
	return seq
}

// --- Compile-time assertions ---
var _ SequenceRepository = (*MemoryStorage)(nil)
var _ EnrollmentRepository = (*MemoryStorage)(nil)
