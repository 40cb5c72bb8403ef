package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

// FileStorage keeps sequences and enrollments in memory and mirrors them to
// JSON files through debounced background save workers.
type FileStorage struct {
	sequences       map[string]*internal.Sequence
	enrollments     map[string]*internal.Enrollment
	mu              sync.RWMutex
	sequencesFile   string
	enrollmentsFile string
	saveSeqChan     chan struct{}
	saveEnrChan     chan struct{}
	shutdownChan    chan struct{}
	saveSeqDelay    time.Duration
	saveEnrDelay    time.Duration
	logger          internal.Logger
}

func NewFileStorage(sequencesFile, enrollmentsFile string, logger internal.Logger) (*FileStorage, error) {
	s := &FileStorage{
		sequences:       make(map[string]*internal.Sequence),
		enrollments:     make(map[string]*internal.Enrollment),
		sequencesFile:   sequencesFile,
		enrollmentsFile: enrollmentsFile,
		saveSeqChan:     make(chan struct{}, 1),
		saveEnrChan:     make(chan struct{}, 1),
		shutdownChan:    make(chan struct{}),
		saveSeqDelay:    500 * time.Millisecond,
		saveEnrDelay:    500 * time.Millisecond,
		logger:          logger,
	}

	if err := s.loadSequences(); err != nil {
		logger.Errorf("storage: failed to load sequences: %v", err)
		return nil, err
	}
	if err := s.loadEnrollments(); err != nil {
		logger.Errorf("storage: failed to load enrollments: %v", err)
		return nil, err
	}

	go s.saveSequencesWorker()
	go s.saveEnrollmentsWorker()

	return s, nil
}

func (s *FileStorage) loadSequences() error {
	file, err := os.Open(s.sequencesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var sequences []*internal.Sequence
	if err := json.NewDecoder(file).Decode(&sequences); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range sequences {
		s.sequences[seq.ID] = seq
	}
	return nil
}

func (s *FileStorage) loadEnrollments() error {
	file, err := os.Open(s.enrollmentsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	var enrollments []*internal.Enrollment
	if err := json.NewDecoder(file).Decode(&enrollments); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range enrollments {
		s.enrollments[e.ID] = e
	}
	return nil
}

func (s *FileStorage) saveSequences() error {
	s.mu.RLock()
	sequences := make([]*internal.Sequence, 0, len(s.sequences))
	for _, seq := range s.sequences {
		sequences = append(sequences, seq.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(sequences, func(i, j int) bool { return sequences[i].CreatedAt.Before(sequences[j].CreatedAt) })
	return writeJSONFile(s.sequencesFile, sequences)
}

func (s *FileStorage) saveEnrollments() error {
	s.mu.RLock()
	enrollments := make([]*internal.Enrollment, 0, len(s.enrollments))
	for _, e := range s.enrollments {
		enrollments = append(enrollments, e.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].EnrolledAt.Before(enrollments[j].EnrolledAt) })
	return writeJSONFile(s.enrollmentsFile, enrollments)
}

func writeJSONFile(path string, v interface{}) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStorage) saveSequencesWorker() {
	timer := time.NewTimer(s.saveSeqDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.saveSeqChan:
			timer.Reset(s.saveSeqDelay)
		case <-timer.C:
			if err := s.saveSequences(); err != nil {
				s.logger.Errorf("storage: error saving sequences: %v", err)
			}
		case <-s.shutdownChan:
			return
		}
	}
}

func (s *FileStorage) saveEnrollmentsWorker() {
	timer := time.NewTimer(s.saveEnrDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.saveEnrChan:
			timer.Reset(s.saveEnrDelay)
		case <-timer.C:
			if err := s.saveEnrollments(); err != nil {
				s.logger.Errorf("storage: error saving enrollments: %v", err)
			}
		case <-s.shutdownChan:
			return
		}
	}
}

func (s *FileStorage) Close() error {
	close(s.shutdownChan)

	// Save pending data synchronously on shutdown
	if err := s.saveSequences(); err != nil {
		return err
	}
	if err := s.saveEnrollments(); err != nil {
		return err
	}
	return nil
}

// --- SequenceRepository ---

func (s *FileStorage) SaveSequence(ctx context.Context, seq *internal.Sequence) error {
	s.mu.Lock()
	s.sequences[seq.ID] = seq.Clone()
	s.mu.Unlock()
	s.requestSave(s.saveSeqChan)
	return nil
}

func (s *FileStorage) GetSequence(ctx context.Context, id string) (*internal.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return sortedSteps(seq.Clone()), nil
}

func (s *FileStorage) ListSequences(ctx context.Context, coachID string) ([]internal.Sequence, error) {
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

func (s *FileStorage) ListActiveByTrigger(ctx context.Context, triggerEvent string) ([]internal.Sequence, error) {
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

func (s *FileStorage) DeleteSequence(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[id]; !ok {
		return internal.ErrNotFound
	}
	delete(s.sequences, id)
	s.requestSave(s.saveSeqChan)
	return nil
}

// --- EnrollmentRepository ---

func (s *FileStorage) CreateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	s.mu.Lock()
	for _, existing := range s.enrollments {
		if existing.SequenceID == e.SequenceID && existing.ClientID == e.ClientID &&
			existing.Status == internal.EnrollmentActive {
			s.mu.Unlock()
			return internal.ErrAlreadyEnrolled
		}
	}
	s.enrollments[e.ID] = e.Clone()
	s.mu.Unlock()
	s.requestSave(s.saveEnrChan)
	return nil
}

func (s *FileStorage) GetEnrollment(ctx context.Context, id string) (*internal.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return nil, internal.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *FileStorage) GetActiveEnrollment(ctx context.Context, sequenceID, clientID string) (*internal.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.enrollments {
		if e.SequenceID == sequenceID && e.ClientID == clientID && e.Status == internal.EnrollmentActive {
			return e.Clone(), nil
		}
	}
	return nil, internal.ErrNotFound
}

func (s *FileStorage) ListActiveBySequence(ctx context.Context, sequenceID string) ([]internal.Enrollment, error) {
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

func (s *FileStorage) UpdateEnrollment(ctx context.Context, e *internal.Enrollment) error {
	s.mu.Lock()
	stored, ok := s.enrollments[e.ID]
	if !ok {
		s.mu.Unlock()
		return internal.ErrNotFound
	}
	if stored.Version != e.Version {
		s.mu.Unlock()
		return internal.ErrStaleEnrollment
	}
	e.Version++
	e.UpdatedAt = time.Now()
	s.enrollments[e.ID] = e.Clone()
	s.mu.Unlock()
	s.requestSave(s.saveEnrChan)
	return nil
}

func (s *FileStorage) requestSave(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// --- Compile-time assertions ---
var _ SequenceRepository = (*FileStorage)(nil)
var _ EnrollmentRepository = (*FileStorage)(nil)
