package api

import (
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/engine"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/storage"
)

type App interface {
	Logger() internal.Logger
	Sequences() storage.SequenceRepository
	Enrollments() storage.EnrollmentRepository
	Runner() *engine.Runner
}
