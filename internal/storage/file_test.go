package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

func newTestFileStorage(t *testing.T) (*FileStorage, string, string) {
	dir := t.TempDir()
	seqFile := filepath.Join(dir, "sequences.json")
	enrFile := filepath.Join(dir, "enrollments.json")
	s, err := NewFileStorage(seqFile, enrFile, internal.NewNopLogger())
	assert.NoError(t, err)
	return s, seqFile, enrFile
}

func TestFileStoragePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	s, seqFile, enrFile := newTestFileStorage(t)

	assert.NoError(t, s.SaveSequence(ctx, testSequence("s1", "meal_missed", true)))
	e := internal.NewEnrollment("s1", "client-1", 1, map[string]string{"locale": "sv"}, time.Now())
	assert.NoError(t, s.CreateEnrollment(ctx, e))
	assert.NoError(t, s.Close())

	reopened, err := NewFileStorage(seqFile, enrFile, internal.NewNopLogger())
	assert.NoError(t, err)
	defer reopened.Close()

	seq, err := reopened.GetSequence(ctx, "s1")
	assert.NoError(t, err)
	assert.Equal(t, "meal_missed", seq.TriggerEvent)

	got, err := reopened.GetActiveEnrollment(ctx, "s1", "client-1")
	assert.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "sv", got.Facts["locale"])
}

func TestFileStorageCAS(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestFileStorage(t)
	defer s.Close()

	e := internal.NewEnrollment("s1", "client-1", 1, nil, time.Now())
	assert.NoError(t, s.CreateEnrollment(ctx, e))

	stale := e.Clone()
	e.CurrentStepOrder = 2
	assert.NoError(t, s.UpdateEnrollment(ctx, e))

	stale.CurrentStepOrder = 3
	assert.ErrorIs(t, s.UpdateEnrollment(ctx, stale), internal.ErrStaleEnrollment)
}

func TestFileStorageDeleteSequence(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestFileStorage(t)
	defer s.Close()

	assert.NoError(t, s.SaveSequence(ctx, testSequence("s1", "meal_missed", true)))
	assert.NoError(t, s.DeleteSequence(ctx, "s1"))
	assert.ErrorIs(t, s.DeleteSequence(ctx, "s1"), internal.ErrNotFound)
}
