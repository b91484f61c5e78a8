package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forPelevin/s2steval/internal/types"
)

func TestStore_SaveAndQuery(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "db", "results.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	runID := uuid.NewString()
	records := []types.ResultRecord{
		{SubjectID: "sample_1", Duration: 5, SimilarityScore: 0.5, TargetText: "hola ¿qué tal?"},
		{SubjectID: "sample_1", Duration: 10, SimilarityScore: 0.7},
		{SubjectID: "sample_2", Duration: 5, SimilarityScore: 0.9},
	}
	require.NoError(t, s.SaveRun(ctx, Run{ID: runID, Mode: "utterance", Entries: 4, StartedAt: time.Now()}, records))
	require.NoError(t, s.SaveRun(ctx, Run{ID: uuid.NewString()}, records[:1]))

	got, err := s.Results(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, records, got)

	means, err := s.MeanByDuration(ctx, runID)
	require.NoError(t, err)
	require.Len(t, means, 2)
	assert.Equal(t, 5.0, means[0].Duration)
	assert.Equal(t, 2, means[0].N)
	assert.InDelta(t, 0.7, means[0].Mean, 1e-9)
	assert.Equal(t, 10.0, means[1].Duration)
}

func TestStore_DuplicateRunRejected(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "results.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	run := Run{ID: "fixed"}
	require.NoError(t, s.SaveRun(context.Background(), run, nil))
	assert.Error(t, s.SaveRun(context.Background(), run, nil))
}
