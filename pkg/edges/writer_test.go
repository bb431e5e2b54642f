package edges

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/stores/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func scoredPair(a, b string, confidence float64) *models.ScoredPair {
	return &models.ScoredPair{
		CandidatePair: models.NewCandidatePair(
			models.RecordRef{ID: a, Collection: "persons"},
			models.RecordRef{ID: b, Collection: "persons"},
			"exact", "key"),
		FieldScores: map[string]models.FieldScore{
			"name": {Similarity: confidence, Agreement: true, Weight: 2.0},
		},
		TotalScore: 5.0,
		Decision:   models.DecisionMatch,
		Confidence: confidence,
	}
}

func TestWriter_ThresholdFilter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges"}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.95)))
	require.NoError(t, writer.Write(ctx, scoredPair("a", "c", 0.5)))
	require.NoError(t, writer.Flush(ctx))

	assert.Equal(t, 1, store.CountEdges("edges"))
	stats := writer.Statistics()
	assert.Equal(t, int64(1), stats.Written)
	assert.Equal(t, int64(1), stats.BelowThreshold)
}

func TestWriter_BatchFlush(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges", BatchSize: 2}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	assert.Equal(t, 0, store.CountEdges("edges"), "below batch size, not flushed yet")

	require.NoError(t, writer.Write(ctx, scoredPair("a", "c", 0.9)))
	assert.Equal(t, 2, store.CountEdges("edges"))
	assert.Equal(t, int64(1), writer.Statistics().Batches)
}

func TestWriter_EdgeContent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges"}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("b", "a", 0.9)))
	require.NoError(t, writer.Flush(ctx))

	var edge *models.SimilarityEdge
	require.NoError(t, store.Edges().ScanEdges(ctx, "edges", models.EdgeFilter{}, func(e *models.SimilarityEdge) error {
		edge = e
		return nil
	}))
	require.NotNil(t, edge)
	assert.Equal(t, "a", edge.From)
	assert.Equal(t, "b", edge.To)
	assert.Equal(t, AlgorithmFellegiSunter, edge.Algorithm)
	assert.InDelta(t, 0.9, edge.Weight, 1e-9)
	assert.Equal(t, 1, edge.UpdateCount)
	assert.False(t, edge.CreatedAt.IsZero())
}

func TestWriter_RescoreIsIdempotentUnderKeepMax(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges"}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	require.NoError(t, writer.Flush(ctx))
	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	require.NoError(t, writer.Flush(ctx))

	var edge *models.SimilarityEdge
	require.NoError(t, store.Edges().ScanEdges(ctx, "edges", models.EdgeFilter{}, func(e *models.SimilarityEdge) error {
		edge = e
		return nil
	}))
	assert.InDelta(t, 0.9, edge.Weight, 1e-9)
	assert.Equal(t, 2, edge.UpdateCount)
	assert.Equal(t, 1, store.CountEdges("edges"))
}

func TestWriter_RunningMeanOfSameValueIsStable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{
		Collection: "edges",
		MergeMode:  stores.MergeRunningMean,
	}, testLogger())

	for i := 0; i < 3; i++ {
		require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.85)))
		require.NoError(t, writer.Flush(ctx))
	}

	var edge *models.SimilarityEdge
	require.NoError(t, store.Edges().ScanEdges(ctx, "edges", models.EdgeFilter{}, func(e *models.SimilarityEdge) error {
		edge = e
		return nil
	}))
	assert.InDelta(t, 0.85, edge.Weight, 1e-9)
}

func TestWriter_Drain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges"}, testLogger())

	in := make(chan *models.ScoredPair, 3)
	in <- scoredPair("a", "b", 0.9)
	in <- scoredPair("a", "c", 0.95)
	in <- scoredPair("b", "c", 0.2)
	close(in)

	require.NoError(t, writer.Drain(ctx, in))
	assert.Equal(t, 2, store.CountEdges("edges"))
}

func TestWriter_Clear(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{Collection: "edges"}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	require.NoError(t, writer.Flush(ctx))

	deleted, err := writer.Clear(ctx, models.EdgeFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 0, store.CountEdges("edges"))
}

func TestWriter_CSVBulkPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	captured := filepath.Join(dir, "captured.csv")

	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{
		Collection:  "edges",
		BulkMethod:  BulkMethodCSV,
		CSVDir:      dir,
		BulkCommand: []string{"cp", "{file}", captured},
	}, testLogger())

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	require.NoError(t, writer.Flush(ctx))

	file, err := os.Open(captured)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"from", "to", "block_key", "created_at", "type", "weight", "per_field_scores_json"}, rows[0])
	assert.Equal(t, "a", rows[1][0])
	assert.Equal(t, "b", rows[1][1])
	assert.Equal(t, AlgorithmFellegiSunter, rows[1][4])

	// Temp file removed on success; only the loader's copy remains.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "captured.csv", entries[0].Name())
}

func TestWriter_CSVLoaderFailureKeepsFileAndRedacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := memory.NewStore()
	writer := NewWriter(store.Edges(), Config{
		Collection:  "edges",
		BulkMethod:  BulkMethodCSV,
		CSVDir:      dir,
		BulkCommand: []string{"sh", "-c", "echo 'auth failed for password=hunter2' >&2; exit 1"},
	}, testLogger(), "hunter2")

	require.NoError(t, writer.Write(ctx, scoredPair("a", "b", 0.9)))
	err := writer.Flush(ctx)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "****")

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Len(t, entries, 1, "failed batch csv is kept")
}
