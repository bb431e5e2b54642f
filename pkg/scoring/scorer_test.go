package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func personConfig() Config {
	return Config{
		FieldWeights: map[string]FieldWeight{
			"first": {MProb: 0.9, UProb: 0.05, Threshold: 0.85},
			"last":  {MProb: 0.9, UProb: 0.05, Threshold: 0.85},
			"email": {MProb: 0.95, UProb: 0.01, Threshold: 0.99, Algorithm: AlgorithmExact},
		},
	}
}

func pairOf(a, b string) models.CandidatePair {
	return models.NewCandidatePair(
		models.RecordRef{ID: a, Collection: "persons"},
		models.RecordRef{ID: b, Collection: "persons"},
		"exact", "")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no fields", func(c *Config) { c.FieldWeights = nil }},
		{"m_prob zero", func(c *Config) {
			c.FieldWeights["first"] = FieldWeight{MProb: 0, UProb: 0.1, Threshold: 0.8}
		}},
		{"m_prob one", func(c *Config) {
			c.FieldWeights["first"] = FieldWeight{MProb: 1, UProb: 0.1, Threshold: 0.8}
		}},
		{"u_prob out of range", func(c *Config) {
			c.FieldWeights["first"] = FieldWeight{MProb: 0.9, UProb: 1.2, Threshold: 0.8}
		}},
		{"threshold above one", func(c *Config) {
			c.FieldWeights["first"] = FieldWeight{MProb: 0.9, UProb: 0.1, Threshold: 1.5}
		}},
		{"unknown algorithm", func(c *Config) {
			c.FieldWeights["first"] = FieldWeight{MProb: 0.9, UProb: 0.1, Threshold: 0.8, Algorithm: "cosine"}
		}},
		{"inverted thresholds", func(c *Config) {
			c.UpperThreshold = -5
			c.LowerThreshold = 5
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := personConfig()
			tt.mutate(&config)
			_, err := NewScorer(memory.NewStore(), config, testLogger())
			require.Error(t, err)
			assert.True(t, errors.IsConfig(err))
		})
	}
}

func TestScorer_MinimalDuplicate(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "John", "last": "Smith", "email": "a@x"}},
		{ID: "r2", Data: map[string]any{"first": "Jon", "last": "Smith", "email": "a@x"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)

	assert.Equal(t, models.DecisionMatch, scored.Decision)
	assert.Greater(t, scored.TotalScore, DefaultUpperThreshold)
	assert.Equal(t, 1.0, scored.Confidence)

	email := scored.FieldScores["email"]
	assert.True(t, email.Agreement)
	assert.InDelta(t, math.Log(0.95/0.01), email.Weight, 1e-9)

	first := scored.FieldScores["first"]
	assert.True(t, first.Agreement, "jaro-winkler of john/jon exceeds 0.85")
}

func TestScorer_NonMatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "John", "last": "Smith", "email": "a@x"}},
		{ID: "r2", Data: map[string]any{"first": "Zelda", "last": "Quartz", "email": "b@y"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)

	assert.Equal(t, models.DecisionNonMatch, scored.Decision)
	assert.Equal(t, 0.0, scored.Confidence)
}

func TestScorer_EqualProbsYieldZeroWeight(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"tag": "abc"}},
		{ID: "r2", Data: map[string]any{"tag": "abc"}},
	}))

	scorer, err := NewScorer(store, Config{
		FieldWeights: map[string]FieldWeight{
			"tag": {MProb: 0.5, UProb: 0.5, Threshold: 0.9, Algorithm: AlgorithmExact},
		},
	}, testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)

	// A field with m = u has no discriminative value.
	assert.Equal(t, 0.0, scored.FieldScores["tag"].Weight)
	assert.Equal(t, 0.0, scored.TotalScore)
	assert.Equal(t, models.DecisionPossibleMatch, scored.Decision)
}

func TestScorer_MissingFieldCarriesNoEvidence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "John", "last": "Smith", "email": "a@x"}},
		{ID: "r2", Data: map[string]any{"first": "John", "last": "Smith"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)

	_, present := scored.FieldScores["email"]
	assert.False(t, present)
	assert.Len(t, scored.FieldScores, 2)
}

func TestScorer_MissingRecordIsValidationError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "John"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	_, err = scorer.ScorePair(ctx, pairOf("r1", "ghost"))
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, int64(1), scorer.Statistics().Dropped)
}

func TestScorer_NormalizationPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"name": "  JOSÉ   GARCIA "}},
		{ID: "r2", Data: map[string]any{"name": "jose garcia"}},
	}))

	scorer, err := NewScorer(store, Config{
		FieldWeights: map[string]FieldWeight{
			"name": {MProb: 0.9, UProb: 0.05, Threshold: 0.99, Algorithm: AlgorithmExact},
		},
	}, testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, scored.FieldScores["name"].Similarity)
}

func TestScorer_CustomSimilarityFunction(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"name": "anything"}},
		{ID: "r2", Data: map[string]any{"name": "whatever"}},
	}))

	scorer, err := NewScorer(store, Config{
		FieldWeights: map[string]FieldWeight{
			"name": {
				MProb: 0.9, UProb: 0.05, Threshold: 0.5,
				Custom: func(a, b string) float64 { return 1.0 },
			},
		},
	}, testLogger())
	require.NoError(t, err)

	scored, err := scorer.ScorePair(ctx, pairOf("r1", "r2"))
	require.NoError(t, err)
	assert.True(t, scored.FieldScores["name"].Agreement)
}

func TestScorer_PrefetchWarmsCache(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "a"}},
		{ID: "r2", Data: map[string]any{"first": "b"}},
		{ID: "r3", Data: map[string]any{"first": "c"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	pairs := []models.CandidatePair{pairOf("r1", "r2"), pairOf("r2", "r3")}
	require.NoError(t, scorer.Prefetch(ctx, pairs))
	assert.Equal(t, 3, scorer.Statistics().CacheSize)
}

func TestScorer_ScoreStream(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.PutRecords(ctx, "persons", []*models.Record{
		{ID: "r1", Data: map[string]any{"first": "John", "last": "Smith", "email": "a@x"}},
		{ID: "r2", Data: map[string]any{"first": "Jon", "last": "Smith", "email": "a@x"}},
		{ID: "r3", Data: map[string]any{"first": "Zelda", "last": "Quartz", "email": "b@y"}},
	}))

	scorer, err := NewScorer(store, personConfig(), testLogger())
	require.NoError(t, err)

	in := make(chan models.CandidatePair, 3)
	in <- pairOf("r1", "r2")
	in <- pairOf("r1", "r3")
	in <- pairOf("r2", "ghost") // dropped, stream continues
	close(in)

	out := make(chan *models.ScoredPair, 3)
	require.NoError(t, scorer.ScoreStream(ctx, in, out))

	decisions := make(map[string]models.Decision)
	for scored := range out {
		decisions[scored.Key()] = scored.Decision
	}
	assert.Equal(t, models.DecisionMatch, decisions["r1|r2"])
	assert.Equal(t, models.DecisionNonMatch, decisions["r1|r3"])
	assert.Len(t, decisions, 2)

	stats := scorer.Statistics()
	assert.Equal(t, int64(2), stats.Scored)
	assert.Equal(t, int64(1), stats.Dropped)
}
