package blocking

import (
	"context"
	"fmt"
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

func viewNamer(collection string) string { return collection + "_view" }

func seedStore(t *testing.T, records map[string][]*models.Record) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	for collection, recs := range records {
		store.CreateCollection(collection)
		require.NoError(t, store.PutRecords(context.Background(), collection, recs))
	}
	return store
}

func indexNames(t *testing.T, store *memory.Store, collection string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateAnalyzer(ctx, stores.AnalyzerDefinition{
		Name: "ngram", Kind: stores.AnalyzerNgram, N: 3,
	}, false))
	require.NoError(t, store.CreateAnalyzer(ctx, stores.AnalyzerDefinition{
		Name: "phonetic", Kind: stores.AnalyzerPhonetic, Encoder: "soundex",
	}, false))
	_, err := store.CreateView(ctx, stores.ViewDefinition{
		Name:       viewNamer(collection),
		Collection: collection,
		FieldAnalyzers: map[string][]string{
			"name": {"ngram", "phonetic"},
		},
	}, false)
	require.NoError(t, err)
}

func TestExactStrategy_GroupsNormalizedValues(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"email": "A@X.com"}},
			{ID: "p2", Data: map[string]any{"email": "a@x.com "}},
			{ID: "p3", Data: map[string]any{"email": "other@y.com"}},
			{ID: "p4", Data: map[string]any{}},
		},
	})

	strategy := NewExactStrategy(store, []string{"email"}, 0, 0)
	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, "p1", pairs[0].A.ID)
	assert.Equal(t, "p2", pairs[0].B.ID)
	assert.Equal(t, "a@x.com", pairs[0].BlockKey)
	assert.Equal(t, 1, strategy.Statistics().DroppedRecords)
}

func TestExactStrategy_BlockSizeProtection(t *testing.T) {
	// A placeholder value shared by many records must not explode into
	// quadratic pairs.
	records := make([]*models.Record, 0, 500)
	for i := 0; i < 500; i++ {
		records = append(records, &models.Record{
			ID:   fmt.Sprintf("p%03d", i),
			Data: map[string]any{"phone": "0"},
		})
	}
	store := seedStore(t, map[string][]*models.Record{"persons": records})

	strategy := NewExactStrategy(store, []string{"phone"}, 2, 100)
	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	assert.Empty(t, pairs)
	assert.Equal(t, 1, strategy.Statistics().DroppedBlocks)
}

func TestCompositeStrategy_SubfieldsAndFilters(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"last": "Smith", "zip": "57105-1234"}},
			{ID: "p2", Data: map[string]any{"last": "Smith", "zip": "57105"}},
			{ID: "p3", Data: map[string]any{"last": "Smith", "zip": "12"}},
			{ID: "p4", Data: map[string]any{"last": "0", "zip": "57105"}},
		},
	})

	strategy := NewCompositeStrategy(store, []BlockField{
		{Field: "last", Filter: FieldFilter{NotNull: true, NotIn: []string{"0"}}},
		{Field: "zip", Normalizer: "zip5", Filter: FieldFilter{NotNull: true}},
	}, 0, 0)

	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, "p1", pairs[0].A.ID)
	assert.Equal(t, "p2", pairs[0].B.ID)
	assert.Equal(t, "smith|57105", pairs[0].BlockKey)
	assert.Equal(t, 2, strategy.Statistics().DroppedRecords)
}

func TestGeographicStrategy_FallbackRules(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"state": "SD"}},
			{ID: "p2", Data: map[string]any{"zip": "57105"}},
			{ID: "p3", Data: map[string]any{"zip": "90210"}},
		},
	})

	strategy := NewGeographicStrategy(store, "state", "", []FallbackRule{
		{SourceField: "zip", PrefixIn: []string{"570", "571", "572", "573", "574", "575", "576", "577"}, DerivedValue: "SD"},
	}, 0, 0)

	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, "p1", pairs[0].A.ID)
	assert.Equal(t, "p2", pairs[0].B.ID)
	assert.Equal(t, "sd", pairs[0].BlockKey)
}

func TestSearchStrategy_Ngram(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"name": "Jonathan Smith"}},
			{ID: "p2", Data: map[string]any{"name": "Johnathan Smith"}},
			{ID: "p3", Data: map[string]any{"name": "Zebra Quartz"}},
		},
	})
	indexNames(t, store, "persons")

	strategy := NewNgramStrategy(store, viewNamer, []string{"name"}, 10, 0.1, "")
	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	keys := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		keys = append(keys, pair.Key())
		assert.Less(t, pair.A.ID, pair.B.ID)
		assert.Greater(t, pair.BM25Score, 0.0)
	}
	assert.Contains(t, keys, "p1|p2")
	assert.NotContains(t, keys, "p1|p3")
}

func TestSearchStrategy_ConstraintField(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"name": "Jonathan Smith", "state": "SD"}},
			{ID: "p2", Data: map[string]any{"name": "Jonathan Smith", "state": "CA"}},
		},
	})
	indexNames(t, store, "persons")

	strategy := NewNgramStrategy(store, viewNamer, []string{"name"}, 10, 0.1, "state")
	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)
	assert.Empty(t, pairs)
}

func TestSearchStrategy_Phonetic(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"name": "Smith"}},
			{ID: "p2", Data: map[string]any{"name": "Smyth"}},
		},
	})
	indexNames(t, store, "persons")

	strategy := NewPhoneticStrategy(store, viewNamer, []string{"name"}, 10, 0.1, "")
	pairs, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	require.Len(t, pairs, 1)
	assert.Equal(t, "p1|p2", pairs[0].Key())
}

func TestSearchStrategy_MissingView(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {{ID: "p1", Data: map[string]any{"name": "Jon"}}},
	})

	strategy := NewNgramStrategy(store, viewNamer, []string{"name"}, 10, 0.1, "")
	_, err := strategy.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.Error(t, err)
}

func TestHybridStrategy_GatesOnCombinedScore(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"name": "Jonathan Smith"}},
			{ID: "p2", Data: map[string]any{"name": "Jonathan Smith"}},
			{ID: "p3", Data: map[string]any{"name": "Jon Smithson Q"}},
		},
	})
	indexNames(t, store, "persons")

	strict := NewHybridStrategy(store, viewNamer, []string{"name"}, 10, 0.1, 0.3, 0.7, 0.95)
	pairs, err := strict.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	keys := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		keys = append(keys, pair.Key())
	}
	assert.Contains(t, keys, "p1|p2")
	assert.NotContains(t, keys, "p1|p3")
}

func TestGraphStrategy_ExpandsHops(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{}},
			{ID: "p2", Data: map[string]any{}},
			{ID: "p3", Data: map[string]any{}},
			{ID: "p4", Data: map[string]any{}},
		},
	})
	require.NoError(t, store.Edges().BulkUpsert(ctx, "seed_edges", []*models.SimilarityEdge{
		{From: "p1", To: "p2", Weight: 1.0},
		{From: "p2", To: "p3", Weight: 1.0},
		{From: "p3", To: "p4", Weight: 1.0},
	}, stores.UpsertOptions{}))

	oneHop := NewGraphStrategy(store, store.Edges(), "seed_edges", 1, 0)
	pairs, err := oneHop.GenerateCandidates(ctx, Scope{Collections: []string{"persons"}})
	require.NoError(t, err)
	assert.Len(t, pairs, 3)

	twoHop := NewGraphStrategy(store, store.Edges(), "seed_edges", 2, 0)
	pairs, err = twoHop.GenerateCandidates(ctx, Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	keys := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		keys = append(keys, pair.Key())
	}
	assert.Contains(t, keys, "p1|p3")
	assert.Contains(t, keys, "p2|p4")
	assert.NotContains(t, keys, "p1|p4")
}

func TestEngine_UnionsStrategies(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"name": "Jonathan Smith", "email": "a@x"}},
			{ID: "p2", Data: map[string]any{"name": "Johnathan Smith", "email": "a@x"}},
			{ID: "p3", Data: map[string]any{"name": "Alice Brown", "email": "b@y"}},
		},
	})
	indexNames(t, store, "persons")

	engine := NewEngine(store, []Strategy{
		NewExactStrategy(store, []string{"email"}, 0, 0),
		NewNgramStrategy(store, viewNamer, []string{"name"}, 10, 0.1, ""),
	}, 0, testLogger())

	result, err := engine.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	var merged *models.CandidatePair
	for i := range result.Pairs {
		if result.Pairs[i].Key() == "p1|p2" {
			merged = &result.Pairs[i]
		}
	}
	require.NotNil(t, merged)
	assert.Contains(t, merged.Strategies, "exact")
	assert.Contains(t, merged.Strategies, "ngram")
	assert.Greater(t, merged.BM25Score, 0.0)

	assert.Equal(t, 3, result.Stats.RecordCount)
	assert.Equal(t, int64(3), result.Stats.TotalPossiblePairs)
	assert.Equal(t, len(result.Pairs), result.Stats.CandidateCount)
	assert.InDelta(t, 1-float64(result.Stats.CandidateCount)/3.0, result.Stats.ReductionRatio, 1e-9)
}

func TestEngine_SkipsStrategyOnMissingView(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"persons": {
			{ID: "p1", Data: map[string]any{"email": "a@x"}},
			{ID: "p2", Data: map[string]any{"email": "a@x"}},
		},
	})

	engine := NewEngine(store, []Strategy{
		NewNgramStrategy(store, viewNamer, []string{"name"}, 10, 0.1, ""),
		NewExactStrategy(store, []string{"email"}, 0, 0),
	}, 0, testLogger())

	result, err := engine.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"ngram"}, result.Stats.SkippedStrategies)
	assert.Len(t, result.Pairs, 1)
}

func TestEngine_PerEntityCap(t *testing.T) {
	records := []*models.Record{{ID: "hub", Data: map[string]any{"email": "a@x"}}}
	for i := 0; i < 10; i++ {
		records = append(records, &models.Record{
			ID: fmt.Sprintf("p%02d", i), Data: map[string]any{"email": "a@x"},
		})
	}
	store := seedStore(t, map[string][]*models.Record{"persons": records})

	engine := NewEngine(store, []Strategy{
		NewExactStrategy(store, []string{"email"}, 0, 0),
	}, 3, testLogger())

	result, err := engine.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)

	perEntity := make(map[string]int)
	for _, pair := range result.Pairs {
		perEntity[pair.A.ID]++
		perEntity[pair.B.ID]++
	}
	for id, count := range perEntity {
		assert.LessOrEqual(t, count, 3, "entity %s over cap", id)
	}
}

func TestEngine_CrossCollectionOnly(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{
		"customers": {
			{ID: "c1", Data: map[string]any{"email": "a@x"}},
			{ID: "c2", Data: map[string]any{"email": "a@x"}},
		},
		"prospects": {
			{ID: "x1", Data: map[string]any{"email": "a@x"}},
		},
	})

	engine := NewEngine(store, []Strategy{
		NewExactStrategy(store, []string{"email"}, 0, 0),
	}, 0, testLogger())

	result, err := engine.GenerateCandidates(context.Background(), Scope{
		Collections: []string{"customers", "prospects"},
		CrossOnly:   true,
	})
	require.NoError(t, err)

	require.Len(t, result.Pairs, 2)
	for _, pair := range result.Pairs {
		assert.NotEqual(t, pair.A.Collection, pair.B.Collection)
	}
}

func TestEngine_EmptyCollection(t *testing.T) {
	store := seedStore(t, map[string][]*models.Record{"persons": {}})

	engine := NewEngine(store, []Strategy{
		NewExactStrategy(store, []string{"email"}, 0, 0),
	}, 0, testLogger())

	result, err := engine.GenerateCandidates(context.Background(), Scope{Collections: []string{"persons"}})
	require.NoError(t, err)
	assert.Empty(t, result.Pairs)
	assert.Equal(t, int64(0), result.Stats.TotalPossiblePairs)
}
