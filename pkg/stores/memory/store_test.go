package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

func seedPersons(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	records := []*models.Record{
		{ID: "p1", Source: "crm", Data: map[string]any{"name": "Jonathan Smith", "state": "SD"}},
		{ID: "p2", Source: "erp", Data: map[string]any{"name": "Johnathan Smith", "state": "SD"}},
		{ID: "p3", Source: "crm", Data: map[string]any{"name": "Alice Brown", "state": "CA"}},
	}
	require.NoError(t, s.PutRecords(ctx, "persons", records))
}

func setupView(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateAnalyzer(ctx, stores.AnalyzerDefinition{
		Name: "trigram", Kind: stores.AnalyzerNgram, N: 3,
	}, false))

	_, err := s.CreateView(ctx, stores.ViewDefinition{
		Name:       "persons_view",
		Collection: "persons",
		FieldAnalyzers: map[string][]string{
			"name": {"trigram"},
		},
	}, false)
	require.NoError(t, err)
}

func TestStore_GetRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)

	record, err := s.GetRecord(ctx, "persons", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Jonathan Smith", record.Data["name"])

	_, err = s.GetRecord(ctx, "persons", "missing")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.GetRecord(ctx, "nope", "p1")
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_GetMany_SkipsMissing(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)

	records, err := s.GetMany(ctx, "persons", []string{"p1", "ghost", "p3"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "p1", records[0].ID)
	assert.Equal(t, "p3", records[1].ID)
}

func TestStore_Scan_Ordered(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)

	var ids []string
	err := s.Scan(ctx, "persons", func(r *models.Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)
}

func TestStore_TextSearch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)
	setupView(t, s)

	hits, err := s.TextSearch(ctx, "persons_view", stores.QuerySpec{
		Fields: []string{"name"},
		Text:   "Jonathan Smith",
	}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// The identical record ranks first; the near-duplicate follows.
	assert.Equal(t, "p1", hits[0].ID)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "p2")
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestStore_TextSearch_ConstraintField(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)
	setupView(t, s)

	hits, err := s.TextSearch(ctx, "persons_view", stores.QuerySpec{
		Fields:          []string{"name"},
		Text:            "Jonathan Smith",
		ConstraintField: "state",
		ConstraintValue: "CA",
	}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Equal(t, "p3", h.ID)
	}
}

func TestStore_TextSearch_MissingView(t *testing.T) {
	s := NewStore()
	_, err := s.TextSearch(context.Background(), "ghost_view", stores.QuerySpec{Text: "x"}, 10)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_CreateView_UnknownAnalyzer(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seedPersons(t, s)

	require.NoError(t, s.CreateAnalyzer(ctx, stores.AnalyzerDefinition{
		Name: "trigram", Kind: stores.AnalyzerNgram,
	}, false))

	indexed, err := s.CreateView(ctx, stores.ViewDefinition{
		Name:       "partial_view",
		Collection: "persons",
		FieldAnalyzers: map[string][]string{
			"name":  {"trigram"},
			"state": {"ghost_analyzer"},
		},
	}, false)
	require.Error(t, err)
	assert.True(t, errors.IsSetup(err))
	assert.Equal(t, []string{"name"}, indexed)
}

func TestStore_CreateView_MissingCollection(t *testing.T) {
	s := NewStore()
	_, err := s.CreateView(context.Background(), stores.ViewDefinition{
		Name:       "v",
		Collection: "nope",
	}, false)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_AnalyzerQualifiedNames(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.CreateAnalyzer(ctx, stores.AnalyzerDefinition{
		Name: "trigram", Kind: stores.AnalyzerNgram,
	}, false))

	names, err := s.ListAnalyzers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mem::trigram"}, names)
}

func TestStore_ListFields(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutRecord(ctx, "persons", &models.Record{
		ID:   "p1",
		Data: map[string]any{"name": "x", "_key": "internal", "email": "a@x"},
	}))

	fields, err := s.ListFields(ctx, "persons")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "name"}, fields)
}

func TestEdgeStore_UpsertMergeModes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		opts stores.UpsertOptions
		want float64
	}{
		{"keep max keeps larger weight", stores.UpsertOptions{Mode: stores.MergeKeepMax}, 0.9},
		{"running mean averages", stores.UpsertOptions{Mode: stores.MergeRunningMean}, 0.75},
		{"force update overwrites", stores.UpsertOptions{Mode: stores.MergeKeepMax, ForceUpdate: true}, 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edges := NewStore().Edges()

			require.NoError(t, edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{
				From: "a", To: "b", Weight: 0.9,
			}, tt.opts))
			require.NoError(t, edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{
				From: "a", To: "b", Weight: 0.6,
			}, tt.opts))

			var got *models.SimilarityEdge
			require.NoError(t, edges.ScanEdges(ctx, "edges", models.EdgeFilter{}, func(e *models.SimilarityEdge) error {
				got = e
				return nil
			}))
			require.NotNil(t, got)
			assert.InDelta(t, tt.want, got.Weight, 1e-9)
			assert.Equal(t, 2, got.UpdateCount)
			assert.NotNil(t, got.UpdatedAt)
		})
	}
}

func TestEdgeStore_RejectsInvalidEdges(t *testing.T) {
	ctx := context.Background()
	edges := NewStore().Edges()

	err := edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{From: "a", To: "a"}, stores.UpsertOptions{})
	assert.True(t, errors.IsValidation(err))

	err = edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{From: "b", To: "a"}, stores.UpsertOptions{})
	assert.True(t, errors.IsValidation(err))
}

func TestEdgeStore_ScanOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	edges := NewStore().Edges()

	require.NoError(t, edges.BulkUpsert(ctx, "edges", []*models.SimilarityEdge{
		{From: "b", To: "c", Weight: 0.5},
		{From: "a", To: "b", Weight: 0.9},
		{From: "a", To: "c", Weight: 0.7},
	}, stores.UpsertOptions{}))

	var keys []string
	require.NoError(t, edges.ScanEdges(ctx, "edges", models.EdgeFilter{MinWeight: 0.6}, func(e *models.SimilarityEdge) error {
		keys = append(keys, e.From+"-"+e.To)
		return nil
	}))
	assert.Equal(t, []string{"a-b", "a-c"}, keys)
}

func TestEdgeStore_DeleteWhere(t *testing.T) {
	ctx := context.Background()
	edges := NewStore().Edges()

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{
		From: "a", To: "b", Weight: 0.9, Algorithm: "fellegi_sunter", CreatedAt: old,
	}, stores.UpsertOptions{}))
	require.NoError(t, edges.UpsertEdge(ctx, "edges", &models.SimilarityEdge{
		From: "a", To: "c", Weight: 0.9, Algorithm: "manual",
	}, stores.UpsertOptions{}))

	deleted, err := edges.DeleteWhere(ctx, "edges", models.EdgeFilter{Algorithm: "fellegi_sunter"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = edges.DeleteWhere(ctx, "edges", models.EdgeFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestClusterStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	clusters := s.Clusters()

	require.NoError(t, clusters.BulkInsert(ctx, "clusters", []*models.Cluster{
		{ID: "c1", MemberIDs: []string{"a", "b"}, Size: 2},
	}))

	found, err := clusters.FindClusterByMember(ctx, "clusters", "b")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "c1", found.ID)

	none, err := clusters.FindClusterByMember(ctx, "clusters", "ghost")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClusterStore_RejectsOverlappingMembership(t *testing.T) {
	ctx := context.Background()
	clusters := NewStore().Clusters()

	require.NoError(t, clusters.BulkInsert(ctx, "clusters", []*models.Cluster{
		{ID: "c1", MemberIDs: []string{"a", "b"}},
	}))
	err := clusters.BulkInsert(ctx, "clusters", []*models.Cluster{
		{ID: "c2", MemberIDs: []string{"b", "c"}},
	})
	assert.True(t, errors.IsValidation(err))
}

func TestGoldenStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	golden := s.Golden()

	require.NoError(t, golden.BulkInsert(ctx, "golden", []*models.GoldenRecord{
		{ClusterID: "c1", Fields: map[string]any{"name": "Jon"}},
	}))
	assert.Len(t, s.StoredGoldenRecords("golden"), 1)

	require.NoError(t, golden.Truncate(ctx, "golden"))
	assert.Empty(t, s.StoredGoldenRecords("golden"))
}
