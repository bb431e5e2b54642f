package clustering

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

func seedEdges(t *testing.T, store *memory.Store, edges []*models.SimilarityEdge) {
	t.Helper()
	require.NoError(t, store.Edges().BulkUpsert(context.Background(), "similarity_edges", edges, stores.UpsertOptions{}))
}

func TestClusterer_ThreeWayChain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	// r1 ~ r2 and r2 ~ r3 but no direct r1 ~ r3 edge.
	seedEdges(t, store, []*models.SimilarityEdge{
		{From: "r1", To: "r2", Weight: 0.9},
		{From: "r2", To: "r3", Weight: 0.85},
	})

	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{}, testLogger())
	clusters, err := clusterer.FindClusters(ctx)
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	cluster := clusters[0]
	assert.Equal(t, []string{"r1", "r2", "r3"}, cluster.MemberIDs)
	assert.Equal(t, 3, cluster.Size)
	assert.Equal(t, 2, cluster.EdgeCount)
	assert.InDelta(t, 2.0/3.0, cluster.Density, 1e-9)
	assert.InDelta(t, 0.875, cluster.AvgWeight, 1e-9)
	assert.InDelta(t, 0.85, cluster.MinWeight, 1e-9)
	assert.InDelta(t, 0.9, cluster.MaxWeight, 1e-9)
}

func TestClusterer_ThresholdSplitsComponents(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedEdges(t, store, []*models.SimilarityEdge{
		{From: "r1", To: "r2", Weight: 0.9},
		{From: "r2", To: "r3", Weight: 0.5}, // below min_similarity
		{From: "r3", To: "r4", Weight: 0.9},
	})

	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{MinSimilarity: 0.7}, testLogger())
	clusters, err := clusterer.FindClusters(ctx)
	require.NoError(t, err)

	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"r1", "r2"}, clusters[0].MemberIDs)
	assert.Equal(t, []string{"r3", "r4"}, clusters[1].MemberIDs)
}

func TestClusterer_SizeBounds(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	// A star of 6 members around hub h, plus one isolated pair.
	var edges []*models.SimilarityEdge
	for i := 0; i < 5; i++ {
		edges = append(edges, &models.SimilarityEdge{From: "hub", To: fmt.Sprintf("s%d", i), Weight: 0.9})
	}
	edges = append(edges, &models.SimilarityEdge{From: "x1", To: "x2", Weight: 0.9})
	seedEdges(t, store, edges)

	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{MaxClusterSize: 4}, testLogger())
	clusters, err := clusterer.FindClusters(ctx)
	require.NoError(t, err)

	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"x1", "x2"}, clusters[0].MemberIDs)
	assert.Equal(t, 1, clusterer.Statistics().TooLarge)
}

func TestClusterer_DeterministicClusterIDs(t *testing.T) {
	ctx := context.Background()

	run := func(edges []*models.SimilarityEdge) []string {
		store := memory.NewStore()
		seedEdges(t, store, edges)
		clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{}, testLogger())
		clusters, err := clusterer.FindClusters(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(clusters))
		for _, cluster := range clusters {
			ids = append(ids, cluster.ID)
		}
		return ids
	}

	// Same edge set, different insertion order.
	first := run([]*models.SimilarityEdge{
		{From: "r1", To: "r2", Weight: 0.9},
		{From: "r2", To: "r3", Weight: 0.8},
	})
	second := run([]*models.SimilarityEdge{
		{From: "r2", To: "r3", Weight: 0.8},
		{From: "r1", To: "r2", Weight: 0.9},
	})
	assert.Equal(t, first, second)
	require.Len(t, first, 1)
	assert.Len(t, first[0], 64)
}

func TestClusterer_EmptyEdgeSet(t *testing.T) {
	store := memory.NewStore()
	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{}, testLogger())

	clusters, err := clusterer.FindClusters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestClusterer_StoreTruncatesPriorResults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedEdges(t, store, []*models.SimilarityEdge{
		{From: "r1", To: "r2", Weight: 0.9},
	})

	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{
		StoreResults:     true,
		TruncateExisting: true,
	}, testLogger())

	// Stale cluster from a previous run.
	require.NoError(t, store.Clusters().BulkInsert(ctx, "entity_clusters", []*models.Cluster{
		{ID: "stale", MemberIDs: []string{"old1", "old2"}},
	}))

	clusters, err := clusterer.FindClusters(ctx)
	require.NoError(t, err)
	require.NoError(t, clusterer.Store(ctx, clusters))

	stored := store.StoredClusters("entity_clusters")
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"r1", "r2"}, stored[0].MemberIDs)

	found, err := store.Clusters().FindClusterByMember(ctx, "entity_clusters", "r1")
	require.NoError(t, err)
	require.NotNil(t, found)
}

func TestClusterer_ConnectednessInvariant(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedEdges(t, store, []*models.SimilarityEdge{
		{From: "a", To: "b", Weight: 0.9},
		{From: "a", To: "c", Weight: 0.9},
		{From: "b", To: "c", Weight: 0.9},
		{From: "d", To: "e", Weight: 0.9},
	})

	clusterer := NewClusterer(store.Edges(), store.Clusters(), Config{}, testLogger())
	clusters, err := clusterer.FindClusters(ctx)
	require.NoError(t, err)

	for _, cluster := range clusters {
		k := cluster.Size
		assert.GreaterOrEqual(t, cluster.EdgeCount, k-1)
		assert.LessOrEqual(t, cluster.EdgeCount, k*(k-1)/2)
		assert.LessOrEqual(t, cluster.MinWeight, cluster.AvgWeight)
		assert.LessOrEqual(t, cluster.AvgWeight, cluster.MaxWeight)
	}
}
