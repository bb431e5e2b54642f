// Package clustering finds the weakly connected components of the similarity
// graph. Edges are treated as undirected; traversal is deterministic given
// the edge collection's (from, to) ordering, and cluster ids derive from the
// sorted member list so re-runs on the same edges reproduce the same ids.
package clustering

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/fingerprint"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Defaults.
const (
	DefaultMinSimilarity  = 0.7
	DefaultMinClusterSize = 2
	DefaultMaxClusterSize = 100
	DefaultHopLimit       = 1000
)

// Config drives clustering.
type Config struct {
	EdgeCollection    string  `yaml:"edge_collection" json:"edge_collection"`
	ClusterCollection string  `yaml:"cluster_collection" json:"cluster_collection"`
	MinSimilarity     float64 `yaml:"min_similarity" json:"min_similarity"`
	MinClusterSize    int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	MaxClusterSize    int     `yaml:"max_cluster_size" json:"max_cluster_size"`
	// HopLimit bounds each component traversal against pathological graphs.
	HopLimit         int  `yaml:"hop_limit" json:"hop_limit"`
	StoreResults     bool `yaml:"store_results" json:"store_results"`
	TruncateExisting bool `yaml:"truncate_existing" json:"truncate_existing"`
}

func (c Config) withDefaults() Config {
	if c.EdgeCollection == "" {
		c.EdgeCollection = "similarity_edges"
	}
	if c.ClusterCollection == "" {
		c.ClusterCollection = "entity_clusters"
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = DefaultMinClusterSize
	}
	if c.MaxClusterSize <= 0 {
		c.MaxClusterSize = DefaultMaxClusterSize
	}
	if c.HopLimit <= 0 {
		c.HopLimit = DefaultHopLimit
	}
	return c
}

// Stats summarizes one clustering run.
type Stats struct {
	EdgesVisited    int `json:"edges_visited"`
	ComponentsFound int `json:"components_found"`
	TooSmall        int `json:"too_small"`
	TooLarge        int `json:"too_large"`
	Emitted         int `json:"emitted"`
}

// Clusterer computes components over the persisted edge set.
type Clusterer struct {
	edges    stores.EdgeStore
	clusters stores.ClusterStore
	config   Config
	logger   ectologger.Logger
	stats    Stats
}

// NewClusterer creates a clusterer.
func NewClusterer(edges stores.EdgeStore, clusters stores.ClusterStore, config Config, logger ectologger.Logger) *Clusterer {
	return &Clusterer{
		edges:    edges,
		clusters: clusters,
		config:   config.withDefaults(),
		logger:   logger,
	}
}

type weightedEdge struct {
	from, to string
	weight   float64
}

// FindClusters loads the subgraph of edges at or above the similarity
// threshold and emits one cluster per component within the size bounds.
func (c *Clusterer) FindClusters(ctx context.Context) ([]*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Clusterer.FindClusters")
	defer span.End()

	c.stats = Stats{}
	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_collection": c.config.EdgeCollection,
		"min_similarity":  c.config.MinSimilarity,
	})
	log.Info("Finding weakly connected components")

	var edges []weightedEdge
	adjacency := make(map[string][]string)
	err := c.edges.ScanEdges(ctx, c.config.EdgeCollection, models.EdgeFilter{MinWeight: c.config.MinSimilarity}, func(edge *models.SimilarityEdge) error {
		edges = append(edges, weightedEdge{from: edge.From, to: edge.To, weight: edge.Weight})
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		adjacency[edge.To] = append(adjacency[edge.To], edge.From)
		return nil
	})
	if err != nil {
		return nil, errors.NewBackendError("failed to scan edges: %w", err)
	}
	c.stats.EdgesVisited = len(edges)

	vertices := make([]string, 0, len(adjacency))
	for vertex := range adjacency {
		vertices = append(vertices, vertex)
	}
	sort.Strings(vertices)
	for _, vertex := range vertices {
		sort.Strings(adjacency[vertex])
	}

	visited := make(map[string]struct{}, len(vertices))
	var clusters []*models.Cluster
	now := time.Now().UTC()

	for _, vertex := range vertices {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("clustering cancelled: %w", err)
		}
		if _, seen := visited[vertex]; seen {
			continue
		}

		members := c.traverse(vertex, adjacency, visited)
		c.stats.ComponentsFound++

		if len(members) < c.config.MinClusterSize {
			c.stats.TooSmall++
			continue
		}
		if len(members) > c.config.MaxClusterSize {
			c.stats.TooLarge++
			continue
		}

		clusters = append(clusters, c.buildCluster(members, edges, now))
	}
	c.stats.Emitted = len(clusters)

	log.WithFields(map[string]any{
		"components": c.stats.ComponentsFound,
		"emitted":    c.stats.Emitted,
		"too_small":  c.stats.TooSmall,
		"too_large":  c.stats.TooLarge,
	}).Info("Clustering complete")
	return clusters, nil
}

// traverse breadth-first collects the component containing start, bounded by
// the hop limit.
func (c *Clusterer) traverse(start string, adjacency map[string][]string, visited map[string]struct{}) []string {
	component := []string{start}
	visited[start] = struct{}{}
	frontier := []string{start}

	for hop := 0; hop < c.config.HopLimit && len(frontier) > 0; hop++ {
		var next []string
		for _, vertex := range frontier {
			for _, neighbor := range adjacency[vertex] {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				component = append(component, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	sort.Strings(component)
	return component
}

// buildCluster computes edge statistics from only the edges with both
// endpoints inside the component.
func (c *Clusterer) buildCluster(members []string, edges []weightedEdge, now time.Time) *models.Cluster {
	memberSet := make(map[string]struct{}, len(members))
	for _, member := range members {
		memberSet[member] = struct{}{}
	}

	edgeCount := 0
	sum := 0.0
	minWeight := 0.0
	maxWeight := 0.0
	for _, edge := range edges {
		if _, ok := memberSet[edge.from]; !ok {
			continue
		}
		if _, ok := memberSet[edge.to]; !ok {
			continue
		}
		if edgeCount == 0 || edge.weight < minWeight {
			minWeight = edge.weight
		}
		if edge.weight > maxWeight {
			maxWeight = edge.weight
		}
		sum += edge.weight
		edgeCount++
	}

	cluster := &models.Cluster{
		ID:        fingerprint.ClusterID(members),
		MemberIDs: members,
		Size:      len(members),
		EdgeCount: edgeCount,
		CreatedAt: now,
	}
	if edgeCount > 0 {
		cluster.AvgWeight = sum / float64(edgeCount)
		cluster.MinWeight = minWeight
		cluster.MaxWeight = maxWeight
	}
	if possible := models.PossiblePairs(len(members)); possible > 0 {
		cluster.Density = float64(edgeCount) / float64(possible)
	}
	return cluster
}

// Store persists the clusters, truncating prior results unless configured
// otherwise.
func (c *Clusterer) Store(ctx context.Context, clusters []*models.Cluster) error {
	ctx, span := tracing.StartSpan(ctx, "clustering.Clusterer.Store")
	defer span.End()

	if c.config.TruncateExisting {
		if err := c.clusters.Truncate(ctx, c.config.ClusterCollection); err != nil {
			return errors.NewBackendError("failed to truncate clusters: %w", err)
		}
	}
	if len(clusters) == 0 {
		return nil
	}
	if err := c.clusters.BulkInsert(ctx, c.config.ClusterCollection, clusters); err != nil {
		return errors.NewBackendError("failed to store clusters: %w", err)
	}
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"clusters":   len(clusters),
		"collection": c.config.ClusterCollection,
	}).Info("Stored clusters")
	return nil
}

// Statistics returns the latest run's counters.
func (c *Clusterer) Statistics() Stats {
	return c.stats
}
