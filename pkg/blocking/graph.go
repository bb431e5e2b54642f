package blocking

import (
	"context"
	"sort"

	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// GraphStrategy expands N hops from each record along pre-existing edges
// (e.g. shared-identifier edges written by an earlier run) and pairs the
// seed with every vertex reached.
type GraphStrategy struct {
	records        stores.RecordStore
	edges          stores.EdgeStore
	edgeCollection string
	hops           int
	minWeight      float64
	stats          StrategyStats
}

// NewGraphStrategy creates a graph-traversal strategy over an existing edge
// collection.
func NewGraphStrategy(records stores.RecordStore, edges stores.EdgeStore, edgeCollection string, hops int, minWeight float64) *GraphStrategy {
	if hops < 1 {
		hops = 1
	}
	return &GraphStrategy{
		records:        records,
		edges:          edges,
		edgeCollection: edgeCollection,
		hops:           hops,
		minWeight:      minWeight,
	}
}

func (s *GraphStrategy) Name() string { return "graph_traversal" }

func (s *GraphStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	// Resolve which collection each scoped record lives in; edges only carry
	// ids.
	refs := make(map[string]models.RecordRef)
	for _, collection := range scope.Collections {
		err := s.records.Scan(ctx, collection, func(record *models.Record) error {
			refs[record.ID] = models.RecordRef{ID: record.ID, Collection: collection}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	adjacency := make(map[string][]string)
	err := s.edges.ScanEdges(ctx, s.edgeCollection, models.EdgeFilter{MinWeight: s.minWeight}, func(edge *models.SimilarityEdge) error {
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		adjacency[edge.To] = append(adjacency[edge.To], edge.From)
		return nil
	})
	if err != nil {
		return nil, err
	}

	seeds := make([]string, 0, len(adjacency))
	for id := range adjacency {
		if _, scoped := refs[id]; scoped {
			seeds = append(seeds, id)
		}
	}
	sort.Strings(seeds)

	union := make(map[string]*models.CandidatePair)
	for _, seed := range seeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, reached := range s.expand(seed, adjacency) {
			other, scoped := refs[reached]
			if !scoped {
				s.stats.DroppedRecords++
				continue
			}
			if !scope.Allows(refs[seed], other) {
				continue
			}
			pair := models.NewCandidatePair(refs[seed], other, s.Name(), "")
			if _, dup := union[pair.Key()]; dup {
				continue
			}
			union[pair.Key()] = &pair
		}
	}
	return sortedPairs(union), nil
}

// expand breadth-first walks up to s.hops from the seed and returns every
// other vertex reached, sorted.
func (s *GraphStrategy) expand(seed string, adjacency map[string][]string) []string {
	visited := map[string]struct{}{seed: {}}
	frontier := []string{seed}

	for hop := 0; hop < s.hops && len(frontier) > 0; hop++ {
		var next []string
		for _, vertex := range frontier {
			for _, neighbor := range adjacency[vertex] {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				next = append(next, neighbor)
			}
		}
		frontier = next
	}

	delete(visited, seed)
	reached := make([]string, 0, len(visited))
	for id := range visited {
		reached = append(reached, id)
	}
	sort.Strings(reached)
	return reached
}

func (s *GraphStrategy) Statistics() StrategyStats { return s.stats }
