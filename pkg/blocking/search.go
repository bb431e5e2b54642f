package blocking

import (
	"context"
	"strings"

	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/normalizers"
	"github.com/Ramsey-B/yarrow/pkg/similarity"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// ViewNamer maps a collection to its indexed view.
type ViewNamer func(collection string) string

/// SearchStrategy generates candidates by querying the indexed view: for each
// record, the top-k BM25 hits above a threshold become its candidates. The
// ngram and phonetic strategies are the same generator bound to different
// analyzers.
type SearchStrategy struct {
	records         stores.RecordStore
	viewName        ViewNamer
	name            string
	analyzer        string
	fields          []string
	limitPerEntity  int
	bm25Threshold   float64
	constraintField string
	stats           StrategyStats
}

// NewNgramStrategy creates the n-gram lexical strategy.
func NewNgramStrategy(records stores.RecordStore, viewName ViewNamer, fields []string, limitPerEntity int, bm25Threshold float64, constraintField string) *SearchStrategy {
	return newSearchStrategy(records, viewName, "ngram", "ngram", fields, limitPerEntity, bm25Threshold, constraintField)
}

// NewPhoneticStrategy creates the phonetic strategy, used for name fields.
func NewPhoneticStrategy(records stores.RecordStore, viewName ViewNamer, fields []string, limitPerEntity int, bm25Threshold float64, constraintField string) *SearchStrategy {
	return newSearchStrategy(records, viewName, "phonetic", "phonetic", fields, limitPerEntity, bm25Threshold, constraintField)
}

func newSearchStrategy(records stores.RecordStore, viewName ViewNamer, name, analyzer string, fields []string, limitPerEntity int, bm25Threshold float64, constraintField string) *SearchStrategy {
	if limitPerEntity <= 0 {
		limitPerEntity = DefaultLimitPerEntity
	}
	if bm25Threshold <= 0 {
		bm25Threshold = DefaultBM25Threshold
	}
	return &SearchStrategy{
		records:         records,
		viewName:        viewName,
		name:            name,
		analyzer:        analyzer,
		fields:          fields,
		limitPerEntity:  limitPerEntity,
		bm25Threshold:   bm25Threshold,
		constraintField: constraintField,
	}
}

func (s *SearchStrategy) Name() string { return s.name }

func (s *SearchStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	union := make(map[string]*models.CandidatePair)
	for _, collection := range scope.Collections {
		err := s.records.Scan(ctx, collection, func(record *models.Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.searchRecord(ctx, scope, collection, record, union)
		})
		if err != nil {
			return nil, err
		}
	}
	return sortedPairs(union), nil
}

func (s *SearchStrategy) searchRecord(ctx context.Context, scope Scope, collection string, record *models.Record, union map[string]*models.CandidatePair) error {
	query, ok := s.queryText(record)
	if !ok {
		s.stats.DroppedRecords++
		return nil
	}

	spec := stores.QuerySpec{
		Fields:   s.fields,
		Text:     query,
		MinScore: s.bm25Threshold,
		Analyzer: s.analyzer,
	}
	if s.constraintField != "" {
		constraint, ok := record.FieldString(s.constraintField)
		if !ok {
			s.stats.DroppedRecords++
			return nil
		}
		spec.ConstraintField = s.constraintField
		spec.ConstraintValue = constraint
	}

	self := models.RecordRef{ID: record.ID, Collection: collection}
	for _, target := range scope.Collections {
		if scope.CrossOnly && target == collection {
			continue
		}
		hits, err := s.records.TextSearch(ctx, s.viewName(target), spec, s.limitPerEntity)
		if err != nil {
			return err
		}
		for _, hit := range hits {
			other := models.RecordRef{ID: hit.ID, Collection: target}
			if !scope.Allows(self, other) {
				continue
			}
			pair := models.NewCandidatePair(self, other, s.name, "")
			pair.BM25Score = hit.Score
			pair.MatchedFields = s.fields
			if existing, ok := union[pair.Key()]; ok {
				if hit.Score > existing.BM25Score {
					existing.BM25Score = hit.Score
				}
				continue
			}
			union[pair.Key()] = &pair
		}
	}
	return nil
}

// queryText concatenates the record's searched-field values.
func (s *SearchStrategy) queryText(record *models.Record) (string, bool) {
	parts := make([]string, 0, len(s.fields))
	for _, field := range s.fields {
		if value, ok := record.FieldString(field); ok && strings.TrimSpace(value) != "" {
			parts = append(parts, value)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

func (s *SearchStrategy) Statistics() StrategyStats { return s.stats }

// HybridStrategy runs the n-gram generator as a cheap filter, then gates
// each candidate on a weighted blend of its normalized BM25 score and a
// Levenshtein similarity over the searched fields. Weights sum to 1.0.
type HybridStrategy struct {
	records           stores.RecordStore
	viewName          ViewNamer
	fields            []string
	limitPerEntity    int
	bm25Threshold     float64
	bm25Weight        float64
	levenshteinWeight float64
	combinedThreshold float64
	scorer            *similarity.Scorer
	stats             StrategyStats
}

// NewHybridStrategy creates a hybrid strategy. bm25Weight and levWeight must
// sum to 1.0; configuration validation enforces that upstream.
func NewHybridStrategy(records stores.RecordStore, viewName ViewNamer, fields []string, limitPerEntity int, bm25Threshold, bm25Weight, levWeight, combinedThreshold float64) *HybridStrategy {
	if limitPerEntity <= 0 {
		limitPerEntity = DefaultLimitPerEntity
	}
	if bm25Threshold <= 0 {
		bm25Threshold = DefaultBM25Threshold
	}
	return &HybridStrategy{
		records:           records,
		viewName:          viewName,
		fields:            fields,
		limitPerEntity:    limitPerEntity,
		bm25Threshold:     bm25Threshold,
		bm25Weight:        bm25Weight,
		levenshteinWeight: levWeight,
		combinedThreshold: combinedThreshold,
		scorer:            similarity.NewScorer(),
	}
}

func (s *HybridStrategy) Name() string { return "hybrid" }

func (s *HybridStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	union := make(map[string]*models.CandidatePair)
	for _, collection := range scope.Collections {
		err := s.records.Scan(ctx, collection, func(record *models.Record) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return s.searchRecord(ctx, scope, collection, record, union)
		})
		if err != nil {
			return nil, err
		}
	}
	return sortedPairs(union), nil
}

func (s *HybridStrategy) searchRecord(ctx context.Context, scope Scope, collection string, record *models.Record, union map[string]*models.CandidatePair) error {
	query := make([]string, 0, len(s.fields))
	for _, field := range s.fields {
		if value, ok := record.FieldString(field); ok && strings.TrimSpace(value) != "" {
			query = append(query, value)
		}
	}
	if len(query) == 0 {
		s.stats.DroppedRecords++
		return nil
	}
	queryText := strings.Join(query, " ")

	self := models.RecordRef{ID: record.ID, Collection: collection}
	for _, target := range scope.Collections {
		if scope.CrossOnly && target == collection {
			continue
		}
		hits, err := s.records.TextSearch(ctx, s.viewName(target), stores.QuerySpec{
			Fields:   s.fields,
			Text:     queryText,
			MinScore: s.bm25Threshold,
			Analyzer: "ngram",
		}, s.limitPerEntity)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			continue
		}
		topScore := hits[0].Score

		for _, hit := range hits {
			other := models.RecordRef{ID: hit.ID, Collection: target}
			if !scope.Allows(self, other) {
				continue
			}

			candidate, err := s.records.GetRecord(ctx, target, hit.ID)
			if err != nil {
				return err
			}
			combined := s.bm25Weight*(hit.Score/topScore) +
				s.levenshteinWeight*s.fieldSimilarity(record, candidate)
			if combined < s.combinedThreshold {
				s.stats.DroppedRecords++
				continue
			}

			pair := models.NewCandidatePair(self, other, s.Name(), "")
			pair.BM25Score = hit.Score
			pair.MatchedFields = s.fields
			if existing, ok := union[pair.Key()]; ok {
				if hit.Score > existing.BM25Score {
					existing.BM25Score = hit.Score
				}
				continue
			}
			union[pair.Key()] = &pair
		}
	}
	return nil
}

// fieldSimilarity averages the normalized Levenshtein similarity over the
// strategy's fields.
func (s *HybridStrategy) fieldSimilarity(a, b *models.Record) float64 {
	total := 0.0
	counted := 0
	for _, field := range s.fields {
		va, okA := a.FieldString(field)
		vb, okB := b.FieldString(field)
		if !okA || !okB {
			continue
		}
		total += s.scorer.Levenshtein(normalizers.Matching(va), normalizers.Matching(vb))
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted)
}

func (s *HybridStrategy) Statistics() StrategyStats { return s.stats }
