package blocking

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Stats summarizes one blocking run.
type Stats struct {
	RecordCount        int            `json:"record_count"`
	CandidateCount     int            `json:"candidate_count"`
	TotalPossiblePairs int64          `json:"total_possible_pairs"`
	ReductionRatio     float64        `json:"reduction_ratio"`
	PerStrategy        map[string]int `json:"per_strategy"`
	DroppedBlocks      int            `json:"dropped_blocks"`
	DroppedRecords     int            `json:"dropped_records"`
	SkippedStrategies  []string       `json:"skipped_strategies,omitempty"`
	ProcessingTime     time.Duration  `json:"processing_time"`
}

// Result carries the unioned candidate set plus per-strategy errors. A
// strategy failure aborts that strategy only; the result still holds what the
// others produced.
type Result struct {
	Pairs  []models.CandidatePair
	Stats  Stats
	Errors []error
}

// Engine runs an ordered list of strategies and unions their pairs.
type Engine struct {
	records    stores.RecordStore
	strategies []Strategy
	pairLimit  int
	logger     ectologger.Logger
}

// NewEngine creates a blocking engine. pairLimit caps candidates per entity
// across all strategies; zero means the default.
func NewEngine(records stores.RecordStore, strategies []Strategy, pairLimit int, logger ectologger.Logger) *Engine {
	if pairLimit <= 0 {
		pairLimit = DefaultPairLimit
	}
	return &Engine{
		records:    records,
		strategies: strategies,
		pairLimit:  pairLimit,
		logger:     logger,
	}
}

// GenerateCandidates runs every strategy over the scope and unions the
// resulting pairs by key. Per pair, the union preserves the list of producing
// strategies and the best BM25 score.
func (e *Engine) GenerateCandidates(ctx context.Context, scope Scope) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Engine.GenerateCandidates")
	defer span.End()

	start := time.Now()
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"collections": scope.Collections,
		"strategies":  len(e.strategies),
	})
	log.Info("Generating candidate pairs")

	result := &Result{
		Stats: Stats{PerStrategy: make(map[string]int)},
	}

	recordCount, err := e.countRecords(ctx, scope)
	if err != nil {
		return nil, err
	}
	result.Stats.RecordCount = recordCount

	union := make(map[string]*models.CandidatePair)
	for _, strategy := range e.strategies {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("blocking cancelled: %w", err)
		}

		pairs, err := strategy.GenerateCandidates(ctx, scope)
		if err != nil {
			if errors.IsNotFound(err) {
				// A missing view is a non-fatal skip.
				log.WithError(err).WithFields(map[string]any{"strategy": strategy.Name()}).
					Warn("Strategy skipped, required artifact missing")
				result.Stats.SkippedStrategies = append(result.Stats.SkippedStrategies, strategy.Name())
				continue
			}
			if errors.IsCancelled(err) {
				return nil, err
			}
			log.WithError(err).WithFields(map[string]any{"strategy": strategy.Name()}).
				Error("Strategy failed")
			result.Errors = append(result.Errors, err)
			continue
		}

		result.Stats.PerStrategy[strategy.Name()] = len(pairs)
		for i := range pairs {
			mergePair(union, &pairs[i])
		}

		if reporter, ok := strategy.(StatsReporter); ok {
			stats := reporter.Statistics()
			result.Stats.DroppedBlocks += stats.DroppedBlocks
			result.Stats.DroppedRecords += stats.DroppedRecords
		}
	}

	result.Pairs = e.capPerEntity(union)
	result.Stats.CandidateCount = len(result.Pairs)
	n := int64(recordCount)
	result.Stats.TotalPossiblePairs = n * (n - 1) / 2
	if result.Stats.TotalPossiblePairs > 0 {
		result.Stats.ReductionRatio = 1 - float64(result.Stats.CandidateCount)/float64(result.Stats.TotalPossiblePairs)
	}
	result.Stats.ProcessingTime = time.Since(start)

	log.WithFields(map[string]any{
		"candidates":      result.Stats.CandidateCount,
		"reduction_ratio": result.Stats.ReductionRatio,
		"dropped_blocks":  result.Stats.DroppedBlocks,
		"duration_ms":     result.Stats.ProcessingTime.Milliseconds(),
	}).Info("Candidate generation complete")

	return result, nil
}

func (e *Engine) countRecords(ctx context.Context, scope Scope) (int, error) {
	count := 0
	for _, collection := range scope.Collections {
		err := e.records.Scan(ctx, collection, func(*models.Record) error {
			count++
			return nil
		})
		if err != nil {
			return 0, errors.NewBackendError("failed to count records in '%s': %w", collection, err)
		}
	}
	return count, nil
}

// mergePair folds one strategy's pair into the union.
func mergePair(union map[string]*models.CandidatePair, pair *models.CandidatePair) {
	existing, ok := union[pair.Key()]
	if !ok {
		clone := *pair
		union[pair.Key()] = &clone
		return
	}

	for _, name := range pair.Strategies {
		if !containsString(existing.Strategies, name) {
			existing.Strategies = append(existing.Strategies, name)
		}
	}
	if pair.BM25Score > existing.BM25Score {
		existing.BM25Score = pair.BM25Score
	}
	if existing.BlockKey == "" {
		existing.BlockKey = pair.BlockKey
	}
	for _, field := range pair.MatchedFields {
		if !containsString(existing.MatchedFields, field) {
			existing.MatchedFields = append(existing.MatchedFields, field)
		}
	}
}

// capPerEntity bounds candidate fan-out per record. Pairs with higher BM25
// scores win the budget; ties break on key so the cap is deterministic.
func (e *Engine) capPerEntity(union map[string]*models.CandidatePair) []models.CandidatePair {
	pairs := make([]*models.CandidatePair, 0, len(union))
	for _, pair := range union {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].BM25Score != pairs[j].BM25Score {
			return pairs[i].BM25Score > pairs[j].BM25Score
		}
		return pairs[i].Key() < pairs[j].Key()
	})

	perEntity := make(map[string]int)
	kept := make([]models.CandidatePair, 0, len(pairs))
	for _, pair := range pairs {
		if perEntity[pair.A.ID] >= e.pairLimit || perEntity[pair.B.ID] >= e.pairLimit {
			continue
		}
		perEntity[pair.A.ID]++
		perEntity[pair.B.ID]++
		kept = append(kept, *pair)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Key() < kept[j].Key() })
	return kept
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
