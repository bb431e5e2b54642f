// Package scoring decides, per candidate pair, whether the two records
// match. Per-field similarities aggregate into a Fellegi-Sunter log-odds
// score classified against the global thresholds.
package scoring

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/normalizers"
	"github.com/Ramsey-B/yarrow/pkg/similarity"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Stats counts one scoring run's outcomes.
type Stats struct {
	Scored    int64 `json:"scored"`
	Matches   int64 `json:"matches"`
	Possible  int64 `json:"possible_matches"`
	NonMatch  int64 `json:"non_matches"`
	Dropped   int64 `json:"dropped"`
	CacheSize int   `json:"cache_size"`
}

// Scorer scores candidate pairs. A Scorer is scoped to one run; its record
// cache is discarded with it.
type Scorer struct {
	records stores.RecordStore
	config  Config
	fields  []string
	sim     *similarity.Scorer
	cache   *recordCache
	logger  ectologger.Logger

	scored   atomic.Int64
	matches  atomic.Int64
	possible atomic.Int64
	nonMatch atomic.Int64
	dropped  atomic.Int64
}

// NewScorer validates the configuration and builds a run-scoped scorer.
func NewScorer(records stores.RecordStore, config Config, logger ectologger.Logger) (*Scorer, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(config.FieldWeights))
	for field := range config.FieldWeights {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	return &Scorer{
		records: records,
		config:  config,
		fields:  fields,
		sim:     similarity.NewScorer(),
		cache:   newRecordCache(),
		logger:  logger,
	}, nil
}

// Prefetch warms the cache with every distinct record the pairs reference,
// fetched per collection in batches of the configured batch size.
func (s *Scorer) Prefetch(ctx context.Context, pairs []models.CandidatePair) error {
	ctx, span := tracing.StartSpan(ctx, "scoring.Scorer.Prefetch")
	defer span.End()

	byCollection := make(map[string]map[string]struct{})
	add := func(ref models.RecordRef) {
		ids, ok := byCollection[ref.Collection]
		if !ok {
			ids = make(map[string]struct{})
			byCollection[ref.Collection] = ids
		}
		ids[ref.ID] = struct{}{}
	}
	for _, pair := range pairs {
		add(pair.A)
		add(pair.B)
	}

	for collection, idSet := range byCollection {
		ids := make([]string, 0, len(idSet))
		for id := range idSet {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for start := 0; start < len(ids); start += s.config.BatchSize {
			if err := ctx.Err(); err != nil {
				return errors.NewCancelled("prefetch cancelled: %w", err)
			}
			end := start + s.config.BatchSize
			if end > len(ids) {
				end = len(ids)
			}
			fetched, err := s.records.GetMany(ctx, collection, ids[start:end])
			if err != nil {
				return errors.NewBackendError("failed to fetch records from '%s': %w", collection, err)
			}
			for _, record := range fetched {
				s.cache.put(collection, record)
			}
		}
	}
	return nil
}

// ScorePair fetches the pair's records and scores them. A missing endpoint
// is a validation error; the caller drops and counts the pair.
func (s *Scorer) ScorePair(ctx context.Context, pair models.CandidatePair) (*models.ScoredPair, error) {
	a, err := s.fetch(ctx, pair.A)
	if err != nil {
		s.dropped.Add(1)
		return nil, err
	}
	b, err := s.fetch(ctx, pair.B)
	if err != nil {
		s.dropped.Add(1)
		return nil, err
	}
	return s.ScoreRecords(a, b, pair), nil
}

func (s *Scorer) fetch(ctx context.Context, ref models.RecordRef) (*models.Record, error) {
	record, err := s.cache.get(ctx, ref.Collection, ref.ID, func() (*models.Record, error) {
		return s.records.GetRecord(ctx, ref.Collection, ref.ID)
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewValidationError(
				"candidate references missing record '%s' in '%s'", ref.ID, ref.Collection)
		}
		return nil, err
	}
	return record, nil
}

// ScoreRecords is the pure scoring function: per-field similarity, agreement
// against the field threshold, log-odds weight, total, decision.
func (s *Scorer) ScoreRecords(a, b *models.Record, pair models.CandidatePair) *models.ScoredPair {
	scored := &models.ScoredPair{
		CandidatePair: pair,
		FieldScores:   make(map[string]models.FieldScore, len(s.fields)),
	}

	total := 0.0
	for _, field := range s.fields {
		fw := s.config.FieldWeights[field]

		va, okA := a.FieldString(field)
		vb, okB := b.FieldString(field)
		if !okA || !okB {
			// A field absent on either side carries no evidence in either
			// direction.
			continue
		}

		sim := s.fieldSimilarity(field, fw, va, vb)
		agreement := sim > fw.Threshold

		var weight float64
		if agreement {
			weight = math.Log(fw.MProb / fw.UProb)
		} else {
			weight = math.Log((1 - fw.MProb) / (1 - fw.UProb))
		}

		scored.FieldScores[field] = models.FieldScore{
			Similarity: sim,
			Agreement:  agreement,
			Weight:     weight,
		}
		total += weight
	}

	scored.TotalScore = total
	switch {
	case total > s.config.UpperThreshold:
		scored.Decision = models.DecisionMatch
		s.matches.Add(1)
	case total <= s.config.LowerThreshold:
		scored.Decision = models.DecisionNonMatch
		s.nonMatch.Add(1)
	default:
		scored.Decision = models.DecisionPossibleMatch
		s.possible.Add(1)
	}
	scored.Confidence = clip(
		(total-s.config.LowerThreshold)/(s.config.UpperThreshold-s.config.LowerThreshold), 0, 1)

	s.scored.Add(1)
	return scored
}

// fieldSimilarity normalizes both values per the field policy and applies
// the configured similarity function.
func (s *Scorer) fieldSimilarity(_ string, fw FieldWeight, va, vb string) float64 {
	if !fw.SkipNormalization {
		va = normalizers.Matching(va)
		vb = normalizers.Matching(vb)
	}
	if fw.RemovePunctuation {
		va = normalizers.RemovePunctuation(va)
		vb = normalizers.RemovePunctuation(vb)
	}

	if fw.Custom != nil {
		return clip(fw.Custom(va, vb), 0, 1)
	}

	algorithm := fw.Algorithm
	if algorithm == "" {
		algorithm = s.config.DefaultAlgorithm
	}
	switch algorithm {
	case AlgorithmJaro:
		return s.sim.Jaro(va, vb)
	case AlgorithmLevenshtein:
		return s.sim.Levenshtein(va, vb)
	case AlgorithmNgram:
		return s.sim.Ngram(va, vb, s.config.NgramN)
	case AlgorithmExact:
		return s.sim.ExactMatch(va, vb)
	case AlgorithmPhonetic:
		return s.sim.PhoneticMatch(va, vb, similarity.PhoneticEncoder(s.config.PhoneticEncoder))
	default:
		return s.sim.JaroWinkler(va, vb)
	}
}

// ScoreStream consumes candidate pairs and emits scored pairs using the
// configured worker pool. Validation failures drop the pair and the stream
// continues; backend failures abort. The out channel is closed on return.
func (s *Scorer) ScoreStream(ctx context.Context, in <-chan models.CandidatePair, out chan<- *models.ScoredPair) error {
	ctx, span := tracing.StartSpan(ctx, "scoring.Scorer.ScoreStream")
	defer span.End()
	defer close(out)

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"workers": s.config.Workers,
	})

	var wg sync.WaitGroup
	errOnce := make(chan error, s.config.Workers)

	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pair := range in {
				if ctx.Err() != nil {
					return
				}
				scored, err := s.ScorePair(ctx, pair)
				if err != nil {
					if errors.IsValidation(err) {
						log.WithError(err).Debug("Dropped invalid candidate pair")
						continue
					}
					select {
					case errOnce <- err:
					default:
					}
					return
				}
				select {
				case out <- scored:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errOnce:
		return err
	default:
	}
	if err := ctx.Err(); err != nil {
		return errors.NewCancelled("scoring cancelled: %w", err)
	}
	return nil
}

// Statistics returns the run's counters so far.
func (s *Scorer) Statistics() Stats {
	return Stats{
		Scored:    s.scored.Load(),
		Matches:   s.matches.Load(),
		Possible:  s.possible.Load(),
		NonMatch:  s.nonMatch.Load(),
		Dropped:   s.dropped.Load(),
		CacheSize: s.cache.size(),
	}
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
