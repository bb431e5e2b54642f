// Package edges persists scored matches as the similarity graph. Writes are
// batched and idempotent; the writer is the single owner of the edge
// collection within a run.
package edges

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// AlgorithmFellegiSunter tags edges produced by the scoring pipeline.
const AlgorithmFellegiSunter = "fellegi_sunter"

// Bulk write methods.
const (
	BulkMethodAPI = "api"
	BulkMethodCSV = "csv"
)

// Defaults.
const (
	DefaultWeightThreshold = 0.8
	DefaultBatchSize       = 1000
)

// Config drives the edge writer.
type Config struct {
	Collection      string           `yaml:"collection" json:"collection"`
	WeightThreshold float64          `yaml:"weight_threshold" json:"weight_threshold"`
	BatchSize       int              `yaml:"batch_size" json:"batch_size"`
	BulkMethod      string           `yaml:"bulk_method" json:"bulk_method"`
	MergeMode       stores.MergeMode `yaml:"merge_mode" json:"merge_mode"`
	ForceUpdate     bool             `yaml:"force_update" json:"force_update"`

	// CSV bulk path settings, used when BulkMethod is "csv".
	CSVDir      string   `yaml:"csv_dir" json:"csv_dir"`
	BulkCommand []string `yaml:"bulk_command" json:"bulk_command"`
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "similarity_edges"
	}
	if c.WeightThreshold == 0 {
		c.WeightThreshold = DefaultWeightThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BulkMethod == "" {
		c.BulkMethod = BulkMethodAPI
	}
	if c.MergeMode == "" {
		c.MergeMode = stores.MergeKeepMax
	}
	return c
}

// Stats counts one writing run.
type Stats struct {
	Written        int64 `json:"written"`
	BelowThreshold int64 `json:"below_threshold"`
	Batches        int64 `json:"batches"`
	Retries        int64 `json:"retries"`
}

// Writer buffers scored pairs into edge batches and flushes them through the
// store or the CSV bulk path.
type Writer struct {
	store   stores.EdgeStore
	config  Config
	logger  ectologger.Logger
	secrets []string

	batch          []*models.SimilarityEdge
	written        atomic.Int64
	belowThreshold atomic.Int64
	batches        atomic.Int64
	retries        atomic.Int64
}

// NewWriter creates an edge writer. secrets are redacted from any loader
// output surfaced in errors.
func NewWriter(store stores.EdgeStore, config Config, logger ectologger.Logger, secrets ...string) *Writer {
	config = config.withDefaults()
	return &Writer{
		store:   store,
		config:  config,
		logger:  logger,
		secrets: secrets,
		batch:   make([]*models.SimilarityEdge, 0, config.BatchSize),
	}
}

// Write buffers one scored pair. Pairs below the weight threshold are
// discarded and counted. The batch flushes when full.
func (w *Writer) Write(ctx context.Context, scored *models.ScoredPair) error {
	if scored.Confidence < w.config.WeightThreshold {
		w.belowThreshold.Add(1)
		return nil
	}

	w.batch = append(w.batch, &models.SimilarityEdge{
		From:        scored.A.ID,
		To:          scored.B.ID,
		Weight:      scored.Confidence,
		FieldScores: scored.FieldScores,
		Algorithm:   AlgorithmFellegiSunter,
		BlockKey:    scored.BlockKey,
		CreatedAt:   time.Now().UTC(),
	})
	if len(w.batch) >= w.config.BatchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Drain consumes the scored-pair channel until it closes, then flushes.
func (w *Writer) Drain(ctx context.Context, in <-chan *models.ScoredPair) error {
	ctx, span := tracing.StartSpan(ctx, "edges.Writer.Drain")
	defer span.End()

	for scored := range in {
		if err := ctx.Err(); err != nil {
			// Finish the current batch, then stop; partial results stay.
			if flushErr := w.Flush(ctx); flushErr != nil {
				return flushErr
			}
			return errors.NewCancelled("edge writing cancelled: %w", err)
		}
		if err := w.Write(ctx, scored); err != nil {
			return err
		}
	}
	return w.Flush(ctx)
}

// Flush writes the buffered batch. Transient failures are retried once
// before escalating.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	batch := w.batch
	w.batch = make([]*models.SimilarityEdge, 0, w.config.BatchSize)

	var err error
	if w.config.BulkMethod == BulkMethodCSV {
		err = w.bulkLoadCSV(ctx, batch)
	} else {
		err = w.upsertBatch(ctx, batch)
	}
	if err != nil {
		return err
	}

	w.batches.Add(1)
	w.written.Add(int64(len(batch)))
	w.logger.WithContext(ctx).WithFields(map[string]any{
		"edges":      len(batch),
		"collection": w.config.Collection,
	}).Debug("Flushed edge batch")
	return nil
}

func (w *Writer) upsertBatch(ctx context.Context, batch []*models.SimilarityEdge) error {
	opts := stores.UpsertOptions{
		Mode:        w.config.MergeMode,
		ForceUpdate: w.config.ForceUpdate,
	}

	err := w.store.BulkUpsert(ctx, w.config.Collection, batch, opts)
	if err == nil {
		return nil
	}
	if errors.IsValidation(err) || errors.IsCancelled(err) {
		return err
	}

	// One retry on transient backend failure.
	w.retries.Add(1)
	w.logger.WithContext(ctx).WithError(err).Warn("Edge batch failed, retrying once")
	if err := w.store.BulkUpsert(ctx, w.config.Collection, batch, opts); err != nil {
		return errors.NewBackendError("edge bulk upsert failed after retry: %w", err)
	}
	return nil
}

// Clear deletes edges matching the filter. Invoked at the start of a re-run
// unless the caller opts into incremental merging.
func (w *Writer) Clear(ctx context.Context, filter models.EdgeFilter) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "edges.Writer.Clear")
	defer span.End()

	deleted, err := w.store.DeleteWhere(ctx, w.config.Collection, filter)
	if err != nil {
		return 0, errors.NewBackendError("failed to clear edges: %w", err)
	}
	w.logger.WithContext(ctx).WithFields(map[string]any{
		"deleted":    deleted,
		"collection": w.config.Collection,
	}).Info("Cleared edges")
	return deleted, nil
}

// Statistics returns the run's counters so far.
func (w *Writer) Statistics() Stats {
	return Stats{
		Written:        w.written.Load(),
		BelowThreshold: w.belowThreshold.Load(),
		Batches:        w.batches.Load(),
		Retries:        w.retries.Load(),
	}
}
