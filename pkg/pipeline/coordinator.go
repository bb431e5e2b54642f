package pipeline

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/yarrow/pkg/analyzers"
	"github.com/Ramsey-B/yarrow/pkg/blocking"
	"github.com/Ramsey-B/yarrow/pkg/clustering"
	"github.com/Ramsey-B/yarrow/pkg/edges"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/events"
	"github.com/Ramsey-B/yarrow/pkg/golden"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/quality"
	"github.com/Ramsey-B/yarrow/pkg/scoring"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Stores bundles the backend abstractions the coordinator injects into each
// stage.
type Stores struct {
	Records  stores.RecordStore
	Edges    stores.EdgeStore
	Clusters stores.ClusterStore
	Golden   stores.GoldenStore
	Admin    stores.IndexAdmin
}

// RunReport aggregates per-stage statistics for one pipeline run.
type RunReport struct {
	RunID          string            `json:"run_id"`
	StartedAt      time.Time         `json:"started_at"`
	Duration       time.Duration     `json:"duration"`
	Setup          *analyzers.Report `json:"setup,omitempty"`
	Blocking       blocking.Stats    `json:"blocking"`
	BlockingErrors []string          `json:"blocking_errors,omitempty"`
	Scoring        scoring.Stats     `json:"scoring"`
	Edges          edges.Stats       `json:"edges"`
	Clustering     clustering.Stats  `json:"clustering"`
	Quality        *quality.Summary  `json:"quality,omitempty"`
	Clusters       int               `json:"clusters"`
	ValidClusters  int               `json:"valid_clusters"`
	GoldenRecords  int               `json:"golden_records"`
}

// FieldStats summarizes one field's blocking potential: a field that is
// mostly missing or mostly one value makes a poor blocking key.
type FieldStats struct {
	Present  int `json:"present"`
	Missing  int `json:"missing"`
	Distinct int `json:"distinct"`
}

// GraphStats summarizes blocking potential and the persisted edge graph for
// one collection scope. WeightHistogram buckets edge weights into tenths,
// with 1.0 landing in the last bucket.
type GraphStats struct {
	Records         int                   `json:"records"`
	PossiblePairs   int64                 `json:"possible_pairs"`
	Fields          map[string]FieldStats `json:"fields"`
	Edges           int                   `json:"edges"`
	AvgWeight       float64               `json:"avg_weight"`
	MinWeight       float64               `json:"min_weight"`
	MaxWeight       float64               `json:"max_weight"`
	WeightHistogram [10]int               `json:"weight_histogram"`
}

// Coordinator sequences the stages and owns every collaborator.
type Coordinator struct {
	stores  Stores
	config  Config
	logger  ectologger.Logger
	secrets []string
	emitter *events.Emitter
}

// NewCoordinator validates the configuration and builds a coordinator.
// Secrets are redacted from any error message surfaced by the stages that
// shell out or log backend responses.
func NewCoordinator(s Stores, config Config, logger ectologger.Logger, secrets ...string) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		stores:  s,
		config:  config,
		logger:  logger,
		secrets: secrets,
	}, nil
}

// SetEmitter attaches an optional lifecycle-event emitter. Emission is best
// effort: publish failures are logged but never fail a run.
func (c *Coordinator) SetEmitter(emitter *events.Emitter) {
	c.emitter = emitter
}

func (c *Coordinator) edgeCollection() string {
	if c.config.Edges.Collection != "" {
		return c.config.Edges.Collection
	}
	return "similarity_edges"
}

func (c *Coordinator) clusterCollection() string {
	if c.config.Clustering.ClusterCollection != "" {
		return c.config.Clustering.ClusterCollection
	}
	return "entity_clusters"
}

func (c *Coordinator) goldenCollection() string {
	if c.config.Golden.Collection != "" {
		return c.config.Golden.Collection
	}
	return "golden_records"
}

func (c *Coordinator) setupService() *analyzers.Service {
	ac := c.config.Analyzers
	return analyzers.NewService(c.stores.Admin, analyzers.Config{
		NgramN:             ac.Ngram.N,
		PreserveOriginal:   ac.Ngram.PreserveOriginal,
		PhoneticEnabled:    ac.Phonetic.Enabled,
		PhoneticEncoder:    ac.Phonetic.Encoder,
		AutoDiscoverFields: ac.AutoDiscoverFields,
	}, c.logger)
}

// Setup creates the analyzers and indexed views for the configured
// collections.
func (c *Coordinator) Setup(ctx context.Context, force bool) (*analyzers.Report, error) {
	return c.setupService().Initialize(ctx, c.config.Collections, c.config.Analyzers.FieldAnalyzers, force)
}

// SetupStatus reports which analyzers and views currently exist.
func (c *Coordinator) SetupStatus(ctx context.Context) (*analyzers.Status, error) {
	return c.setupService().SetupStatus(ctx)
}

// Clean drops the edge, cluster, and golden-record collections owned by the
// engine.
func (c *Coordinator) Clean(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.Clean")
	defer span.End()

	if err := c.stores.Edges.Truncate(ctx, c.edgeCollection()); err != nil {
		return errors.NewBackendError("failed to truncate edges: %w", err)
	}
	if err := c.stores.Clusters.Truncate(ctx, c.clusterCollection()); err != nil {
		return errors.NewBackendError("failed to truncate clusters: %w", err)
	}
	if err := c.stores.Golden.Truncate(ctx, c.goldenCollection()); err != nil {
		return errors.NewBackendError("failed to truncate golden records: %w", err)
	}
	c.logger.WithContext(ctx).Info("Dropped engine output collections")
	return nil
}

// Run executes the full pipeline: blocking streams candidate pairs into the
// scoring workers, scored pairs stream into the edge writer, and once the
// writer drains the clusterer, validator, and synthesizer run as a second
// phase.
func (c *Coordinator) Run(ctx context.Context) (*RunReport, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.Run")
	defer span.End()

	report := &RunReport{RunID: uuid.New().String(), StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt) }()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"collections":  c.config.Collections,
		"strategies":   len(c.config.Blocking.Strategies),
		"clean_before": c.config.Run.CleanBefore,
	})
	log.Info("Starting resolution run")

	if c.config.Run.CleanBefore {
		if err := c.Clean(ctx); err != nil {
			return report, err
		}
	}

	if usesSearchIndex(c.config.Blocking.Strategies) {
		setupReport, err := c.Setup(ctx, false)
		if err != nil {
			return report, err
		}
		report.Setup = setupReport
	}

	scorer, err := scoring.NewScorer(c.stores.Records, c.config.Scoring, c.logger)
	if err != nil {
		return report, err
	}

	edgeConfig := c.config.Edges
	edgeConfig.ForceUpdate = edgeConfig.ForceUpdate || c.config.Run.ForceUpdateEdges
	writer := edges.NewWriter(c.stores.Edges, edgeConfig, c.logger, c.secrets...)

	strategies := buildStrategies(c.stores.Records, c.stores.Edges, c.edgeCollection(), c.config.Blocking.Strategies)
	engine := blocking.NewEngine(c.stores.Records, strategies, c.config.Blocking.PairLimit, c.logger)

	scope := blocking.Scope{
		Collections: c.config.Collections,
		CrossOnly:   c.config.Blocking.CrossOnly,
	}
	blocked, err := engine.GenerateCandidates(ctx, scope)
	if err != nil {
		return report, err
	}
	report.Blocking = blocked.Stats
	for _, blockErr := range blocked.Errors {
		report.BlockingErrors = append(report.BlockingErrors, errors.Redact(blockErr.Error(), c.secrets...))
	}

	if err := scorer.Prefetch(ctx, blocked.Pairs); err != nil {
		return report, err
	}

	if err := c.scoreAndWrite(ctx, scorer, writer, blocked.Pairs); err != nil {
		report.Scoring = scorer.Statistics()
		report.Edges = writer.Statistics()
		return report, err
	}
	report.Scoring = scorer.Statistics()
	report.Edges = writer.Statistics()

	clusters, summary, err := c.clusterPhase(ctx, report)
	if err != nil {
		return report, err
	}
	report.Quality = summary

	goldenRecords, err := c.goldenPhase(ctx, clusters)
	if err != nil {
		return report, err
	}
	report.GoldenRecords = len(goldenRecords)

	if c.emitter != nil {
		if err := c.emitter.ClustersStored(ctx, c.clusterCollection(), clusters); err != nil {
			log.WithError(err).Warn("Failed to publish cluster events")
		}
		if err := c.emitter.GoldenStored(ctx, c.goldenCollection(), goldenRecords); err != nil {
			log.WithError(err).Warn("Failed to publish golden-record events")
		}
		if err := c.emitter.RunCompleted(ctx, events.RunPayload{
			Collections:   c.config.Collections,
			Duration:      time.Since(report.StartedAt),
			Candidates:    report.Blocking.CandidateCount,
			Matches:       int(report.Scoring.Matches),
			Clusters:      report.Clusters,
			ValidClusters: report.ValidClusters,
			GoldenRecords: report.GoldenRecords,
		}); err != nil {
			log.WithError(err).Warn("Failed to publish run event")
		}
	}

	log.WithFields(map[string]any{
		"candidates":     report.Blocking.CandidateCount,
		"edges_written":  report.Edges.Written,
		"clusters":       report.Clusters,
		"golden_records": report.GoldenRecords,
	}).Info("Resolution run complete")
	return report, nil
}

// scoreAndWrite pipes candidate pairs through the scoring workers into the
// single edge writer over bounded channels.
func (c *Coordinator) scoreAndWrite(ctx context.Context, scorer *scoring.Scorer, writer *edges.Writer, pairs []models.CandidatePair) error {
	capacity := c.config.channelCapacity()
	candidates := make(chan models.CandidatePair, capacity)
	scored := make(chan *models.ScoredPair, capacity)

	go func() {
		defer close(candidates)
		for _, pair := range pairs {
			select {
			case candidates <- pair:
			case <-ctx.Done():
				return
			}
		}
	}()

	scoreErr := make(chan error, 1)
	go func() {
		scoreErr <- scorer.ScoreStream(ctx, candidates, scored)
	}()

	drainErr := writer.Drain(ctx, scored)
	if err := <-scoreErr; err != nil {
		return err
	}
	return drainErr
}

// clusterPhase runs the clusterer and quality validator and persists the
// results.
func (c *Coordinator) clusterPhase(ctx context.Context, report *RunReport) ([]*models.Cluster, *quality.Summary, error) {
	clusterConfig := c.config.Clustering
	if clusterConfig.EdgeCollection == "" {
		clusterConfig.EdgeCollection = c.edgeCollection()
	}
	clusterConfig.StoreResults = true
	clusterConfig.TruncateExisting = true

	clusterer := clustering.NewClusterer(c.stores.Edges, c.stores.Clusters, clusterConfig, c.logger)
	clusters, err := clusterer.FindClusters(ctx)
	if err != nil {
		return nil, nil, err
	}
	report.Clustering = clusterer.Statistics()
	report.Clusters = len(clusters)

	validator := quality.NewValidator(c.config.Quality, c.logger)
	summary := validator.EvaluateAll(clusters)
	report.ValidClusters = summary.Valid

	if err := clusterer.Store(ctx, clusters); err != nil {
		return nil, nil, err
	}
	return clusters, summary, nil
}

// goldenPhase synthesizes golden records for the valid clusters.
func (c *Coordinator) goldenPhase(ctx context.Context, clusters []*models.Cluster) ([]*models.GoldenRecord, error) {
	valid := make([]*models.Cluster, 0, len(clusters))
	for _, cluster := range clusters {
		if cluster.Valid {
			valid = append(valid, cluster)
		}
	}

	memberCollections, err := c.memberCollections(ctx)
	if err != nil {
		return nil, err
	}

	synthesizer := golden.NewSynthesizer(c.stores.Records, c.stores.Golden, c.config.Golden, c.logger)
	return synthesizer.SynthesizeAll(ctx, valid, memberCollections)
}

// memberCollections maps every record id in scope to its collection so the
// synthesizer can fetch cluster members across collections.
func (c *Coordinator) memberCollections(ctx context.Context) (map[string]string, error) {
	result := make(map[string]string)
	for _, collection := range c.config.Collections {
		collection := collection
		err := c.stores.Records.Scan(ctx, collection, func(record *models.Record) error {
			result[record.ID] = collection
			return nil
		})
		if err != nil {
			return nil, errors.NewBackendError("failed to scan collection '%s': %w", collection, err)
		}
	}
	return result, nil
}

// Stats reports blocking potential and edge-graph statistics for one
// collection, or the whole configured scope when collection is empty.
func (c *Coordinator) Stats(ctx context.Context, collection string) (*GraphStats, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Coordinator.Stats")
	defer span.End()

	collections := c.config.Collections
	if collection != "" {
		collections = []string{collection}
	}

	stats := &GraphStats{Fields: make(map[string]FieldStats)}
	distinct := make(map[string]map[string]struct{})
	for _, name := range collections {
		err := c.stores.Records.Scan(ctx, name, func(record *models.Record) error {
			stats.Records++
			for field := range record.Data {
				if models.IsSystemField(field) {
					continue
				}
				value, ok := record.FieldString(field)
				if !ok || value == "" {
					continue
				}
				fs := stats.Fields[field]
				fs.Present++
				stats.Fields[field] = fs
				if distinct[field] == nil {
					distinct[field] = make(map[string]struct{})
				}
				distinct[field][value] = struct{}{}
			}
			return nil
		})
		if err != nil && !errors.IsNotFound(err) {
			return nil, errors.NewBackendError("failed to scan collection '%s': %w", name, err)
		}
	}
	stats.PossiblePairs = int64(models.PossiblePairs(stats.Records))
	for field, fs := range stats.Fields {
		fs.Missing = stats.Records - fs.Present
		fs.Distinct = len(distinct[field])
		stats.Fields[field] = fs
	}

	sum := 0.0
	err := c.stores.Edges.ScanEdges(ctx, c.edgeCollection(), models.EdgeFilter{}, func(edge *models.SimilarityEdge) error {
		if stats.Edges == 0 || edge.Weight < stats.MinWeight {
			stats.MinWeight = edge.Weight
		}
		if edge.Weight > stats.MaxWeight {
			stats.MaxWeight = edge.Weight
		}
		bucket := int(edge.Weight * 10)
		if bucket > 9 {
			bucket = 9
		}
		if bucket < 0 {
			bucket = 0
		}
		stats.WeightHistogram[bucket]++
		sum += edge.Weight
		stats.Edges++
		return nil
	})
	if err != nil && !errors.IsNotFound(err) {
		return nil, errors.NewBackendError("failed to scan edges: %w", err)
	}
	if stats.Edges > 0 {
		stats.AvgWeight = sum / float64(stats.Edges)
	}
	return stats, nil
}
