// Package golden merges a cluster's member records into one consolidated
// record with per-field provenance and conflict resolution.
package golden

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Conflict-resolution blend: source preference dominates, record quality
// breaks near-ties.
const (
	sourcePreferenceShare = 0.7
	recordQualityShare    = 0.3
)

// Config drives golden-record synthesis.
type Config struct {
	Collection string `yaml:"collection" json:"collection"`
	// SourcePreference ranks sources in [0, 1]; unknown sources score 0.
	SourcePreference map[string]float64 `yaml:"source_preference" json:"source_preference"`
	// RecencyHorizon is how far back a record's timestamp still contributes
	// recency quality. Older records bottom out, newer approach 1.
	RecencyHorizon time.Duration `yaml:"recency_horizon" json:"recency_horizon"`
}

func (c Config) withDefaults() Config {
	if c.Collection == "" {
		c.Collection = "golden_records"
	}
	if c.RecencyHorizon <= 0 {
		c.RecencyHorizon = 365 * 24 * time.Hour
	}
	return c
}

// Synthesizer builds golden records from clusters.
type Synthesizer struct {
	records stores.RecordStore
	golden  stores.GoldenStore
	config  Config
	logger  ectologger.Logger
	now     func() time.Time
}

// NewSynthesizer creates a synthesizer.
func NewSynthesizer(records stores.RecordStore, golden stores.GoldenStore, config Config, logger ectologger.Logger) *Synthesizer {
	return &Synthesizer{
		records: records,
		golden:  golden,
		config:  config.withDefaults(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// candidate is one member's value for a field, annotated for resolution.
type candidate struct {
	value      any
	display    string
	source     string
	preference float64
	quality    float64
}

// Synthesize merges one cluster's members. Members must all resolve; a
// missing member is a validation error.
func (s *Synthesizer) Synthesize(ctx context.Context, cluster *models.Cluster, memberCollections map[string]string) (*models.GoldenRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "golden.Synthesizer.Synthesize")
	defer span.End()

	members := make([]*models.Record, 0, len(cluster.MemberIDs))
	for _, id := range cluster.MemberIDs {
		collection := memberCollections[id]
		record, err := s.records.GetRecord(ctx, collection, id)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, errors.NewValidationError(
					"cluster '%s' references missing record '%s'", cluster.ID, id)
			}
			return nil, err
		}
		members = append(members, record)
	}

	result := &models.GoldenRecord{
		ClusterID:       cluster.ID,
		Fields:          make(map[string]any),
		Provenance:      make(map[string]models.FieldProvenance),
		SourceRecordIDs: append([]string(nil), cluster.MemberIDs...),
		CreatedAt:       s.now(),
	}

	for _, field := range s.fieldUnion(members) {
		candidates := s.collectCandidates(members, field)
		if len(candidates) == 0 {
			continue
		}
		value, provenance := s.resolveField(candidates)
		result.Fields[field] = value
		result.Provenance[field] = provenance
	}

	result.QualityScore = s.goldenQuality(members)
	return result, nil
}

// fieldUnion returns every non-system field present on at least one member,
// sorted for deterministic output.
func (s *Synthesizer) fieldUnion(members []*models.Record) []string {
	seen := make(map[string]struct{})
	for _, member := range members {
		for field := range member.Data {
			if models.IsSystemField(field) {
				continue
			}
			seen[field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// collectCandidates gathers the non-null values across members with their
// source annotations.
func (s *Synthesizer) collectCandidates(members []*models.Record, field string) []candidate {
	var candidates []candidate
	for _, member := range members {
		value, ok := member.Data[field]
		if !ok || value == nil {
			continue
		}
		if str, isString := value.(string); isString && str == "" {
			continue
		}
		candidates = append(candidates, candidate{
			value:      value,
			display:    fmt.Sprintf("%v", value),
			source:     member.Source,
			preference: s.config.SourcePreference[member.Source],
			quality:    s.recordQuality(member),
		})
	}
	return candidates
}

// resolveField implements the per-field rule: consensus when all values
// agree, best-annotated value on conflict, pass-through for a single value.
func (s *Synthesizer) resolveField(candidates []candidate) (any, models.FieldProvenance) {
	if len(candidates) == 1 {
		return candidates[0].value, models.FieldProvenance{
			Source:   candidates[0].source,
			Strategy: models.MergeStrategySingleSource,
		}
	}

	distinct := make(map[string]struct{})
	for _, c := range candidates {
		distinct[c.display] = struct{}{}
	}

	if len(distinct) == 1 {
		// Attribute consensus to the most preferred source.
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.preference > best.preference {
				best = c
			}
		}
		return best.value, models.FieldProvenance{
			Source:   best.source,
			Strategy: models.MergeStrategyConsensus,
		}
	}

	best := candidates[0]
	bestScore := sourcePreferenceShare*best.preference + recordQualityShare*best.quality
	for _, c := range candidates[1:] {
		score := sourcePreferenceShare*c.preference + recordQualityShare*c.quality
		if score > bestScore {
			best = c
			bestScore = score
		}
	}

	alternatives := make([]any, 0, len(distinct)-1)
	seen := map[string]struct{}{best.display: {}}
	for _, c := range candidates {
		if _, dup := seen[c.display]; dup {
			continue
		}
		seen[c.display] = struct{}{}
		alternatives = append(alternatives, c.value)
	}

	return best.value, models.FieldProvenance{
		Source:       best.source,
		Strategy:     models.MergeStrategyConflictResolution,
		Alternatives: alternatives,
	}
}

// recordQuality blends field completeness with timestamp recency. Both
// components increase monotonically.
func (s *Synthesizer) recordQuality(record *models.Record) float64 {
	completeness := record.Completeness()

	recency := 0.0
	if !record.UpdatedAt.IsZero() {
		age := s.now().Sub(record.UpdatedAt)
		if age < 0 {
			age = 0
		}
		recency = 1 - float64(age)/float64(s.config.RecencyHorizon)
		if recency < 0 {
			recency = 0
		}
	}
	return 0.5*completeness + 0.5*recency
}

// goldenQuality scores the consolidated record as the mean member quality.
func (s *Synthesizer) goldenQuality(members []*models.Record) float64 {
	if len(members) == 0 {
		return 0
	}
	total := 0.0
	for _, member := range members {
		total += s.recordQuality(member)
	}
	return total / float64(len(members))
}

// SynthesizeAll builds and stores one golden record per cluster, truncating
// prior output first.
func (s *Synthesizer) SynthesizeAll(ctx context.Context, clusters []*models.Cluster, memberCollections map[string]string) ([]*models.GoldenRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "golden.Synthesizer.SynthesizeAll")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"clusters":   len(clusters),
		"collection": s.config.Collection,
	})

	if err := s.golden.Truncate(ctx, s.config.Collection); err != nil {
		return nil, errors.NewBackendError("failed to truncate golden records: %w", err)
	}

	results := make([]*models.GoldenRecord, 0, len(clusters))
	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("golden synthesis cancelled: %w", err)
		}
		record, err := s.Synthesize(ctx, cluster, memberCollections)
		if err != nil {
			if errors.IsValidation(err) {
				log.WithError(err).Warn("Skipped cluster with missing members")
				continue
			}
			return nil, err
		}
		results = append(results, record)
	}

	if len(results) > 0 {
		if err := s.golden.BulkInsert(ctx, s.config.Collection, results); err != nil {
			return nil, errors.NewBackendError("failed to store golden records: %w", err)
		}
	}
	log.WithFields(map[string]any{"golden_records": len(results)}).Info("Golden records synthesized")
	return results, nil
}
