package blocking

import (
	"context"
	"sort"
	"strings"

	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/normalizers"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// blockRef is one record's membership in a block.
type blockRef struct {
	ref models.RecordRef
	rec *models.Record
}

// grouper is the shared machinery behind the exact, composite, and
// geographic strategies: bucket records by a key, emit all pairs within each
// bucket, bounded by block-size limits.
type grouper struct {
	records      stores.RecordStore
	minBlockSize int
	maxBlockSize int
	stats        StrategyStats
}

func newGrouper(records stores.RecordStore, minSize, maxSize int) grouper {
	if minSize <= 0 {
		minSize = DefaultMinBlockSize
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBlockSize
	}
	return grouper{records: records, minBlockSize: minSize, maxBlockSize: maxSize}
}

// collect scans the scope and buckets records by keyFn. A keyFn returning
// ("", false) drops the record from this strategy.
func (g *grouper) collect(ctx context.Context, scope Scope, keyFn func(*models.Record) (string, bool)) (map[string][]blockRef, error) {
	groups := make(map[string][]blockRef)
	for _, collection := range scope.Collections {
		err := g.records.Scan(ctx, collection, func(record *models.Record) error {
			key, ok := keyFn(record)
			if !ok {
				g.stats.DroppedRecords++
				return nil
			}
			groups[key] = append(groups[key], blockRef{
				ref: models.RecordRef{ID: record.ID, Collection: collection},
				rec: record,
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// emit produces every within-block pair honoring the size bounds and the
// scope predicate. Iteration is key-ordered so output is deterministic.
func (g *grouper) emit(groups map[string][]blockRef, scope Scope, strategy string, matchedFields []string) []models.CandidatePair {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var pairs []models.CandidatePair
	seen := make(map[string]struct{})
	for _, key := range keys {
		block := groups[key]
		g.stats.Blocks++
		if len(block) < g.minBlockSize || len(block) > g.maxBlockSize {
			g.stats.DroppedBlocks++
			continue
		}
		for i := 0; i < len(block); i++ {
			for j := i + 1; j < len(block); j++ {
				if !scope.Allows(block[i].ref, block[j].ref) {
					continue
				}
				pair := models.NewCandidatePair(block[i].ref, block[j].ref, strategy, key)
				if _, dup := seen[pair.Key()]; dup {
					continue
				}
				seen[pair.Key()] = struct{}{}
				pair.MatchedFields = matchedFields
				pairs = append(pairs, pair)
			}
		}
	}
	return pairs
}

// ExactStrategy groups records on the normalized concatenation of one or
// more field values.
type ExactStrategy struct {
	grouper
	fields []string
}

// NewExactStrategy creates an exact blocking strategy over the given fields.
func NewExactStrategy(records stores.RecordStore, fields []string, minSize, maxSize int) *ExactStrategy {
	return &ExactStrategy{
		grouper: newGrouper(records, minSize, maxSize),
		fields:  fields,
	}
}

func (s *ExactStrategy) Name() string { return "exact" }

func (s *ExactStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	groups, err := s.collect(ctx, scope, func(record *models.Record) (string, bool) {
		parts := make([]string, 0, len(s.fields))
		for _, field := range s.fields {
			value, ok := record.FieldString(field)
			normalized := normalizers.BlockKey(value)
			if !ok || normalized == "" {
				return "", false
			}
			parts = append(parts, normalized)
		}
		return strings.Join(parts, "|"), true
	})
	if err != nil {
		return nil, err
	}
	return s.emit(groups, scope, s.Name(), s.fields), nil
}

func (s *ExactStrategy) Statistics() StrategyStats { return s.stats }

// CompositeStrategy groups records on an ordered list of fields with
// per-field normalizers and filters. Records failing a filter are silently
// dropped and counted.
type CompositeStrategy struct {
	grouper
	fields []BlockField
}

// NewCompositeStrategy creates a composite blocking strategy.
func NewCompositeStrategy(records stores.RecordStore, fields []BlockField, minSize, maxSize int) *CompositeStrategy {
	return &CompositeStrategy{
		grouper: newGrouper(records, minSize, maxSize),
		fields:  fields,
	}
}

func (s *CompositeStrategy) Name() string { return "composite" }

func (s *CompositeStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	groups, err := s.collect(ctx, scope, func(record *models.Record) (string, bool) {
		return compositeKey(record, s.fields)
	})
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		names = append(names, f.Field)
	}
	return s.emit(groups, scope, s.Name(), names), nil
}

func (s *CompositeStrategy) Statistics() StrategyStats { return s.stats }

// compositeKey derives a block key from the configured fields, or reports
// the record as excluded.
func compositeKey(record *models.Record, fields []BlockField) (string, bool) {
	parts := make([]string, 0, len(fields))
	for _, bf := range fields {
		value, ok := record.FieldString(bf.Field)
		normalized := normalizers.BlockKey(value)
		if bf.Normalizer != "" {
			normalized = normalizers.Apply(normalized, bf.Normalizer)
		}
		if !bf.Filter.passes(normalized, ok && normalized != "") {
			return "", false
		}
		if normalized == "" {
			return "", false
		}
		parts = append(parts, normalized)
	}
	return strings.Join(parts, "|"), true
}

// FallbackRule derives a location value from another field when the primary
// location field is null. Declarative so source-data quirks stay in
// configuration.
type FallbackRule struct {
	SourceField  string   `yaml:"source_field" json:"source_field"`
	PrefixIn     []string `yaml:"prefix_in" json:"prefix_in"`
	EqualsIn     []string `yaml:"equals_in" json:"equals_in"`
	DerivedValue string   `yaml:"derived_value" json:"derived_value"`
}

// applies reports whether the rule matches the record and returns the
// derived value.
func (r FallbackRule) applies(record *models.Record) (string, bool) {
	value, ok := record.FieldString(r.SourceField)
	if !ok {
		return "", false
	}
	normalized := normalizers.BlockKey(value)
	for _, prefix := range r.PrefixIn {
		if strings.HasPrefix(normalized, strings.ToLower(prefix)) {
			return r.DerivedValue, true
		}
	}
	for _, exact := range r.EqualsIn {
		if normalized == strings.ToLower(exact) {
			return r.DerivedValue, true
		}
	}
	return "", false
}

// GeographicStrategy blocks on a location field (state, city, zip prefix)
// with declarative fallback rules for records missing the field.
type GeographicStrategy struct {
	grouper
	locationField string
	normalizer    string
	fallbacks     []FallbackRule
}

// NewGeographicStrategy creates a geographic blocking strategy.
func NewGeographicStrategy(records stores.RecordStore, locationField, normalizer string, fallbacks []FallbackRule, minSize, maxSize int) *GeographicStrategy {
	return &GeographicStrategy{
		grouper:       newGrouper(records, minSize, maxSize),
		locationField: locationField,
		normalizer:    normalizer,
		fallbacks:     fallbacks,
	}
}

func (s *GeographicStrategy) Name() string { return "geographic" }

func (s *GeographicStrategy) GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error) {
	s.stats = StrategyStats{}

	groups, err := s.collect(ctx, scope, func(record *models.Record) (string, bool) {
		value, ok := record.FieldString(s.locationField)
		normalized := normalizers.BlockKey(value)
		if s.normalizer != "" {
			normalized = normalizers.Apply(normalized, s.normalizer)
		}
		if ok && normalized != "" {
			return normalized, true
		}
		for _, rule := range s.fallbacks {
			if derived, matched := rule.applies(record); matched {
				return normalizers.BlockKey(derived), true
			}
		}
		return "", false
	})
	if err != nil {
		return nil, err
	}
	return s.emit(groups, scope, s.Name(), []string{s.locationField}), nil
}

func (s *GeographicStrategy) Statistics() StrategyStats { return s.stats }
