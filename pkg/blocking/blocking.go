// Package blocking produces the candidate-pair stream scoring consumes. It
// is the mechanism that turns the quadratic comparison space into O(n·k):
// strategies group or search records by cheap indexed keys and only pairs
// sharing a key are ever scored.
package blocking

import (
	"context"
	"sort"

	"github.com/Ramsey-B/yarrow/pkg/models"
)

// Default bounds, overridable per strategy configuration.
const (
	DefaultMinBlockSize   = 2
	DefaultMaxBlockSize   = 100
	DefaultLimitPerEntity = 20
	DefaultPairLimit      = 100
	DefaultBM25Threshold  = 2.0
)

// Scope restricts a blocking run to a set of collections. With CrossOnly set
// the engine only emits pairs whose endpoints sit in different collections.
type Scope struct {
	Collections []string
	CrossOnly   bool
}

// Allows reports whether a pair of endpoints satisfies the scope's
// emission predicate.
func (s Scope) Allows(a, b models.RecordRef) bool {
	if a.ID == b.ID {
		return false
	}
	if s.CrossOnly {
		return a.Collection != b.Collection
	}
	return true
}

// Strategy is one candidate generator. Implementations must emit each
// unordered pair at most once, in canonical order.
type Strategy interface {
	Name() string
	GenerateCandidates(ctx context.Context, scope Scope) ([]models.CandidatePair, error)
}

// StrategyStats are the drop counters a strategy accumulates during its most
// recent run.
type StrategyStats struct {
	Blocks         int `json:"blocks"`
	DroppedBlocks  int `json:"dropped_blocks"`
	DroppedRecords int `json:"dropped_records"`
}

// StatsReporter is optionally implemented by strategies that track drops.
type StatsReporter interface {
	Statistics() StrategyStats
}

// FieldFilter excludes records from a block on a per-field basis.
type FieldFilter struct {
	NotNull   bool     `yaml:"not_null" json:"not_null"`
	MinLength int      `yaml:"min_length" json:"min_length"`
	NotIn     []string `yaml:"not_in" json:"not_in"`
}

// passes applies the filter to a normalized field value. ok is false when the
// field was absent.
func (f FieldFilter) passes(value string, ok bool) bool {
	if !ok || value == "" {
		return !f.NotNull && f.MinLength == 0
	}
	if f.MinLength > 0 && len(value) < f.MinLength {
		return false
	}
	for _, banned := range f.NotIn {
		if value == banned {
			return false
		}
	}
	return true
}

// BlockField is one component of a composite block key. Normalizer names a
// registered normalizer applied before grouping (e.g. "zip5" derives the
// 5-digit zip prefix subfield).
type BlockField struct {
	Field      string      `yaml:"field" json:"field"`
	Normalizer string      `yaml:"normalizer" json:"normalizer"`
	Filter     FieldFilter `yaml:"filter" json:"filter"`
}

// sortedPairs flattens a pair union into key order.
func sortedPairs(union map[string]*models.CandidatePair) []models.CandidatePair {
	keys := make([]string, 0, len(union))
	for key := range union {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]models.CandidatePair, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, *union[key])
	}
	return pairs
}
