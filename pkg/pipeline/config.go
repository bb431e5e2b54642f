// Package pipeline sequences the resolution stages: index setup, blocking,
// scoring, edge writing, clustering, quality validation, and golden-record
// synthesis. The coordinator owns every collaborator and injects it; the only
// run-scoped state is the scorer's record cache.
package pipeline

import (
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/yarrow/pkg/blocking"
	"github.com/Ramsey-B/yarrow/pkg/clustering"
	"github.com/Ramsey-B/yarrow/pkg/edges"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/golden"
	"github.com/Ramsey-B/yarrow/pkg/quality"
	"github.com/Ramsey-B/yarrow/pkg/scoring"
)

// Blocking strategy type names accepted in configuration.
const (
	StrategyExact      = "exact"
	StrategyComposite  = "composite"
	StrategyNgram      = "ngram"
	StrategyPhonetic   = "phonetic"
	StrategyGeographic = "geographic"
	StrategyHybrid     = "hybrid"
	StrategyGraph      = "graph"
)

const DefaultChannelCapacity = 1024

// Collection, view, and field names are interpolated into backend queries.
// Anything outside this grammar is rejected at parse time.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// StrategyConfig is one entry of blocking.strategies. Type selects the
// variant; the remaining knobs apply per variant and unknown ones are
// ignored.
type StrategyConfig struct {
	Type   string   `yaml:"type" json:"type" validate:"required"`
	Fields []string `yaml:"fields" json:"fields"`
	// BlockFields carries per-field normalizers and filters for the
	// composite variant.
	BlockFields     []blocking.BlockField `yaml:"block_fields" json:"block_fields"`
	MinBlockSize    int                   `yaml:"min_block_size" json:"min_block_size"`
	MaxBlockSize    int                   `yaml:"max_block_size" json:"max_block_size"`
	LimitPerEntity  int                   `yaml:"limit_per_entity" json:"limit_per_entity"`
	BM25Threshold   float64               `yaml:"bm25_threshold" json:"bm25_threshold"`
	ConstraintField string                `yaml:"constraint_field" json:"constraint_field"`

	// Geographic variant.
	LocationField string                  `yaml:"location_field" json:"location_field"`
	Normalizer    string                  `yaml:"normalizer" json:"normalizer"`
	Fallbacks     []blocking.FallbackRule `yaml:"fallbacks" json:"fallbacks"`

	// Hybrid variant.
	BM25Weight        float64 `yaml:"bm25_weight" json:"bm25_weight"`
	LevenshteinWeight float64 `yaml:"levenshtein_weight" json:"levenshtein_weight"`
	CombinedThreshold float64 `yaml:"combined_threshold" json:"combined_threshold"`

	// Graph-traversal variant.
	Hops      int     `yaml:"hops" json:"hops"`
	MinWeight float64 `yaml:"min_weight" json:"min_weight"`
}

// BlockingConfig drives candidate generation.
type BlockingConfig struct {
	Strategies []StrategyConfig `yaml:"strategies" json:"strategies" validate:"required,min=1,dive"`
	PairLimit  int              `yaml:"pair_limit" json:"pair_limit"`
	// CrossOnly restricts emission to pairs spanning two collections.
	CrossOnly bool `yaml:"cross_only" json:"cross_only"`
}

// AnalyzersConfig drives text index setup.
type AnalyzersConfig struct {
	Ngram struct {
		N                int  `yaml:"n" json:"n"`
		PreserveOriginal bool `yaml:"preserve_original" json:"preserve_original"`
	} `yaml:"ngram" json:"ngram"`
	Phonetic struct {
		Enabled bool   `yaml:"enabled" json:"enabled"`
		Encoder string `yaml:"encoder" json:"encoder"`
	} `yaml:"phonetic" json:"phonetic"`
	AutoDiscoverFields bool `yaml:"auto_discover_fields" json:"auto_discover_fields"`
	// FieldAnalyzers maps collection -> field -> analyzer names. Empty falls
	// back to auto-discovery.
	FieldAnalyzers map[string]map[string][]string `yaml:"field_analyzers" json:"field_analyzers"`
}

// RunConfig holds the run-level switches.
type RunConfig struct {
	CleanBefore      bool `yaml:"clean_before" json:"clean_before"`
	ForceUpdateEdges bool `yaml:"force_update_edges" json:"force_update_edges"`
	// ChannelCapacity bounds the candidate and scored-pair channels so a slow
	// edge writer backpressures blocking.
	ChannelCapacity int `yaml:"channel_capacity" json:"channel_capacity"`
}

// Config is the full declarative pipeline configuration.
type Config struct {
	Collections []string           `yaml:"collections" json:"collections" validate:"required,min=1"`
	Analyzers   AnalyzersConfig    `yaml:"analyzers" json:"analyzers"`
	Blocking    BlockingConfig     `yaml:"blocking" json:"blocking"`
	Scoring     scoring.Config     `yaml:"scoring" json:"scoring"`
	Edges       edges.Config       `yaml:"edges" json:"edges"`
	Clustering  clustering.Config  `yaml:"clustering" json:"clustering"`
	Quality     quality.Thresholds `yaml:"quality" json:"quality"`
	Golden      golden.Config      `yaml:"golden" json:"golden"`
	Run         RunConfig          `yaml:"run" json:"run"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError("failed to read config file '%s': %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses and validates YAML configuration bytes.
func ParseConfig(raw []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return nil, errors.NewConfigError("malformed configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects illegal configurations before any work starts.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.NewConfigError("invalid configuration: %w", err)
	}

	for _, collection := range c.Collections {
		if err := validIdentifier("collection", collection); err != nil {
			return err
		}
	}
	for i, strategy := range c.Blocking.Strategies {
		if err := c.validateStrategy(i, strategy); err != nil {
			return err
		}
	}
	for field := range c.Scoring.FieldWeights {
		if err := validIdentifier("scoring field", field); err != nil {
			return err
		}
	}
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	for _, name := range []struct{ label, value string }{
		{"edges.collection", c.Edges.Collection},
		{"clustering.edge_collection", c.Clustering.EdgeCollection},
		{"clustering.cluster_collection", c.Clustering.ClusterCollection},
		{"golden.collection", c.Golden.Collection},
	} {
		if name.value == "" {
			continue
		}
		if err := validIdentifier(name.label, name.value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateStrategy(index int, strategy StrategyConfig) error {
	fields := strategy.Fields
	switch strategy.Type {
	case StrategyExact, StrategyNgram, StrategyPhonetic, StrategyHybrid:
		if len(fields) == 0 {
			return errors.NewConfigError("blocking strategy %d (%s): fields is required", index, strategy.Type)
		}
	case StrategyComposite:
		if len(strategy.BlockFields) == 0 {
			return errors.NewConfigError("blocking strategy %d (composite): block_fields is required", index)
		}
		for _, bf := range strategy.BlockFields {
			fields = append(fields, bf.Field)
		}
	case StrategyGeographic:
		if strategy.LocationField == "" {
			return errors.NewConfigError("blocking strategy %d (geographic): location_field is required", index)
		}
		fields = append(fields, strategy.LocationField)
	case StrategyGraph:
		// No field requirements.
	default:
		return errors.NewConfigError("blocking strategy %d: unknown type '%s'", index, strategy.Type)
	}

	for _, field := range fields {
		if err := validIdentifier("blocking field", field); err != nil {
			return err
		}
	}
	if strategy.ConstraintField != "" {
		if err := validIdentifier("constraint_field", strategy.ConstraintField); err != nil {
			return err
		}
	}
	return nil
}

func validIdentifier(label, value string) error {
	if !identifierPattern.MatchString(value) {
		return errors.NewConfigError("%s '%s' is not a valid identifier", label, value)
	}
	return nil
}

func (c *Config) channelCapacity() int {
	if c.Run.ChannelCapacity > 0 {
		return c.Run.ChannelCapacity
	}
	return DefaultChannelCapacity
}
