package scoring

import (
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/similarity"
)

// Defaults for the global decision thresholds.
const (
	DefaultUpperThreshold = 2.0
	DefaultLowerThreshold = -1.0
	DefaultBatchSize      = 5000
	DefaultWorkers        = 4
)

// Similarity algorithm names accepted in configuration.
const (
	AlgorithmJaroWinkler = "jaro_winkler"
	AlgorithmJaro        = "jaro"
	AlgorithmLevenshtein = "levenshtein"
	AlgorithmNgram       = "ngram"
	AlgorithmExact       = "exact"
	AlgorithmPhonetic    = "phonetic"
)

// FieldWeight is the Fellegi-Sunter parameterization of one field.
type FieldWeight struct {
	// MProb is P(field agrees | records truly match), in (0, 1).
	MProb float64 `yaml:"m_prob" json:"m_prob"`
	// UProb is P(field agrees | records do not match), in (0, 1).
	UProb float64 `yaml:"u_prob" json:"u_prob"`
	// Threshold is the similarity above which agreement is declared.
	Threshold float64 `yaml:"threshold" json:"threshold"`
	// Algorithm names the similarity function; empty falls back to the
	// config's default algorithm.
	Algorithm string `yaml:"similarity_fn" json:"similarity_fn"`
	// RemovePunctuation opts the field into punctuation stripping before
	// comparison.
	RemovePunctuation bool `yaml:"remove_punctuation" json:"remove_punctuation"`
	// SkipNormalization disables the uniform trim/lowercase/accent pass.
	SkipNormalization bool `yaml:"skip_normalization" json:"skip_normalization"`

	// Custom replaces the named algorithm with a caller-provided function.
	// Not configurable from YAML.
	Custom similarity.Func `yaml:"-" json:"-"`
}

// Config drives the scorer.
type Config struct {
	FieldWeights     map[string]FieldWeight `yaml:"field_weights" json:"field_weights"`
	UpperThreshold   float64                `yaml:"upper_threshold" json:"upper_threshold"`
	LowerThreshold   float64                `yaml:"lower_threshold" json:"lower_threshold"`
	DefaultAlgorithm string                 `yaml:"default_algorithm" json:"default_algorithm"`
	BatchSize        int                    `yaml:"batch_size" json:"batch_size"`
	Workers          int                    `yaml:"workers" json:"workers"`
	NgramN           int                    `yaml:"ngram_n" json:"ngram_n"`
	PhoneticEncoder  string                 `yaml:"phonetic_encoder" json:"phonetic_encoder"`
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.UpperThreshold == 0 {
		c.UpperThreshold = DefaultUpperThreshold
	}
	if c.LowerThreshold == 0 {
		c.LowerThreshold = DefaultLowerThreshold
	}
	if c.DefaultAlgorithm == "" {
		c.DefaultAlgorithm = AlgorithmJaroWinkler
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.NgramN <= 0 {
		c.NgramN = 3
	}
	return c
}

// Validate rejects configurations that cannot yield finite log-odds or
// reference unknown algorithms. Called before any work starts.
func (c Config) Validate() error {
	if len(c.FieldWeights) == 0 {
		return errors.NewConfigError("scoring requires at least one field weight")
	}
	if c.UpperThreshold <= c.LowerThreshold {
		return errors.NewConfigError(
			"upper_threshold %.2f must exceed lower_threshold %.2f", c.UpperThreshold, c.LowerThreshold)
	}

	for field, fw := range c.FieldWeights {
		if fw.MProb <= 0 || fw.MProb >= 1 {
			return errors.NewConfigError("field '%s': m_prob %.4f must lie in (0, 1)", field, fw.MProb)
		}
		if fw.UProb <= 0 || fw.UProb >= 1 {
			return errors.NewConfigError("field '%s': u_prob %.4f must lie in (0, 1)", field, fw.UProb)
		}
		if fw.Threshold < 0 || fw.Threshold > 1 {
			return errors.NewConfigError("field '%s': threshold %.4f must lie in [0, 1]", field, fw.Threshold)
		}
		algorithm := fw.Algorithm
		if algorithm == "" {
			algorithm = c.DefaultAlgorithm
		}
		if fw.Custom == nil && !knownAlgorithm(algorithm) {
			return errors.NewConfigError("field '%s': unknown similarity function '%s'", field, algorithm)
		}
	}
	return nil
}

func knownAlgorithm(name string) bool {
	switch name {
	case AlgorithmJaroWinkler, AlgorithmJaro, AlgorithmLevenshtein,
		AlgorithmNgram, AlgorithmExact, AlgorithmPhonetic:
		return true
	}
	return false
}
