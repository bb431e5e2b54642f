// Package quality scores clusters against configurable sanity checks and
// flags the ones that look wrong (oversized, incoherent, sparse, or with a
// suspicious weight spread).
package quality

import (
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/models"
)

// Check names used in failure statistics.
const (
	CheckSizeAppropriate      = "size_appropriate"
	CheckSimilarityCoherent   = "similarity_coherent"
	CheckDensityAdequate      = "density_adequate"
	CheckScoreRangeReasonable = "score_range_reasonable"
)

// Thresholds configure the quality checks. The defaults are empirical, which
// is exactly why they are configuration.
type Thresholds struct {
	MinClusterSize   int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	MaxClusterSize   int     `yaml:"max_cluster_size" json:"max_cluster_size"`
	MinAvgSimilarity float64 `yaml:"min_avg_similarity" json:"min_avg_similarity"`
	MinDensity       float64 `yaml:"min_density" json:"min_density"`
	MaxScoreRange    float64 `yaml:"max_score_range" json:"max_score_range"`
	MinQualityScore  float64 `yaml:"min_quality_score" json:"min_quality_score"`
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinClusterSize:   2,
		MaxClusterSize:   50,
		MinAvgSimilarity: 0.7,
		MinDensity:       0.3,
		MaxScoreRange:    0.5,
		MinQualityScore:  0.6,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinClusterSize <= 0 {
		t.MinClusterSize = d.MinClusterSize
	}
	if t.MaxClusterSize <= 0 {
		t.MaxClusterSize = d.MaxClusterSize
	}
	if t.MinAvgSimilarity == 0 {
		t.MinAvgSimilarity = d.MinAvgSimilarity
	}
	if t.MinDensity == 0 {
		t.MinDensity = d.MinDensity
	}
	if t.MaxScoreRange == 0 {
		t.MaxScoreRange = d.MaxScoreRange
	}
	if t.MinQualityScore == 0 {
		t.MinQualityScore = d.MinQualityScore
	}
	return t
}

// Summary aggregates one validation pass.
type Summary struct {
	Total           int            `json:"total"`
	Valid           int            `json:"valid"`
	PassRate        float64        `json:"pass_rate"`
	FailuresByCheck map[string]int `json:"failures_by_check"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// Validator applies the quality checks.
type Validator struct {
	thresholds Thresholds
	logger     ectologger.Logger
}

// NewValidator creates a validator; zero thresholds take the documented
// defaults.
func NewValidator(thresholds Thresholds, logger ectologger.Logger) *Validator {
	return &Validator{
		thresholds: thresholds.withDefaults(),
		logger:     logger,
	}
}

// Evaluate fills the cluster's quality fields in place. quality_score is the
// fraction of checks passed.
func (v *Validator) Evaluate(cluster *models.Cluster) {
	t := v.thresholds

	cluster.Quality = models.ClusterQuality{
		SizeOK:      cluster.Size >= t.MinClusterSize && cluster.Size <= t.MaxClusterSize,
		Coherent:    cluster.AvgWeight >= t.MinAvgSimilarity,
		DenseEnough: cluster.Density >= t.MinDensity,
		NarrowRange: cluster.MaxWeight-cluster.MinWeight <= t.MaxScoreRange,
	}

	passed := 0
	for _, ok := range []bool{
		cluster.Quality.SizeOK,
		cluster.Quality.Coherent,
		cluster.Quality.DenseEnough,
		cluster.Quality.NarrowRange,
	} {
		if ok {
			passed++
		}
	}
	cluster.QualityScore = float64(passed) / 4.0
	cluster.Valid = cluster.QualityScore >= t.MinQualityScore
}

// EvaluateAll evaluates every cluster and aggregates pass statistics with
// free-form recommendations.
func (v *Validator) EvaluateAll(clusters []*models.Cluster) *Summary {
	summary := &Summary{
		Total:           len(clusters),
		FailuresByCheck: make(map[string]int),
	}

	oversized := 0
	for _, cluster := range clusters {
		v.Evaluate(cluster)
		if cluster.Valid {
			summary.Valid++
		}
		if !cluster.Quality.SizeOK {
			summary.FailuresByCheck[CheckSizeAppropriate]++
			if cluster.Size > v.thresholds.MaxClusterSize {
				oversized++
			}
		}
		if !cluster.Quality.Coherent {
			summary.FailuresByCheck[CheckSimilarityCoherent]++
		}
		if !cluster.Quality.DenseEnough {
			summary.FailuresByCheck[CheckDensityAdequate]++
		}
		if !cluster.Quality.NarrowRange {
			summary.FailuresByCheck[CheckScoreRangeReasonable]++
		}
	}
	if summary.Total > 0 {
		summary.PassRate = float64(summary.Valid) / float64(summary.Total)
	}

	summary.Recommendations = v.recommend(summary, oversized)
	v.logger.WithFields(map[string]any{
		"total":     summary.Total,
		"valid":     summary.Valid,
		"pass_rate": summary.PassRate,
	}).Info("Cluster validation complete")
	return summary
}

func (v *Validator) recommend(summary *Summary, oversized int) []string {
	var recommendations []string
	if oversized > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d clusters oversized - consider raising the similarity threshold", oversized))
	}
	if n := summary.FailuresByCheck[CheckSimilarityCoherent]; n > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d clusters below min_avg_similarity %.2f - review field weights", n, v.thresholds.MinAvgSimilarity))
	}
	if n := summary.FailuresByCheck[CheckDensityAdequate]; n > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d sparse clusters - chained matches may be bridging distinct entities", n))
	}
	if n := summary.FailuresByCheck[CheckScoreRangeReasonable]; n > 0 {
		recommendations = append(recommendations, fmt.Sprintf(
			"%d clusters with a wide score range - mixed-confidence merges inside one cluster", n))
	}
	sort.Strings(recommendations)
	return recommendations
}
