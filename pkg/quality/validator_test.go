package quality

import (
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/yarrow/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func healthyCluster() *models.Cluster {
	return &models.Cluster{
		ID:        "c1",
		MemberIDs: []string{"r1", "r2", "r3"},
		Size:      3,
		EdgeCount: 3,
		AvgWeight: 0.9,
		MinWeight: 0.85,
		MaxWeight: 0.95,
		Density:   1.0,
	}
}

func TestValidator_AllChecksPass(t *testing.T) {
	v := NewValidator(Thresholds{}, testLogger())
	cluster := healthyCluster()

	v.Evaluate(cluster)

	assert.True(t, cluster.Quality.SizeOK)
	assert.True(t, cluster.Quality.Coherent)
	assert.True(t, cluster.Quality.DenseEnough)
	assert.True(t, cluster.Quality.NarrowRange)
	assert.Equal(t, 1.0, cluster.QualityScore)
	assert.True(t, cluster.Valid)
}

func TestValidator_ChainDensity(t *testing.T) {
	// A three-way chain has density 2/3: fine at the default 0.3 threshold,
	// invalid when min_density is raised to 0.8.
	chain := &models.Cluster{
		MemberIDs: []string{"r1", "r2", "r3"},
		Size:      3,
		EdgeCount: 2,
		AvgWeight: 0.875,
		MinWeight: 0.85,
		MaxWeight: 0.9,
		Density:   2.0 / 3.0,
	}

	v := NewValidator(Thresholds{}, testLogger())
	v.Evaluate(chain)
	assert.True(t, chain.Quality.DenseEnough)
	assert.True(t, chain.Valid)

	strict := NewValidator(Thresholds{MinDensity: 0.8}, testLogger())
	strict.Evaluate(chain)
	assert.False(t, chain.Quality.DenseEnough)
	assert.Equal(t, 0.75, chain.QualityScore)
	assert.True(t, chain.Valid, "three of four checks still pass 0.6")

	harsh := NewValidator(Thresholds{MinDensity: 0.8, MinQualityScore: 0.8}, testLogger())
	harsh.Evaluate(chain)
	assert.False(t, chain.Valid)
}

func TestValidator_FailureModes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Cluster)
		failed string
	}{
		{
			name:   "oversized",
			mutate: func(c *models.Cluster) { c.Size = 80 },
			failed: CheckSizeAppropriate,
		},
		{
			name:   "incoherent",
			mutate: func(c *models.Cluster) { c.AvgWeight = 0.4 },
			failed: CheckSimilarityCoherent,
		},
		{
			name:   "sparse",
			mutate: func(c *models.Cluster) { c.Density = 0.1 },
			failed: CheckDensityAdequate,
		},
		{
			name: "wide score range",
			mutate: func(c *models.Cluster) {
				c.MinWeight = 0.2
				c.MaxWeight = 0.95
			},
			failed: CheckScoreRangeReasonable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(Thresholds{}, testLogger())
			cluster := healthyCluster()
			tt.mutate(cluster)

			summary := v.EvaluateAll([]*models.Cluster{cluster})
			assert.Equal(t, 1, summary.FailuresByCheck[tt.failed])
			assert.Equal(t, 0.75, cluster.QualityScore)
		})
	}
}

func TestValidator_Summary(t *testing.T) {
	v := NewValidator(Thresholds{}, testLogger())

	bad := healthyCluster()
	bad.Size = 80
	bad.AvgWeight = 0.3

	summary := v.EvaluateAll([]*models.Cluster{healthyCluster(), bad})

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Valid)
	assert.Equal(t, 0.5, summary.PassRate)
	assert.NotEmpty(t, summary.Recommendations)
}

func TestValidator_EmptyInput(t *testing.T) {
	v := NewValidator(Thresholds{}, testLogger())
	summary := v.EvaluateAll(nil)

	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 0.0, summary.PassRate)
	assert.Empty(t, summary.Recommendations)
}
