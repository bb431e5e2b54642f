package models

import "time"

// ClusterQuality holds the boolean outcome of each quality check.
type ClusterQuality struct {
	SizeOK      bool `json:"size_ok"`
	Coherent    bool `json:"coherent"`
	DenseEnough bool `json:"dense_enough"`
	NarrowRange bool `json:"narrow_range"`
}

// Cluster is one weakly connected component of the similarity graph.
// ID is a pure function of the sorted member ids, so re-running on the same
// edges produces the same id.
type Cluster struct {
	ID           string         `json:"cluster_id" db:"cluster_id"`
	MemberIDs    []string       `json:"member_ids"`
	Size         int            `json:"size" db:"size"`
	EdgeCount    int            `json:"edge_count" db:"edge_count"`
	AvgWeight    float64        `json:"avg_weight" db:"avg_weight"`
	MinWeight    float64        `json:"min_weight" db:"min_weight"`
	MaxWeight    float64        `json:"max_weight" db:"max_weight"`
	Density      float64        `json:"density" db:"density"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	Quality      ClusterQuality `json:"quality"`
	QualityScore float64        `json:"quality_score" db:"quality_score"`
	Valid        bool           `json:"valid" db:"valid"`
}

// PossiblePairs returns n*(n-1)/2 for a member count n.
func PossiblePairs(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}
