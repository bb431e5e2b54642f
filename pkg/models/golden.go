package models

import "time"

// MergeStrategy records how a golden-record field value was chosen.
type MergeStrategy string

const (
	MergeStrategyConsensus          MergeStrategy = "consensus"
	MergeStrategyConflictResolution MergeStrategy = "conflict_resolution"
	MergeStrategySingleSource       MergeStrategy = "single_source"
)

// FieldProvenance explains where a consolidated field value came from.
type FieldProvenance struct {
	Source       string        `json:"source"`
	Strategy     MergeStrategy `json:"strategy"`
	Alternatives []any         `json:"alternatives,omitempty"`
}

// GoldenRecord is the consolidated record representing one cluster's entity.
type GoldenRecord struct {
	ClusterID       string                     `json:"cluster_id" db:"cluster_id"`
	Fields          map[string]any             `json:"consolidated_fields"`
	Provenance      map[string]FieldProvenance `json:"provenance"`
	SourceRecordIDs []string                   `json:"source_record_ids"`
	QualityScore    float64                    `json:"quality_score" db:"quality_score"`
	CreatedAt       time.Time                  `json:"created_at" db:"created_at"`
}
