package events

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version.
const SchemaVersion = "1.0"

// EventType defines the type of event.
type EventType string

const (
	EventTypeClusterCreated EventType = "cluster.created"
	EventTypeClusterInvalid EventType = "cluster.invalid"
	EventTypeGoldenCreated  EventType = "golden.created"
	EventTypeRunCompleted   EventType = "run.completed"
)

// Envelope wraps every published payload with identity and versioning.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload"`
}

// NewEnvelope stamps a payload with a fresh event id and the current time.
func NewEnvelope(eventType EventType, payload any) Envelope {
	return Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// ClusterPayload describes a stored cluster.
type ClusterPayload struct {
	Collection   string   `json:"collection"`
	ClusterID    string   `json:"cluster_id"`
	MemberIDs    []string `json:"member_ids"`
	Size         int      `json:"size"`
	QualityScore float64  `json:"quality_score"`
	Valid        bool     `json:"valid"`
}

// GoldenPayload describes a synthesized golden record.
type GoldenPayload struct {
	Collection      string   `json:"collection"`
	ClusterID       string   `json:"cluster_id"`
	SourceRecordIDs []string `json:"source_record_ids"`
	QualityScore    float64  `json:"quality_score"`
}

// RunPayload summarizes a completed resolution run.
type RunPayload struct {
	Collections   []string      `json:"collections"`
	Duration      time.Duration `json:"duration_ns"`
	Candidates    int           `json:"candidates"`
	Matches       int           `json:"matches"`
	Clusters      int           `json:"clusters"`
	ValidClusters int           `json:"valid_clusters"`
	GoldenRecords int           `json:"golden_records"`
}
