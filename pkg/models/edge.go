package models

import "time"

// SimilarityEdge is a persisted scored pair. The (From, To) pair is the
// primary key and From < To always holds.
type SimilarityEdge struct {
	From        string                `json:"from" db:"from_id"`
	To          string                `json:"to" db:"to_id"`
	Weight      float64               `json:"weight" db:"weight"`
	FieldScores map[string]FieldScore `json:"per_field_scores"`
	Algorithm   string                `json:"algorithm" db:"algorithm"`
	BlockKey    string                `json:"block_key,omitempty" db:"block_key"`
	CreatedAt   time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt   *time.Time            `json:"updated_at,omitempty" db:"updated_at"`
	UpdateCount int                   `json:"update_count" db:"update_count"`
}

// EdgeFilter selects edges for scans and deletes. Zero values mean "any".
type EdgeFilter struct {
	Algorithm string
	MinWeight float64
	OlderThan *time.Time
}
