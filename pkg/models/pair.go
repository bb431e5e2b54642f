package models

// OrderPair returns the two record ids in canonical order (lexicographically
// ascending) so every unordered pair has exactly one representation.
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// RecordRef locates a record without loading it.
type RecordRef struct {
	ID         string `json:"record_id"`
	Collection string `json:"collection"`
}

// CandidatePair is an unordered record pair produced by blocking and
// scheduled for similarity scoring. A.ID < B.ID always holds.
type CandidatePair struct {
	A             RecordRef `json:"a"`
	B             RecordRef `json:"b"`
	Strategies    []string  `json:"strategies"`
	BlockKey      string    `json:"block_key,omitempty"`
	BM25Score     float64   `json:"bm25_score,omitempty"`
	MatchedFields []string  `json:"matched_fields,omitempty"`
}

// NewCandidatePair builds a pair in canonical order.
func NewCandidatePair(a, b RecordRef, strategy, blockKey string) CandidatePair {
	if b.ID < a.ID {
		a, b = b, a
	}
	return CandidatePair{
		A:          a,
		B:          b,
		Strategies: []string{strategy},
		BlockKey:   blockKey,
	}
}

// Key returns the canonical dedup key for the pair.
func (p CandidatePair) Key() string {
	return p.A.ID + "|" + p.B.ID
}

// Decision classifies a scored pair.
type Decision string

const (
	DecisionMatch         Decision = "match"
	DecisionPossibleMatch Decision = "possible_match"
	DecisionNonMatch      Decision = "non_match"
)

// FieldScore is the per-field outcome of Fellegi-Sunter scoring.
type FieldScore struct {
	Similarity float64 `json:"similarity"`
	Agreement  bool    `json:"agreement"`
	Weight     float64 `json:"weight"`
}

// ScoredPair is a candidate pair with its aggregated match decision.
type ScoredPair struct {
	CandidatePair
	FieldScores map[string]FieldScore `json:"per_field_scores"`
	TotalScore  float64               `json:"total_score"`
	Decision    Decision              `json:"decision"`
	Confidence  float64               `json:"confidence"`
}
