// Package models defines the data model shared across the resolution pipeline.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Record is a single source record. Records are immutable once ingested;
// the engine never writes back to them.
type Record struct {
	ID         string         `json:"record_id" db:"record_id"`
	Collection string         `json:"collection" db:"collection"`
	Source     string         `json:"source" db:"source"`
	Data       map[string]any `json:"data"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// FieldString returns the value of a top-level field coerced to a string.
// Nested maps are not matched and report as absent.
func (r *Record) FieldString(field string) (string, bool) {
	v, ok := r.Data[field]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return fmt.Sprintf("%v", val), true
	case int:
		return fmt.Sprintf("%d", val), true
	case int64:
		return fmt.Sprintf("%d", val), true
	case bool:
		return fmt.Sprintf("%t", val), true
	default:
		return "", false
	}
}

// Completeness is the fraction of non-system fields carrying a non-null,
// non-empty value.
func (r *Record) Completeness() float64 {
	total := 0
	filled := 0
	for field, v := range r.Data {
		if IsSystemField(field) {
			continue
		}
		total++
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		filled++
	}
	if total == 0 {
		return 0
	}
	return float64(filled) / float64(total)
}

// IsSystemField reports whether a field is internal and must not be matched
// on or propagated into golden records.
func IsSystemField(field string) bool {
	return strings.HasPrefix(field, "_")
}
