// Package stores defines the record, edge, cluster, and golden-record store
// abstractions the pipeline runs against, plus the index administration
// surface used by setup. Implementations live in subpackages (embedded memory
// store) and in internal/repositories (Postgres).
package stores

import (
	"context"

	"github.com/Ramsey-B/yarrow/pkg/models"
)

// AnalyzerKind names a supported text analyzer class.
type AnalyzerKind string

const (
	AnalyzerNgram    AnalyzerKind = "ngram"
	AnalyzerExact    AnalyzerKind = "exact"
	AnalyzerPhonetic AnalyzerKind = "phonetic"
)

// AnalyzerDefinition describes one named analyzer.
type AnalyzerDefinition struct {
	Name string       `json:"name"`
	Kind AnalyzerKind `json:"kind"`

	// Ngram parameters.
	N                int  `json:"n,omitempty"`
	PreserveOriginal bool `json:"preserve_original,omitempty"`

	// Phonetic parameters.
	Encoder string `json:"encoder,omitempty"`
}

// ViewDefinition maps a collection's fields to the analyzers indexing them.
type ViewDefinition struct {
	Name           string              `json:"name"`
	Collection     string              `json:"collection"`
	FieldAnalyzers map[string][]string `json:"field_analyzers"`
}

// SearchHit is one text-search result.
type SearchHit struct {
	ID    string
	Score float64
}

// QuerySpec describes a text search against an indexed view. The BM25-family
// score returned per hit is the contract, not the index internals.
type QuerySpec struct {
	Fields   []string
	Text     string
	MinScore float64

	// Analyzer restricts the query to one analyzer (bare or qualified name).
	// Empty means every analyzer indexing the field.
	Analyzer string

	// Optional same-bucket constraint (e.g. state must match).
	ConstraintField string
	ConstraintValue string
}

// RecordStore is the read surface over record collections.
type RecordStore interface {
	GetRecord(ctx context.Context, collection, id string) (*models.Record, error)
	GetMany(ctx context.Context, collection string, ids []string) ([]*models.Record, error)
	Scan(ctx context.Context, collection string, fn func(*models.Record) error) error
	TextSearch(ctx context.Context, view string, query QuerySpec, limit int) ([]SearchHit, error)
}

// MergeMode selects how an existing edge's weight combines with a rescoring.
type MergeMode string

const (
	// MergeKeepMax keeps the larger of the old and new weight. Order
	// independent, the default.
	MergeKeepMax MergeMode = "keep_max"
	// MergeRunningMean averages the old and new weight on every rescoring.
	MergeRunningMean MergeMode = "running_mean"
)

// UpsertOptions control edge merge behavior on key collision.
type UpsertOptions struct {
	Mode        MergeMode
	ForceUpdate bool
}

// EdgeStore is the similarity-graph write surface.
type EdgeStore interface {
	UpsertEdge(ctx context.Context, collection string, edge *models.SimilarityEdge, opts UpsertOptions) error
	BulkUpsert(ctx context.Context, collection string, edges []*models.SimilarityEdge, opts UpsertOptions) error
	DeleteWhere(ctx context.Context, collection string, filter models.EdgeFilter) (int64, error)
	ScanEdges(ctx context.Context, collection string, filter models.EdgeFilter, fn func(*models.SimilarityEdge) error) error
	Truncate(ctx context.Context, collection string) error
}

// ClusterStore persists clustering output.
type ClusterStore interface {
	Truncate(ctx context.Context, collection string) error
	BulkInsert(ctx context.Context, collection string, clusters []*models.Cluster) error
	FindClusterByMember(ctx context.Context, collection, recordID string) (*models.Cluster, error)
}

// GoldenStore persists golden records.
type GoldenStore interface {
	Truncate(ctx context.Context, collection string) error
	BulkInsert(ctx context.Context, collection string, records []*models.GoldenRecord) error
}

// IndexAdmin is the administration surface setup drives: analyzer and view
// creation plus the discovery calls setup_status and auto-discovery need.
type IndexAdmin interface {
	CreateAnalyzer(ctx context.Context, def AnalyzerDefinition, force bool) error
	// CreateView indexes the given fields. On partial failure it returns the
	// fields that were indexed alongside the error.
	CreateView(ctx context.Context, def ViewDefinition, force bool) (indexed []string, err error)
	ListAnalyzers(ctx context.Context) ([]string, error)
	ListViews(ctx context.Context) ([]string, error)
	HasCollection(ctx context.Context, collection string) (bool, error)
	// ListFields returns the top-level fields observed on a collection,
	// used when auto_discover_fields is enabled.
	ListFields(ctx context.Context, collection string) ([]string, error)
}
