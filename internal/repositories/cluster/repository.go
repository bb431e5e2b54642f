// Package cluster persists clustering output in Postgres. Membership is an
// array column so reverse lookups ("which cluster holds this record") stay a
// single indexed query.
package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/yarrow/internal/database"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Repository implements stores.ClusterStore on Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

var _ stores.ClusterStore = (*Repository)(nil)

// NewRepository creates a cluster repository.
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type clusterRow struct {
	ClusterID    string         `db:"cluster_id"`
	MemberIDs    pq.StringArray `db:"member_ids"`
	Size         int            `db:"size"`
	EdgeCount    int            `db:"edge_count"`
	AvgWeight    float64        `db:"avg_weight"`
	MinWeight    float64        `db:"min_weight"`
	MaxWeight    float64        `db:"max_weight"`
	Density      float64        `db:"density"`
	CreatedAt    time.Time      `db:"created_at"`
	Quality      []byte         `db:"quality"`
	QualityScore float64        `db:"quality_score"`
	Valid        bool           `db:"valid"`
}

func (row clusterRow) toModel() (*models.Cluster, error) {
	cluster := &models.Cluster{
		ID:           row.ClusterID,
		MemberIDs:    row.MemberIDs,
		Size:         row.Size,
		EdgeCount:    row.EdgeCount,
		AvgWeight:    row.AvgWeight,
		MinWeight:    row.MinWeight,
		MaxWeight:    row.MaxWeight,
		Density:      row.Density,
		CreatedAt:    row.CreatedAt,
		QualityScore: row.QualityScore,
		Valid:        row.Valid,
	}
	if len(row.Quality) > 0 {
		if err := json.Unmarshal(row.Quality, &cluster.Quality); err != nil {
			return nil, errors.NewBackendError("corrupt quality checks on cluster '%s': %w", row.ClusterID, err)
		}
	}
	return cluster, nil
}

// Truncate drops all clusters in a collection.
func (r *Repository) Truncate(ctx context.Context, collection string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM entity_clusters WHERE collection = $1`, collection); err != nil {
		return errors.NewBackendError("failed to truncate clusters: %w", err)
	}
	return nil
}

// BulkInsert stores a batch of clusters in one transaction. Members must not
// overlap across the batch or with already stored clusters.
func (r *Repository) BulkInsert(ctx context.Context, collection string, clusters []*models.Cluster) error {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.BulkInsert")
	defer span.End()

	if len(clusters) == 0 {
		return nil
	}

	seen := make(map[string]string)
	for _, cluster := range clusters {
		for _, member := range cluster.MemberIDs {
			if other, dup := seen[member]; dup {
				return errors.NewValidationError(
					"record '%s' belongs to clusters '%s' and '%s'", member, other, cluster.ID)
			}
			seen[member] = cluster.ID
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewBackendError("failed to begin cluster batch: %w", err)
	}

	for _, cluster := range clusters {
		var existing string
		query := `SELECT cluster_id FROM entity_clusters WHERE collection = $1 AND member_ids && $2 LIMIT 1`
		err := tx.GetContext(ctx, &existing, query, collection, pq.Array(cluster.MemberIDs))
		if err == nil {
			_ = tx.Rollback()
			return errors.NewValidationError(
				"cluster '%s' shares members with stored cluster '%s'", cluster.ID, existing)
		}
		if !strings.Contains(err.Error(), "no rows") {
			_ = tx.Rollback()
			return errors.NewBackendError("failed to check cluster membership: %w", err)
		}

		quality, err := json.Marshal(cluster.Quality)
		if err != nil {
			_ = tx.Rollback()
			return errors.NewValidationError("cluster '%s' carries unserializable quality: %v", cluster.ID, err)
		}
		createdAt := cluster.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("entity_clusters")
		sb.Cols("collection", "cluster_id", "member_ids", "size", "edge_count",
			"avg_weight", "min_weight", "max_weight", "density",
			"created_at", "quality", "quality_score", "valid")
		sb.Values(collection, cluster.ID, pq.Array(cluster.MemberIDs), cluster.Size, cluster.EdgeCount,
			cluster.AvgWeight, cluster.MinWeight, cluster.MaxWeight, cluster.Density,
			createdAt, quality, cluster.QualityScore, cluster.Valid)

		insertQuery, args := sb.Build()
		insertQuery += ` ON CONFLICT (collection, cluster_id) DO UPDATE SET
			member_ids = EXCLUDED.member_ids,
			size = EXCLUDED.size,
			edge_count = EXCLUDED.edge_count,
			avg_weight = EXCLUDED.avg_weight,
			min_weight = EXCLUDED.min_weight,
			max_weight = EXCLUDED.max_weight,
			density = EXCLUDED.density,
			quality = EXCLUDED.quality,
			quality_score = EXCLUDED.quality_score,
			valid = EXCLUDED.valid`

		if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
			_ = tx.Rollback()
			return errors.NewBackendError("failed to insert cluster '%s': %w", cluster.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewBackendError("failed to commit cluster batch: %w", err)
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"clusters":   len(clusters),
		"collection": collection,
	}).Debug("Stored cluster batch")
	return nil
}

// FindClusterByMember returns the cluster containing the record, or nil when
// the record is unclustered.
func (r *Repository) FindClusterByMember(ctx context.Context, collection, recordID string) (*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.FindClusterByMember")
	defer span.End()

	query := `SELECT cluster_id, member_ids, size, edge_count, avg_weight, min_weight, max_weight,
			density, created_at, quality, quality_score, valid
		FROM entity_clusters
		WHERE collection = $1 AND $2 = ANY(member_ids)`

	var row clusterRow
	if err := r.db.GetContext(ctx, &row, query, collection, recordID); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, nil
		}
		return nil, errors.NewBackendError("failed to find cluster for record '%s': %w", recordID, err)
	}
	return row.toModel()
}
