// Package golden persists consolidated golden records in Postgres.
package golden

import (
	"context"
	"encoding/json"
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

// Repository implements stores.GoldenStore on Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

var _ stores.GoldenStore = (*Repository)(nil)

// NewRepository creates a golden-record repository.
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Truncate drops all golden records in a collection.
func (r *Repository) Truncate(ctx context.Context, collection string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM golden_records WHERE collection = $1`, collection); err != nil {
		return errors.NewBackendError("failed to truncate golden records: %w", err)
	}
	return nil
}

// BulkInsert stores a batch of golden records in one transaction. Records are
// keyed by cluster id, so re-synthesizing a cluster replaces its record.
func (r *Repository) BulkInsert(ctx context.Context, collection string, records []*models.GoldenRecord) error {
	ctx, span := tracing.StartSpan(ctx, "golden.Repository.BulkInsert")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewBackendError("failed to begin golden batch: %w", err)
	}

	for _, record := range records {
		fields, err := json.Marshal(record.Fields)
		if err != nil {
			_ = tx.Rollback()
			return errors.NewValidationError(
				"golden record '%s' carries unserializable fields: %v", record.ClusterID, err)
		}
		provenance, err := json.Marshal(record.Provenance)
		if err != nil {
			_ = tx.Rollback()
			return errors.NewValidationError(
				"golden record '%s' carries unserializable provenance: %v", record.ClusterID, err)
		}
		createdAt := record.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("golden_records")
		sb.Cols("collection", "cluster_id", "fields", "provenance",
			"source_record_ids", "quality_score", "created_at")
		sb.Values(collection, record.ClusterID, fields, provenance,
			pq.Array(record.SourceRecordIDs), record.QualityScore, createdAt)

		query, args := sb.Build()
		query += ` ON CONFLICT (collection, cluster_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			provenance = EXCLUDED.provenance,
			source_record_ids = EXCLUDED.source_record_ids,
			quality_score = EXCLUDED.quality_score,
			created_at = EXCLUDED.created_at`

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return errors.NewBackendError("failed to insert golden record '%s': %w", record.ClusterID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewBackendError("failed to commit golden batch: %w", err)
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"records":    len(records),
		"collection": collection,
	}).Debug("Stored golden records")
	return nil
}
