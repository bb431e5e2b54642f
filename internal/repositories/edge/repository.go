// Package edge persists the similarity graph in Postgres. The (collection,
// from_id, to_id) key makes every unordered pair a single row; merge
// semantics run inside the upsert so concurrent writers cannot race a
// read-modify-write.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/internal/database"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Repository implements stores.EdgeStore on Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

var _ stores.EdgeStore = (*Repository)(nil)

// NewRepository creates an edge repository.
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type edgeRow struct {
	FromID      string     `db:"from_id"`
	ToID        string     `db:"to_id"`
	Weight      float64    `db:"weight"`
	FieldScores []byte     `db:"field_scores"`
	Algorithm   string     `db:"algorithm"`
	BlockKey    string     `db:"block_key"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   *time.Time `db:"updated_at"`
	UpdateCount int        `db:"update_count"`
}

func validateEdge(edge *models.SimilarityEdge) error {
	if edge.From == edge.To {
		return errors.NewValidationError("self edge on record '%s'", edge.From)
	}
	if edge.From > edge.To {
		return errors.NewValidationError("edge endpoints out of order: '%s' > '%s'", edge.From, edge.To)
	}
	return nil
}

// weightExpr returns the SQL merge expression for the configured mode.
func weightExpr(opts stores.UpsertOptions) string {
	switch {
	case opts.ForceUpdate:
		return "EXCLUDED.weight"
	case opts.Mode == stores.MergeRunningMean:
		return "(similarity_edges.weight + EXCLUDED.weight) / 2"
	default: // keep max
		return "GREATEST(similarity_edges.weight, EXCLUDED.weight)"
	}
}

// UpsertEdge inserts or merges one edge per the configured merge mode.
func (r *Repository) UpsertEdge(ctx context.Context, collection string, edge *models.SimilarityEdge, opts stores.UpsertOptions) error {
	if err := validateEdge(edge); err != nil {
		return err
	}

	fieldScores, err := json.Marshal(edge.FieldScores)
	if err != nil {
		return errors.NewValidationError("edge %s-%s carries unserializable scores: %v", edge.From, edge.To, err)
	}

	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`INSERT INTO similarity_edges
		(collection, from_id, to_id, weight, field_scores, algorithm, block_key, created_at, update_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (collection, from_id, to_id) DO UPDATE SET
			weight = %s,
			field_scores = EXCLUDED.field_scores,
			algorithm = EXCLUDED.algorithm,
			updated_at = now(),
			update_count = similarity_edges.update_count + 1`, weightExpr(opts))

	if _, err := r.db.ExecContext(ctx, query,
		collection, edge.From, edge.To, edge.Weight, fieldScores, edge.Algorithm, edge.BlockKey, createdAt); err != nil {
		return errors.NewBackendError("failed to upsert edge %s-%s: %w", edge.From, edge.To, err)
	}
	return nil
}

// BulkUpsert applies a batch of upserts in one transaction.
func (r *Repository) BulkUpsert(ctx context.Context, collection string, edges []*models.SimilarityEdge, opts stores.UpsertOptions) error {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.BulkUpsert")
	defer span.End()

	if len(edges) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewBackendError("failed to begin edge batch: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO similarity_edges
		(collection, from_id, to_id, weight, field_scores, algorithm, block_key, created_at, update_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
		ON CONFLICT (collection, from_id, to_id) DO UPDATE SET
			weight = %s,
			field_scores = EXCLUDED.field_scores,
			algorithm = EXCLUDED.algorithm,
			updated_at = now(),
			update_count = similarity_edges.update_count + 1`, weightExpr(opts))

	for _, edge := range edges {
		if err := validateEdge(edge); err != nil {
			_ = tx.Rollback()
			return err
		}
		fieldScores, err := json.Marshal(edge.FieldScores)
		if err != nil {
			_ = tx.Rollback()
			return errors.NewValidationError("edge %s-%s carries unserializable scores: %v", edge.From, edge.To, err)
		}
		createdAt := edge.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx, query,
			collection, edge.From, edge.To, edge.Weight, fieldScores, edge.Algorithm, edge.BlockKey, createdAt); err != nil {
			_ = tx.Rollback()
			return errors.NewBackendError("failed to upsert edge %s-%s: %w", edge.From, edge.To, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewBackendError("failed to commit edge batch: %w", err)
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"edges":      len(edges),
		"collection": collection,
	}).Debug("Upserted edge batch")
	return nil
}

func filterConditions(filter models.EdgeFilter, argNum int) ([]string, []any, int) {
	var conditions []string
	var args []any
	if filter.Algorithm != "" {
		conditions = append(conditions, fmt.Sprintf("algorithm = $%d", argNum))
		args = append(args, filter.Algorithm)
		argNum++
	}
	if filter.MinWeight > 0 {
		conditions = append(conditions, fmt.Sprintf("weight >= $%d", argNum))
		args = append(args, filter.MinWeight)
		argNum++
	}
	if filter.OlderThan != nil {
		conditions = append(conditions, fmt.Sprintf("COALESCE(updated_at, created_at) < $%d", argNum))
		args = append(args, *filter.OlderThan)
		argNum++
	}
	return conditions, args, argNum
}

// DeleteWhere removes edges matching the filter and returns the count. An
// empty filter matches everything.
func (r *Repository) DeleteWhere(ctx context.Context, collection string, filter models.EdgeFilter) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.DeleteWhere")
	defer span.End()

	conditions := []string{"collection = $1"}
	args := []any{collection}
	extra, extraArgs, _ := filterConditions(filter, 2)
	conditions = append(conditions, extra...)
	args = append(args, extraArgs...)

	query := "DELETE FROM similarity_edges WHERE " + strings.Join(conditions, " AND ")
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.NewBackendError("failed to delete edges: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// ScanEdges visits matching edges ordered by (from_id, to_id).
func (r *Repository) ScanEdges(ctx context.Context, collection string, filter models.EdgeFilter, fn func(*models.SimilarityEdge) error) error {
	conditions := []string{"collection = $1"}
	args := []any{collection}
	extra, extraArgs, _ := filterConditions(filter, 2)
	conditions = append(conditions, extra...)
	args = append(args, extraArgs...)

	query := `SELECT from_id, to_id, weight, field_scores, algorithm, block_key, created_at, updated_at, update_count
		FROM similarity_edges
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY from_id, to_id`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return errors.NewBackendError("failed to scan edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row edgeRow
		if err := rows.StructScan(&row); err != nil {
			return errors.NewBackendError("failed to read edge row: %w", err)
		}
		edge := &models.SimilarityEdge{
			From:        row.FromID,
			To:          row.ToID,
			Weight:      row.Weight,
			Algorithm:   row.Algorithm,
			BlockKey:    row.BlockKey,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
			UpdateCount: row.UpdateCount,
		}
		if len(row.FieldScores) > 0 {
			if err := json.Unmarshal(row.FieldScores, &edge.FieldScores); err != nil {
				return errors.NewBackendError("corrupt field scores on edge %s-%s: %w", row.FromID, row.ToID, err)
			}
		}
		if err := fn(edge); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Truncate drops all edges in a collection.
func (r *Repository) Truncate(ctx context.Context, collection string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM similarity_edges WHERE collection = $1`, collection); err != nil {
		return errors.NewBackendError("failed to truncate edges: %w", err)
	}
	return nil
}
