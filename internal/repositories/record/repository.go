// Package record persists source records in Postgres and serves the indexed
// text views the blocking strategies query. Relevance comes from ts_rank_cd
// over tokens produced by the engine's own analyzers, so index build and
// query share one tokenizer.
package record

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/yarrow/internal/database"
	"github.com/Ramsey-B/yarrow/pkg/analyzers"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// AnalyzerPrefix qualifies analyzer names owned by this backend.
const AnalyzerPrefix = "pg::"

// Repository implements stores.RecordStore and stores.IndexAdmin on
// Postgres.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

var _ stores.RecordStore = (*Repository)(nil)
var _ stores.IndexAdmin = (*Repository)(nil)

// NewRepository creates a record repository.
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type recordRow struct {
	Collection string    `db:"collection"`
	RecordID   string    `db:"record_id"`
	Source     string    `db:"source"`
	Data       []byte    `db:"data"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (row recordRow) toModel() (*models.Record, error) {
	record := &models.Record{
		ID:         row.RecordID,
		Collection: row.Collection,
		Source:     row.Source,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &record.Data); err != nil {
			return nil, errors.NewBackendError("corrupt record data for '%s': %w", row.RecordID, err)
		}
	}
	return record, nil
}

// PutRecords inserts or replaces a batch of records.
func (r *Repository) PutRecords(ctx context.Context, collection string, records []*models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.PutRecords")
	defer span.End()

	now := time.Now().UTC()
	for _, record := range records {
		data, err := json.Marshal(record.Data)
		if err != nil {
			return errors.NewValidationError("record '%s' carries unserializable data: %v", record.ID, err)
		}

		sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
		sb.InsertInto("records")
		sb.Cols("collection", "record_id", "source", "data", "created_at", "updated_at")
		sb.Values(collection, record.ID, record.Source, data, now, now)

		query, args := sb.Build()
		query += ` ON CONFLICT (collection, record_id) DO UPDATE SET
			source = EXCLUDED.source,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert record")
			return errors.NewBackendError("failed to upsert record '%s': %w", record.ID, err)
		}
	}
	return nil
}

// GetRecord fetches one record.
func (r *Repository) GetRecord(ctx context.Context, collection, id string) (*models.Record, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("collection", "record_id", "source", "data", "created_at", "updated_at")
	sb.From("records")
	sb.Where(
		sb.Equal("collection", collection),
		sb.Equal("record_id", id),
	)

	query, args := sb.Build()
	var row recordRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NewNotFound("record '%s' not found in '%s'", id, collection)
		}
		return nil, errors.NewBackendError("failed to fetch record '%s': %w", id, err)
	}
	return row.toModel()
}

// GetMany fetches a batch of records; missing ids are skipped.
func (r *Repository) GetMany(ctx context.Context, collection string, ids []string) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.GetMany")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT collection, record_id, source, data, created_at, updated_at
		FROM records
		WHERE collection = $1 AND record_id = ANY($2)
		ORDER BY record_id`

	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, query, collection, pq.Array(ids)); err != nil {
		return nil, errors.NewBackendError("failed to fetch records: %w", err)
	}

	records := make([]*models.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toModel()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Scan streams every record of a collection in record_id order.
func (r *Repository) Scan(ctx context.Context, collection string, fn func(*models.Record) error) error {
	query := `SELECT collection, record_id, source, data, created_at, updated_at
		FROM records
		WHERE collection = $1
		ORDER BY record_id`

	rows, err := r.db.QueryxContext(ctx, query, collection)
	if err != nil {
		return errors.NewBackendError("failed to scan collection '%s': %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row recordRow
		if err := rows.StructScan(&row); err != nil {
			return errors.NewBackendError("failed to read record row: %w", err)
		}
		record, err := row.toModel()
		if err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// TextSearch ranks records of a view against the query text. The score is
// the summed ts_rank_cd over the matched (field, analyzer) slots.
func (r *Repository) TextSearch(ctx context.Context, viewName string, query stores.QuerySpec, limit int) ([]stores.SearchHit, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.TextSearch")
	defer span.End()

	view, err := r.getView(ctx, viewName)
	if err != nil {
		return nil, err
	}

	fields := query.Fields
	if len(fields) == 0 {
		for field := range view.FieldAnalyzers {
			fields = append(fields, field)
		}
	}

	tsquery, err := r.buildQueryTokens(ctx, view, fields, query)
	if err != nil {
		return nil, err
	}
	if tsquery == "" {
		return nil, nil
	}

	conditions := []string{"si.view_name = $1", "si.field = ANY($2)", "si.tokens @@ to_tsquery('simple', $3)"}
	args := []any{viewName, pq.Array(fields), tsquery}
	argNum := 4

	if query.Analyzer != "" {
		conditions = append(conditions, fmt.Sprintf("(si.analyzer = $%d OR si.analyzer = $%d)", argNum, argNum+1))
		args = append(args, query.Analyzer, AnalyzerPrefix+query.Analyzer)
		argNum += 2
	}
	if query.ConstraintField != "" {
		conditions = append(conditions,
			fmt.Sprintf("btrim(lower(r.data->>$%d)) = btrim(lower($%d))", argNum, argNum+1))
		args = append(args, query.ConstraintField, query.ConstraintValue)
		argNum += 2
	}

	sql := fmt.Sprintf(`
		SELECT si.record_id, SUM(ts_rank_cd(si.tokens, to_tsquery('simple', $3))) AS score
		FROM search_index si
		JOIN records r ON r.collection = $%d AND r.record_id = si.record_id
		WHERE %s
		GROUP BY si.record_id
		HAVING SUM(ts_rank_cd(si.tokens, to_tsquery('simple', $3))) >= $%d
		ORDER BY score DESC, si.record_id ASC`,
		argNum, strings.Join(conditions, " AND "), argNum+1)
	args = append(args, view.Collection, query.MinScore)
	argNum += 2

	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, limit)
	}

	var hits []stores.SearchHit
	rows, err := r.db.QueryxContext(ctx, sql, args...)
	if err != nil {
		return nil, errors.NewBackendError("text search on view '%s' failed: %w", viewName, err)
	}
	defer rows.Close()

	for rows.Next() {
		var hit stores.SearchHit
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, errors.NewBackendError("failed to read search hit: %w", err)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// buildQueryTokens tokenizes the query text once per distinct analyzer bound
// to the searched fields and ORs the sanitized lexemes.
func (r *Repository) buildQueryTokens(ctx context.Context, view *stores.ViewDefinition, fields []string, query stores.QuerySpec) (string, error) {
	seen := make(map[string]struct{})
	var lexemes []string
	for _, field := range fields {
		for _, analyzerName := range view.FieldAnalyzers[field] {
			if query.Analyzer != "" &&
				analyzerName != query.Analyzer &&
				analyzerName != AnalyzerPrefix+query.Analyzer {
				continue
			}
			def, err := r.getAnalyzer(ctx, analyzerName)
			if err != nil {
				if errors.IsNotFound(err) {
					continue
				}
				return "", err
			}
			for _, token := range analyzers.Tokenize(query.Text, *def) {
				lexeme := sanitizeLexeme(token)
				if lexeme == "" {
					continue
				}
				if _, dup := seen[lexeme]; dup {
					continue
				}
				seen[lexeme] = struct{}{}
				lexemes = append(lexemes, lexeme)
			}
		}
	}
	return strings.Join(lexemes, " | "), nil
}

// sanitizeLexeme maps a token onto the tsvector lexeme alphabet. The same
// mapping runs at index time, so lookups stay consistent.
func sanitizeLexeme(token string) string {
	var b strings.Builder
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
