package record

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/yarrow/pkg/analyzers"
	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

type analyzerRow struct {
	Name             string `db:"name"`
	Kind             string `db:"kind"`
	N                int    `db:"n"`
	PreserveOriginal bool   `db:"preserve_original"`
	Encoder          string `db:"encoder"`
}

type viewRow struct {
	Name           string `db:"name"`
	Collection     string `db:"collection"`
	FieldAnalyzers []byte `db:"field_analyzers"`
}

func qualify(name string) string {
	if strings.Contains(name, "::") {
		return name
	}
	return AnalyzerPrefix + name
}

// CreateAnalyzer registers an analyzer definition. Creating an existing
// analyzer is a no-op unless force is set.
func (r *Repository) CreateAnalyzer(ctx context.Context, def stores.AnalyzerDefinition, force bool) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CreateAnalyzer")
	defer span.End()

	if def.Name == "" {
		return errors.NewSetupError("analyzer has no name")
	}
	name := qualify(def.Name)

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("search_analyzers")
	sb.Cols("name", "kind", "n", "preserve_original", "encoder")
	sb.Values(name, string(def.Kind), def.N, def.PreserveOriginal, def.Encoder)

	query, args := sb.Build()
	if force {
		query += ` ON CONFLICT (name) DO UPDATE SET
			kind = EXCLUDED.kind,
			n = EXCLUDED.n,
			preserve_original = EXCLUDED.preserve_original,
			encoder = EXCLUDED.encoder`
	} else {
		query += ` ON CONFLICT (name) DO NOTHING`
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return errors.NewSetupError("failed to create analyzer '%s': %w", name, err)
	}
	r.logger.WithContext(ctx).WithFields(map[string]any{"analyzer": name}).Debug("Created analyzer")
	return nil
}

func (r *Repository) getAnalyzer(ctx context.Context, name string) (*stores.AnalyzerDefinition, error) {
	query := `SELECT name, kind, n, preserve_original, encoder
		FROM search_analyzers WHERE name = $1 OR name = $2`

	var row analyzerRow
	if err := r.db.GetContext(ctx, &row, query, name, qualify(name)); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NewNotFound("analyzer '%s' does not exist", name)
		}
		return nil, errors.NewBackendError("failed to fetch analyzer '%s': %w", name, err)
	}
	return &stores.AnalyzerDefinition{
		Name:             row.Name,
		Kind:             stores.AnalyzerKind(row.Kind),
		N:                row.N,
		PreserveOriginal: row.PreserveOriginal,
		Encoder:          row.Encoder,
	}, nil
}

// CreateView registers the view and builds its token index. Fields whose
// analyzers are missing are skipped and reported through the returned
// indexed list plus a SetupError.
func (r *Repository) CreateView(ctx context.Context, def stores.ViewDefinition, force bool) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CreateView")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"view":       def.Name,
		"collection": def.Collection,
	})

	exists, err := r.HasCollection(ctx, def.Collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.NewSetupError("collection '%s' does not exist", def.Collection)
	}

	// Resolve analyzers up front so the view definition only records the
	// fields that actually got indexed.
	resolved := make(map[string][]string, len(def.FieldAnalyzers))
	defs := make(map[string]*stores.AnalyzerDefinition)
	var failed []string
	for field, analyzerNames := range def.FieldAnalyzers {
		for _, analyzerName := range analyzerNames {
			adef, err := r.getAnalyzer(ctx, analyzerName)
			if err != nil {
				if errors.IsNotFound(err) {
					failed = append(failed, field+"/"+analyzerName)
					continue
				}
				return nil, err
			}
			resolved[field] = append(resolved[field], adef.Name)
			defs[adef.Name] = adef
		}
	}

	fieldAnalyzersJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, errors.NewSetupError("failed to encode view definition: %w", err)
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("search_views")
	sb.Cols("name", "collection", "field_analyzers")
	sb.Values(def.Name, def.Collection, fieldAnalyzersJSON)

	query, args := sb.Build()
	query += ` ON CONFLICT (name) DO UPDATE SET
		collection = EXCLUDED.collection,
		field_analyzers = EXCLUDED.field_analyzers`

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return nil, errors.NewSetupError("failed to register view '%s': %w", def.Name, err)
	}

	if force {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM search_index WHERE view_name = $1`, def.Name); err != nil {
			return nil, errors.NewSetupError("failed to reset view index '%s': %w", def.Name, err)
		}
	}

	if err := r.buildIndex(ctx, def.Name, def.Collection, resolved, defs); err != nil {
		return nil, err
	}

	indexed := make([]string, 0, len(resolved))
	for field := range resolved {
		indexed = append(indexed, field)
	}

	if len(failed) > 0 {
		log.WithFields(map[string]any{"failed": failed}).Warn("View created with missing analyzers")
		return indexed, errors.NewSetupError(
			"view '%s' created without %d field bindings: %s",
			def.Name, len(failed), strings.Join(failed, ", "))
	}
	log.WithFields(map[string]any{"fields": len(indexed)}).Info("Created view")
	return indexed, nil
}

// buildIndex tokenizes every record of the collection into the search_index
// table.
func (r *Repository) buildIndex(ctx context.Context, viewName, collection string, fieldAnalyzers map[string][]string, defs map[string]*stores.AnalyzerDefinition) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.buildIndex")
	defer span.End()

	return r.Scan(ctx, collection, func(record *models.Record) error {
		for field, analyzerNames := range fieldAnalyzers {
			value, ok := record.FieldString(field)
			if !ok {
				continue
			}
			for _, analyzerName := range analyzerNames {
				def := defs[analyzerName]
				if def == nil {
					continue
				}
				tokens := analyzers.Tokenize(value, *def)
				if len(tokens) == 0 {
					continue
				}
				lexemes := make([]string, 0, len(tokens))
				for _, token := range tokens {
					if lexeme := sanitizeLexeme(token); lexeme != "" {
						lexemes = append(lexemes, lexeme)
					}
				}

				query := `INSERT INTO search_index (view_name, record_id, field, analyzer, tokens)
					VALUES ($1, $2, $3, $4, to_tsvector('simple', $5))
					ON CONFLICT (view_name, record_id, field, analyzer)
					DO UPDATE SET tokens = EXCLUDED.tokens`
				if _, err := r.db.ExecContext(ctx, query,
					viewName, record.ID, field, analyzerName, strings.Join(lexemes, " ")); err != nil {
					return errors.NewSetupError("failed to index record '%s': %w", record.ID, err)
				}
			}
		}
		return nil
	})
}

func (r *Repository) getView(ctx context.Context, name string) (*stores.ViewDefinition, error) {
	query := `SELECT name, collection, field_analyzers FROM search_views WHERE name = $1`

	var row viewRow
	if err := r.db.GetContext(ctx, &row, query, name); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NewNotFound("view '%s' does not exist", name)
		}
		return nil, errors.NewBackendError("failed to fetch view '%s': %w", name, err)
	}

	def := &stores.ViewDefinition{
		Name:       row.Name,
		Collection: row.Collection,
	}
	if err := json.Unmarshal(row.FieldAnalyzers, &def.FieldAnalyzers); err != nil {
		return nil, errors.NewBackendError("corrupt view definition '%s': %w", name, err)
	}
	return def, nil
}

// ListAnalyzers returns all registered analyzer names.
func (r *Repository) ListAnalyzers(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT name FROM search_analyzers ORDER BY name`); err != nil {
		return nil, errors.NewBackendError("failed to list analyzers: %w", err)
	}
	return names, nil
}

// ListViews returns all registered view names.
func (r *Repository) ListViews(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.SelectContext(ctx, &names, `SELECT name FROM search_views ORDER BY name`); err != nil {
		return nil, errors.NewBackendError("failed to list views: %w", err)
	}
	return names, nil
}

// HasCollection reports whether any record exists under the collection.
func (r *Repository) HasCollection(ctx context.Context, collection string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM records WHERE collection = $1)`
	if err := r.db.GetContext(ctx, &exists, query, collection); err != nil {
		return false, errors.NewBackendError("failed to check collection '%s': %w", collection, err)
	}
	return exists, nil
}

// ListFields returns the distinct non-system top-level fields across the
// collection's records.
func (r *Repository) ListFields(ctx context.Context, collection string) ([]string, error) {
	query := `SELECT DISTINCT jsonb_object_keys(data) AS field
		FROM records WHERE collection = $1 ORDER BY field`

	var fields []string
	if err := r.db.SelectContext(ctx, &fields, query, collection); err != nil {
		return nil, errors.NewBackendError("failed to list fields of '%s': %w", collection, err)
	}

	filtered := fields[:0]
	for _, field := range fields {
		if models.IsSystemField(field) {
			continue
		}
		filtered = append(filtered, field)
	}
	return filtered, nil
}
