package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// EdgeStore implements stores.EdgeStore on the graph database. Records become
// :Record nodes and edges become :SIMILAR relationships, so the similarity
// graph is directly queryable with Cypher.
type EdgeStore struct {
	client *Client
	logger ectologger.Logger
}

// NewEdgeStore creates a graph-backed edge store.
func NewEdgeStore(client *Client, logger ectologger.Logger) *EdgeStore {
	return &EdgeStore{
		client: client,
		logger: logger,
	}
}

var _ stores.EdgeStore = (*EdgeStore)(nil)

// mergeWeightExpr returns the Cypher expression applied on re-upsert.
func mergeWeightExpr(opts stores.UpsertOptions) string {
	switch {
	case opts.ForceUpdate:
		return "$weight"
	case opts.Mode == stores.MergeRunningMean:
		return "(e.weight + $weight) / 2.0"
	default: // keep max
		return "CASE WHEN $weight > e.weight THEN $weight ELSE e.weight END"
	}
}

func upsertParams(collection string, edge *models.SimilarityEdge) (map[string]any, error) {
	fieldScores, err := json.Marshal(edge.FieldScores)
	if err != nil {
		return nil, errors.NewValidationError("edge %s-%s carries unserializable scores: %v", edge.From, edge.To, err)
	}
	createdAt := edge.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]any{
		"collection":   collection,
		"from":         edge.From,
		"to":           edge.To,
		"weight":       edge.Weight,
		"field_scores": string(fieldScores),
		"algorithm":    edge.Algorithm,
		"block_key":    edge.BlockKey,
		"created_at":   createdAt.Format(time.RFC3339Nano),
		"updated_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func upsertCypher(opts stores.UpsertOptions) string {
	return `MERGE (a:Record {id: $from, collection: $collection})
		MERGE (b:Record {id: $to, collection: $collection})
		MERGE (a)-[e:SIMILAR]->(b)
		ON CREATE SET
			e.weight = $weight,
			e.field_scores = $field_scores,
			e.algorithm = $algorithm,
			e.block_key = $block_key,
			e.created_at = $created_at,
			e.update_count = 1
		ON MATCH SET
			e.weight = ` + mergeWeightExpr(opts) + `,
			e.field_scores = $field_scores,
			e.algorithm = $algorithm,
			e.updated_at = $updated_at,
			e.update_count = e.update_count + 1`
}

// UpsertEdge inserts or merges one edge per the configured merge mode.
func (s *EdgeStore) UpsertEdge(ctx context.Context, collection string, edge *models.SimilarityEdge, opts stores.UpsertOptions) error {
	return s.BulkUpsert(ctx, collection, []*models.SimilarityEdge{edge}, opts)
}

// BulkUpsert applies a batch of upserts in one write transaction.
func (s *EdgeStore) BulkUpsert(ctx context.Context, collection string, edges []*models.SimilarityEdge, opts stores.UpsertOptions) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeStore.BulkUpsert")
	defer span.End()

	if len(edges) == 0 {
		return nil
	}

	params := make([]map[string]any, 0, len(edges))
	for _, edge := range edges {
		if edge.From == edge.To {
			return errors.NewValidationError("self edge on record '%s'", edge.From)
		}
		if edge.From > edge.To {
			return errors.NewValidationError("edge endpoints out of order: '%s' > '%s'", edge.From, edge.To)
		}
		p, err := upsertParams(collection, edge)
		if err != nil {
			return err
		}
		params = append(params, p)
	}

	cypher := upsertCypher(opts)
	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, p := range params {
			if _, err := tx.Run(ctx, cypher, p); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return errors.NewBackendError("failed to upsert %d edges: %w", len(edges), err)
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"edges":      len(edges),
		"collection": collection,
	}).Debug("Upserted edge batch")
	return nil
}

func filterClause(filter models.EdgeFilter, params map[string]any) string {
	clause := ""
	if filter.Algorithm != "" {
		clause += " AND e.algorithm = $algorithm"
		params["algorithm"] = filter.Algorithm
	}
	if filter.MinWeight > 0 {
		clause += " AND e.weight >= $min_weight"
		params["min_weight"] = filter.MinWeight
	}
	if filter.OlderThan != nil {
		clause += " AND coalesce(e.updated_at, e.created_at) < $older_than"
		params["older_than"] = filter.OlderThan.Format(time.RFC3339Nano)
	}
	return clause
}

// DeleteWhere removes edges matching the filter and returns the count.
func (s *EdgeStore) DeleteWhere(ctx context.Context, collection string, filter models.EdgeFilter) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeStore.DeleteWhere")
	defer span.End()

	params := map[string]any{"collection": collection}
	cypher := `MATCH (a:Record {collection: $collection})-[e:SIMILAR]->(b:Record)
		WHERE true` + filterClause(filter, params) + `
		DELETE e
		RETURN count(e) AS deleted`

	result, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		deleted, _ := record.Get("deleted")
		return deleted, nil
	})
	if err != nil {
		return 0, errors.NewBackendError("failed to delete edges: %w", err)
	}
	deleted, _ := result.(int64)
	return deleted, nil
}

// ScanEdges visits matching edges ordered by endpoint ids.
func (s *EdgeStore) ScanEdges(ctx context.Context, collection string, filter models.EdgeFilter, fn func(*models.SimilarityEdge) error) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeStore.ScanEdges")
	defer span.End()

	params := map[string]any{"collection": collection}
	cypher := `MATCH (a:Record {collection: $collection})-[e:SIMILAR]->(b:Record)
		WHERE true` + filterClause(filter, params) + `
		RETURN a.id AS from_id, b.id AS to_id, e.weight AS weight,
			e.field_scores AS field_scores, e.algorithm AS algorithm,
			e.block_key AS block_key, e.created_at AS created_at,
			e.updated_at AS updated_at, e.update_count AS update_count
		ORDER BY from_id, to_id`

	edges, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var collected []*models.SimilarityEdge
		for res.Next(ctx) {
			edge, err := edgeFromRecord(res.Record())
			if err != nil {
				return nil, err
			}
			collected = append(collected, edge)
		}
		return collected, res.Err()
	})
	if err != nil {
		return errors.NewBackendError("failed to scan edges: %w", err)
	}

	for _, edge := range edges.([]*models.SimilarityEdge) {
		if err := fn(edge); err != nil {
			return err
		}
	}
	return nil
}

func edgeFromRecord(record *neo4j.Record) (*models.SimilarityEdge, error) {
	edge := &models.SimilarityEdge{}
	if v, ok := record.Get("from_id"); ok {
		edge.From, _ = v.(string)
	}
	if v, ok := record.Get("to_id"); ok {
		edge.To, _ = v.(string)
	}
	if v, ok := record.Get("weight"); ok {
		edge.Weight, _ = v.(float64)
	}
	if v, ok := record.Get("algorithm"); ok {
		edge.Algorithm, _ = v.(string)
	}
	if v, ok := record.Get("block_key"); ok {
		edge.BlockKey, _ = v.(string)
	}
	if v, ok := record.Get("update_count"); ok {
		if count, isInt := v.(int64); isInt {
			edge.UpdateCount = int(count)
		}
	}
	if v, ok := record.Get("field_scores"); ok {
		if raw, isString := v.(string); isString && raw != "" {
			if err := json.Unmarshal([]byte(raw), &edge.FieldScores); err != nil {
				return nil, errors.NewBackendError("corrupt field scores on edge %s-%s: %w", edge.From, edge.To, err)
			}
		}
	}
	if v, ok := record.Get("created_at"); ok {
		if raw, isString := v.(string); isString {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				edge.CreatedAt = t
			}
		}
	}
	if v, ok := record.Get("updated_at"); ok {
		if raw, isString := v.(string); isString {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				edge.UpdatedAt = &t
			}
		}
	}
	return edge, nil
}

// Truncate removes all edges in a collection. Orphaned record nodes are
// removed with them.
func (s *EdgeStore) Truncate(ctx context.Context, collection string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeStore.Truncate")
	defer span.End()

	cypher := `MATCH (a:Record {collection: $collection})
		OPTIONAL MATCH (a)-[e:SIMILAR]-()
		DELETE e, a`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, map[string]any{"collection": collection})
	})
	if err != nil {
		return errors.NewBackendError("failed to truncate edges: %w", err)
	}
	return nil
}
