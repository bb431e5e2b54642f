// Package memory implements the store abstractions in-process. It backs
// tests and small runs, and its text views carry a real BM25 inverted index
// so blocking behaves the same way it does against a database backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/models"
	"github.com/Ramsey-B/yarrow/pkg/normalizers"
	"github.com/Ramsey-B/yarrow/pkg/similarity"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// AnalyzerPrefix qualifies analyzer names the way a database schema would.
// Setup's resolve helper strips it when callers use bare names.
const AnalyzerPrefix = "mem::"

// Store is an in-process backend. It implements RecordStore and IndexAdmin
// directly; Edges, Clusters, and Golden return the write-side stores.
type Store struct {
	mu sync.RWMutex

	records   map[string]map[string]*models.Record
	analyzers map[string]stores.AnalyzerDefinition
	views     map[string]*view
	edges     map[string]map[string]*models.SimilarityEdge
	clusters  map[string]map[string]*models.Cluster
	members   map[string]map[string]string
	golden    map[string][]*models.GoldenRecord

	scorer *similarity.Scorer
}

type view struct {
	def   stores.ViewDefinition
	index *bm25Index
	dirty bool
}

// NewStore creates an empty in-process store.
func NewStore() *Store {
	return &Store{
		records:   make(map[string]map[string]*models.Record),
		analyzers: make(map[string]stores.AnalyzerDefinition),
		views:     make(map[string]*view),
		edges:     make(map[string]map[string]*models.SimilarityEdge),
		clusters:  make(map[string]map[string]*models.Cluster),
		members:   make(map[string]map[string]string),
		golden:    make(map[string][]*models.GoldenRecord),
		scorer:    similarity.NewScorer(),
	}
}

// Edges returns the edge store backed by this instance.
func (s *Store) Edges() stores.EdgeStore { return &edgeStore{s: s} }

// Clusters returns the cluster store backed by this instance.
func (s *Store) Clusters() stores.ClusterStore { return &clusterStore{s: s} }

// Golden returns the golden-record store backed by this instance.
func (s *Store) Golden() stores.GoldenStore { return &goldenStore{s: s} }

var _ stores.RecordStore = (*Store)(nil)
var _ stores.IndexAdmin = (*Store)(nil)

// CreateCollection ensures a collection exists, possibly empty.
func (s *Store) CreateCollection(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[collection]; !ok {
		s.records[collection] = make(map[string]*models.Record)
	}
}

// PutRecord inserts or replaces a record and marks the collection's views
// for reindexing.
func (s *Store) PutRecord(_ context.Context, collection string, record *models.Record) error {
	if record.ID == "" {
		return errors.NewValidationError("record in collection '%s' has no id", collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.records[collection]
	if !ok {
		coll = make(map[string]*models.Record)
		s.records[collection] = coll
	}
	coll[record.ID] = record

	for _, v := range s.views {
		if v.def.Collection == collection {
			v.dirty = true
		}
	}
	return nil
}

// PutRecords bulk-loads records into a collection.
func (s *Store) PutRecords(ctx context.Context, collection string, records []*models.Record) error {
	for _, r := range records {
		if err := s.PutRecord(ctx, collection, r); err != nil {
			return err
		}
	}
	return nil
}

// GetRecord returns one record or a not-found error.
func (s *Store) GetRecord(_ context.Context, collection, id string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.records[collection]
	if !ok {
		return nil, errors.NewNotFound("collection '%s' does not exist", collection)
	}
	record, ok := coll[id]
	if !ok {
		return nil, errors.NewNotFound("record '%s' not found in collection '%s'", id, collection)
	}
	return record, nil
}

// GetMany returns the records that exist, in input order. Missing ids are
// skipped; the caller decides whether that is an error.
func (s *Store) GetMany(_ context.Context, collection string, ids []string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.records[collection]
	if !ok {
		return nil, errors.NewNotFound("collection '%s' does not exist", collection)
	}

	result := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		if record, ok := coll[id]; ok {
			result = append(result, record)
		}
	}
	return result, nil
}

// Scan visits every record in id order. A callback error stops the scan.
func (s *Store) Scan(_ context.Context, collection string, fn func(*models.Record) error) error {
	s.mu.RLock()
	coll, ok := s.records[collection]
	if !ok {
		s.mu.RUnlock()
		return errors.NewNotFound("collection '%s' does not exist", collection)
	}
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := make([]*models.Record, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, coll[id])
	}
	s.mu.RUnlock()

	for _, record := range snapshot {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// TextSearch runs a BM25 query against an indexed view. Hits are ordered by
// score descending, id ascending, so results are deterministic.
func (s *Store) TextSearch(_ context.Context, viewName string, query stores.QuerySpec, limit int) ([]stores.SearchHit, error) {
	s.mu.Lock()
	v, ok := s.views[viewName]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFound("view '%s' does not exist", viewName)
	}
	if v.dirty || v.index == nil {
		v.index = s.buildIndexLocked(v.def)
		v.dirty = false
	}
	index := v.index
	coll := s.records[v.def.Collection]
	s.mu.Unlock()

	fields := query.Fields
	if len(fields) == 0 {
		for f := range v.def.FieldAnalyzers {
			fields = append(fields, f)
		}
		sort.Strings(fields)
	}

	scores := make(map[string]float64)
	for _, field := range fields {
		for _, analyzerName := range v.def.FieldAnalyzers[field] {
			if query.Analyzer != "" &&
				analyzerName != query.Analyzer &&
				AnalyzerPrefix+analyzerName != query.Analyzer &&
				analyzerName != AnalyzerPrefix+query.Analyzer {
				continue
			}
			def, ok := s.lookupAnalyzer(analyzerName)
			if !ok {
				continue
			}
			tokens := s.tokenize(query.Text, def)
			for id, score := range index.score(indexKey(field, analyzerName), tokens) {
				scores[id] += score
			}
		}
	}

	hits := make([]stores.SearchHit, 0, len(scores))
	for id, score := range scores {
		if score < query.MinScore {
			continue
		}
		if query.ConstraintField != "" {
			record, ok := coll[id]
			if !ok {
				continue
			}
			value, _ := record.FieldString(query.ConstraintField)
			if normalizers.BlockKey(value) != normalizers.BlockKey(query.ConstraintValue) {
				continue
			}
		}
		hits = append(hits, stores.SearchHit{ID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// indexKey scopes postings to one (field, analyzer) slot.
func indexKey(field, analyzer string) string {
	return field + "\x00" + analyzer
}

// lookupAnalyzer accepts bare or prefix-qualified analyzer names.
func (s *Store) lookupAnalyzer(name string) (stores.AnalyzerDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if def, ok := s.analyzers[name]; ok {
		return def, true
	}
	def, ok := s.analyzers[AnalyzerPrefix+name]
	return def, ok
}

// tokenize converts raw field text into index terms per the analyzer kind.
func (s *Store) tokenize(text string, def stores.AnalyzerDefinition) []string {
	normalized := normalizers.Matching(text)
	if normalized == "" {
		return nil
	}

	switch def.Kind {
	case stores.AnalyzerExact:
		return []string{normalized}
	case stores.AnalyzerPhonetic:
		var tokens []string
		for _, word := range strings.Fields(normalized) {
			var key string
			if def.Encoder == string(similarity.EncoderMetaphone) {
				key = s.scorer.Metaphone(word)
			} else {
				key = s.scorer.Soundex(word)
			}
			if key != "" {
				tokens = append(tokens, key)
			}
		}
		return tokens
	default: // ngram
		n := def.N
		if n < 1 {
			n = 3
		}
		runes := []rune(normalized)
		if len(runes) < n {
			return []string{normalized}
		}
		tokens := make([]string, 0, len(runes)-n+1)
		for i := 0; i+n <= len(runes); i++ {
			tokens = append(tokens, string(runes[i:i+n]))
		}
		if def.PreserveOriginal {
			tokens = append(tokens, normalized)
		}
		return tokens
	}
}

// buildIndexLocked indexes every record of the view's collection. Caller
// holds the write lock.
func (s *Store) buildIndexLocked(def stores.ViewDefinition) *bm25Index {
	index := newBM25Index()
	coll := s.records[def.Collection]

	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		record := coll[id]
		for field, analyzerNames := range def.FieldAnalyzers {
			value, ok := record.FieldString(field)
			if !ok {
				continue
			}
			for _, analyzerName := range analyzerNames {
				adef, ok := s.analyzers[analyzerName]
				if !ok {
					adef, ok = s.analyzers[AnalyzerPrefix+analyzerName]
					if !ok {
						continue
					}
				}
				index.add(indexKey(field, analyzerName), id, s.tokenize(value, adef))
			}
		}
	}
	return index
}

// CreateAnalyzer registers an analyzer under its storage-qualified name.
// Creating an existing analyzer is a no-op unless force is set.
func (s *Store) CreateAnalyzer(_ context.Context, def stores.AnalyzerDefinition, force bool) error {
	if def.Name == "" {
		return errors.NewSetupError("analyzer has no name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qualified := AnalyzerPrefix + def.Name
	if _, exists := s.analyzers[qualified]; exists && !force {
		return nil
	}
	s.analyzers[qualified] = def

	for _, v := range s.views {
		v.dirty = true
	}
	return nil
}

// CreateView registers an indexed view. Fields referencing unknown analyzers
// fail individually; the view keeps the fields that succeeded.
func (s *Store) CreateView(_ context.Context, def stores.ViewDefinition, force bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[def.Collection]; !ok {
		return nil, errors.NewNotFound("collection '%s' does not exist", def.Collection)
	}
	if _, exists := s.views[def.Name]; exists && !force {
		indexed := make([]string, 0, len(def.FieldAnalyzers))
		for field := range def.FieldAnalyzers {
			indexed = append(indexed, field)
		}
		sort.Strings(indexed)
		return indexed, nil
	}

	kept := make(map[string][]string)
	var indexed, failed []string
	for field, analyzerNames := range def.FieldAnalyzers {
		ok := true
		for _, name := range analyzerNames {
			if _, found := s.analyzers[name]; found {
				continue
			}
			if _, found := s.analyzers[AnalyzerPrefix+name]; !found {
				ok = false
				break
			}
		}
		if ok {
			kept[field] = analyzerNames
			indexed = append(indexed, field)
		} else {
			failed = append(failed, field)
		}
	}
	sort.Strings(indexed)
	sort.Strings(failed)

	if len(kept) == 0 {
		return nil, errors.NewSetupError("view '%s': no field could be indexed", def.Name)
	}

	def.FieldAnalyzers = kept
	s.views[def.Name] = &view{def: def, dirty: true}

	if len(failed) > 0 {
		return indexed, errors.NewSetupError(
			"view '%s': fields %s reference unknown analyzers", def.Name, strings.Join(failed, ", "))
	}
	return indexed, nil
}

// ListAnalyzers returns the qualified analyzer names, sorted.
func (s *Store) ListAnalyzers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.analyzers))
	for name := range s.analyzers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListViews returns the view names, sorted.
func (s *Store) ListViews(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.views))
	for name := range s.views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// HasCollection reports whether a record collection exists.
func (s *Store) HasCollection(_ context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[collection]
	return ok, nil
}

// ListFields returns the union of top-level field names across a
// collection's records, sorted. System fields are excluded.
func (s *Store) ListFields(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.records[collection]
	if !ok {
		return nil, errors.NewNotFound("collection '%s' does not exist", collection)
	}

	seen := make(map[string]struct{})
	for _, record := range coll {
		for field := range record.Data {
			if models.IsSystemField(field) {
				continue
			}
			seen[field] = struct{}{}
		}
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields, nil
}

// edgeStore implements stores.EdgeStore over the parent Store.
type edgeStore struct {
	s *Store
}

func edgeKey(from, to string) string {
	return from + "|" + to
}

// UpsertEdge inserts or merges one edge per the configured merge mode.
func (e *edgeStore) UpsertEdge(_ context.Context, collection string, edge *models.SimilarityEdge, opts stores.UpsertOptions) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	return e.upsertLocked(collection, edge, opts)
}

func (e *edgeStore) upsertLocked(collection string, edge *models.SimilarityEdge, opts stores.UpsertOptions) error {
	if edge.From == edge.To {
		return errors.NewValidationError("self edge on record '%s'", edge.From)
	}
	if edge.From > edge.To {
		return errors.NewValidationError("edge endpoints out of order: '%s' > '%s'", edge.From, edge.To)
	}

	coll, ok := e.s.edges[collection]
	if !ok {
		coll = make(map[string]*models.SimilarityEdge)
		e.s.edges[collection] = coll
	}

	key := edgeKey(edge.From, edge.To)
	existing, ok := coll[key]
	if !ok {
		inserted := *edge
		if inserted.CreatedAt.IsZero() {
			inserted.CreatedAt = time.Now().UTC()
		}
		inserted.UpdateCount = 1
		coll[key] = &inserted
		return nil
	}

	now := time.Now().UTC()
	if opts.ForceUpdate {
		existing.Weight = edge.Weight
	} else if opts.Mode == stores.MergeRunningMean {
		existing.Weight = (existing.Weight + edge.Weight) / 2
	} else if edge.Weight > existing.Weight {
		existing.Weight = edge.Weight
	}
	existing.FieldScores = edge.FieldScores
	existing.Algorithm = edge.Algorithm
	existing.UpdatedAt = &now
	existing.UpdateCount++
	return nil
}

// BulkUpsert applies a batch of upserts.
func (e *edgeStore) BulkUpsert(_ context.Context, collection string, edges []*models.SimilarityEdge, opts stores.UpsertOptions) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	for _, edge := range edges {
		if err := e.upsertLocked(collection, edge, opts); err != nil {
			return err
		}
	}
	return nil
}

// DeleteWhere removes edges matching the filter and returns the count.
// An empty filter matches everything.
func (e *edgeStore) DeleteWhere(_ context.Context, collection string, filter models.EdgeFilter) (int64, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	coll := e.s.edges[collection]
	var deleted int64
	for key, edge := range coll {
		if !matchesFilter(edge, filter) {
			continue
		}
		delete(coll, key)
		deleted++
	}
	return deleted, nil
}

// ScanEdges visits matching edges ordered by (from, to).
func (e *edgeStore) ScanEdges(_ context.Context, collection string, filter models.EdgeFilter, fn func(*models.SimilarityEdge) error) error {
	e.s.mu.RLock()
	coll := e.s.edges[collection]
	keys := make([]string, 0, len(coll))
	for key, edge := range coll {
		if matchesFilter(edge, filter) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	snapshot := make([]*models.SimilarityEdge, 0, len(keys))
	for _, key := range keys {
		snapshot = append(snapshot, coll[key])
	}
	e.s.mu.RUnlock()

	for _, edge := range snapshot {
		if err := fn(edge); err != nil {
			return err
		}
	}
	return nil
}

func matchesFilter(edge *models.SimilarityEdge, filter models.EdgeFilter) bool {
	if filter.Algorithm != "" && edge.Algorithm != filter.Algorithm {
		return false
	}
	if edge.Weight < filter.MinWeight {
		return false
	}
	if filter.OlderThan != nil {
		at := edge.CreatedAt
		if edge.UpdatedAt != nil {
			at = *edge.UpdatedAt
		}
		if !at.Before(*filter.OlderThan) {
			return false
		}
	}
	return true
}

// Truncate drops all edges in a collection.
func (e *edgeStore) Truncate(_ context.Context, collection string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()

	delete(e.s.edges, collection)
	return nil
}

// clusterStore implements stores.ClusterStore over the parent Store.
type clusterStore struct {
	s *Store
}

func (c *clusterStore) Truncate(_ context.Context, collection string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	delete(c.s.clusters, collection)
	delete(c.s.members, collection)
	return nil
}

// BulkInsert stores cluster documents and indexes their members.
func (c *clusterStore) BulkInsert(_ context.Context, collection string, clusters []*models.Cluster) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	coll, ok := c.s.clusters[collection]
	if !ok {
		coll = make(map[string]*models.Cluster)
		c.s.clusters[collection] = coll
	}
	memberIndex, ok := c.s.members[collection]
	if !ok {
		memberIndex = make(map[string]string)
		c.s.members[collection] = memberIndex
	}

	for _, cluster := range clusters {
		for _, member := range cluster.MemberIDs {
			if prior, taken := memberIndex[member]; taken && prior != cluster.ID {
				return errors.NewValidationError(
					"record '%s' already belongs to cluster '%s'", member, prior)
			}
		}
		coll[cluster.ID] = cluster
		for _, member := range cluster.MemberIDs {
			memberIndex[member] = cluster.ID
		}
	}
	return nil
}

// FindClusterByMember returns the cluster containing a record, or nil.
func (c *clusterStore) FindClusterByMember(_ context.Context, collection, recordID string) (*models.Cluster, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()

	memberIndex := c.s.members[collection]
	clusterID, ok := memberIndex[recordID]
	if !ok {
		return nil, nil
	}
	return c.s.clusters[collection][clusterID], nil
}

// goldenStore implements stores.GoldenStore over the parent Store.
type goldenStore struct {
	s *Store
}

func (g *goldenStore) Truncate(_ context.Context, collection string) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	delete(g.s.golden, collection)
	return nil
}

func (g *goldenStore) BulkInsert(_ context.Context, collection string, records []*models.GoldenRecord) error {
	g.s.mu.Lock()
	defer g.s.mu.Unlock()

	g.s.golden[collection] = append(g.s.golden[collection], records...)
	return nil
}

// StoredClusters returns every stored cluster in a collection, id ordered.
// Test and stats helper.
func (s *Store) StoredClusters(collection string) []*models.Cluster {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.clusters[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]*models.Cluster, 0, len(ids))
	for _, id := range ids {
		result = append(result, coll[id])
	}
	return result
}

// StoredGoldenRecords returns the stored golden records for a collection.
func (s *Store) StoredGoldenRecords(collection string) []*models.GoldenRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.GoldenRecord, len(s.golden[collection]))
	copy(result, s.golden[collection])
	return result
}

// CountRecords returns the record count of a collection.
func (s *Store) CountRecords(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[collection])
}

// CountEdges returns the edge count of a collection.
func (s *Store) CountEdges(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges[collection])
}

// String describes the store for log fields.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("memory store (%d collections)", len(s.records))
}
