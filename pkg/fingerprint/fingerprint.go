// Package fingerprint derives deterministic identifiers from record data and
// cluster membership. The same inputs always hash to the same id, which is
// what makes re-runs idempotent.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonicalize renders a value as deterministic JSON: map keys sorted,
// no insignificant whitespace.
func Canonicalize(value any) (string, error) {
	normalized := normalize(value)
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize value: %w", err)
	}
	return string(data), nil
}

// normalize rebuilds maps with sorted key order so json.Marshal emits a
// stable byte stream.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{Key: k, Value: normalize(v[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

type keyValue struct {
	Key   string
	Value any
}

// orderedMap marshals as a JSON object preserving element order.
type orderedMap []keyValue

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, kv := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

// Hash returns the hex sha256 of a value's canonical JSON form.
func Hash(value any) (string, error) {
	canonical, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// ClusterID derives the stable cluster identifier from its member record ids.
// Members are sorted first, so the id does not depend on traversal order.
func ClusterID(memberIDs []string) string {
	sorted := make([]string, len(memberIDs))
	copy(sorted, memberIDs)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}
