package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_SortsKeys(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	b := map[string]any{"c": map[string]any{"y": false, "z": true}, "a": 1, "b": 2}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb)
	assert.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, ca)
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"name": "Jon", "tags": []any{"a", "b"}}

	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"tags": []any{"a", "b"}, "name": "Jon"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHash_DifferentValues(t *testing.T) {
	h1, err := Hash(map[string]any{"name": "Jon"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"name": "John"})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestClusterID_OrderIndependent(t *testing.T) {
	id1 := ClusterID([]string{"r3", "r1", "r2"})
	id2 := ClusterID([]string{"r1", "r2", "r3"})
	id3 := ClusterID([]string{"r2", "r3", "r1"})

	assert.Equal(t, id1, id2)
	assert.Equal(t, id2, id3)
	assert.Len(t, id1, 64)
}

func TestClusterID_DistinctMemberships(t *testing.T) {
	assert.NotEqual(t, ClusterID([]string{"r1", "r2"}), ClusterID([]string{"r1", "r3"}))
	// Separator prevents boundary collisions between member ids.
	assert.NotEqual(t, ClusterID([]string{"ab", "c"}), ClusterID([]string{"a", "bc"}))
}

func TestClusterID_DoesNotMutateInput(t *testing.T) {
	members := []string{"r3", "r1", "r2"}
	ClusterID(members)
	assert.Equal(t, []string{"r3", "r1", "r2"}, members)
}
