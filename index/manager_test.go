package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRecord_UniqueConstraintRejectsDuplicate(t *testing.T) {
	m := New("users", []string{"email"}, nil)

	require.NoError(t, m.AddRecord("k1", map[string]any{"email": "a@example.com"}))

	err := m.AddRecord("k2", map[string]any{"email": "a@example.com"})
	require.Error(t, err)

	keys, ok := m.Lookup("email", "a@example.com")
	require.True(t, ok)
	assert.Equal(t, []string{"k1"}, keys)
}

func TestNonUniqueIndex_AccumulatesKeys(t *testing.T) {
	m := New("orders", nil, []string{"userId"})

	require.NoError(t, m.AddRecord("o1", map[string]any{"userId": "u1"}))
	require.NoError(t, m.AddRecord("o2", map[string]any{"userId": "u1"}))

	keys, ok := m.Lookup("userId", "u1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"o1", "o2"}, keys)
}

func TestUpdateRecord_MovesUniqueMapping(t *testing.T) {
	m := New("users", []string{"email"}, nil)
	require.NoError(t, m.AddRecord("k1", map[string]any{"email": "a@example.com"}))

	require.NoError(t, m.UpdateRecord("k1", map[string]any{"email": "a@example.com"}, map[string]any{"email": "b@example.com"}))

	_, ok := m.Lookup("email", "a@example.com")
	require.True(t, ok)
	keys, _ := m.Lookup("email", "a@example.com")
	assert.Empty(t, keys)

	keys, _ = m.Lookup("email", "b@example.com")
	assert.Equal(t, []string{"k1"}, keys)
}

func TestRemoveRecord_GarbageCollectsEmptySets(t *testing.T) {
	m := New("orders", nil, []string{"userId"})
	require.NoError(t, m.AddRecord("o1", map[string]any{"userId": "u1"}))

	m.RemoveRecord("o1", map[string]any{"userId": "u1"})

	keys, ok := m.Lookup("userId", "u1")
	require.True(t, ok)
	assert.Empty(t, keys)
}

func TestRebuild_ReconstructsIndexesFromScratch(t *testing.T) {
	m := New("users", []string{"email"}, nil)
	records := map[string]map[string]any{
		"k1": {"email": "a@example.com"},
		"k2": {"email": "b@example.com"},
	}
	require.NoError(t, m.Rebuild(records, []string{"k1", "k2"}))

	keys, ok := m.Lookup("email", "b@example.com")
	require.True(t, ok)
	assert.Equal(t, []string{"k2"}, keys)
}
