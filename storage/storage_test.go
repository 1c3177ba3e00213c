package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SaveThenLoadRoundTrips(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Save("k1", []byte(`{"a":1}`), map[string]any{"recordCount": 1}))

	state, meta, ok, err := m.Load("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(state))
	assert.Equal(t, 1, meta["recordCount"])
}

func TestMemory_LoadMissingKeyReturnsNotOK(t *testing.T) {
	m := NewMemory()
	_, _, ok, err := m.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_SaveCopiesStateSoCallerMutationDoesNotLeak(t *testing.T) {
	m := NewMemory()
	state := []byte(`{"a":1}`)
	require.NoError(t, m.Save("k1", state, nil))
	state[0] = 'X'

	got, _, ok, err := m.Load("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestSQLite_SaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Save("store:bucket:users", []byte(`{"records":[]}`), map[string]any{"recordCount": 0}))

	state, meta, ok, err := s.Load("store:bucket:users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"records":[]}`, string(state))
	assert.Equal(t, float64(0), meta["recordCount"])
}

func TestSQLite_UpsertOverwritesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Save("k1", []byte("first"), nil))
	require.NoError(t, s.Save("k1", []byte("second"), nil))

	state, _, ok, err := s.Load("k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", string(state))
}

func TestSQLite_LoadMissingKeyReturnsNotOK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, _, ok, err := s.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
