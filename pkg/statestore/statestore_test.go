package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(OpenOptions{Path: dir})
	require.NoError(t, err)

	require.NoError(t, s.SetJSON("pause:account_a", map[string]any{"paused": true, "reason": "hedge failed"}, 0))
	require.NoError(t, s.Close())

	s, err = Open(OpenOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	var st struct {
		Paused bool   `json:"paused"`
		Reason string `json:"reason"`
	}
	ok, err := s.GetJSON("pause:account_a", &st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Paused)
	assert.Equal(t, "hedge failed", st.Reason)
}

func TestStore_SetIfAbsentAndDelete(t *testing.T) {
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.SetIfAbsent("hedged:1", []byte("1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent("hedged:1", []byte("2"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	v, found, err := s.Get("hedged:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", string(v))

	require.NoError(t, s.Delete("hedged:1"))
	_, found, err = s.Get("hedged:1")
	require.NoError(t, err)
	assert.False(t, found)

	_, _, err = s.Get("  ")
	assert.Error(t, err)
}

func TestStore_NilIsNotOpened(t *testing.T) {
	var s *Store
	_, _, err := s.Get("k")
	assert.ErrorIs(t, err, ErrNotOpened)
}
