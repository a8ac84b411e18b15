package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/perch/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "perch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	s := openTestStore(t)

	info := protocol.SessionInfo{ID: "s1", Title: "fix the bug", WorkDir: "/repo", Running: true}
	require.NoError(t, s.CreateSession(info))

	got, err := s.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", got.Title)
	assert.Equal(t, "/repo", got.WorkDir)
	assert.True(t, got.Running)
	assert.NotZero(t, got.CreatedAt)

	require.NoError(t, s.SetRunning("s1", false))
	got, err = s.GetSession("s1")
	require.NoError(t, err)
	assert.False(t, got.Running)

	list, err := s.ListSessions()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSession("s1"))
	_, err = s.GetSession("s1")
	assert.Error(t, err)
}

func TestSetRunningMissingSession(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SetRunning("nope", true))
}

func TestBufferRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(protocol.SessionInfo{ID: "s1"}))

	data, err := s.LoadBuffer("s1")
	require.NoError(t, err)
	assert.Nil(t, data, "missing buffer loads as nil")

	payload := []byte(`[{"type":"user","message":{"content":"hi"}}]`)
	require.NoError(t, s.SaveBuffer("s1", payload))

	data, err = s.LoadBuffer("s1")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	// overwrite
	payload2 := []byte(`[]`)
	require.NoError(t, s.SaveBuffer("s1", payload2))
	data, err = s.LoadBuffer("s1")
	require.NoError(t, err)
	assert.Equal(t, payload2, data)
}

func TestBufferCascadeDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateSession(protocol.SessionInfo{ID: "s1"}))
	require.NoError(t, s.SaveBuffer("s1", []byte(`[]`)))
	require.NoError(t, s.DeleteSession("s1"))

	data, err := s.LoadBuffer("s1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMeta(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetMeta("jwt_secret")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta("jwt_secret", "abc"))
	require.NoError(t, s.SetMeta("jwt_secret", "def"))

	v, err = s.GetMeta("jwt_secret")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}
