package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, stateFilePerm, info.Mode().Perm())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.Put("access_token", []byte("persist-me")))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Get("access_token")
	require.NoError(t, err)
	assert.Equal(t, []byte("persist-me"), got)
}

// --- Credentials ---

func TestGet_MissingKeyReturnsNil(t *testing.T) {
	s := testDB(t)
	got, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPut_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Put("k", []byte("old")))
	require.NoError(t, s.Put("k", []byte("new")))

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestDelete_RemovesKey(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete_MissingKeyIsNoop(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.Delete("never-set"))
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.Put("k", []byte("value")))

	got, err := s.Get("k")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

// --- Schedules ---

func TestSchedules_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutSchedule("streak-1", []byte(`{"identifier":"streak-1"}`)))
	require.NoError(t, s.PutSchedule("reminder-1", []byte(`{"identifier":"reminder-1"}`)))

	all, err := s.AllSchedules()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.JSONEq(t, `{"identifier":"streak-1"}`, string(all["streak-1"]))
}

func TestDeleteSchedule_Idempotent(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutSchedule("a", []byte("{}")))
	require.NoError(t, s.DeleteSchedule("a"))
	require.NoError(t, s.DeleteSchedule("a"))

	all, err := s.AllSchedules()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSchedules_IsolatedFromCredentials(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.PutSchedule("shared", []byte("schedule")))
	require.NoError(t, s.Put("shared", []byte("credential")))

	cred, err := s.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, []byte("credential"), cred)

	all, err := s.AllSchedules()
	require.NoError(t, err)
	assert.Equal(t, []byte("schedule"), all["shared"])
}

// --- LastConnected ---

func TestLastConnected_ZeroByDefault(t *testing.T) {
	s := testDB(t)
	assert.True(t, s.LastConnected().IsZero())
}

func TestSetLastConnected_RoundTrip(t *testing.T) {
	s := testDB(t)
	when := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, s.SetLastConnected(when))
	assert.True(t, when.Equal(s.LastConnected()))
}

func TestDefaultPath_UnderHome(t *testing.T) {
	t.Setenv("HOME", "/tmp/lyo-home")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/lyo-home", ".lyo-realtime", "state.db"), p)
}
