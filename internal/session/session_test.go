package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignIDReturnsNonZeroID(t *testing.T) {
	tbl := New()
	id, err := tbl.AssignID()
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestOpenWithIDRegistersSessionUnderGivenID(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.OpenWithID(42, "client-1", 30000))

	_, ok := tbl.Dedup(42, 1)
	assert.False(t, ok, "fresh session has no cached results yet")
}

func TestDedupMissesBeforeRecord(t *testing.T) {
	tbl := New()
	require.NoError(t, tbl.OpenWithID(1, "client-1", 30000))

	_, ok := tbl.Dedup(1, 1)
	assert.False(t, ok)
}

func TestDedupHitsAfterRecord(t *testing.T) {
	tbl := New()
	id := uint64(1)
	require.NoError(t, tbl.OpenWithID(id, "client-1", 30000))

	tbl.Record(id, 1, []byte("result"))

	result, ok := tbl.Dedup(id, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("result"), result)
}

func TestKeepAliveTrimsAckedResults(t *testing.T) {
	tbl := New()
	id := uint64(7)
	require.NoError(t, tbl.OpenWithID(id, "client-1", 30000))

	tbl.Record(id, 1, []byte("r1"))
	tbl.Record(id, 2, []byte("r2"))

	require.NoError(t, tbl.KeepAlive([]uint64{id}, []uint64{1}, nil))

	_, ok := tbl.Dedup(id, 1)
	assert.False(t, ok, "acked sequence should be trimmed")

	_, ok = tbl.Dedup(id, 2)
	assert.True(t, ok, "unacked sequence should remain cached")
}

func TestKeepAliveUnknownSession(t *testing.T) {
	tbl := New()
	err := tbl.KeepAlive([]uint64{999}, []uint64{0}, nil)
	assert.Error(t, err)
}

func TestCloseRemovesSession(t *testing.T) {
	tbl := New()
	id := uint64(9)
	require.NoError(t, tbl.OpenWithID(id, "client-1", 30000))

	require.NoError(t, tbl.Close(id))

	_, ok := tbl.Dedup(id, 1)
	assert.False(t, ok)

	err := tbl.Close(id)
	assert.Error(t, err, "closing an already-closed session should fail")
}

func TestExpiredReportsStaleSessions(t *testing.T) {
	tbl := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	tbl.now = func() time.Time { return current }

	id := uint64(3)
	require.NoError(t, tbl.OpenWithID(id, "client-1", 1000)) // 1s timeout

	assert.Empty(t, tbl.Expired())

	current = base.Add(2 * time.Second)
	assert.Equal(t, []uint64{id}, tbl.Expired())
}

func TestExpiredIgnoresZeroTimeout(t *testing.T) {
	tbl := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := base
	tbl.now = func() time.Time { return current }

	require.NoError(t, tbl.OpenWithID(4, "client-1", 0))

	current = base.Add(time.Hour)
	assert.Empty(t, tbl.Expired())
}
