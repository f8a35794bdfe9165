package engine_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallevig/ferrokv/internal/config"
	"github.com/kallevig/ferrokv/internal/engine"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.BptreeOrder = 4
	e, err := engine.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func Test_PutRecordThenGetRecord_RoundTrips(t *testing.T) {
	t.Parallel()
	e := openEngine(t)

	require.NoError(t, e.PutRecord(1, []byte("hello")))
	got, err := e.GetRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func Test_PutRecord_OverwritesExistingKey(t *testing.T) {
	t.Parallel()
	e := openEngine(t)

	require.NoError(t, e.PutRecord(1, []byte("v1")))
	require.NoError(t, e.PutRecord(1, []byte("v2")))

	got, err := e.GetRecord(1)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
}

func Test_DeleteRecord_RemovesFromIndex(t *testing.T) {
	t.Parallel()
	e := openEngine(t)

	require.NoError(t, e.PutRecord(1, []byte("v1")))
	require.NoError(t, e.DeleteRecord(1))

	_, err := e.GetRecord(1)
	assert.Error(t, err)
}

func Test_KVRoundTrip_AndStats(t *testing.T) {
	t.Parallel()
	e := openEngine(t)

	require.NoError(t, e.Put("a", []byte("1")))
	got, err := e.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	st, err := e.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Txn.Keys)
	assert.NotEmpty(t, st.EngineID)
}

func Test_RangeRecords_VisitsInOrder(t *testing.T) {
	t.Parallel()
	e := openEngine(t)
	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, e.PutRecord(i, []byte{byte(i)}))
	}

	var keys []uint64
	err := e.RangeRecords(3, 7, func(k uint64, payload []byte) bool {
		keys = append(keys, k)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6}, keys)
}
