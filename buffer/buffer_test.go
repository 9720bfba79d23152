package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/federatedb/bufferpool/config"
	"github.com/federatedb/bufferpool/internal/filestore"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

func testSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.TypeInt64},
		{Name: "name", Type: schema.TypeString},
	}
}

func newTestManager(t *testing.T, cfg config.Config) *BufferManager {
	t.Helper()
	sm, err := filestore.NewLocalStorageManager(t.TempDir())
	require.NoError(t, err)
	mgr, err := New(cfg, sm, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func rowsOf(n int) []tuplebatch.Row {
	rows := make([]tuplebatch.Row, n)
	for i := range rows {
		rows[i] = tuplebatch.Row{{I64: int64(i)}, {Str: "value"}}
	}
	return rows
}

func TestCreateTupleBufferAppendAndReadBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 1 << 20 // generous, no eviction pressure expected
	mgr := newTestManager(t, cfg)

	tb, err := mgr.CreateTupleBuffer(testSchema(), "group-1", "source")
	require.NoError(t, err)
	require.Equal(t, StateOpen, tb.State())

	mb, err := tb.Append(rowsOf(10))
	require.NoError(t, err)
	require.Equal(t, int64(0), mb.BeginRow())

	mb2, err := tb.Append(rowsOf(5))
	require.NoError(t, err)
	require.Equal(t, int64(10), mb2.BeginRow())
	require.Equal(t, int64(15), tb.RowCount())

	got, err := mb.GetBatch(true, testSchema())
	require.NoError(t, err)
	require.Len(t, got.Rows, 10)
}

func TestAppendAfterCloseFails(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 1 << 20
	mgr := newTestManager(t, cfg)

	tb, err := mgr.CreateTupleBuffer(testSchema(), "g", "s")
	require.NoError(t, err)
	require.NoError(t, tb.Close())

	_, err = tb.Append(rowsOf(1))
	require.Error(t, err)
}

func TestReserveBuffersNoWaitCapsAtAvailable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 100
	mgr := newTestManager(t, cfg)

	granted, err := mgr.ReserveBuffers(context.Background(), 1000, ModeNoWait)
	require.NoError(t, err)
	require.Equal(t, int64(100), granted)
	require.Equal(t, int64(0), mgr.ReserveBatchKB())
}

func TestReserveBuffersForceCanGoNegative(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 10
	mgr := newTestManager(t, cfg)

	granted, err := mgr.ReserveBuffers(context.Background(), 50, ModeForce)
	require.NoError(t, err)
	require.Equal(t, int64(50), granted)
	require.Equal(t, int64(-40), mgr.ReserveBatchKB())
}

func TestReserveBuffersWaitUnblocksOnRelease(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 20
	mgr := newTestManager(t, cfg)

	// Drain the pool to 0 first so the ModeWait request below genuinely
	// blocks, while staying within the ceiling (spec §4.F: a request never
	// waits for more than max_reserve_kb).
	drained, err := mgr.ReserveBuffers(context.Background(), 20, ModeNoWait)
	require.NoError(t, err)
	require.Equal(t, int64(20), drained)

	var wg sync.WaitGroup
	var granted int64
	var rerr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		granted, rerr = mgr.ReserveBuffers(context.Background(), 15, ModeWait)
	}()

	time.Sleep(20 * time.Millisecond)
	mgr.ReleaseBuffers(15)

	wg.Wait()
	require.NoError(t, rerr)
	require.Equal(t, int64(15), granted)
}

func TestReserveBuffersWaitRespectsContextCancellation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 1
	mgr := newTestManager(t, cfg)

	// Drain the one available KB so a capped, in-ceiling request still has
	// nothing to wait on; nobody releases, so only ctx cancellation ends it.
	_, err := mgr.ReserveBuffers(context.Background(), 1, ModeForce)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = mgr.ReserveBuffers(ctx, 1000, ModeWait)
	require.Error(t, err)
}

// TestEvictionLoopDrainsActiveBatchKBUnderPressure exercises spec §4.D's
// persist_batch_references loop: a small reserve ceiling forces batches to
// be written to disk as they are appended, keeping active_batch_kb near
// its 80% target instead of growing without bound.
func TestEvictionLoopDrainsActiveBatchKBUnderPressure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 4 // tiny ceiling relative to batch size estimates
	mgr := newTestManager(t, cfg)

	tb, err := mgr.CreateTupleBuffer(testSchema(), "g", "s")
	require.NoError(t, err)

	firstMB, err := tb.Append(rowsOf(50))
	require.NoError(t, err)
	for i := 0; i < 29; i++ {
		_, err := tb.Append(rowsOf(50))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return firstMB.Persistent() }, time.Second, time.Millisecond,
		"early batches should be persisted once later appends pressure the reserve pool")

	require.LessOrEqual(t, mgr.ActiveBatchKB(), mgr.MaxReserveKB(),
		"eviction should keep active_batch_kb from growing past the ceiling indefinitely")
}

func TestRemoveTupleBufferClearsRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 1 << 20
	mgr := newTestManager(t, cfg)

	tb, err := mgr.CreateTupleBuffer(testSchema(), "g", "s")
	require.NoError(t, err)
	id := tb.ID()

	require.NoError(t, tb.Remove())
	_, ok := mgr.GetTupleBuffer(id)
	require.False(t, ok)
}
