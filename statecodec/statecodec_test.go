package statecodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/federatedb/bufferpool/buffer"
	"github.com/federatedb/bufferpool/config"
	"github.com/federatedb/bufferpool/internal/filestore"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

func plainSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.TypeInt64},
		{Name: "name", Type: schema.TypeString},
	}
}

func lobSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.TypeInt64},
		{Name: "payload", Type: schema.TypeLob},
	}
}

func newManager(t *testing.T) *buffer.BufferManager {
	t.Helper()
	sm, err := filestore.NewLocalStorageManager(t.TempDir())
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.MaxReserveKB = 1 << 20
	mgr, err := buffer.New(cfg, sm, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestStateRoundTripPreservesRowsAndSchema(t *testing.T) {
	src := newManager(t)
	tb, err := src.CreateTupleBuffer(plainSchema(), "g", "src")
	require.NoError(t, err)

	_, err = tb.Append([]tuplebatch.Row{
		{{I64: 1}, {Str: "a"}},
		{{I64: 2}, {Str: "b"}},
	})
	require.NoError(t, err)
	_, err = tb.Append([]tuplebatch.Row{
		{{I64: 3}, {Str: "c"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeState(src, &buf))

	dst := newManager(t)
	require.NoError(t, DecodeState(dst, &buf))

	restored, ok := dst.GetTupleBuffer(tb.ID())
	require.True(t, ok)
	require.Equal(t, int64(3), restored.RowCount())
	require.Equal(t, plainSchema(), restored.Schema())

	first, ok := restored.BatchAt(0)
	require.True(t, ok)
	got, err := first.GetBatch(false, plainSchema())
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Rows[0][0].I64)
	require.Equal(t, "b", got.Rows[1][1].Str)
}

func TestStateRestoreRejectsUnresolvedLobs(t *testing.T) {
	src := newManager(t)
	tb, err := src.CreateTupleBuffer(lobSchema(), "g", "src")
	require.NoError(t, err)

	_, err = tb.Append([]tuplebatch.Row{
		{{I64: 1}, {LobRef: "blob-1"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, EncodeState(src, &buf))

	dst := newManager(t) // fresh manager, no LOB streams registered anywhere
	err = DecodeState(dst, &buf)
	require.Error(t, err, "restoring a has_lobs buffer into an empty LOB store must fail")

	_, ok := dst.GetTupleBuffer(tb.ID())
	require.False(t, ok, "a buffer that failed to fully restore must not remain registered")
}

func TestEncodeStateWithNoBuffersProducesEmptyReplay(t *testing.T) {
	src := newManager(t)
	var buf bytes.Buffer
	require.NoError(t, EncodeState(src, &buf))

	dst := newManager(t)
	require.NoError(t, DecodeState(dst, &buf))
	require.Empty(t, dst.Buffers())
}
