package lob

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

func TestScanRegistersUnknownRefsAsMissing(t *testing.T) {
	m := New()
	batch := &tuplebatch.Batch{Rows: []tuplebatch.Row{
		{{LobRef: "lob-1"}},
		{{LobRef: "lob-2"}},
	}}
	m.Scan(batch, []int{0})

	err := m.Rewrite(batch, []int{0})
	require.Error(t, err)
	require.True(t, batch.HasLobs)
}

func TestRewriteSucceedsWhenAllRefsRegistered(t *testing.T) {
	m := New()
	batch := &tuplebatch.Batch{Rows: []tuplebatch.Row{
		{{LobRef: "lob-1"}},
	}}
	m.Scan(batch, []int{0})
	m.Register("lob-1", io.NopCloser(strings.NewReader("payload")))

	err := m.Rewrite(batch, []int{0})
	require.NoError(t, err)
}

func TestRewriteNoopWithoutLobColumns(t *testing.T) {
	m := New()
	batch := &tuplebatch.Batch{Rows: []tuplebatch.Row{{{I64: 1}}}}
	require.NoError(t, m.Rewrite(batch, nil))
}
