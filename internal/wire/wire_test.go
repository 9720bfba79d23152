package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/federatedb/bufferpool/internal/errs"
	"github.com/federatedb/bufferpool/internal/schema"
	"github.com/federatedb/bufferpool/internal/tuplebatch"
)

func sampleSchema() schema.Schema {
	return schema.Schema{
		{Name: "id", Type: schema.TypeInt64},
		{Name: "score", Type: schema.TypeFloat64},
		{Name: "active", Type: schema.TypeBool},
		{Name: "name", Type: schema.TypeString},
		{Name: "payload", Type: schema.TypeBytes},
	}
}

func sampleBatch() *tuplebatch.Batch {
	return &tuplebatch.Batch{
		BeginRow: 42,
		Rows: []tuplebatch.Row{
			{{I64: 1}, {F64: 1.5}, {Bool: true}, {Str: "a"}, {Buf: []byte{1, 2, 3}}},
			{{I64: 2}, {F64: -2.25}, {Bool: false}, {Str: "b"}, {Buf: nil}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cols := sampleSchema()
	b := sampleBatch()

	var buf bytes.Buffer
	n, err := EncodeBatch(&buf, b, cols)
	require.NoError(t, err)
	require.EqualValues(t, buf.Len(), n)

	got, err := DecodeBatch(&buf, nil)
	require.NoError(t, err)
	require.Equal(t, b.BeginRow, got.BeginRow)
	require.Equal(t, cols, got.Columns)
	require.Len(t, got.Rows, 2)
	require.Equal(t, int64(1), got.Rows[0][0].I64)
	require.Equal(t, "a", got.Rows[0][3].Str)
	require.Equal(t, []byte{1, 2, 3}, got.Rows[0][4].Buf)
}

func TestDecodeStripsColumnsWhenExpectedGiven(t *testing.T) {
	cols := sampleSchema()
	b := sampleBatch()

	var buf bytes.Buffer
	_, err := EncodeBatch(&buf, b, cols)
	require.NoError(t, err)

	got, err := DecodeBatch(&buf, cols)
	require.NoError(t, err)
	require.Nil(t, got.Columns)
}

func TestLenMatchesEncodedSize(t *testing.T) {
	cols := sampleSchema()
	b := sampleBatch()

	want, err := Len(b, cols)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := EncodeBatch(&buf, b, cols)
	require.NoError(t, err)
	require.Equal(t, want, n)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	cols := sampleSchema()
	b := sampleBatch()

	var buf bytes.Buffer
	_, err := EncodeBatch(&buf, b, cols)
	require.NoError(t, err)

	corrupt := buf.Bytes()
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err = DecodeBatch(bytes.NewReader(corrupt), nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindFormat))
}

func TestEncodeRejectsRowWidthMismatch(t *testing.T) {
	cols := sampleSchema()
	b := &tuplebatch.Batch{Rows: []tuplebatch.Row{{{I64: 1}}}}

	var buf bytes.Buffer
	_, err := EncodeBatch(&buf, b, cols)
	require.Error(t, err)
}
