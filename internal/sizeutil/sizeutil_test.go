package sizeutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/federatedb/bufferpool/internal/schema"
)

func TestEstimateKBMonotonicInBatchSize(t *testing.T) {
	est := New()
	cols := schema.Schema{
		{Name: "id", Type: schema.TypeInt64},
		{Name: "name", Type: schema.TypeString},
	}
	small := est.EstimateKB(cols, 10)
	large := est.EstimateKB(cols, 100)
	require.Greater(t, large, small)
}

func TestEstimateKBNeverZero(t *testing.T) {
	est := New()
	require.GreaterOrEqual(t, est.EstimateKB(nil, 0), 1)
}

func TestValueCacheDisabledIncreasesEstimate(t *testing.T) {
	cols := schema.Schema{{Name: "s", Type: schema.TypeString}}
	enabled := New()
	disabled := New()
	disabled.ValueCacheEnabled = false

	require.Greater(t, disabled.EstimateKB(cols, 1000), enabled.EstimateKB(cols, 1000))
}

func TestGetSchemaSizeKBMatchesEstimate(t *testing.T) {
	est := New()
	cols := schema.Schema{{Name: "id", Type: schema.TypeInt32}}
	require.Equal(t, est.EstimateKB(cols, 256), est.GetSchemaSizeKB(cols, 256))
}
