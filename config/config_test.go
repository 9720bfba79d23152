package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAutoSizeReserveKBBelowOneGiB(t *testing.T) {
	total := int64(900) << 20
	got := AutoSizeReserveKB(total)
	want := int64(0.5*float64(total)-float64(headroomBytes)) / 1024
	require.Equal(t, want, got)
}

func TestAutoSizeReserveKBNeverNegative(t *testing.T) {
	require.Zero(t, AutoSizeReserveKB(0))
	require.Zero(t, AutoSizeReserveKB(1<<20))
}

func TestAutoSizeReserveKBAboveOneGiB(t *testing.T) {
	total := int64(4) << 30
	got := AutoSizeReserveKB(total)
	require.Positive(t, got)
	// Monotonic in total RAM.
	smaller := AutoSizeReserveKB(total / 2)
	require.Greater(t, got, smaller)
}

func TestAutoSizeProcessingKBFloorsAtBatchSize(t *testing.T) {
	got := AutoSizeProcessingKB(1<<20, 256, 20)
	require.Equal(t, int64(8*256), got)
}

func TestAutoSizeProcessingKBScalesWithRAMAndPlans(t *testing.T) {
	small := AutoSizeProcessingKB(64<<30, 256, 20)
	large := AutoSizeProcessingKB(64<<30, 256, 1)
	require.Greater(t, large, small)
}

func TestAutoSizeProcessingKBRejectsNonPositivePlans(t *testing.T) {
	got := AutoSizeProcessingKB(64<<30, 256, 0)
	require.Positive(t, got)
}

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 256, cfg.ConnectorBatchSize)
	require.Equal(t, 256, cfg.ProcessorBatchSize)
	require.Equal(t, 20, cfg.MaxActivePlans)
	require.True(t, cfg.UseWeakReferences)
	require.Zero(t, cfg.MaxReserveKB)
	require.Zero(t, cfg.MaxProcessingKB)
}
