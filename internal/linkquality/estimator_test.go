package linkquality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	tests := []struct {
		snr  float64
		want Class
	}{
		{-10, Robust},
		{-2.01, Robust},
		{-2, Marginal},
		{0, Marginal},
		{3, Marginal},
		{3.01, Good},
		{20, Good},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.snr, DefaultLowThreshold, DefaultHighThreshold), "snr=%v", tt.snr)
	}
}

func TestEstimateSNR(t *testing.T) {
	assert.InDelta(t, 22.5, EstimateSNR(-12.5, DefaultNoiseFloor), 1e-9)
}

func TestEstimator_AlternatingSamplesNeverRecommend(t *testing.T) {
	est := NewEstimator(DefaultConfig())

	for i := 0; i < 200; i++ {
		snr := -10.0
		if i%2 == 1 {
			snr = 10.0
		}
		_, ok := est.Observe(snr, t0.Add(time.Duration(i)*time.Second))
		require.False(t, ok, "sample %d produced a recommendation", i)
	}

	_, ok := est.Take()
	assert.False(t, ok)
	assert.Equal(t, Good, est.Current())
}

func TestEstimator_DowngradeOnNthConsecutiveLowSample(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Samples = 4
	est := NewEstimator(cfg)

	for i := 1; i < cfg.Samples; i++ {
		_, ok := est.Observe(-8, t0.Add(time.Duration(i)*time.Second))
		require.False(t, ok, "recommendation at sample %d, want only at %d", i, cfg.Samples)
	}

	rec, ok := est.Observe(-8, t0.Add(time.Duration(cfg.Samples)*time.Second))
	require.True(t, ok)
	assert.Equal(t, Good, rec.From)
	assert.Equal(t, Robust, rec.To)
	assert.Equal(t, Robust, est.Current())

	taken, ok := est.Take()
	require.True(t, ok)
	assert.Equal(t, rec, taken)

	_, ok = est.Take()
	assert.False(t, ok, "recommendation should be consumed once")
}

func TestEstimator_UpgradeRequiresSustainedImprovement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Initial = Robust
	est := NewEstimator(cfg)

	at := t0
	next := func() time.Time { at = at.Add(10 * time.Second); return at }

	_, ok := est.Observe(8, next())
	require.False(t, ok)
	_, ok = est.Observe(8, next())
	require.False(t, ok)
	_, ok = est.Observe(-5, next())
	require.False(t, ok, "robust sample should break the streak")

	for i := 0; i < cfg.Samples-1; i++ {
		_, ok = est.Observe(8, next())
		require.False(t, ok)
	}
	rec, ok := est.Observe(8, next())
	require.True(t, ok)
	assert.Equal(t, Good, rec.To)
}

func TestEstimator_GapRestartsStreak(t *testing.T) {
	est := NewEstimator(DefaultConfig())

	est.Observe(-8, t0)
	est.Observe(-8, t0.Add(time.Second))
	_, ok := est.Observe(-8, t0.Add(time.Second+DefaultMaxGap+time.Second))
	assert.False(t, ok, "stale streak should not complete")

	assert.Equal(t, 1, est.Snapshot().Streak)
}

func TestEstimator_AgeClearsStaleStreak(t *testing.T) {
	est := NewEstimator(DefaultConfig())

	est.Observe(-8, t0)
	est.Observe(-8, t0.Add(time.Second))
	est.Age(t0.Add(time.Hour))
	assert.Equal(t, 0, est.Snapshot().Streak)

	_, ok := est.Observe(-8, t0.Add(time.Hour+time.Second))
	assert.False(t, ok)
}
