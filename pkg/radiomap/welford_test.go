package radiomap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat"
)

func TestRunningStatMatchesBatchStatistics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	xs := make([]float64, 500)
	var rs RunningStat
	for i := range xs {
		// RSSI-like values around -70 dBm
		xs[i] = -70 + rng.NormFloat64()*8
		rs.Add(xs[i])
	}

	assert.Equal(t, int64(len(xs)), rs.Count)
	assert.InDelta(t, stat.Mean(xs, nil), rs.Mean, 1e-9)
	assert.InDelta(t, stat.Variance(xs, nil), rs.Variance(), 1e-9)
}

func TestRunningStatSmallCounts(t *testing.T) {
	var rs RunningStat
	assert.Equal(t, 0.0, rs.Variance())

	rs.Add(-55)
	assert.Equal(t, -55.0, rs.Mean)
	assert.Equal(t, 0.0, rs.Variance(), "variance undefined below two samples")

	rs.Add(-65)
	assert.InDelta(t, -60.0, rs.Mean, 1e-9)
	assert.InDelta(t, 50.0, rs.Variance(), 1e-9)
}

func TestRunningStatResumesFromStoredState(t *testing.T) {
	xs := []float64{-50, -52, -61, -48, -70, -66, -59}

	var whole RunningStat
	for _, x := range xs {
		whole.Add(x)
	}

	// Simulate persist/reload between observations.
	var first RunningStat
	for _, x := range xs[:3] {
		first.Add(x)
	}
	resumed := RunningStat{Count: first.Count, Mean: first.Mean, M2: first.M2}
	for _, x := range xs[3:] {
		resumed.Add(x)
	}

	assert.InDelta(t, whole.Mean, resumed.Mean, 1e-9)
	assert.InDelta(t, whole.Variance(), resumed.Variance(), 1e-9)
}
