package radiomap

// RunningStat is Welford's online mean/variance accumulator. The
// per-tile signal statistics are stored as (count, mean, m2) and
// updated one observation at a time, so no raw RSSI history is kept.
type RunningStat struct {
	Count int64
	Mean  float64
	M2    float64
}

// Add folds one observation into the accumulator.
func (s *RunningStat) Add(x float64) {
	s.Count++
	delta := x - s.Mean
	s.Mean += delta / float64(s.Count)
	s.M2 += delta * (x - s.Mean)
}

// Variance returns the sample variance, or 0 with fewer than two
// observations.
func (s *RunningStat) Variance() float64 {
	if s.Count < 2 {
		return 0
	}
	return s.M2 / float64(s.Count-1)
}
