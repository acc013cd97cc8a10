package radiomap

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-api/db"
	"fieldtrack-api/pkg/shared"
)

func testEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		TileMinScore:         0.45,
		TileMinWifiMatches:   3,
		TileMinCellMatches:   2,
		AnchorMaxAccuracyM:   80,
		AnchorMinScore:       0.55,
		AnchorMinWifiMatches: 3,
		AnchorWindowDays:     30,
		AnchorLimit:          300,
	}
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	svc, err := db.New(&db.Config{DBPath: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, AutoInitialize: true})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc.GetDB()
}

func wifiVec(rssi float64, ids ...string) []Measurement {
	var out []Measurement
	for _, id := range ids {
		out = append(out, Measurement{H: HashIdent(id), S: rssi})
	}
	return out
}

func TestSimilarityIdenticalFingerprints(t *testing.T) {
	w := map[string]float64{"a": -50, "b": -60, "c": -70, "d": -55, "e": -65, "f": -45}

	score, det := Similarity(w, w, nil, nil)
	assert.Equal(t, 6, det.WifiMatches)
	assert.InDelta(t, 1.0, det.WifiOverlap, 1e-9)
	assert.InDelta(t, 1.0, det.RSSIScore, 1e-9)
	// raw = 0.58 + 0.30 with full match boost
	assert.InDelta(t, 0.88, score, 1e-9)
}

func TestSimilarityDisjointFingerprints(t *testing.T) {
	w1 := map[string]float64{"a": -50, "b": -60, "c": -70}
	w2 := map[string]float64{"x": -50, "y": -60, "z": -70}

	score, det := Similarity(w1, w2, nil, nil)
	assert.Zero(t, score)
	assert.Zero(t, det.WifiMatches)
}

func TestSimilarityMonotonicInMatches(t *testing.T) {
	base := map[string]float64{"a": -50, "b": -60, "c": -70, "d": -55, "e": -65, "f": -45}

	var prev float64
	for n := 1; n <= 6; n++ {
		other := make(map[string]float64)
		i := 0
		for k, v := range base {
			if i < n {
				other[k] = v
			} else {
				other[fmt.Sprintf("other-%d", i)] = v
			}
			i++
		}
		score, _ := Similarity(base, other, nil, nil)
		assert.GreaterOrEqual(t, score, prev, "score must not drop as matches grow (n=%d)", n)
		prev = score
	}
}

func TestSimilarityDampedByRSSIDistance(t *testing.T) {
	w1 := map[string]float64{"a": -50, "b": -60, "c": -70}
	near := map[string]float64{"a": -52, "b": -61, "c": -69}
	far := map[string]float64{"a": -90, "b": -95, "c": -30}

	nearScore, _ := Similarity(w1, near, nil, nil)
	farScore, _ := Similarity(w1, far, nil, nil)
	assert.Greater(t, nearScore, farScore)
}

func TestEstimateByTilesRoundTrip(t *testing.T) {
	database := newTestDB(t)
	est := &Estimator{DB: database, Cfg: testEstimatorConfig()}
	now := time.Now().UTC()

	wifi := wifiVec(-60, "ap-1", "ap-2", "ap-3", "ap-4", "ap-5")

	// Train one location repeatedly so the tile stats settle.
	var agg Aggregator
	for i := 0; i < 5; i++ {
		tx, err := database.Begin()
		require.NoError(t, err)
		require.NoError(t, agg.Train(tx, 52.5201, 13.4051, wifi, nil, now))
		require.NoError(t, tx.Commit())
	}

	got, err := est.EstimateByTiles(wifi, nil)
	require.NoError(t, err)
	require.NotNil(t, got, "training vector against its own tile must match")

	assert.Equal(t, "radio_tile", got.Method)
	assert.Equal(t, TileID(52.5201, 13.4051), got.TileID)
	assert.InDelta(t, 52.5201, got.Lat, 1e-6)
	assert.InDelta(t, 13.4051, got.Lon, 1e-6)
	assert.Equal(t, 5, got.WifiMatches)
	assert.GreaterOrEqual(t, got.Score, 0.45)
	assert.LessOrEqual(t, got.AccuracyM, 160.0)
	assert.GreaterOrEqual(t, got.AccuracyM, 20.0)
}

func TestEstimateByTilesRejectsWeakMatch(t *testing.T) {
	database := newTestDB(t)
	est := &Estimator{DB: database, Cfg: testEstimatorConfig()}
	now := time.Now().UTC()

	var agg Aggregator
	tx, err := database.Begin()
	require.NoError(t, err)
	require.NoError(t, agg.Train(tx, 52.52, 13.405, wifiVec(-60, "ap-1", "ap-2", "ap-3", "ap-4"), nil, now))
	require.NoError(t, tx.Commit())

	// Only two of the scanned APs are known; below the match floor.
	got, err := est.EstimateByTiles(wifiVec(-60, "ap-1", "ap-2", "new-1", "new-2", "new-3"), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEstimateByTilesNeedsSignal(t *testing.T) {
	database := newTestDB(t)
	est := &Estimator{DB: database, Cfg: testEstimatorConfig()}

	got, err := est.EstimateByTiles(wifiVec(-60, "ap-1", "ap-2"), nil)
	require.NoError(t, err)
	assert.Nil(t, got, "two APs and no cells is not enough to even try")
}

func TestEstimateByAnchors(t *testing.T) {
	database := newTestDB(t)
	est := &Estimator{DB: database, Cfg: testEstimatorConfig()}
	now := time.Now().UTC()

	wifi := wifiVec(-58, "ap-1", "ap-2", "ap-3", "ap-4", "ap-5")
	wifiJSON, err := MarshalVector(wifi)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := database.Exec(
			`INSERT INTO fingerprint_samples (device_id, ts, lat, lon, accuracy_m, purpose, wifi_json, cell_json, trained, created_at)
			 VALUES (?, ?, ?, ?, ?, 'train', ?, '[]', 1, ?)`,
			"dev-1", shared.FormatTime(now.Add(-time.Duration(i)*time.Hour)),
			52.5201, 13.4051, 15.0, wifiJSON, shared.FormatTime(now),
		)
		require.NoError(t, err)
	}

	got, err := est.EstimateByAnchors("dev-1", wifi, nil, now)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "anchor", got.Method)
	assert.InDelta(t, 52.5201, got.Lat, 1e-5)
	assert.InDelta(t, 13.4051, got.Lon, 1e-5)
	assert.GreaterOrEqual(t, got.Score, 0.55)
	assert.GreaterOrEqual(t, got.AccuracyM, 25.0)
	assert.LessOrEqual(t, got.AccuracyM, 260.0)

	// Another device has no anchors.
	other, err := est.EstimateByAnchors("dev-2", wifi, nil, now)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestEstimateByAnchorsSkipsPoorAnchors(t *testing.T) {
	database := newTestDB(t)
	est := &Estimator{DB: database, Cfg: testEstimatorConfig()}
	now := time.Now().UTC()

	wifi := wifiVec(-58, "ap-1", "ap-2", "ap-3", "ap-4")
	wifiJSON, err := MarshalVector(wifi)
	require.NoError(t, err)

	// Accuracy beyond the anchor ceiling and locate-purpose samples
	// must both be ignored.
	_, err = database.Exec(
		`INSERT INTO fingerprint_samples (device_id, ts, lat, lon, accuracy_m, purpose, wifi_json, cell_json, trained, created_at)
		 VALUES (?, ?, 52.52, 13.405, 200.0, 'train', ?, '[]', 0, ?)`,
		"dev-1", shared.FormatTime(now), wifiJSON, shared.FormatTime(now))
	require.NoError(t, err)
	_, err = database.Exec(
		`INSERT INTO fingerprint_samples (device_id, ts, lat, lon, accuracy_m, purpose, wifi_json, cell_json, trained, created_at)
		 VALUES (?, ?, 52.52, 13.405, 10.0, 'locate', ?, '[]', 0, ?)`,
		"dev-1", shared.FormatTime(now), wifiJSON, shared.FormatTime(now))
	require.NoError(t, err)

	got, err := est.EstimateByAnchors("dev-1", wifi, nil, now)
	require.NoError(t, err)
	assert.Nil(t, got)
}
