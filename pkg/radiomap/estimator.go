package radiomap

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"fieldtrack-api/pkg/shared"
)

// Estimate is a radio-based position fix. Method is "radio_tile" when
// it came from the shared tile map, "anchor" when it was matched
// against the device's own training history.
type Estimate struct {
	Lat               float64 `json:"lat"`
	Lon               float64 `json:"lon"`
	AccuracyM         float64 `json:"accuracy_m"`
	Score             float64 `json:"score"`
	Method            string  `json:"method"`
	WifiMatches       int     `json:"wifi_matches"`
	CellMatches       int     `json:"cell_matches"`
	TileID            string  `json:"tile_id,omitempty"`
	TilesConsidered   int     `json:"tiles_considered,omitempty"`
	AnchorsConsidered int     `json:"anchors_considered,omitempty"`
	SpreadM           float64 `json:"spread_m,omitempty"`
}

// EstimatorConfig carries the acceptance thresholds. Zero value is
// not usable; build it from the application config.
type EstimatorConfig struct {
	TileMinScore       float64
	TileMinWifiMatches int
	TileMinCellMatches int

	AnchorMaxAccuracyM   float64
	AnchorMinScore       float64
	AnchorMinWifiMatches int
	AnchorWindowDays     int
	AnchorLimit          int
}

// Estimator resolves fingerprints to positions against the trained
// radio map and per-device anchors.
type Estimator struct {
	DB  *sql.DB
	Cfg EstimatorConfig
}

// Estimate tries the shared tile map first and falls back to the
// device's own anchors when no tile matches.
func (e *Estimator) Estimate(deviceID string, wifi, cells []Measurement, now time.Time) (*Estimate, error) {
	est, err := e.EstimateByTiles(wifi, cells)
	if err != nil {
		return nil, err
	}
	if est != nil {
		return est, nil
	}
	if len(wifi) >= e.Cfg.AnchorMinWifiMatches {
		return e.EstimateByAnchors(deviceID, wifi, cells, now)
	}
	return nil, nil
}

// EstimateByTiles scores candidate tiles against the current
// fingerprint and returns the best match, or nil when nothing clears
// the acceptance thresholds.
func (e *Estimator) EstimateByTiles(wifi, cells []Measurement) (*Estimate, error) {
	wifiVec := ToMap(wifi)
	cellVec := ToMap(cells)
	if len(wifiVec) < 3 && len(cellVec) < 2 {
		return nil, nil
	}

	candidates, err := e.candidateTiles(keysOf(wifiVec), keysOf(cellVec), 120)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Score the top candidates only; the long tail is noise.
	scoreLimit := len(candidates)
	if scoreLimit > 80 {
		scoreLimit = 80
	}

	var best *tileScore
	for _, tileID := range candidates[:scoreLimit] {
		ts, err := e.scoreTile(tileID, wifiVec, cellVec)
		if err != nil {
			return nil, err
		}
		if best == nil || ts.score > best.score {
			best = ts
		}
	}
	if best == nil {
		return nil, nil
	}

	if best.score < e.Cfg.TileMinScore {
		return nil, nil
	}
	if best.wifiMatches < e.Cfg.TileMinWifiMatches && best.cellMatches < e.Cfg.TileMinCellMatches {
		return nil, nil
	}

	var latSum, lonSum float64
	var count int64
	err = e.DB.QueryRow(`SELECT lat_sum, lon_sum, sample_count FROM radio_tiles WHERE tile_id = ?`, best.tileID).
		Scan(&latSum, &lonSum, &count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", best.tileID, err)
	}
	if count <= 0 {
		return nil, nil
	}

	acc := 160.0 - best.score*120.0
	acc = math.Min(160, math.Max(20, acc))

	return &Estimate{
		Lat:             latSum / float64(count),
		Lon:             lonSum / float64(count),
		AccuracyM:       acc,
		Score:           best.score,
		Method:          "radio_tile",
		WifiMatches:     best.wifiMatches,
		CellMatches:     best.cellMatches,
		TileID:          best.tileID,
		TilesConsidered: scoreLimit,
	}, nil
}

type tileScore struct {
	tileID      string
	score       float64
	wifiMatches int
	cellMatches int
}

func (e *Estimator) candidateTiles(wifiKeys, cellKeys []string, limit int) ([]string, error) {
	counts := make(map[string]int)

	if len(wifiKeys) > 0 {
		if err := e.countMatches("radio_ap_stats", "bssid_hash", wifiKeys, counts); err != nil {
			return nil, err
		}
	}
	if len(cellKeys) > 0 {
		if err := e.countMatches("radio_cell_stats", "cell_hash", cellKeys, counts); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(counts))
	for tid := range counts {
		out = append(out, tid)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Estimator) countMatches(table, keyCol string, keys []string, counts map[string]int) error {
	query := fmt.Sprintf(`SELECT tile_id, COUNT(*) FROM %s WHERE %s IN (%s) GROUP BY tile_id`,
		table, keyCol, placeholders(len(keys)))
	rows, err := e.DB.Query(query, toArgs(keys)...)
	if err != nil {
		return fmt.Errorf("candidate tiles from %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tid string
		var n int
		if err := rows.Scan(&tid, &n); err != nil {
			return fmt.Errorf("scan candidate tile: %w", err)
		}
		counts[tid] += n
	}
	return rows.Err()
}

func (e *Estimator) scoreTile(tileID string, wifiVec, cellVec map[string]float64) (*tileScore, error) {
	wifiMatches, wifiDiffAvg, err := e.tileDiffs("radio_ap_stats", "bssid_hash", tileID, wifiVec)
	if err != nil {
		return nil, err
	}
	cellMatches, cellDiffAvg, err := e.tileDiffs("radio_cell_stats", "cell_hash", tileID, cellVec)
	if err != nil {
		return nil, err
	}

	wifiOverlap := 0.0
	if len(wifiVec) > 0 {
		wifiOverlap = float64(wifiMatches) / math.Max(1, float64(min(len(wifiVec), 12)))
	}
	cellOverlap := 0.0
	if len(cellVec) > 0 {
		cellOverlap = float64(cellMatches) / math.Max(1, float64(min(len(cellVec), 4)))
	}

	wifiCloseness := 0.0
	if wifiMatches > 0 {
		wifiCloseness = math.Max(0, 1.0-wifiDiffAvg/35.0)
	}
	cellCloseness := 0.0
	if cellMatches > 0 {
		cellCloseness = math.Max(0, 1.0-cellDiffAvg/25.0)
	}

	// Wi-Fi dominant blend, small bonus when both channels agree.
	score := 0.65*(0.55*wifiOverlap+0.45*wifiCloseness) +
		0.25*(0.55*cellOverlap+0.45*cellCloseness)
	if wifiMatches >= 4 && cellMatches >= 1 {
		score += 0.05
	}
	score = math.Max(0, math.Min(1, score))

	return &tileScore{
		tileID:      tileID,
		score:       score,
		wifiMatches: wifiMatches,
		cellMatches: cellMatches,
	}, nil
}

func (e *Estimator) tileDiffs(table, keyCol, tileID string, vec map[string]float64) (int, float64, error) {
	if len(vec) == 0 {
		return 0, 0, nil
	}
	keys := keysOf(vec)
	query := fmt.Sprintf(`SELECT %s, mean FROM %s WHERE tile_id = ? AND %s IN (%s)`,
		keyCol, table, keyCol, placeholders(len(keys)))
	args := append([]interface{}{tileID}, toArgs(keys)...)
	rows, err := e.DB.Query(query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("score tile from %s: %w", table, err)
	}
	defer rows.Close()

	matches := 0
	diffSum := 0.0
	for rows.Next() {
		var hash string
		var mean float64
		if err := rows.Scan(&hash, &mean); err != nil {
			return 0, 0, fmt.Errorf("scan tile stat: %w", err)
		}
		if cur, ok := vec[hash]; ok {
			matches++
			diffSum += math.Abs(cur - mean)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	if matches == 0 {
		return 0, 0, nil
	}
	return matches, diffSum / float64(matches), nil
}

// SimDetails exposes the intermediate anchor-similarity terms.
type SimDetails struct {
	WifiMatches int
	CellMatches int
	WifiOverlap float64
	CellOverlap float64
	RSSIScore   float64
	RawScore    float64
}

// Similarity scores two fingerprints in [0..1]. Wi-Fi overlap
// dominates; RSSI closeness and cell overlap refine; the result is
// damped when few APs match.
func Similarity(w1, w2, c1, c2 map[string]float64) (float64, SimDetails) {
	var det SimDetails
	if len(w1) == 0 || len(w2) == 0 {
		return 0, det
	}

	var rssiScore, diffSum float64
	for k, v1 := range w1 {
		v2, ok := w2[k]
		if !ok {
			continue
		}
		det.WifiMatches++
		diffSum += math.Abs(v1 - v2)
		rssiScore += math.Exp(-math.Abs(v1-v2) / 25.0)
	}
	if det.WifiMatches == 0 {
		return 0, det
	}

	det.WifiOverlap = float64(det.WifiMatches) / float64(max(1, min(len(w1), len(w2))))
	det.RSSIScore = rssiScore / float64(det.WifiMatches)

	if len(c1) > 0 && len(c2) > 0 {
		for k := range c1 {
			if _, ok := c2[k]; ok {
				det.CellMatches++
			}
		}
		if det.CellMatches > 0 {
			det.CellOverlap = float64(det.CellMatches) / float64(max(1, min(len(c1), len(c2))))
		}
	}

	det.RawScore = 0.58*det.WifiOverlap + 0.30*det.RSSIScore + 0.12*det.CellOverlap

	matchBoost := math.Min(1, float64(det.WifiMatches)/6.0)
	score := det.RawScore * (0.55 + 0.45*matchBoost)
	return math.Max(0, math.Min(1, score)), det
}

type anchorMatch struct {
	score     float64
	det       SimDetails
	lat       float64
	lon       float64
	accuracyM *float64
}

// EstimateByAnchors matches the fingerprint against the device's own
// recent training samples, clusters the hits and returns a weighted
// centroid of the best clusters.
func (e *Estimator) EstimateByAnchors(deviceID string, wifi, cells []Measurement, now time.Time) (*Estimate, error) {
	w := ToMap(truncate(wifi, AnchorWifiK))
	c := ToMap(truncate(cells, AnchorCellK))
	if len(w) < 3 {
		return nil, nil
	}

	cutoff := shared.FormatTime(now.AddDate(0, 0, -e.Cfg.AnchorWindowDays))
	rows, err := e.DB.Query(`
		SELECT lat, lon, accuracy_m, gps_age_sec, purpose, wifi_json, cell_json
		FROM fingerprint_samples
		WHERE device_id = ? AND lat IS NOT NULL AND lon IS NOT NULL
		  AND wifi_json != '[]' AND ts >= ?
		ORDER BY ts DESC LIMIT ?`,
		deviceID, cutoff, e.Cfg.AnchorLimit)
	if err != nil {
		return nil, fmt.Errorf("load anchors for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var scored []anchorMatch
	for rows.Next() {
		var lat, lon float64
		var accM, gpsAge sql.NullFloat64
		var purpose, wifiJSON, cellJSON string
		if err := rows.Scan(&lat, &lon, &accM, &gpsAge, &purpose, &wifiJSON, &cellJSON); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}

		if purpose != "" && purpose != "train" {
			continue
		}
		if gpsAge.Valid && gpsAge.Float64 > 60 {
			continue
		}
		if accM.Valid && accM.Float64 > e.Cfg.AnchorMaxAccuracyM {
			continue
		}

		awVec, err := UnmarshalVector(wifiJSON)
		if err != nil {
			continue
		}
		aw := ToMap(truncate(awVec, AnchorWifiK))
		if len(aw) < 3 {
			continue
		}
		acVec, _ := UnmarshalVector(cellJSON)
		ac := ToMap(truncate(acVec, AnchorCellK))

		score, det := Similarity(w, aw, c, ac)
		if score <= 0 || det.WifiMatches < e.Cfg.AnchorMinWifiMatches {
			continue
		}

		m := anchorMatch{score: score, det: det, lat: lat, lon: lon}
		if accM.Valid {
			acc := accM.Float64
			m.accuracyM = &acc
		}
		scored = append(scored, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	// Cluster by ~11m grid; each cluster keeps its best match and a
	// score^2 weighted centroid.
	type cluster struct {
		sumW, sumLat, sumLon float64
		best                 anchorMatch
		lat, lon             float64
	}
	clusters := make(map[[2]int64]*cluster)
	clusterLimit := len(scored)
	if clusterLimit > 120 {
		clusterLimit = 120
	}
	for _, m := range scored[:clusterLimit] {
		key := [2]int64{int64(math.Round(m.lat * 1e4)), int64(math.Round(m.lon * 1e4))}
		w := math.Pow(math.Max(0.01, m.score), 2)
		cl, ok := clusters[key]
		if !ok {
			clusters[key] = &cluster{sumW: w, sumLat: w * m.lat, sumLon: w * m.lon, best: m}
			continue
		}
		cl.sumW += w
		cl.sumLat += w * m.lat
		cl.sumLon += w * m.lon
		if m.score > cl.best.score {
			cl.best = m
		}
	}

	clist := make([]*cluster, 0, len(clusters))
	for _, cl := range clusters {
		if cl.sumW <= 0 {
			continue
		}
		cl.lat = cl.sumLat / cl.sumW
		cl.lon = cl.sumLon / cl.sumW
		clist = append(clist, cl)
	}
	if len(clist) == 0 {
		return nil, nil
	}
	sort.Slice(clist, func(i, j int) bool { return clist[i].best.score > clist[j].best.score })

	top := clist
	if len(top) > 3 {
		top = top[:3]
	}
	best := top[0]

	if best.best.det.WifiMatches < e.Cfg.AnchorMinWifiMatches || best.best.score < e.Cfg.AnchorMinScore {
		return nil, nil
	}

	var wsum, lat, lon float64
	for _, cl := range top {
		w := math.Pow(math.Max(0.01, cl.best.score), 2)
		wsum += w
		lat += w * cl.lat
		lon += w * cl.lon
	}
	if wsum <= 0 {
		return nil, nil
	}
	lat /= wsum
	lon /= wsum

	var d2 float64
	for _, cl := range top {
		d := HaversineM(lat, lon, cl.lat, cl.lon)
		d2 += d * d
	}
	spread := math.Sqrt(d2 / float64(len(top)))

	baseAcc := 50.0
	if best.best.accuracyM != nil {
		baseAcc = *best.best.accuracyM
	}
	acc := baseAcc*(1.0+(1.0-best.best.score)*2.0) + spread
	acc = math.Min(260, math.Max(25, acc))

	return &Estimate{
		Lat:               lat,
		Lon:               lon,
		AccuracyM:         acc,
		Score:             best.best.score,
		Method:            "anchor",
		WifiMatches:       best.best.det.WifiMatches,
		CellMatches:       best.best.det.CellMatches,
		AnchorsConsidered: len(scored),
		SpreadM:           spread,
	}, nil
}

func truncate(vec []Measurement, k int) []Measurement {
	if len(vec) > k {
		return vec[:k]
	}
	return vec
}

func keysOf(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
