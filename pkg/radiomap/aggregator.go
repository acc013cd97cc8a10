package radiomap

import (
	"database/sql"
	"fmt"
	"time"

	"fieldtrack-api/pkg/shared"
)

// Aggregator folds training fingerprints into the tile statistics.
// All writes happen inside the caller's transaction so a sample is
// either fully trained or not at all.
type Aggregator struct{}

// Train updates the tile centroid and the per-AP / per-cell running
// signal statistics for one geolocated sample.
func (Aggregator) Train(tx *sql.Tx, lat, lon float64, wifi, cells []Measurement, now time.Time) error {
	tileID := TileID(lat, lon)
	ts := shared.FormatTime(now)

	_, err := tx.Exec(`
		INSERT INTO radio_tiles (tile_id, lat_sum, lon_sum, sample_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(tile_id) DO UPDATE SET
			lat_sum = lat_sum + excluded.lat_sum,
			lon_sum = lon_sum + excluded.lon_sum,
			sample_count = sample_count + 1,
			updated_at = excluded.updated_at`,
		tileID, lat, lon, ts)
	if err != nil {
		return fmt.Errorf("upsert tile %s: %w", tileID, err)
	}

	if err := trainStats(tx, "radio_ap_stats", "bssid_hash", tileID, wifi, ts); err != nil {
		return err
	}
	return trainStats(tx, "radio_cell_stats", "cell_hash", tileID, cells, ts)
}

func trainStats(tx *sql.Tx, table, keyCol, tileID string, vec []Measurement, ts string) error {
	for _, m := range vec {
		var stat RunningStat
		query := fmt.Sprintf(`SELECT count, mean, m2 FROM %s WHERE tile_id = ? AND %s = ?`, table, keyCol)
		err := tx.QueryRow(query, tileID, m.H).Scan(&stat.Count, &stat.Mean, &stat.M2)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read %s stat: %w", table, err)
		}

		stat.Add(m.S)

		upsert := fmt.Sprintf(`
			INSERT INTO %s (tile_id, %s, count, mean, m2, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(tile_id, %s) DO UPDATE SET
				count = excluded.count,
				mean = excluded.mean,
				m2 = excluded.m2,
				updated_at = excluded.updated_at`, table, keyCol, keyCol)
		if _, err := tx.Exec(upsert, tileID, m.H, stat.Count, stat.Mean, stat.M2, ts); err != nil {
			return fmt.Errorf("upsert %s stat: %w", table, err)
		}
	}
	return nil
}

// Stats summarizes the trained map for the admin surface.
type Stats struct {
	Tiles       int64  `json:"tiles"`
	Samples     int64  `json:"samples"`
	APStats     int64  `json:"ap_stats"`
	CellStats   int64  `json:"cell_stats"`
	LastTrained string `json:"last_trained,omitempty"`
}

func ReadStats(db *sql.DB) (*Stats, error) {
	var st Stats
	err := db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(sample_count), 0), COALESCE(MAX(updated_at), '') FROM radio_tiles`).
		Scan(&st.Tiles, &st.Samples, &st.LastTrained)
	if err != nil {
		return nil, fmt.Errorf("read tile stats: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM radio_ap_stats`).Scan(&st.APStats); err != nil {
		return nil, fmt.Errorf("read ap stats: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM radio_cell_stats`).Scan(&st.CellStats); err != nil {
		return nil, fmt.Errorf("read cell stats: %w", err)
	}
	return &st, nil
}
