package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/display"
	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/radiomap"
	"fieldtrack-api/pkg/shared"
)

// healthLogMinInterval is the downsampling floor for the health
// history log. The current snapshot always updates; history gets at
// most one row per device per interval.
const healthLogMinInterval = 30 * time.Second

// IngestService owns sessions, point batches, health snapshots and
// fingerprint intake including radio-map training and estimation.
type IngestService struct {
	db  *sql.DB
	bc  broadcast.Broadcaster
	cfg *config.Config
	agg radiomap.Aggregator
	est *radiomap.Estimator
}

func NewIngestService(database *sql.DB, bc broadcast.Broadcaster, cfg *config.Config) *IngestService {
	return &IngestService{
		db:  database,
		bc:  bc,
		cfg: cfg,
		est: &radiomap.Estimator{
			DB: database,
			Cfg: radiomap.EstimatorConfig{
				TileMinScore:         cfg.RadioMinScore,
				TileMinWifiMatches:   cfg.RadioMinWifiMatches,
				TileMinCellMatches:   cfg.RadioMinCellMatches,
				AnchorMaxAccuracyM:   cfg.AnchorMaxAccuracyM,
				AnchorMinScore:       cfg.AnchorMinScore,
				AnchorMinWifiMatches: cfg.AnchorMinWifiMatches,
				AnchorWindowDays:     cfg.AnchorWindowDays,
				AnchorLimit:          cfg.AnchorLimit,
			},
		},
	}
}

// StartSession closes any open session for the device and opens a new
// one.
func (s *IngestService) StartSession(dev *ontology.Device) (*ontology.TrackingSession, error) {
	now := time.Now().UTC()
	nowStr := shared.FormatTime(now)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE tracking_sessions SET ended_at = ? WHERE device_id = ? AND ended_at IS NULL`,
		nowStr, dev.PublicID,
	); err != nil {
		return nil, fmt.Errorf("failed to close previous sessions: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO tracking_sessions (device_id, user_id, started_at) VALUES (?, ?, ?)`,
		dev.PublicID, dev.UserID, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read session id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session start: %w", err)
	}

	log.Printf("Session %d started for device %s", id, dev.PublicID)
	s.bc.Publish(shared.SessionStateSubject(dev.PublicID), shared.EventTypeCreated, map[string]interface{}{
		"device_id":  dev.PublicID,
		"session_id": id,
		"state":      "started",
	})

	return &ontology.TrackingSession{
		ID:        id,
		DeviceID:  dev.PublicID,
		UserID:    dev.UserID,
		StartedAt: now,
	}, nil
}

// StopSession ends the device's newest open session.
func (s *IngestService) StopSession(dev *ontology.Device) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM tracking_sessions WHERE device_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		dev.PublicID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: no open session for device %s", shared.ErrNotFound, dev.PublicID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up open session: %w", err)
	}

	nowStr := shared.FormatTime(time.Now())
	if _, err := s.db.Exec(`UPDATE tracking_sessions SET ended_at = ? WHERE id = ?`, nowStr, id); err != nil {
		return 0, fmt.Errorf("failed to close session: %w", err)
	}

	log.Printf("Session %d stopped for device %s", id, dev.PublicID)
	s.bc.Publish(shared.SessionStateSubject(dev.PublicID), shared.EventTypeClosed, map[string]interface{}{
		"device_id":  dev.PublicID,
		"session_id": id,
		"state":      "stopped",
	})
	return id, nil
}

// resolveSession finds the session a batch belongs to. An explicit
// session id must belong to the device; otherwise the newest open
// session is used, and one is created implicitly when none is open so
// a device that missed the start call does not lose data.
func (s *IngestService) resolveSession(tx *sql.Tx, dev *ontology.Device, sessionID *int64, nowStr string) (int64, error) {
	if sessionID != nil {
		var owner string
		err := tx.QueryRow(`SELECT device_id FROM tracking_sessions WHERE id = ?`, *sessionID).Scan(&owner)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: session %d", shared.ErrNotFound, *sessionID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to look up session: %w", err)
		}
		if owner != dev.PublicID {
			return 0, fmt.Errorf("%w: session %d does not belong to device", shared.ErrValidation, *sessionID)
		}
		return *sessionID, nil
	}

	var id int64
	err := tx.QueryRow(
		`SELECT id FROM tracking_sessions WHERE device_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		dev.PublicID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up open session: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO tracking_sessions (device_id, user_id, started_at) VALUES (?, ?, ?)`,
		dev.PublicID, dev.UserID, nowStr,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create implicit session: %w", err)
	}
	return res.LastInsertId()
}

// IngestPoints validates and stores a point batch. The whole batch is
// one transaction; duplicates are counted, not errors, so client
// retries are idempotent.
func (s *IngestService) IngestPoints(dev *ontology.Device, req *ontology.PointsRequest) (*shared.BatchResult, error) {
	if req == nil || len(req.Points) == 0 {
		return nil, fmt.Errorf("%w: points must be a non-empty list", shared.ErrValidation)
	}

	points := req.Points
	if len(points) > s.cfg.MaxBatchPoints {
		points = points[:s.cfg.MaxBatchPoints]
	}

	now := time.Now().UTC()
	nowStr := shared.FormatTime(now)
	maxFuture := now.Add(time.Duration(s.cfg.MaxFutureSkewMin) * time.Minute)

	result := &shared.BatchResult{}
	var lastLat, lastLon float64
	var lastTS time.Time
	haveLast := false

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sessionID, err := s.resolveSession(tx, dev, req.SessionID, nowStr)
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID

	// Seed the speed chain from the newest stored point so a jump
	// across batches is still flagged.
	var prevLat, prevLon float64
	var prevTSStr string
	err = tx.QueryRow(
		`SELECT lat, lon, ts FROM tracking_points WHERE session_id = ? ORDER BY ts DESC LIMIT 1`,
		sessionID,
	).Scan(&prevLat, &prevLon, &prevTSStr)
	var prevTS time.Time
	havePrev := false
	if err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, prevTSStr); perr == nil {
			prevTS = t
			havePrev = true
		}
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last point: %w", err)
	}

	for _, p := range points {
		if p.TS.IsZero() || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 || p.TS.After(maxFuture) {
			result.Rejected++
			continue
		}

		acc := p.AccuracyM
		if acc != nil && (*acc <= 0 || *acc > s.cfg.MaxAccuracyM) {
			acc = nil
		}

		kind := p.Kind
		if kind != shared.PointKindGNSS && kind != shared.PointKindCheckin {
			kind = shared.PointKindGNSS
		}

		flags := ""
		if havePrev {
			dt := p.TS.Sub(prevTS).Seconds()
			if dt > 0 {
				d := radiomap.HaversineM(prevLat, prevLon, p.Lat, p.Lon)
				if d/dt > s.cfg.JumpSpeedMPS {
					flags = shared.FlagJump
				}
			}
		}

		res, err := tx.Exec(
			`INSERT INTO tracking_points (session_id, device_id, ts, lat, lon, accuracy_m, alt_m, speed_mps, bearing, kind, flags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, ts, kind) DO NOTHING`,
			sessionID, dev.PublicID, shared.FormatTime(p.TS.Time), p.Lat, p.Lon,
			nullFloat(acc), nullFloat(p.AltM), nullFloat(p.SpeedMPS), nullFloat(p.Bearing),
			kind, flags, nowStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert point: %w", err)
		}

		// The jump chain advances on every kept point, flagged or not.
		prevLat, prevLon, prevTS, havePrev = p.Lat, p.Lon, p.TS.Time, true

		n, _ := res.RowsAffected()
		if n == 0 {
			result.Deduplicated++
			continue
		}
		result.Accepted++

		tsStr := shared.FormatTime(p.TS.Time)
		if result.FirstTS == "" || tsStr < result.FirstTS {
			result.FirstTS = tsStr
		}
		if tsStr > result.LastTS {
			result.LastTS = tsStr
		}
		if !haveLast || p.TS.After(lastTS) {
			lastLat, lastLon, lastTS, haveLast = p.Lat, p.Lon, p.TS.Time, true
		}
	}

	if haveLast {
		if _, err := tx.Exec(
			`UPDATE tracking_sessions SET last_lat = ?, last_lon = ?, last_at = ? WHERE id = ?`,
			lastLat, lastLon, shared.FormatTime(lastTS), sessionID,
		); err != nil {
			return nil, fmt.Errorf("failed to update session position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit point batch: %w", err)
	}

	if haveLast {
		s.bc.Publish(shared.TelemetryPointsSubject(dev.PublicID), shared.EventTypePoint, map[string]interface{}{
			"device_id":  dev.PublicID,
			"session_id": sessionID,
			"lat":        lastLat,
			"lon":        lastLon,
			"ts":         shared.FormatTime(lastTS),
			"accepted":   result.Accepted,
		})
	}

	return result, nil
}

// IngestHealth upserts the device's current snapshot and appends to
// the downsampled history log.
func (s *IngestService) IngestHealth(dev *ontology.Device, req *ontology.HealthRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty health payload", shared.ErrValidation)
	}

	now := time.Now().UTC()
	ts := req.TS.Time
	if ts.IsZero() {
		ts = now
	}
	ts = ts.UTC()

	extraJSON := "{}"
	if req.Extra != nil {
		if b, err := json.Marshal(req.Extra); err == nil {
			extraJSON = string(b)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO device_health (device_id, ts, battery_pct, charging, net_state, gps_state, queue_len, tracking_on, last_fix_acc_m, last_err, app_version, extra_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
			ts = excluded.ts,
			battery_pct = excluded.battery_pct,
			charging = excluded.charging,
			net_state = excluded.net_state,
			gps_state = excluded.gps_state,
			queue_len = excluded.queue_len,
			tracking_on = excluded.tracking_on,
			last_fix_acc_m = excluded.last_fix_acc_m,
			last_err = excluded.last_err,
			app_version = excluded.app_version,
			extra_json = excluded.extra_json,
			updated_at = excluded.updated_at`,
		dev.PublicID, shared.FormatTime(ts), nullInt(req.BatteryPct), nullBool(req.Charging),
		req.NetState, req.GPSState, nullInt(req.QueueLen), nullBool(req.TrackingOn),
		nullFloat(req.LastFixAccM), req.LastErr, req.AppVersion, extraJSON, shared.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert health: %w", err)
	}

	var lastLogTS sql.NullString
	if err := tx.QueryRow(
		`SELECT MAX(ts) FROM device_health_log WHERE device_id = ?`, dev.PublicID,
	).Scan(&lastLogTS); err != nil {
		return fmt.Errorf("failed to read health log: %w", err)
	}

	appendLog := true
	if lastLogTS.Valid && lastLogTS.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastLogTS.String); err == nil {
			appendLog = ts.Sub(t) >= healthLogMinInterval
		}
	}
	if appendLog {
		_, err = tx.Exec(
			`INSERT INTO device_health_log (device_id, ts, battery_pct, charging, net_state, gps_state, queue_len, tracking_on, last_fix_acc_m)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			dev.PublicID, shared.FormatTime(ts), nullInt(req.BatteryPct), nullBool(req.Charging),
			req.NetState, req.GPSState, nullInt(req.QueueLen), nullBool(req.TrackingOn), nullFloat(req.LastFixAccM),
		)
		if err != nil {
			return fmt.Errorf("failed to append health log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit health: %w", err)
	}

	s.bc.Publish(shared.TelemetryHealthSubject(dev.PublicID), shared.EventTypeHealth, map[string]interface{}{
		"device_id": dev.PublicID,
		"ts":        shared.FormatTime(ts),
	})
	return nil
}

// GetHealth returns the current snapshot for a device.
func (s *IngestService) GetHealth(deviceID string) (*ontology.DeviceHealth, error) {
	var h ontology.DeviceHealth
	var tsStr, updatedStr, extraJSON string
	var battery, queueLen sql.NullInt64
	var charging, trackingOn sql.NullInt64
	var lastFixAcc sql.NullFloat64

	err := s.db.QueryRow(
		`SELECT device_id, ts, battery_pct, charging, net_state, gps_state, queue_len, tracking_on, last_fix_acc_m, last_err, app_version, extra_json, updated_at
		 FROM device_health WHERE device_id = ?`, deviceID,
	).Scan(&h.DeviceID, &tsStr, &battery, &charging, &h.NetState, &h.GPSState,
		&queueLen, &trackingOn, &lastFixAcc, &h.LastErr, &h.AppVersion, &extraJSON, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: health for device %s", shared.ErrNotFound, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read health: %w", err)
	}

	h.TS, _ = time.Parse(time.RFC3339Nano, tsStr)
	h.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	if battery.Valid {
		v := int(battery.Int64)
		h.BatteryPct = &v
	}
	if charging.Valid {
		v := charging.Int64 != 0
		h.Charging = &v
	}
	if queueLen.Valid {
		v := int(queueLen.Int64)
		h.QueueLen = &v
	}
	if trackingOn.Valid {
		v := trackingOn.Int64 != 0
		h.TrackingOn = &v
	}
	if lastFixAcc.Valid {
		v := lastFixAcc.Float64
		h.LastFixAccM = &v
	}
	if extraJSON != "" && extraJSON != "{}" {
		_ = json.Unmarshal([]byte(extraJSON), &h.Extra)
	}
	return &h, nil
}

// IngestFingerprints stores radio scans, trains the tile map from
// geolocated samples and runs position estimation for locate-purpose
// samples.
func (s *IngestService) IngestFingerprints(dev *ontology.Device, req *ontology.FingerprintsRequest) (*ontology.FingerprintResult, error) {
	if req == nil || len(req.Samples) == 0 {
		return nil, fmt.Errorf("%w: samples must be a non-empty list", shared.ErrValidation)
	}

	samples := req.Samples
	if len(samples) > 50 {
		samples = samples[:50]
	}

	now := time.Now().UTC()
	nowStr := shared.FormatTime(now)
	result := &ontology.FingerprintResult{}

	type locateCandidate struct {
		wifi  []radiomap.Measurement
		cells []radiomap.Measurement
		ts    time.Time
	}
	var lastLocate *locateCandidate

	err := s.transaction(func(tx *sql.Tx) error {
		for _, smp := range samples {
			wifi := radiomap.SanitizeWifi(smp.Wifi, radiomap.WifiTopK)
			cells := radiomap.SanitizeCells(smp.Cells, radiomap.CellTopK)
			if len(wifi) == 0 && len(cells) == 0 {
				result.Rejected++
				continue
			}

			ts := smp.TS.Time
			if ts.IsZero() {
				ts = now
			}
			ts = ts.UTC()

			wifiJSON, err := radiomap.MarshalVector(wifi)
			if err != nil {
				return err
			}
			cellJSON, err := radiomap.MarshalVector(cells)
			if err != nil {
				return err
			}

			trainable := smp.Purpose != shared.PurposeLocate &&
				smp.Lat != nil && smp.Lon != nil &&
				smp.AccuracyM != nil && *smp.AccuracyM > 0 && *smp.AccuracyM <= s.cfg.TrainMaxAccuracyM &&
				(smp.GPSAgeSec == nil || *smp.GPSAgeSec <= float64(s.cfg.TrainMaxGPSAgeSec))

			if trainable {
				if err := s.agg.Train(tx, *smp.Lat, *smp.Lon, wifi, cells, now); err != nil {
					return err
				}
				result.Trained++
			}

			_, err = tx.Exec(
				`INSERT INTO fingerprint_samples (device_id, session_id, ts, lat, lon, accuracy_m, gps_age_sec, purpose, wifi_json, cell_json, trained, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				dev.PublicID, nullInt64(req.SessionID), shared.FormatTime(ts),
				nullFloat(smp.Lat), nullFloat(smp.Lon), nullFloat(smp.AccuracyM), nullFloat(smp.GPSAgeSec),
				smp.Purpose, wifiJSON, cellJSON, boolInt(trainable), nowStr,
			)
			if err != nil {
				return fmt.Errorf("failed to store fingerprint: %w", err)
			}
			result.Accepted++

			needLocate := smp.Purpose == shared.PurposeLocate ||
				smp.Lat == nil || smp.Lon == nil ||
				(smp.AccuracyM != nil && *smp.AccuracyM > s.cfg.LocateAccuracyThresholdM)
			if needLocate && (len(wifi) >= 3 || len(cells) >= 2) {
				lastLocate = &locateCandidate{wifi: wifi, cells: cells, ts: ts}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Estimation runs outside the storage transaction; a failure here
	// must not lose the batch.
	if lastLocate != nil {
		est, err := s.est.Estimate(dev.PublicID, lastLocate.wifi, lastLocate.cells, now)
		if err != nil {
			log.Printf("Position estimate failed for %s: %v", dev.PublicID, err)
		} else if est != nil {
			stored := s.injectEstimatedPoint(dev, est, now)
			result.Estimates = append(result.Estimates, ontology.EstimateOutcome{
				TS:        now,
				Lat:       est.Lat,
				Lon:       est.Lon,
				AccuracyM: est.AccuracyM,
				Method:    est.Method,
				Score:     est.Score,
				Stored:    stored,
			})
		}
	}

	return result, nil
}

// injectEstimatedPoint appends an estimated point to the device's
// open session, throttled so estimates do not flood the track.
func (s *IngestService) injectEstimatedPoint(dev *ontology.Device, est *radiomap.Estimate, now time.Time) bool {
	var sessionID int64
	err := s.db.QueryRow(
		`SELECT id FROM tracking_sessions WHERE device_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		dev.PublicID,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		log.Printf("Failed to find session for estimate: %v", err)
		return false
	}

	var lastEstTS sql.NullString
	if err := s.db.QueryRow(
		`SELECT MAX(ts) FROM tracking_points WHERE session_id = ? AND kind = ?`,
		sessionID, shared.PointKindEstimated,
	).Scan(&lastEstTS); err != nil {
		log.Printf("Failed to read last estimate: %v", err)
		return false
	}
	if lastEstTS.Valid && lastEstTS.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastEstTS.String); err == nil {
			if now.Sub(t) < time.Duration(s.cfg.EstimateThrottleSec)*time.Second {
				return false
			}
		}
	}

	tsStr := shared.FormatTime(now)
	err = s.transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO tracking_points (session_id, device_id, ts, lat, lon, accuracy_m, kind, flags, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
			 ON CONFLICT(session_id, ts, kind) DO NOTHING`,
			sessionID, dev.PublicID, tsStr, est.Lat, est.Lon, est.AccuracyM, shared.PointKindEstimated, tsStr,
		)
		if err != nil {
			return fmt.Errorf("failed to insert estimated point: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE tracking_sessions SET last_lat = ?, last_lon = ?, last_at = ? WHERE id = ?`,
			est.Lat, est.Lon, tsStr, sessionID,
		)
		if err != nil {
			return fmt.Errorf("failed to update session position: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Printf("Failed to store estimated point for %s: %v", dev.PublicID, err)
		return false
	}

	s.bc.Publish(shared.TelemetryPointsSubject(dev.PublicID), shared.EventTypePoint, map[string]interface{}{
		"device_id":  dev.PublicID,
		"session_id": sessionID,
		"lat":        est.Lat,
		"lon":        est.Lon,
		"ts":         tsStr,
		"kind":       shared.PointKindEstimated,
		"method":     est.Method,
		"score":      est.Score,
		"accuracy_m": est.AccuracyM,
	})
	return true
}

// DisplayPoint selects the point an operator map should show for the
// device right now.
func (s *IngestService) DisplayPoint(deviceID string) (*ontology.LocationPoint, error) {
	points, err := s.recentPoints(deviceID, s.cfg.DisplayLookbackPoints)
	if err != nil {
		return nil, err
	}
	p := display.SelectDisplayPoint(points, time.Now().UTC(), display.Config{
		EstFreshSec:     s.cfg.DisplayEstFreshSec,
		StableWindowSec: s.cfg.DisplayStableWindowSec,
		StableDistM:     s.cfg.DisplayStableDistM,
		GoodGNSSMaxAccM: s.cfg.DisplayGoodGNSSMaxAccM,
	})
	if p == nil {
		return nil, fmt.Errorf("%w: no points for device %s", shared.ErrNotFound, deviceID)
	}
	return p, nil
}

func (s *IngestService) recentPoints(deviceID string, limit int) ([]ontology.LocationPoint, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, device_id, ts, lat, lon, accuracy_m, alt_m, speed_mps, bearing, kind, flags, created_at
		 FROM tracking_points WHERE device_id = ? ORDER BY ts DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []ontology.LocationPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// ListPoints returns a device's points newest first, optionally only
// those at or after since.
func (s *IngestService) ListPoints(deviceID string, since *time.Time, limit int) ([]ontology.LocationPoint, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	query := `SELECT id, session_id, device_id, ts, lat, lon, accuracy_m, alt_m, speed_mps, bearing, kind, flags, created_at
		 FROM tracking_points WHERE device_id = ?`
	args := []interface{}{deviceID}
	if since != nil {
		query += ` AND ts >= ?`
		args = append(args, shared.FormatTime(*since))
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []ontology.LocationPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

func scanPoint(row rowScanner) (*ontology.LocationPoint, error) {
	var p ontology.LocationPoint
	var tsStr, createdStr string
	var acc, alt, speed, bearing sql.NullFloat64

	err := row.Scan(&p.ID, &p.SessionID, &p.DeviceID, &tsStr, &p.Lat, &p.Lon,
		&acc, &alt, &speed, &bearing, &p.Kind, &p.Flags, &createdStr)
	if err != nil {
		return nil, fmt.Errorf("failed to scan point: %w", err)
	}

	p.TS, _ = time.Parse(time.RFC3339Nano, tsStr)
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if acc.Valid {
		p.AccuracyM = &acc.Float64
	}
	if alt.Valid {
		p.AltM = &alt.Float64
	}
	if speed.Valid {
		p.SpeedMPS = &speed.Float64
	}
	if bearing.Valid {
		p.Bearing = &bearing.Float64
	}
	return &p, nil
}

func (s *IngestService) transaction(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}
