package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/notify"
	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

// AlertService evaluates device state against the alert rules, keeps
// the at-most-one-active-per-kind invariant and dispatches
// notifications for material changes.
type AlertService struct {
	db       *sql.DB
	bc       broadcast.Broadcaster
	cfg      *config.Config
	notifier notify.Notifier
}

func NewAlertService(database *sql.DB, bc broadcast.Broadcaster, cfg *config.Config, notifier notify.Notifier) *AlertService {
	return &AlertService{db: database, bc: bc, cfg: cfg, notifier: notifier}
}

type alertChange struct {
	change string // created | updated | closed
	alert  ontology.Alert
}

type desiredAlert struct {
	severity string
	message  string
}

// tickKinds are the conditions the periodic evaluation owns.
// revoked-traffic is raised out of band by the registry and closed by
// an operator.
var tickKinds = []ontology.AlertKind{
	ontology.AlertStalePoints,
	ontology.AlertStaleHealth,
	ontology.AlertLowBattery,
	ontology.AlertQueueGrowing,
	ontology.AlertGPSOff,
	ontology.AlertNetOffline,
	ontology.AlertLowAccuracy,
	ontology.AlertAppError,
	ontology.AlertTrackingOff,
}

// EvaluateAll runs one evaluation pass over every non-revoked device.
// Each device gets its own transaction so one bad row cannot stall
// the whole tick.
func (s *AlertService) EvaluateAll(now time.Time) {
	rows, err := s.db.Query(`SELECT public_id FROM devices WHERE is_revoked = 0`)
	if err != nil {
		log.Printf("Alert tick: failed to list devices: %v", err)
		return
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			log.Printf("Alert tick: scan device: %v", err)
			return
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		// A truncated device list would silently skip alerts; better
		// to sit this tick out and retry on the next one.
		log.Printf("Alert tick: iterate devices: %v", err)
		return
	}

	for _, id := range ids {
		if err := s.EvaluateDevice(id, now); err != nil {
			log.Printf("Alert tick: device %s: %v", id, err)
		}
	}
}

// EvaluateDevice computes the desired alert set for one device and
// reconciles stored alerts against it.
func (s *AlertService) EvaluateDevice(deviceID string, now time.Time) error {
	desired, err := s.evaluate(deviceID, now)
	if err != nil {
		return err
	}

	var changes []alertChange
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kind := range tickKinds {
		want, ok := desired[kind]
		if !ok {
			closed, err := s.closeAlertTx(tx, deviceID, kind, now)
			if err != nil {
				return err
			}
			if closed != nil {
				changes = append(changes, alertChange{change: "closed", alert: *closed})
			}
			continue
		}
		al, change, err := s.upsertAlertTx(tx, deviceID, kind, want.severity, want.message, now)
		if err != nil {
			return err
		}
		if change != "" {
			changes = append(changes, alertChange{change: change, alert: *al})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert changes: %w", err)
	}

	for _, ch := range changes {
		s.publishChange(ch)
	}
	return nil
}

// evaluate builds the set of conditions that currently hold for the
// device.
func (s *AlertService) evaluate(deviceID string, now time.Time) (map[ontology.AlertKind]desiredAlert, error) {
	desired := make(map[ontology.AlertKind]desiredAlert)

	var pointTS *time.Time
	var tsStr sql.NullString
	err := s.db.QueryRow(
		`SELECT MAX(ts) FROM tracking_points WHERE device_id = ?`, deviceID,
	).Scan(&tsStr)
	if err != nil {
		return nil, fmt.Errorf("failed to read last point: %w", err)
	}
	if tsStr.Valid && tsStr.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, tsStr.String); err == nil {
			pointTS = &t
		}
	}

	if pointTS != nil {
		age := now.Sub(*pointTS)
		threshold := time.Duration(s.cfg.StalePointsSec) * time.Second
		if age > threshold {
			sev := shared.SeverityWarn
			if age >= 2*threshold {
				sev = shared.SeverityCrit
			}
			desired[ontology.AlertStalePoints] = desiredAlert{
				severity: sev,
				message:  fmt.Sprintf("No points for %d min", int(age.Minutes())),
			}
		}
	}

	var h struct {
		updatedAt  *time.Time
		battery    sql.NullInt64
		charging   sql.NullInt64
		net        string
		gps        string
		queue      sql.NullInt64
		trackingOn sql.NullInt64
		lastFixAcc sql.NullFloat64
		lastErr    string
	}
	var updatedStr string
	err = s.db.QueryRow(
		`SELECT updated_at, battery_pct, charging, net_state, gps_state, queue_len, tracking_on, last_fix_acc_m, last_err
		 FROM device_health WHERE device_id = ?`, deviceID,
	).Scan(&updatedStr, &h.battery, &h.charging, &h.net, &h.gps, &h.queue, &h.trackingOn, &h.lastFixAcc, &h.lastErr)
	if err == sql.ErrNoRows {
		return desired, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read health: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedStr); err == nil {
		h.updatedAt = &t
	}

	if h.updatedAt != nil {
		age := now.Sub(*h.updatedAt)
		threshold := time.Duration(s.cfg.StaleHealthSec) * time.Second
		if age > threshold {
			sev := shared.SeverityWarn
			if age >= 2*threshold {
				sev = shared.SeverityCrit
			}
			desired[ontology.AlertStaleHealth] = desiredAlert{
				severity: sev,
				message:  fmt.Sprintf("No health for %d min", int(age.Minutes())),
			}
		}
	}

	charging := h.charging.Valid && h.charging.Int64 != 0
	if h.battery.Valid && !charging {
		pct := int(h.battery.Int64)
		switch {
		case pct <= s.cfg.BatteryCrit:
			desired[ontology.AlertLowBattery] = desiredAlert{shared.SeverityCrit, fmt.Sprintf("Battery %d%%", pct)}
		case pct <= s.cfg.BatteryLow:
			desired[ontology.AlertLowBattery] = desiredAlert{shared.SeverityWarn, fmt.Sprintf("Battery %d%%", pct)}
		}
	}

	if h.queue.Valid {
		q := int(h.queue.Int64)
		switch {
		case q >= s.cfg.QueueCrit:
			desired[ontology.AlertQueueGrowing] = desiredAlert{shared.SeverityCrit, fmt.Sprintf("Upload queue %d", q)}
		case q >= s.cfg.QueueWarn:
			desired[ontology.AlertQueueGrowing] = desiredAlert{shared.SeverityWarn, fmt.Sprintf("Upload queue %d", q)}
		}
	}

	gps := strings.ToLower(strings.TrimSpace(h.gps))
	if gps == shared.GPSOff || gps == shared.GPSDenied {
		sev := shared.SeverityWarn
		if gps == shared.GPSDenied {
			sev = shared.SeverityCrit
		}
		desired[ontology.AlertGPSOff] = desiredAlert{sev, fmt.Sprintf("GPS: %s", gps)}
	}

	trackingOn := h.trackingOn.Valid && h.trackingOn.Int64 != 0
	net := strings.ToLower(strings.TrimSpace(h.net))
	if net == shared.NetNone || net == shared.NetOffline {
		sev := shared.SeverityWarn
		if trackingOn {
			sev = shared.SeverityCrit
		}
		desired[ontology.AlertNetOffline] = desiredAlert{sev, fmt.Sprintf("Network: %s", net)}
	}

	if h.lastFixAcc.Valid && trackingOn {
		acc := h.lastFixAcc.Float64
		switch {
		case acc >= s.cfg.AccuracyCritM:
			desired[ontology.AlertLowAccuracy] = desiredAlert{shared.SeverityCrit, fmt.Sprintf("Accuracy %d m", int(acc))}
		case acc >= s.cfg.AccuracyWarnM:
			desired[ontology.AlertLowAccuracy] = desiredAlert{shared.SeverityWarn, fmt.Sprintf("Accuracy %d m", int(acc))}
		}
	}

	if errText := strings.TrimSpace(h.lastErr); errText != "" {
		low := strings.ToLower(errText)
		sev := shared.SeverityWarn
		if strings.Contains(low, "401") || strings.Contains(low, "403") || strings.Contains(low, "unauthor") {
			sev = shared.SeverityCrit
		}
		if len(errText) > 140 {
			errText = errText[:140] + "..."
		}
		desired[ontology.AlertAppError] = desiredAlert{sev, fmt.Sprintf("App error: %s", errText)}
	}

	// Tracking off only matters while a session is open; a device at
	// rest is allowed to stop tracking.
	if h.trackingOn.Valid && !trackingOn {
		var sessionID int64
		err := s.db.QueryRow(
			`SELECT id FROM tracking_sessions WHERE device_id = ? AND ended_at IS NULL LIMIT 1`, deviceID,
		).Scan(&sessionID)
		if err == nil {
			desired[ontology.AlertTrackingOff] = desiredAlert{shared.SeverityWarn, "Tracking off during open session"}
		} else if err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to check open session: %w", err)
		}
	}

	return desired, nil
}

// RaiseRevokedTraffic records that a revoked device is still sending
// traffic. Best effort; failures are logged only.
func (s *AlertService) RaiseRevokedTraffic(deviceID string) {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("revoked-traffic alert for %s: %v", deviceID, err)
		return
	}
	defer tx.Rollback()

	al, change, err := s.upsertAlertTx(tx, deviceID, ontology.AlertRevokedTraffic,
		shared.SeverityCrit, "Traffic on revoked token", now)
	if err != nil {
		log.Printf("revoked-traffic alert for %s: %v", deviceID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("revoked-traffic alert for %s: %v", deviceID, err)
		return
	}
	if change != "" {
		s.publishChange(alertChange{change: change, alert: *al})
	}
}

// upsertAlertTx creates the active alert for (device, kind) or updates
// it when severity or message materially changed. Returns "" when
// nothing changed so repeated ticks stay quiet.
func (s *AlertService) upsertAlertTx(tx *sql.Tx, deviceID string, kind ontology.AlertKind, severity, message string, now time.Time) (*ontology.Alert, string, error) {
	nowStr := shared.FormatTime(now)

	var al ontology.Alert
	var createdStr, updatedStr string
	err := tx.QueryRow(
		`SELECT id, severity, message, created_at, updated_at FROM alerts
		 WHERE device_id = ? AND kind = ? AND is_active = 1`,
		deviceID, string(kind),
	).Scan(&al.ID, &al.Severity, &al.Message, &createdStr, &updatedStr)

	if err == sql.ErrNoRows {
		res, err := tx.Exec(
			`INSERT INTO alerts (device_id, kind, severity, message, is_active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			deviceID, string(kind), severity, message, nowStr, nowStr,
		)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create alert: %w", err)
		}
		id, _ := res.LastInsertId()
		return &ontology.Alert{
			ID: id, DeviceID: deviceID, Kind: kind, Severity: severity,
			Message: message, IsActive: true, CreatedAt: now, UpdatedAt: now,
		}, "created", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read active alert: %w", err)
	}

	if al.Severity == severity && al.Message == message {
		return nil, "", nil
	}

	if _, err := tx.Exec(
		`UPDATE alerts SET severity = ?, message = ?, updated_at = ? WHERE id = ?`,
		severity, message, nowStr, al.ID,
	); err != nil {
		return nil, "", fmt.Errorf("failed to update alert: %w", err)
	}

	al.DeviceID = deviceID
	al.Kind = kind
	al.Severity = severity
	al.Message = message
	al.IsActive = true
	al.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	al.UpdatedAt = now
	return &al, "updated", nil
}

func (s *AlertService) closeAlertTx(tx *sql.Tx, deviceID string, kind ontology.AlertKind, now time.Time) (*ontology.Alert, error) {
	var id int64
	var severity, message string
	err := tx.QueryRow(
		`SELECT id, severity, message FROM alerts WHERE device_id = ? AND kind = ? AND is_active = 1`,
		deviceID, string(kind),
	).Scan(&id, &severity, &message)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active alert: %w", err)
	}

	nowStr := shared.FormatTime(now)
	if _, err := tx.Exec(
		`UPDATE alerts SET is_active = 0, closed_at = ?, updated_at = ? WHERE id = ?`,
		nowStr, nowStr, id,
	); err != nil {
		return nil, fmt.Errorf("failed to close alert: %w", err)
	}

	closed := now
	return &ontology.Alert{
		ID: id, DeviceID: deviceID, Kind: kind, Severity: severity,
		Message: message, IsActive: false, UpdatedAt: now, ClosedAt: &closed,
	}, nil
}

func (s *AlertService) publishChange(ch alertChange) {
	s.bc.Publish(shared.AlertsDeviceSubject(ch.alert.DeviceID), eventTypeFor(ch.change), map[string]interface{}{
		"alert_id":  ch.alert.ID,
		"device_id": ch.alert.DeviceID,
		"kind":      string(ch.alert.Kind),
		"severity":  ch.alert.Severity,
		"message":   ch.alert.Message,
		"change":    ch.change,
	})

	if ch.change == "created" || ch.change == "updated" {
		s.maybeNotify(ch.alert)
	}
}

func eventTypeFor(change string) string {
	switch change {
	case "created":
		return shared.EventTypeCreated
	case "closed":
		return shared.EventTypeClosed
	default:
		return shared.EventTypeUpdated
	}
}

// maybeNotify pushes the alert to configured recipients, subject to
// the severity/kind allow-lists and the per (device, kind, recipient)
// throttle.
func (s *AlertService) maybeNotify(al ontology.Alert) {
	if len(s.cfg.NotifyRecipients) == 0 || s.notifier == nil {
		return
	}
	if !contains(s.cfg.NotifySeverities, al.Severity) {
		return
	}
	if len(s.cfg.NotifyKinds) > 0 && !contains(s.cfg.NotifyKinds, string(al.Kind)) {
		return
	}

	text := fmt.Sprintf("[%s] device %s: %s (%s)", al.Severity, al.DeviceID, al.Message, al.Kind)
	digest := sha256.Sum256([]byte(text))
	digestHex := hex.EncodeToString(digest[:])[:16]

	now := time.Now().UTC()
	minInterval := time.Duration(s.cfg.NotifyMinIntervalSec) * time.Second

	for _, recipient := range s.cfg.NotifyRecipients {
		var lastStr sql.NullString
		err := s.db.QueryRow(
			`SELECT MAX(sent_at) FROM alert_notify_log WHERE device_id = ? AND kind = ? AND recipient = ?`,
			al.DeviceID, string(al.Kind), recipient,
		).Scan(&lastStr)
		if err != nil {
			log.Printf("notify throttle check: %v", err)
			continue
		}
		if lastStr.Valid && lastStr.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, lastStr.String); err == nil && now.Sub(t) < minInterval {
				continue
			}
		}

		if _, err := s.db.Exec(
			`INSERT INTO alert_notify_log (device_id, kind, recipient, digest, sent_at) VALUES (?, ?, ?, ?, ?)`,
			al.DeviceID, string(al.Kind), recipient, digestHex, shared.FormatTime(now),
		); err != nil {
			log.Printf("notify log: %v", err)
			continue
		}

		go func(recipient string) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.NotifyTimeoutSec)*time.Second)
			defer cancel()
			if err := s.notifier.SendText(ctx, recipient, text); err != nil {
				log.Printf("notify [%s] failed: %v", recipient, err)
			}
		}(recipient)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Ack marks an alert acknowledged by an operator.
func (s *AlertService) Ack(alertID int64, by string) error {
	nowStr := shared.FormatTime(time.Now())
	res, err := s.db.Exec(
		`UPDATE alerts SET acked_at = ?, acked_by = ?, updated_at = ? WHERE id = ? AND acked_at IS NULL`,
		nowStr, by, nowStr, alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to ack alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: alert %d (or already acked)", shared.ErrNotFound, alertID)
	}
	return nil
}

// Close force-closes an alert regardless of its condition.
func (s *AlertService) Close(alertID int64) error {
	nowStr := shared.FormatTime(time.Now())
	res, err := s.db.Exec(
		`UPDATE alerts SET is_active = 0, closed_at = ?, updated_at = ? WHERE id = ? AND is_active = 1`,
		nowStr, nowStr, alertID,
	)
	if err != nil {
		return fmt.Errorf("failed to close alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: active alert %d", shared.ErrNotFound, alertID)
	}
	return nil
}

// List returns alerts, optionally filtered by device and active flag.
func (s *AlertService) List(deviceID string, activeOnly bool, limit int) ([]ontology.Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := `SELECT id, device_id, kind, severity, message, is_active, created_at, updated_at, closed_at, acked_at, acked_by
		 FROM alerts WHERE 1=1`
	var args []interface{}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []ontology.Alert
	for rows.Next() {
		var al ontology.Alert
		var kind, createdStr, updatedStr string
		var closedStr, ackedStr sql.NullString
		var active int
		err := rows.Scan(&al.ID, &al.DeviceID, &kind, &al.Severity, &al.Message,
			&active, &createdStr, &updatedStr, &closedStr, &ackedStr, &al.AckedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		al.Kind = ontology.AlertKind(kind)
		al.IsActive = active != 0
		al.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		al.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		if closedStr.Valid {
			if t, err := time.Parse(time.RFC3339Nano, closedStr.String); err == nil {
				al.ClosedAt = &t
			}
		}
		if ackedStr.Valid {
			if t, err := time.Parse(time.RFC3339Nano, ackedStr.String); err == nil {
				al.AckedAt = &t
			}
		}
		alerts = append(alerts, al)
	}
	return alerts, rows.Err()
}

// RetentionSweep deletes data past its retention window. Runs daily.
func (s *AlertService) RetentionSweep(now time.Time) {
	cutoff := func(days int) string {
		return shared.FormatTime(now.AddDate(0, 0, -days))
	}

	sweeps := []struct {
		name  string
		query string
		arg   string
	}{
		{"points", `DELETE FROM tracking_points WHERE ts < ?`, cutoff(s.cfg.RetentionPointsDays)},
		{"health log", `DELETE FROM device_health_log WHERE ts < ?`, cutoff(s.cfg.RetentionHealthLogDays)},
		{"closed alerts", `DELETE FROM alerts WHERE is_active = 0 AND closed_at < ?`, cutoff(s.cfg.RetentionAlertsDays)},
		{"fingerprints", `DELETE FROM fingerprint_samples WHERE ts < ?`, cutoff(s.cfg.RetentionFingerprintsDays)},
		{"notify log", `DELETE FROM alert_notify_log WHERE sent_at < ?`, cutoff(s.cfg.RetentionAlertsDays)},
		{"expired pair codes", `DELETE FROM pair_codes WHERE expires_at < ?`, cutoff(1)},
	}

	for _, sw := range sweeps {
		res, err := s.db.Exec(sw.query, sw.arg)
		if err != nil {
			log.Printf("Retention sweep %s: %v", sw.name, err)
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			log.Printf("Retention sweep %s: deleted %d rows", sw.name, n)
		}
	}
}
