package services

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

func (e *testEnv) activeAlert(t *testing.T, deviceID string, kind ontology.AlertKind) *ontology.Alert {
	t.Helper()
	alerts, err := e.alerts.List(deviceID, true, 100)
	require.NoError(t, err)
	for i := range alerts {
		if alerts[i].Kind == kind {
			return &alerts[i]
		}
	}
	return nil
}

func TestLowBatteryAlertLifecycle(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	battery := 10
	charging := false
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), BatteryPct: &battery, Charging: &charging,
	}))

	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertLowBattery)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)
	firstID := al.ID

	// Re-evaluation with unchanged state stays quiet.
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	n := env.countRows(t, `SELECT COUNT(*) FROM alerts WHERE device_id = ? AND kind = ?`,
		dev.PublicID, string(ontology.AlertLowBattery))
	assert.Equal(t, 1, n)

	// Battery drops further: same alert escalates in place.
	battery = 5
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now.Add(time.Minute)), BatteryPct: &battery, Charging: &charging,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now.Add(time.Minute)))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertLowBattery)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity)
	assert.Equal(t, firstID, al.ID)

	// Recovery closes it.
	battery = 60
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now.Add(2 * time.Minute)), BatteryPct: &battery, Charging: &charging,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now.Add(2*time.Minute)))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertLowBattery))

	var closedAt *string
	require.NoError(t, env.db.QueryRow(
		`SELECT closed_at FROM alerts WHERE id = ?`, firstID).Scan(&closedAt))
	assert.NotNil(t, closedAt)
}

func TestChargingSuppressesLowBattery(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	battery := 5
	charging := true
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), BatteryPct: &battery, Charging: &charging,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertLowBattery))
}

func TestStalePointsSeverityTiers(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	_, err := env.ingest.IngestPoints(dev, &ontology.PointsRequest{Points: []ontology.PointInput{
		{TS: fts(now.Add(-7 * time.Minute)), Lat: 52.52, Lon: 13.405},
	}})
	require.NoError(t, err)

	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertStalePoints)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity, "inside 2x threshold is a warning")

	// Twice the threshold escalates.
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now.Add(10*time.Minute)))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertStalePoints)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity)
}

func TestQueueGrowingThresholds(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	queue := 75
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), QueueLen: &queue}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertQueueGrowing)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)

	queue = 200
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), QueueLen: &queue}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertQueueGrowing)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity)
}

func TestNetOfflineSeverityFollowsTracking(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	trackingOn := false
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), NetState: shared.NetOffline, TrackingOn: &trackingOn,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertNetOffline)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)

	trackingOn = true
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), NetState: shared.NetNone, TrackingOn: &trackingOn,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertNetOffline)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity, "offline while tracking is critical")
}

func TestGPSStateAlerts(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), GPSState: shared.GPSOff}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertGPSOff)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)

	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), GPSState: shared.GPSDenied}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertGPSOff)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity, "permission denied needs an operator")

	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), GPSState: shared.GPSOk}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertGPSOff))
}

func TestLowAccuracyOnlyWhileTracking(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	trackingOn := false
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), LastFixAccM: fptr(300), TrackingOn: &trackingOn,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertLowAccuracy))

	trackingOn = true
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), LastFixAccM: fptr(300), TrackingOn: &trackingOn,
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertLowAccuracy)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity)
}

func TestAppErrorAlert(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
		TS: fts(now), LastErr: "upload failed: HTTP 401 unauthorized",
	}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertAppError)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityCrit, al.Severity, "auth failures are critical")

	long := strings.Repeat("x", 300)
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), LastErr: long}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al = env.activeAlert(t, dev.PublicID, ontology.AlertAppError)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)
	assert.True(t, strings.HasSuffix(al.Message, "..."))
	assert.LessOrEqual(t, len(al.Message), len("App error: ")+143)
}

func TestTrackingOffNeedsOpenSession(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	trackingOn := false
	require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{TS: fts(now), TrackingOn: &trackingOn}))
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertTrackingOff), "no session, no complaint")

	_, err := env.ingest.StartSession(dev)
	require.NoError(t, err)
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	al := env.activeAlert(t, dev.PublicID, ontology.AlertTrackingOff)
	require.NotNil(t, al)
	assert.Equal(t, shared.SeverityWarn, al.Severity)

	_, err = env.ingest.StopSession(dev)
	require.NoError(t, err)
	require.NoError(t, env.alerts.EvaluateDevice(dev.PublicID, now))
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertTrackingOff))
}

func TestAckAndClose(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")

	env.alerts.RaiseRevokedTraffic(dev.PublicID)
	al := env.activeAlert(t, dev.PublicID, ontology.AlertRevokedTraffic)
	require.NotNil(t, al)

	require.NoError(t, env.alerts.Ack(al.ID, "ops"))
	assert.ErrorIs(t, env.alerts.Ack(al.ID, "ops"), shared.ErrNotFound)

	require.NoError(t, env.alerts.Close(al.ID))
	assert.ErrorIs(t, env.alerts.Close(al.ID), shared.ErrNotFound)
	assert.Nil(t, env.activeAlert(t, dev.PublicID, ontology.AlertRevokedTraffic))
}

func TestEvaluateAllSkipsRevokedDevices(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()

	active, _ := env.pairDevice(t, "")
	revoked, _ := env.pairDevice(t, "")
	require.NoError(t, env.registry.Revoke(revoked.PublicID))

	for _, dev := range []*ontology.Device{active, revoked} {
		battery := 5
		charging := false
		require.NoError(t, env.ingest.IngestHealth(dev, &ontology.HealthRequest{
			TS: fts(now), BatteryPct: &battery, Charging: &charging,
		}))
	}

	env.alerts.EvaluateAll(now)
	assert.NotNil(t, env.activeAlert(t, active.PublicID, ontology.AlertLowBattery))
	assert.Nil(t, env.activeAlert(t, revoked.PublicID, ontology.AlertLowBattery))
}

func TestRetentionSweep(t *testing.T) {
	env := newTestEnv(t)
	dev, _ := env.pairDevice(t, "")
	now := time.Now().UTC()

	sess, err := env.ingest.StartSession(dev)
	require.NoError(t, err)

	insertPoint := func(ts time.Time) {
		_, err := env.db.Exec(
			`INSERT INTO tracking_points (session_id, device_id, ts, lat, lon, kind, flags, created_at)
			 VALUES (?, ?, ?, 52.52, 13.405, 'gnss', '', ?)`,
			sess.ID, dev.PublicID, shared.FormatTime(ts), shared.FormatTime(ts))
		require.NoError(t, err)
	}
	insertPoint(now.AddDate(0, 0, -100))
	insertPoint(now.Add(-time.Hour))

	old := shared.FormatTime(now.AddDate(0, 0, -40))
	_, err = env.db.Exec(
		`INSERT INTO alerts (device_id, kind, severity, message, is_active, created_at, updated_at, closed_at)
		 VALUES (?, 'low-battery', 'warn', 'Battery 10%', 0, ?, ?, ?)`,
		dev.PublicID, old, old, old)
	require.NoError(t, err)

	env.alerts.RetentionSweep(now)

	assert.Equal(t, 1, env.countRows(t, `SELECT COUNT(*) FROM tracking_points`), "recent point survives")
	assert.Zero(t, env.countRows(t, `SELECT COUNT(*) FROM alerts WHERE is_active = 0`))
}
