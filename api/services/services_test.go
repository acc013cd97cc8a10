package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fieldtrack-api/db"
	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/notify"
	"fieldtrack-api/pkg/ontology"
)

// testEnv wires the services against an in-memory database, no NATS.
type testEnv struct {
	db       *sql.DB
	cfg      *config.Config
	registry *RegistryService
	ingest   *IngestService
	alerts   *AlertService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	svc, err := db.New(&db.Config{DBPath: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, AutoInitialize: true})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	cfg := config.Load()
	bc := broadcast.Nop{}
	alerts := NewAlertService(svc.GetDB(), bc, cfg, notify.LogNotifier{})

	return &testEnv{
		db:       svc.GetDB(),
		cfg:      cfg,
		registry: NewRegistryService(svc.GetDB(), bc, alerts, 10*time.Minute),
		ingest:   NewIngestService(svc.GetDB(), bc, cfg),
		alerts:   alerts,
	}
}

// pairDevice runs the real pairing flow and returns the device plus its
// plaintext token.
func (e *testEnv) pairDevice(t *testing.T, label string) (*ontology.Device, string) {
	t.Helper()

	issued, err := e.registry.IssuePairCode(&ontology.IssuePairCodeRequest{Label: label})
	require.NoError(t, err)

	resp, err := e.registry.Pair(&ontology.PairRequest{Code: issued.Code})
	require.NoError(t, err)

	dev, err := e.registry.GetDevice(resp.DeviceID)
	require.NoError(t, err)
	return dev, resp.DeviceToken
}

func (e *testEnv) countRows(t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, e.db.QueryRow(query, args...).Scan(&n))
	return n
}
