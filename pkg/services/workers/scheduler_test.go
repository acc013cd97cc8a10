package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-api/db"
	"fieldtrack-api/pkg/config"
)

func TestLeaseSingleton(t *testing.T) {
	svc, err := db.New(&db.Config{DBPath: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1, AutoInitialize: true})
	require.NoError(t, err)
	defer svc.Close()

	cfg := config.Load()
	a := NewScheduler(svc.GetDB(), cfg, nil)
	b := NewScheduler(svc.GetDB(), cfg, nil)
	now := time.Now().UTC()

	ok, err := a.acquireLease("alert-tick", 20*time.Second, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Another process is blocked while the lease is live.
	ok, err = b.acquireLease("alert-tick", 20*time.Second, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder renews its own lease freely.
	ok, err = a.acquireLease("alert-tick", 20*time.Second, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// An expired lease is taken over.
	ok, err = b.acquireLease("alert-tick", 20*time.Second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// Leases are independent per name.
	ok, err = a.acquireLease("retention", time.Hour, now)
	require.NoError(t, err)
	assert.True(t, ok)
}
