package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

func TestPairFlow(t *testing.T) {
	env := newTestEnv(t)

	issued, err := env.registry.IssuePairCode(&ontology.IssuePairCodeRequest{Label: "unit 12"})
	require.NoError(t, err)
	assert.Len(t, issued.Code, 6)
	assert.True(t, issued.ExpiresAt.After(time.Now()))

	resp, err := env.registry.Pair(&ontology.PairRequest{Code: issued.Code, UserID: "ranger-7"})
	require.NoError(t, err)
	assert.Len(t, resp.DeviceID, 8)
	assert.Len(t, resp.DeviceToken, 64)
	assert.Equal(t, "ranger-7", resp.UserID)
	assert.Equal(t, "unit 12", resp.Label, "label travels from code to device")

	dev, err := env.registry.Authenticate(resp.DeviceToken)
	require.NoError(t, err)
	assert.Equal(t, resp.DeviceID, dev.PublicID)
	assert.NotNil(t, dev.LastSeenAt)

	// Only the hash is stored.
	n := env.countRows(t, `SELECT COUNT(*) FROM devices WHERE token_hash = ?`, resp.DeviceToken)
	assert.Zero(t, n)
}

func TestPairCodeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)

	issued, err := env.registry.IssuePairCode(nil)
	require.NoError(t, err)

	_, err = env.registry.Pair(&ontology.PairRequest{Code: issued.Code})
	require.NoError(t, err)

	_, err = env.registry.Pair(&ontology.PairRequest{Code: issued.Code})
	assert.ErrorIs(t, err, shared.ErrAuth)
}

func TestPairRejectsBadCodes(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.registry.Pair(&ontology.PairRequest{Code: "12"})
	assert.ErrorIs(t, err, shared.ErrValidation)

	_, err = env.registry.Pair(&ontology.PairRequest{Code: "000000"})
	assert.ErrorIs(t, err, shared.ErrAuth)

	_, err = env.registry.Pair(nil)
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestPairRejectsExpiredCode(t *testing.T) {
	env := newTestEnv(t)

	issued, err := env.registry.IssuePairCode(nil)
	require.NoError(t, err)

	past := shared.FormatTime(time.Now().Add(-time.Minute))
	_, err = env.db.Exec(`UPDATE pair_codes SET expires_at = ?`, past)
	require.NoError(t, err)

	_, err = env.registry.Pair(&ontology.PairRequest{Code: issued.Code})
	assert.ErrorIs(t, err, shared.ErrAuth)
}

func TestPairDefaultsUserToDevice(t *testing.T) {
	env := newTestEnv(t)

	issued, err := env.registry.IssuePairCode(nil)
	require.NoError(t, err)
	resp, err := env.registry.Pair(&ontology.PairRequest{Code: issued.Code})
	require.NoError(t, err)
	assert.Equal(t, resp.DeviceID, resp.UserID)
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.registry.Authenticate("")
	assert.ErrorIs(t, err, shared.ErrAuth)

	_, err = env.registry.Authenticate("deadbeef")
	assert.ErrorIs(t, err, shared.ErrAuth)
}

func TestRotateToken(t *testing.T) {
	env := newTestEnv(t)
	dev, oldToken := env.pairDevice(t, "")

	newToken, err := env.registry.RotateToken(dev.PublicID)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	_, err = env.registry.Authenticate(oldToken)
	assert.ErrorIs(t, err, shared.ErrAuth)

	got, err := env.registry.Authenticate(newToken)
	require.NoError(t, err)
	assert.Equal(t, dev.PublicID, got.PublicID)

	_, err = env.registry.RotateToken("nope")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRevokeAndRestore(t *testing.T) {
	env := newTestEnv(t)
	dev, token := env.pairDevice(t, "")

	require.NoError(t, env.registry.Revoke(dev.PublicID))

	_, err := env.registry.Authenticate(token)
	assert.ErrorIs(t, err, shared.ErrRevoked)

	// Traffic on the revoked token raised an alert.
	alerts, err := env.alerts.List(dev.PublicID, true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, ontology.AlertRevokedTraffic, alerts[0].Kind)
	assert.Equal(t, shared.SeverityCrit, alerts[0].Severity)

	// Repeated traffic does not stack alerts.
	_, err = env.registry.Authenticate(token)
	require.Error(t, err)
	n := env.countRows(t, `SELECT COUNT(*) FROM alerts WHERE device_id = ? AND kind = ?`,
		dev.PublicID, string(ontology.AlertRevokedTraffic))
	assert.Equal(t, 1, n)

	require.NoError(t, env.registry.Restore(dev.PublicID))
	got, err := env.registry.Authenticate(token)
	require.NoError(t, err)
	assert.False(t, got.IsRevoked)
}

func TestGetDeviceNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.registry.GetDevice("missing")
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.pairDevice(t, "alpha")
	b, _ := env.pairDevice(t, "bravo")
	require.NoError(t, env.registry.Revoke(b.PublicID))

	all, err := env.registry.ListDevices()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := env.registry.ListActiveDevices()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.PublicID, active[0].PublicID)
}
