package services

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"time"

	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

// RegistryService owns the device lifecycle: pairing codes, token
// issue/rotate, revocation and per-request authentication.
type RegistryService struct {
	db          *sql.DB
	bc          broadcast.Broadcaster
	alerts      *AlertService
	pairCodeTTL time.Duration
}

func NewRegistryService(db *sql.DB, bc broadcast.Broadcaster, alerts *AlertService, pairCodeTTL time.Duration) *RegistryService {
	return &RegistryService{
		db:          db,
		bc:          bc,
		alerts:      alerts,
		pairCodeTTL: pairCodeTTL,
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomHex(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssuePairCode creates a 6-digit single-use pairing code. The code
// itself is returned once; only its hash is stored.
func (s *RegistryService) IssuePairCode(req *ontology.IssuePairCodeRequest) (*ontology.IssuePairCodeResponse, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return nil, fmt.Errorf("generate pair code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	now := time.Now().UTC()
	expires := now.Add(s.pairCodeTTL)

	label := ""
	if req != nil {
		label = req.Label
	}

	_, err = s.db.Exec(
		`INSERT INTO pair_codes (code_hash, label, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sha256Hex(code), label, shared.FormatTime(now), shared.FormatTime(expires),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store pair code: %w", err)
	}

	return &ontology.IssuePairCodeResponse{Code: code, ExpiresAt: expires}, nil
}

// Pair exchanges a valid code for a new device identity and token.
// The code is burned in the same transaction that creates the device.
func (s *RegistryService) Pair(req *ontology.PairRequest) (*ontology.PairResponse, error) {
	if req == nil || len(req.Code) != 6 {
		return nil, fmt.Errorf("%w: code must be 6 digits", shared.ErrValidation)
	}

	now := time.Now().UTC()
	nowStr := shared.FormatTime(now)

	publicID, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	token, err := randomHex(32)
	if err != nil {
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = publicID
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var codeID int64
	var label string
	err = tx.QueryRow(
		`SELECT id, label FROM pair_codes WHERE code_hash = ? AND used_at IS NULL AND expires_at > ?`,
		sha256Hex(req.Code), nowStr,
	).Scan(&codeID, &label)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: invalid or expired pair code", shared.ErrAuth)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up pair code: %w", err)
	}

	res, err := tx.Exec(`UPDATE pair_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`, nowStr, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to burn pair code: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: pair code already used", shared.ErrAuth)
	}

	_, err = tx.Exec(
		`INSERT INTO devices (public_id, user_id, label, token_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		publicID, userID, label, sha256Hex(token), nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pairing: %w", err)
	}

	log.Printf("Device paired: %s (user %s)", publicID, userID)
	s.bc.Publish(shared.SubjectDevicePaired, shared.EventTypePaired, map[string]interface{}{
		"device_id": publicID,
		"user_id":   userID,
	})

	return &ontology.PairResponse{
		DeviceToken: token,
		DeviceID:    publicID,
		UserID:      userID,
		Label:       label,
	}, nil
}

// Authenticate resolves a bearer token to a device. Traffic on a
// revoked token fails and raises a revoked-traffic alert so operators
// see that a retired device is still transmitting.
func (s *RegistryService) Authenticate(token string) (*ontology.Device, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing device token", shared.ErrAuth)
	}

	dev, err := s.scanDevice(s.db.QueryRow(
		`SELECT id, public_id, user_id, label, token_hash, is_revoked, profile_json, created_at, last_seen_at
		 FROM devices WHERE token_hash = ?`, sha256Hex(token)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: unknown device token", shared.ErrAuth)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	if dev.IsRevoked {
		if s.alerts != nil {
			s.alerts.RaiseRevokedTraffic(dev.PublicID)
		}
		return nil, fmt.Errorf("%w: device %s", shared.ErrRevoked, dev.PublicID)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(`UPDATE devices SET last_seen_at = ? WHERE id = ?`, shared.FormatTime(now), dev.ID); err != nil {
		log.Printf("Failed to update last_seen for %s: %v", dev.PublicID, err)
	}
	dev.LastSeenAt = &now

	return dev, nil
}

// RotateToken invalidates the device's current token and returns a
// fresh one.
func (s *RegistryService) RotateToken(publicID string) (string, error) {
	token, err := randomHex(32)
	if err != nil {
		return "", err
	}

	res, err := s.db.Exec(
		`UPDATE devices SET token_hash = ? WHERE public_id = ?`,
		sha256Hex(token), publicID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to rotate token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: device %s", shared.ErrNotFound, publicID)
	}

	log.Printf("Token rotated for device %s", publicID)
	return token, nil
}

// Revoke marks the device revoked. History stays; new traffic is
// rejected.
func (s *RegistryService) Revoke(publicID string) error {
	if err := s.setRevoked(publicID, true); err != nil {
		return err
	}
	s.bc.Publish(shared.SubjectDeviceRevoked, shared.EventTypeRevoked, map[string]interface{}{
		"device_id": publicID,
	})
	return nil
}

// Restore clears the revoked flag.
func (s *RegistryService) Restore(publicID string) error {
	return s.setRevoked(publicID, false)
}

func (s *RegistryService) setRevoked(publicID string, revoked bool) error {
	res, err := s.db.Exec(`UPDATE devices SET is_revoked = ? WHERE public_id = ?`, boolInt(revoked), publicID)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", shared.ErrNotFound, publicID)
	}
	log.Printf("Device %s revoked=%v", publicID, revoked)
	return nil
}

func (s *RegistryService) GetDevice(publicID string) (*ontology.Device, error) {
	dev, err := s.scanDevice(s.db.QueryRow(
		`SELECT id, public_id, user_id, label, token_hash, is_revoked, profile_json, created_at, last_seen_at
		 FROM devices WHERE public_id = ?`, publicID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: device %s", shared.ErrNotFound, publicID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	return dev, nil
}

func (s *RegistryService) ListDevices() ([]ontology.Device, error) {
	rows, err := s.db.Query(
		`SELECT id, public_id, user_id, label, token_hash, is_revoked, profile_json, created_at, last_seen_at
		 FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []ontology.Device
	for rows.Next() {
		dev, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

// ListActiveDevices returns non-revoked devices for the alert tick.
func (s *RegistryService) ListActiveDevices() ([]ontology.Device, error) {
	rows, err := s.db.Query(
		`SELECT id, public_id, user_id, label, token_hash, is_revoked, profile_json, created_at, last_seen_at
		 FROM devices WHERE is_revoked = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active devices: %w", err)
	}
	defer rows.Close()

	var devices []ontology.Device
	for rows.Next() {
		dev, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *RegistryService) scanDevice(row rowScanner) (*ontology.Device, error) {
	var dev ontology.Device
	var createdAt string
	var lastSeen sql.NullString
	var revoked int

	err := row.Scan(&dev.ID, &dev.PublicID, &dev.UserID, &dev.Label, &dev.TokenHash,
		&revoked, &dev.Profile, &createdAt, &lastSeen)
	if err != nil {
		return nil, err
	}

	dev.IsRevoked = revoked != 0
	dev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastSeen.String); err == nil {
			dev.LastSeenAt = &t
		}
	}
	return &dev, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
