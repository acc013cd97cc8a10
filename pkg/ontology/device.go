package ontology

import (
	"time"
)

// Device is a paired mobile tracker. Devices are never hard-deleted:
// revocation flips a flag so history stays attributable.
type Device struct {
	ID         int64      `json:"-" db:"id"`
	PublicID   string     `json:"device_id" db:"public_id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Label      string     `json:"label,omitempty" db:"label"`
	TokenHash  string     `json:"-" db:"token_hash"`
	IsRevoked  bool       `json:"is_revoked" db:"is_revoked"`
	Profile    string     `json:"profile,omitempty" db:"profile_json"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// PairCode is a single-use, short-TTL numeric pairing code. Only the
// hash is stored.
type PairCode struct {
	ID        int64      `json:"-" db:"id"`
	CodeHash  string     `json:"-" db:"code_hash"`
	Label     string     `json:"label,omitempty" db:"label"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
}

// TrackingSession groups points uploaded between a start and a stop.
type TrackingSession struct {
	ID        int64      `json:"session_id" db:"id"`
	DeviceID  string     `json:"device_id" db:"device_id"`
	UserID    string     `json:"user_id" db:"user_id"`
	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	LastLat   *float64   `json:"last_lat,omitempty" db:"last_lat"`
	LastLon   *float64   `json:"last_lon,omitempty" db:"last_lon"`
	LastAt    *time.Time `json:"last_at,omitempty" db:"last_at"`
}

type IssuePairCodeRequest struct {
	Label string `json:"label,omitempty"`
}

type IssuePairCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PairRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id,omitempty"`
}

// PairResponse carries the plaintext device token. It is returned
// exactly once; afterwards only the hash exists server-side.
type PairResponse struct {
	DeviceToken string `json:"device_token"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
	Label       string `json:"label,omitempty"`
}
