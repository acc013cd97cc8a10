package shared

import (
	"errors"
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Event is the envelope published to the broadcaster for every state
// change: point stored, alert created/closed, device paired, and so on.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// BatchResult reports per-batch ingestion counters. Every telemetry
// endpoint returns one so clients can tell a retry from a reject.
type BatchResult struct {
	Accepted     int    `json:"accepted"`
	Deduplicated int    `json:"deduplicated"`
	Rejected     int    `json:"rejected"`
	SessionID    int64  `json:"session_id,omitempty"`
	FirstTS      string `json:"first_ts,omitempty"`
	LastTS       string `json:"last_ts,omitempty"`
}

// TimeLayout is the storage timestamp format: RFC3339 UTC with a
// fixed-width nanosecond fraction. Stored timestamps are compared
// lexicographically in SQL, and RFC3339Nano trims trailing zeros,
// which misorders values within the same second.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Error taxonomy. Services wrap these so the HTTP layer can errors.Is
// on the category and map it to a status code.
var (
	ErrValidation  = errors.New("validation failed")
	ErrAuth        = errors.New("authentication failed")
	ErrRevoked     = errors.New("device token revoked")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
)

// Constants
const (
	// Point kinds
	PointKindGNSS      = "gnss"
	PointKindEstimated = "estimated"
	PointKindCheckin   = "checkin"

	// Point flags
	FlagJump = "jump"

	// Alert severity
	SeverityWarn = "warn"
	SeverityCrit = "crit"

	// Health network states
	NetWifi    = "wifi"
	NetCell    = "cell"
	NetNone    = "none"
	NetOffline = "offline"

	// Health GPS states
	GPSOk     = "ok"
	GPSOff    = "off"
	GPSDenied = "denied"

	// Fingerprint purposes
	PurposeTrain  = "train"
	PurposeLocate = "locate"

	// Event Types
	EventTypeCreated = "created"
	EventTypeUpdated = "updated"
	EventTypeClosed  = "closed"
	EventTypePaired  = "paired"
	EventTypeRevoked = "revoked"
	EventTypePoint   = "point"
	EventTypeHealth  = "health"
)
