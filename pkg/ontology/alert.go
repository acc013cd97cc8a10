package ontology

import (
	"fmt"
	"time"
)

// AlertKind is the closed set of conditions the engine evaluates. At
// most one active alert exists per (device, kind).
type AlertKind string

const (
	AlertStalePoints   AlertKind = "stale-points"
	AlertStaleHealth   AlertKind = "stale-health"
	AlertLowBattery    AlertKind = "low-battery"
	AlertQueueGrowing  AlertKind = "queue-growing"
	AlertGPSOff        AlertKind = "gps-off"
	AlertNetOffline    AlertKind = "net-offline"
	AlertLowAccuracy   AlertKind = "low-accuracy"
	AlertAppError      AlertKind = "app-error"
	AlertTrackingOff   AlertKind = "tracking-off"
	AlertRevokedTraffic AlertKind = "revoked-traffic"
)

var allAlertKinds = map[AlertKind]bool{
	AlertStalePoints:    true,
	AlertStaleHealth:    true,
	AlertLowBattery:     true,
	AlertQueueGrowing:   true,
	AlertGPSOff:         true,
	AlertNetOffline:     true,
	AlertLowAccuracy:    true,
	AlertAppError:       true,
	AlertTrackingOff:    true,
	AlertRevokedTraffic: true,
}

// ParseAlertKind validates a kind string against the closed enum.
func ParseAlertKind(s string) (AlertKind, error) {
	k := AlertKind(s)
	if !allAlertKinds[k] {
		return "", fmt.Errorf("unknown alert kind %q", s)
	}
	return k, nil
}

type Alert struct {
	ID         int64      `json:"id" db:"id"`
	DeviceID   string     `json:"device_id" db:"device_id"`
	Kind       AlertKind  `json:"kind" db:"kind"`
	Severity   string     `json:"severity" db:"severity"`
	Message    string     `json:"message" db:"message"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	AckedAt    *time.Time `json:"acked_at,omitempty" db:"acked_at"`
	AckedBy    string     `json:"acked_by,omitempty" db:"acked_by"`
}

// NotifyLogEntry records one dispatched notification, keyed so the
// engine can throttle repeats per (device, kind, recipient).
type NotifyLogEntry struct {
	ID        int64     `json:"id" db:"id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	Kind      AlertKind `json:"kind" db:"kind"`
	Recipient string    `json:"recipient" db:"recipient"`
	Digest    string    `json:"digest" db:"digest"`
	SentAt    time.Time `json:"sent_at" db:"sent_at"`
}
