package ontology

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamp accepts the three formats field devices actually send:
// epoch seconds, epoch milliseconds, and RFC3339 strings. Values above
// 1e11 are treated as milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", str, err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	if f > 1e11 {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// LocationPoint is a stored track point. Kind is "gnss", "estimated"
// or "checkin"; Flags currently carries at most "jump".
type LocationPoint struct {
	ID        int64     `json:"id" db:"id"`
	SessionID int64     `json:"session_id" db:"session_id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	TS        time.Time `json:"ts" db:"ts"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	AccuracyM *float64  `json:"accuracy_m,omitempty" db:"accuracy_m"`
	AltM      *float64  `json:"alt_m,omitempty" db:"alt_m"`
	SpeedMPS  *float64  `json:"speed_mps,omitempty" db:"speed_mps"`
	Bearing   *float64  `json:"bearing,omitempty" db:"bearing"`
	Kind      string    `json:"kind" db:"kind"`
	Flags     string    `json:"flags,omitempty" db:"flags"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// PointInput is one uploaded point before validation.
type PointInput struct {
	TS        Timestamp `json:"ts"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AccuracyM *float64  `json:"accuracy_m,omitempty"`
	AltM      *float64  `json:"alt_m,omitempty"`
	SpeedMPS  *float64  `json:"speed_mps,omitempty"`
	Bearing   *float64  `json:"bearing,omitempty"`
	Kind      string    `json:"kind,omitempty"`
}

type PointsRequest struct {
	SessionID *int64       `json:"session_id,omitempty"`
	Points    []PointInput `json:"points"`
}

// DeviceHealth is the current snapshot, one row per device.
type DeviceHealth struct {
	DeviceID    string                 `json:"device_id" db:"device_id"`
	TS          time.Time              `json:"ts" db:"ts"`
	BatteryPct  *int                   `json:"battery_pct,omitempty" db:"battery_pct"`
	Charging    *bool                  `json:"charging,omitempty" db:"charging"`
	NetState    string                 `json:"net_state,omitempty" db:"net_state"`
	GPSState    string                 `json:"gps_state,omitempty" db:"gps_state"`
	QueueLen    *int                   `json:"queue_len,omitempty" db:"queue_len"`
	TrackingOn  *bool                  `json:"tracking_on,omitempty" db:"tracking_on"`
	LastFixAccM *float64               `json:"last_fix_acc_m,omitempty" db:"last_fix_acc_m"`
	LastErr     string                 `json:"last_err,omitempty" db:"last_err"`
	AppVersion  string                 `json:"app_version,omitempty" db:"app_version"`
	Extra       map[string]interface{} `json:"extra,omitempty" db:"extra_json"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}

type HealthRequest struct {
	TS          Timestamp              `json:"ts"`
	BatteryPct  *int                   `json:"battery_pct,omitempty"`
	Charging    *bool                  `json:"charging,omitempty"`
	NetState    string                 `json:"net_state,omitempty"`
	GPSState    string                 `json:"gps_state,omitempty"`
	QueueLen    *int                   `json:"queue_len,omitempty"`
	TrackingOn  *bool                  `json:"tracking_on,omitempty"`
	LastFixAccM *float64               `json:"last_fix_acc_m,omitempty"`
	LastErr     string                 `json:"last_err,omitempty"`
	AppVersion  string                 `json:"app_version,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// WifiObservation is one scanned access point. Identifiers arrive
// either raw or already hashed; the server normalizes both to a
// sha256 hex digest before anything touches storage.
type WifiObservation struct {
	BSSIDHash string  `json:"bssid"`
	SSIDHash  string  `json:"ssid,omitempty"`
	RSSI      float64 `json:"rssi"`
	FreqMHz   *int    `json:"freq_mhz,omitempty"`
}

// CellObservation is one visible cell, keyed by the hashed
// mcc:mnc:lac:cid tuple.
type CellObservation struct {
	KeyHash string  `json:"key"`
	DBm     float64 `json:"dbm"`
}

// FingerprintInput is one uploaded radio scan, optionally tied to a
// GNSS fix for training.
type FingerprintInput struct {
	TS        Timestamp         `json:"ts"`
	Lat       *float64          `json:"lat,omitempty"`
	Lon       *float64          `json:"lon,omitempty"`
	AccuracyM *float64          `json:"accuracy_m,omitempty"`
	GPSAgeSec *float64          `json:"gps_age_sec,omitempty"`
	Purpose   string            `json:"purpose,omitempty"`
	Wifi      []WifiObservation `json:"wifi,omitempty"`
	Cells     []CellObservation `json:"cells,omitempty"`
}

type FingerprintsRequest struct {
	SessionID *int64             `json:"session_id,omitempty"`
	Samples   []FingerprintInput `json:"samples"`
}

// FingerprintResult extends the batch counters with what positioning
// did for each locate-purpose sample.
type FingerprintResult struct {
	Accepted  int               `json:"accepted"`
	Rejected  int               `json:"rejected"`
	Trained   int               `json:"trained"`
	Estimates []EstimateOutcome `json:"estimates,omitempty"`
}

type EstimateOutcome struct {
	TS        time.Time `json:"ts"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	AccuracyM float64   `json:"accuracy_m"`
	Method    string    `json:"method"`
	Score     float64   `json:"score"`
	Stored    bool      `json:"stored"`
}
