// Package config holds every tunable of the tracking core in one typed
// struct, loaded from environment variables with documented defaults.
//
// Several of the positioning/display constants (good-GNSS accuracy
// ceiling, stability window, estimate freshness) are calibration
// guesses rather than measured values; they are exposed here instead of
// being hard-coded so deployments can tune them.
package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	// Server
	HTTPPort   string
	AdminToken string
	DBPath     string

	// Embedded NATS
	NATSPort    int
	NATSDataDir string

	// Optional shared rate-limit store (multi-process deployments).
	// Empty means the in-memory fallback is used.
	RedisURL string

	// Pairing
	PairCodeTTLMin     int
	PairPerMinutePerIP int
	PairPerMinuteCode  int

	// Per-device rate limits (fixed window, per minute)
	PointsPerMinute       int
	HealthPerMinute       int
	FingerprintsPerMinute int

	// Point validation
	MaxBatchPoints   int
	MaxFutureSkewMin int
	JumpSpeedMPS     float64
	MaxAccuracyM     float64

	// Radio map training
	TrainMaxAccuracyM float64
	TrainMaxGPSAgeSec int

	// Tile estimator
	RadioMinScore       float64
	RadioMinWifiMatches int
	RadioMinCellMatches int

	// Anchor estimator
	AnchorMaxAccuracyM   float64
	AnchorMinScore       float64
	AnchorMinWifiMatches int
	AnchorWindowDays     int
	AnchorLimit          int

	// Estimated-point injection
	LocateAccuracyThresholdM float64
	EstimateThrottleSec      int

	// Display point selection
	DisplayEstFreshSec     float64
	DisplayStableWindowSec float64
	DisplayStableDistM     float64
	DisplayGoodGNSSMaxAccM float64
	DisplayLookbackPoints  int

	// Alert thresholds
	StalePointsSec int
	StaleHealthSec int
	QueueWarn      int
	QueueCrit      int
	BatteryLow     int
	BatteryCrit    int
	AccuracyWarnM  float64
	AccuracyCritM  float64

	// Background cadence
	AlertTickSec int

	// Retention windows (days)
	RetentionPointsDays       int
	RetentionHealthLogDays    int
	RetentionAlertsDays       int
	RetentionFingerprintsDays int

	// Notification dispatch
	NotifySeverities     []string
	NotifyKinds          []string
	NotifyRecipients     []string
	NotifyMinIntervalSec int
	NotifyTimeoutSec     int
}

// Load reads the configuration from the environment. Every value has a
// default, so an empty environment yields a working dev setup.
func Load() *Config {
	return &Config{
		HTTPPort:   envStr("PORT", "8080"),
		AdminToken: envStr("API_BEARER_TOKEN", "fieldtrack-dev-token"),
		DBPath:     envStr("DB_PATH", "./db/fieldtrack.db"),

		NATSPort:    envInt("NATS_PORT", 4222),
		NATSDataDir: envStr("NATS_DATA_DIR", "./data/nats"),

		RedisURL: envStr("REDIS_URL", ""),

		PairCodeTTLMin:     envInt("PAIR_CODE_TTL_MIN", 10),
		PairPerMinutePerIP: envInt("RATE_LIMIT_PAIR_PER_MINUTE_IP", 20),
		PairPerMinuteCode:  envInt("RATE_LIMIT_PAIR_PER_MINUTE_CODE", 10),

		PointsPerMinute:       envInt("RATE_LIMIT_POINTS_PER_MINUTE", 6000),
		HealthPerMinute:       envInt("RATE_LIMIT_HEALTH_PER_MINUTE", 120),
		FingerprintsPerMinute: envInt("RATE_LIMIT_FINGERPRINTS_PER_MINUTE", 60),

		MaxBatchPoints:   envInt("POINTS_MAX_BATCH", 500),
		MaxFutureSkewMin: envInt("POINTS_MAX_FUTURE_SKEW_MIN", 10),
		JumpSpeedMPS:     envFloat("POINTS_JUMP_SPEED_MPS", 80),
		MaxAccuracyM:     envFloat("POINTS_MAX_ACCURACY_M", 5000),

		TrainMaxAccuracyM: envFloat("TRAIN_MAX_GNSS_ACC_M", 60),
		TrainMaxGPSAgeSec: envInt("TRAIN_MAX_GPS_AGE_SEC", 45),

		RadioMinScore:       envFloat("RADIO_MIN_SCORE", 0.45),
		RadioMinWifiMatches: envInt("RADIO_MIN_WIFI_MATCHES", 3),
		RadioMinCellMatches: envInt("RADIO_MIN_CELL_MATCHES", 2),

		AnchorMaxAccuracyM:   envFloat("ANCHOR_MAX_GNSS_ACC_M", 80),
		AnchorMinScore:       envFloat("ANCHOR_MIN_SCORE", 0.55),
		AnchorMinWifiMatches: envInt("ANCHOR_MIN_WIFI_MATCHES", 3),
		AnchorWindowDays:     envInt("ANCHOR_WINDOW_DAYS", 30),
		AnchorLimit:          envInt("ANCHOR_LIMIT", 300),

		LocateAccuracyThresholdM: envFloat("LOCATE_ACC_THRESHOLD_M", 80),
		EstimateThrottleSec:      envInt("ESTIMATE_THROTTLE_SEC", 30),

		DisplayEstFreshSec:     envFloat("DISPLAY_EST_FRESH_SEC", 120),
		DisplayStableWindowSec: envFloat("DISPLAY_GNSS_STABLE_WINDOW_SEC", 25),
		DisplayStableDistM:     envFloat("DISPLAY_GNSS_STABLE_DIST_M", 50),
		DisplayGoodGNSSMaxAccM: envFloat("DISPLAY_GOOD_GNSS_MAX_ACC_M", 60),
		DisplayLookbackPoints:  envInt("DISPLAY_LOOKBACK_POINTS", 30),

		StalePointsSec: envInt("ALERT_STALE_POINTS_SEC", 300),
		StaleHealthSec: envInt("ALERT_STALE_HEALTH_SEC", 180),
		QueueWarn:      envInt("ALERT_QUEUE_WARN", 50),
		QueueCrit:      envInt("ALERT_QUEUE_CRIT", 150),
		BatteryLow:     envInt("ALERT_BATTERY_LOW", 15),
		BatteryCrit:    envInt("ALERT_BATTERY_CRIT", 7),
		AccuracyWarnM:  envFloat("ALERT_ACCURACY_WARN_M", 50),
		AccuracyCritM:  envFloat("ALERT_ACCURACY_CRIT_M", 120),

		AlertTickSec: envInt("ALERT_TICK_SEC", 10),

		RetentionPointsDays:       envInt("RETENTION_POINTS_DAYS", 90),
		RetentionHealthLogDays:    envInt("RETENTION_HEALTH_LOG_DAYS", 30),
		RetentionAlertsDays:       envInt("RETENTION_ALERTS_DAYS", 30),
		RetentionFingerprintsDays: envInt("RETENTION_FINGERPRINTS_DAYS", 30),

		NotifySeverities:     envCSV("NOTIFY_SEVERITIES", "crit"),
		NotifyKinds:          envCSV("NOTIFY_KINDS", ""),
		NotifyRecipients:     envCSV("NOTIFY_RECIPIENTS", ""),
		NotifyMinIntervalSec: envInt("NOTIFY_MIN_INTERVAL_SEC", 900),
		NotifyTimeoutSec:     envInt("NOTIFY_TIMEOUT_SEC", 5),
	}
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envCSV(key, def string) []string {
	raw := envStr(key, def)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.ToLower(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
