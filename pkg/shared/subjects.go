package shared

import "fmt"

// NATS Subject patterns
const (
	// Base subject prefix
	SubjectPrefix = "fieldtrack"

	// Telemetry subjects (points, health, fingerprints)
	SubjectTelemetry       = "fieldtrack.telemetry"
	SubjectTelemetryAll    = "fieldtrack.telemetry.>"
	SubjectTelemetryPoints = "fieldtrack.telemetry.%s.points" // device_id
	SubjectTelemetryHealth = "fieldtrack.telemetry.%s.health" // device_id

	// Alert subjects
	SubjectAlerts       = "fieldtrack.alerts"
	SubjectAlertsAll    = "fieldtrack.alerts.>"
	SubjectAlertsDevice = "fieldtrack.alerts.%s" // device_id

	// Device lifecycle subjects
	SubjectEvents        = "fieldtrack.events"
	SubjectEventsAll     = "fieldtrack.events.>"
	SubjectDevicePaired  = "fieldtrack.events.device.paired"
	SubjectDeviceRevoked = "fieldtrack.events.device.revoked"
	SubjectSessionState  = "fieldtrack.events.session.%s" // device_id
)

// Stream names
const (
	StreamTelemetry = "FIELDTRACK_TELEMETRY"
	StreamAlerts    = "FIELDTRACK_ALERTS"
	StreamEvents    = "FIELDTRACK_EVENTS"
)

// Consumer names
const (
	ConsumerTelemetryProcessor = "telemetry-processor"
	ConsumerAlertProcessor     = "alert-processor"
	ConsumerEventProcessor     = "event-processor"
)

// Helper functions to generate subjects
func TelemetryPointsSubject(deviceID string) string {
	return fmt.Sprintf(SubjectTelemetryPoints, deviceID)
}

func TelemetryHealthSubject(deviceID string) string {
	return fmt.Sprintf(SubjectTelemetryHealth, deviceID)
}

func AlertsDeviceSubject(deviceID string) string {
	return fmt.Sprintf(SubjectAlertsDevice, deviceID)
}

func SessionStateSubject(deviceID string) string {
	return fmt.Sprintf(SubjectSessionState, deviceID)
}
