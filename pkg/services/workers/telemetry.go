package workers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"fieldtrack-api/pkg/shared"
)

// TelemetryWorker drains the telemetry stream. It is the hook point
// for live map fan-out; today it validates envelopes and keeps the
// consumer from backing up.
type TelemetryWorker struct {
	*BaseWorker
}

func NewTelemetryWorker(nc *nats.Conn, js nats.JetStreamContext) *TelemetryWorker {
	return &TelemetryWorker{
		BaseWorker: NewBaseWorker(
			"telemetry",
			nc, js,
			shared.StreamTelemetry,
			shared.ConsumerTelemetryProcessor,
			shared.SubjectTelemetryAll,
		),
	}
}

func (w *TelemetryWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *TelemetryWorker) handleMessage(msg *nats.Msg) {
	var event shared.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("[%s] Invalid event on %s: %v", w.Name(), msg.Subject, err)
		return
	}

	switch event.Type {
	case shared.EventTypePoint, shared.EventTypeHealth:
		// Normal telemetry flow; nothing to do beyond consuming.
	default:
		log.Printf("[%s] Unexpected event type %q on %s", w.Name(), event.Type, msg.Subject)
	}
}
