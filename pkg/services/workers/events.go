package workers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"fieldtrack-api/pkg/shared"
)

// EventWorker consumes device lifecycle events (pairing, revocation,
// session state) and writes an audit line for each.
type EventWorker struct {
	*BaseWorker
}

func NewEventWorker(nc *nats.Conn, js nats.JetStreamContext) *EventWorker {
	return &EventWorker{
		BaseWorker: NewBaseWorker(
			"events",
			nc, js,
			shared.StreamEvents,
			shared.ConsumerEventProcessor,
			shared.SubjectEventsAll,
		),
	}
}

func (w *EventWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *EventWorker) handleMessage(msg *nats.Msg) {
	var event shared.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("[%s] Invalid event on %s: %v", w.Name(), msg.Subject, err)
		return
	}

	log.Printf("[%s] %s %s device=%v", w.Name(), event.Type, event.Subject, event.Data["device_id"])
}
