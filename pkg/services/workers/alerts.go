package workers

import (
	"context"
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"fieldtrack-api/pkg/shared"
)

// AlertWorker consumes alert change events. Critical alerts are
// surfaced in the process log so an operator tailing it sees them
// even without the admin UI.
type AlertWorker struct {
	*BaseWorker
}

func NewAlertWorker(nc *nats.Conn, js nats.JetStreamContext) *AlertWorker {
	return &AlertWorker{
		BaseWorker: NewBaseWorker(
			"alerts",
			nc, js,
			shared.StreamAlerts,
			shared.ConsumerAlertProcessor,
			shared.SubjectAlertsAll,
		),
	}
}

func (w *AlertWorker) Start(ctx context.Context) error {
	return w.processMessages(ctx, w.handleMessage)
}

func (w *AlertWorker) handleMessage(msg *nats.Msg) {
	var event shared.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("[%s] Invalid event on %s: %v", w.Name(), msg.Subject, err)
		return
	}

	severity, _ := event.Data["severity"].(string)
	if severity == shared.SeverityCrit {
		log.Printf("[%s] CRIT alert %v on device %v: %v",
			w.Name(), event.Data["kind"], event.Data["device_id"], event.Data["message"])
	}
}
