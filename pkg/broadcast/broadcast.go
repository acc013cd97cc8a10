// Package broadcast decouples state-change publication from request
// handling. Services publish events through a Broadcaster and never
// block on the bus; a publish failure is logged, not surfaced.
package broadcast

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	embeddednats "fieldtrack-api/pkg/services/embedded-nats"
	"fieldtrack-api/pkg/shared"
)

type Broadcaster interface {
	Publish(subject, eventType string, data map[string]interface{})
}

// NATSBroadcaster publishes events to the embedded JetStream bus.
type NATSBroadcaster struct {
	bus    *embeddednats.EmbeddedNATS
	source string
}

func NewNATS(bus *embeddednats.EmbeddedNATS, source string) *NATSBroadcaster {
	return &NATSBroadcaster{bus: bus, source: source}
}

func (b *NATSBroadcaster) Publish(subject, eventType string, data map[string]interface{}) {
	event := shared.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    b.source,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("broadcast: failed to marshal event %s: %v", eventType, err)
		return
	}

	go func() {
		if err := b.bus.PublishWithDedup(subject, payload, event.ID); err != nil {
			log.Printf("broadcast: failed to publish %s to %s: %v", eventType, subject, err)
		}
	}()
}

// Nop discards every event. Used in tests and when the bus is down.
type Nop struct{}

func (Nop) Publish(subject, eventType string, data map[string]interface{}) {}
