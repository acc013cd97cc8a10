package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	fetchBatch   = 10
	fetchMaxWait = 2 * time.Second
	// fetchBackoff spaces out retries when the consumer itself is
	// failing, so a broken stream does not spin the worker hot.
	fetchBackoff = 5 * time.Second
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// BaseWorker drives one durable pull consumer on a telemetry stream
// and hands fetched batches to the owning worker's handler.
type BaseWorker struct {
	name     string
	nc       *nats.Conn
	js       nats.JetStreamContext
	sub      *nats.Subscription
	consumer string
	stream   string
	subject  string
}

func NewBaseWorker(name string, nc *nats.Conn, js nats.JetStreamContext, stream, consumer, subject string) *BaseWorker {
	return &BaseWorker{
		name:     name,
		nc:       nc,
		js:       js,
		consumer: consumer,
		stream:   stream,
		subject:  subject,
	}
}

func (w *BaseWorker) Name() string {
	return w.name
}

func (w *BaseWorker) Stop() error {
	if w.sub != nil {
		return w.sub.Drain()
	}
	return nil
}

func (w *BaseWorker) processMessages(ctx context.Context, handler func(*nats.Msg)) error {
	sub, err := w.js.PullSubscribe(w.subject, "",
		nats.Durable(w.consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.Bind(w.stream, w.consumer),
	)
	if err != nil {
		return err
	}
	w.sub = sub

	log.Printf("[%s] Consuming %s from stream %s (consumer %s)", w.name, w.subject, w.stream, w.consumer)

	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[%s] Worker stopping", w.name)
			return err
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			log.Printf("[%s] Fetch failed: %v", w.name, err)
			select {
			case <-ctx.Done():
				log.Printf("[%s] Worker stopping", w.name)
				return ctx.Err()
			case <-time.After(fetchBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			handler(msg)
			if err := msg.Ack(); err != nil {
				log.Printf("[%s] Failed to ack %s: %v", w.name, msg.Subject, err)
			}
		}
	}
}
