// Package consumers runs durable JetStream consumers that move accepted
// ADT traffic to downstream facilities.
package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/adt-gateway/internal/events"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/metrics"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

// Sender delivers a raw message and returns the remote acknowledgment.
type Sender interface {
	SendMessage(ctx context.Context, message []byte) (*hl7.Message, error)
}

// Counter moves the shared stats counters.
type Counter interface {
	Increment(ctx context.Context, key string, delta int64) error
}

// DeadLetter is what the DLQ bucket holds for a message that could not
// be forwarded.
type DeadLetter struct {
	Topic     string       `json:"topic"`
	Event     events.Event `json:"event"`
	Error     string       `json:"error"`
	Attempts  uint64       `json:"attempts"`
	FailedAt  time.Time    `json:"failed_at"`
	Permanent bool         `json:"permanent"`
}

type ForwarderConfig struct {
	Name        string
	Destination string
	MaxDeliver  int
	AckWait     time.Duration
	RetryDelay  time.Duration
}

// Forwarder replays accepted ADT events to one downstream MLLP endpoint.
// Transport failures are redelivered after RetryDelay; after MaxDeliver
// attempts, or on a negative acknowledgment, the event goes to the DLQ.
// The ack deadline is extended while a send is in flight.
type Forwarder struct {
	js      jetstream.JetStream
	dlq     jetstream.KeyValue
	sender  Sender
	counter Counter
	metrics *metrics.Metrics
	cfg     ForwarderConfig

	ctx  context.Context
	cons jetstream.ConsumeContext
}

func NewForwarder(ctx context.Context, js jetstream.JetStream, sender Sender, counter Counter, m *metrics.Metrics, cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Name == "" {
		cfg.Name = "adt-forwarder"
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	dlq, err := js.KeyValue(ctx, natsserver.BucketDLQ)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", natsserver.BucketDLQ, err)
	}
	return &Forwarder{js: js, dlq: dlq, sender: sender, counter: counter, metrics: m, cfg: cfg}, nil
}

func (f *Forwarder) Start(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, natsserver.StreamEvents, jetstream.ConsumerConfig{
		Durable:       f.cfg.Name,
		Description:   "Forwards accepted ADT messages downstream",
		FilterSubject: natsserver.SubjectEvents + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    f.cfg.MaxDeliver,
		AckWait:       f.cfg.AckWait,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", f.cfg.Name, err)
	}

	f.ctx = ctx
	f.cons, err = consumer.Consume(f.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", f.cfg.Name, err)
	}
	slog.Info("Forwarder started",
		"stream", natsserver.StreamEvents,
		"consumer", f.cfg.Name,
		"destination", f.cfg.Destination)

	go func() {
		<-ctx.Done()
		f.cons.Stop()
	}()
	return nil
}

func (f *Forwarder) handle(msg jetstream.Msg) {
	var ev events.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		slog.Error("Undecodable event, dropping", "subject", msg.Subject(), "error", err)
		msg.Term()
		return
	}
	topic := strings.TrimPrefix(msg.Subject(), natsserver.SubjectEvents+".")

	var attempts uint64 = 1
	if md, err := msg.Metadata(); err == nil {
		attempts = md.NumDelivered
	}

	stop := f.keepAlive(msg)
	_, err := f.sender.SendMessage(f.ctx, ev.RawMessage)
	stop()
	if err == nil {
		msg.Ack()
		f.count("forwarded")
		f.metrics.Outbound("delivered")
		slog.Info("Message forwarded",
			"messageID", ev.MessageID,
			"controlID", ev.ControlID,
			"messageType", ev.MessageType,
			"destination", f.cfg.Destination)
		return
	}

	var nak *hl7.NegativeAckError
	permanent := errors.As(err, &nak)
	if permanent || attempts >= uint64(f.cfg.MaxDeliver) {
		f.deadLetter(topic, ev, err, attempts, permanent)
		msg.Term()
		return
	}

	slog.Warn("Forwarding failed, will retry",
		"messageID", ev.MessageID,
		"controlID", ev.ControlID,
		"attempt", attempts,
		"maxDeliver", f.cfg.MaxDeliver,
		"error", err)
	msg.NakWithDelay(f.cfg.RetryDelay)
}

// keepAlive resets the ack deadline every half AckWait until stop is
// called. A send with retries can outlast AckWait, and the server must not
// redeliver while it is in flight.
func (f *Forwarder) keepAlive(msg jetstream.Msg) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(f.cfg.AckWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("Ack deadline extension failed", "subject", msg.Subject(), "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (f *Forwarder) deadLetter(topic string, ev events.Event, cause error, attempts uint64, permanent bool) {
	f.count("forward_failed")
	if permanent {
		f.metrics.Outbound("nak")
	} else {
		f.metrics.Outbound("failed")
	}

	data, err := json.Marshal(DeadLetter{
		Topic:     topic,
		Event:     ev,
		Error:     cause.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now(),
		Permanent: permanent,
	})
	if err == nil {
		_, err = f.dlq.Put(f.ctx, ev.MessageID, data)
	}
	if err != nil {
		slog.Error("Dead letter write failed", "messageID", ev.MessageID, "error", err)
	}
	slog.Error("Message dead-lettered",
		"messageID", ev.MessageID,
		"controlID", ev.ControlID,
		"attempts", attempts,
		"permanent", permanent,
		"error", cause)
}

func (f *Forwarder) count(key string) {
	if f.counter == nil {
		return
	}
	if err := f.counter.Increment(f.ctx, key, 1); err != nil {
		slog.Warn("Stats update failed", "key", key, "error", err)
	}
}
