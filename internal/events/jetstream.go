package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

const publishTimeout = 5 * time.Second

// JetStreamPublisher writes events to the ADT_EVENTS stream under
// adt.events.<topic>.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

func NewJetStreamPublisher(js jetstream.JetStream) *JetStreamPublisher {
	return &JetStreamPublisher{js: js}
}

// Subject returns the subject an event topic is published on.
func Subject(topic string) string {
	return natsserver.SubjectEvents + "." + topic
}

func (p *JetStreamPublisher) Publish(ctx context.Context, topic string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Event encoding failed", "topic", topic, "messageID", ev.MessageID, "error", err)
		return
	}

	// The caller's deadline belongs to message processing, not to us.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	opts := []jetstream.PublishOpt{}
	if ev.MessageID != "" {
		opts = append(opts, jetstream.WithMsgID(ev.MessageID+":"+topic))
	}
	if _, err := p.js.Publish(pubCtx, Subject(topic), data, opts...); err != nil {
		slog.Warn("Event publish failed",
			"topic", topic,
			"messageID", ev.MessageID,
			"controlID", ev.ControlID,
			"error", err)
		return
	}
	slog.Debug("Event published", "topic", topic, "messageID", ev.MessageID)
}
