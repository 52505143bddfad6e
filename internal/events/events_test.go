package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

func TestJetStreamPublisherWritesToEventsStream(t *testing.T) {
	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)

	ctx := context.Background()
	p := NewJetStreamPublisher(es.JetStream())
	p.Publish(ctx, "admit", Event{
		MessageID:   "m1",
		MessageType: "ADT^A01",
		ControlID:   "MSG0001",
		PatientID:   "p1",
		Event:       "admit",
		To:          "admitted",
		Location:    "Ward3/Room5/BedA",
		Applied:     true,
		RawMessage:  []byte("MSH|^~\\&|"),
		At:          time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	})
	// Same message and topic again is dropped by the duplicate window.
	p.Publish(ctx, "admit", Event{MessageID: "m1"})

	stream, err := es.JetStream().Stream(ctx, natsserver.StreamEvents)
	require.NoError(t, err)
	msg, err := stream.GetLastMsgForSubject(ctx, "adt.events.admit")
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "MSG0001", got.ControlID)
	assert.Equal(t, "Ward3/Room5/BedA", got.Location)
	assert.Equal(t, []byte("MSH|^~\\&|"), got.RawMessage)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.State.Msgs)
}

func TestPublishAfterShutdownDoesNotPanic(t *testing.T) {
	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	js := es.JetStream()
	es.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	NewJetStreamPublisher(js).Publish(ctx, "admit", Event{MessageID: "m1"})
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), TopicMessage, Event{MessageID: "a"})
	r.Publish(context.Background(), "discharge", Event{MessageID: "b"})

	got := r.Events()
	require.Len(t, got, 2)
	assert.Equal(t, "discharge", got[1].Topic)
	assert.Equal(t, "b", got[1].Event.MessageID)

	var _ Publisher = Nop{}
	var _ Publisher = (*JetStreamPublisher)(nil)
}
