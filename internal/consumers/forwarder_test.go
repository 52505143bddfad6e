package consumers

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/events"
	"github.com/minasoft/adt-gateway/internal/hl7"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

const sample = "MSH|^~\\&|HIS|MY-MOH-HKL|ADT_GATEWAY|MOH|20240115120000||ADT^A01|MSG0001|P|2.5\r" +
	"PID|1||900101-10-1234^^^NRIC^NI\r" +
	"PV1|1|I|Ward3^Room5^BedA\r"

type fakeSender struct {
	mu    sync.Mutex
	calls int
	fn    func(n int) error
}

func (s *fakeSender) SendMessage(ctx context.Context, message []byte) (*hl7.Message, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if err := s.fn(n); err != nil {
		return nil, err
	}
	return &hl7.Message{}, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	js      jetstream.JetStream
	gateway *audit.JetStreamGateway
	pub     *events.JetStreamPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)

	gw, err := audit.NewJetStreamGateway(context.Background(), es.JetStream())
	require.NoError(t, err)
	return &fixture{js: es.JetStream(), gateway: gw, pub: events.NewJetStreamPublisher(es.JetStream())}
}

func (f *fixture) start(t *testing.T, sender Sender, cfg ForwarderConfig) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	fw, err := NewForwarder(ctx, f.js, sender, f.gateway, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, fw.Start(ctx))
}

func (f *fixture) stat(t *testing.T, key string) int64 {
	stats, err := f.gateway.Stats(context.Background())
	require.NoError(t, err)
	return stats[key]
}

func admitEvent(id string) events.Event {
	return events.Event{MessageID: id, MessageType: "ADT^A01", ControlID: "MSG0001", RawMessage: []byte(sample)}
}

func TestForwarderDeliversOverMLLP(t *testing.T) {
	f := newFixture(t)

	received := make(chan string, 1)
	builder := hl7.NewAckBuilder("DOWNSTREAM", "HUB")
	remote := hl7.NewMLLPServer(hl7.ServerConfig{Addr: "127.0.0.1:0"}, hl7.HandlerFunc(
		func(ctx context.Context, payload []byte, source string) ([]byte, error) {
			received <- string(payload)
			msg, err := hl7.Parse(payload)
			if err != nil {
				return nil, err
			}
			return builder.Build(msg, hl7.AckAccept, nil), nil
		}), nil)
	require.NoError(t, remote.Start(context.Background()))
	t.Cleanup(func() { remote.Stop() })

	host, portStr, err := net.SplitHostPort(remote.Addr())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	client := hl7.NewMLLPClient(hl7.SenderConfig{Host: host, Port: port, Timeout: 2 * time.Second, Attempts: 1})

	f.start(t, client, ForwarderConfig{Destination: remote.Addr()})
	f.pub.Publish(context.Background(), "admit", admitEvent("m1"))

	select {
	case got := <-received:
		assert.Equal(t, sample, got)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not forwarded")
	}
	assert.Eventually(t, func() bool { return f.stat(t, "forwarded") == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestForwarderSlowSendIsNotRedelivered(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{fn: func(int) error {
		time.Sleep(2500 * time.Millisecond)
		return nil
	}}
	f.start(t, sender, ForwarderConfig{AckWait: time.Second})

	f.pub.Publish(context.Background(), "admit", admitEvent("m5"))

	require.Eventually(t, func() bool { return f.stat(t, "forwarded") == 1 }, 10*time.Second, 20*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, 1, sender.count())
	assert.EqualValues(t, 1, f.stat(t, "forwarded"))
}

func TestForwarderRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{fn: func(int) error { return errors.New("connection refused") }}
	f.start(t, sender, ForwarderConfig{MaxDeliver: 3, RetryDelay: 10 * time.Millisecond})

	f.pub.Publish(context.Background(), "admit", admitEvent("m2"))

	require.Eventually(t, func() bool {
		dl, err := DeadLetters(context.Background(), f.js)
		return err == nil && len(dl) == 1
	}, 10*time.Second, 20*time.Millisecond)

	dl, err := DeadLetters(context.Background(), f.js)
	require.NoError(t, err)
	assert.Equal(t, "m2", dl[0].Event.MessageID)
	assert.Equal(t, "admit", dl[0].Topic)
	assert.EqualValues(t, 3, dl[0].Attempts)
	assert.False(t, dl[0].Permanent)
	assert.Equal(t, 3, sender.count())
	assert.EqualValues(t, 1, f.stat(t, "forward_failed"))
}

func TestForwarderDeadLettersNegativeAckImmediately(t *testing.T) {
	f := newFixture(t)
	sender := &fakeSender{fn: func(int) error {
		return &hl7.NegativeAckError{Code: hl7.AckError, ControlID: "MSG0001", Text: "unknown ward"}
	}}
	f.start(t, sender, ForwarderConfig{MaxDeliver: 5, RetryDelay: 10 * time.Millisecond})

	f.pub.Publish(context.Background(), "admit", admitEvent("m3"))

	require.Eventually(t, func() bool {
		dl, err := DeadLetters(context.Background(), f.js)
		return err == nil && len(dl) == 1
	}, 5*time.Second, 20*time.Millisecond)
	dl, _ := DeadLetters(context.Background(), f.js)
	assert.True(t, dl[0].Permanent)
	assert.Contains(t, dl[0].Error, "unknown ward")
	assert.Equal(t, 1, sender.count())
}

func TestRetryRepublishesDeadLetter(t *testing.T) {
	f := newFixture(t)
	failing := true
	var mu sync.Mutex
	sender := &fakeSender{fn: func(int) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return &hl7.NegativeAckError{Code: hl7.AckReject, Text: "down for maintenance"}
		}
		return nil
	}}
	f.start(t, sender, ForwarderConfig{RetryDelay: 10 * time.Millisecond})
	f.pub.Publish(context.Background(), "transfer", admitEvent("m4"))

	require.Eventually(t, func() bool {
		dl, err := DeadLetters(context.Background(), f.js)
		return err == nil && len(dl) == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()
	require.NoError(t, Retry(context.Background(), f.js, "m4"))

	assert.Eventually(t, func() bool { return f.stat(t, "forwarded") == 1 }, 5*time.Second, 20*time.Millisecond)
	dl, err := DeadLetters(context.Background(), f.js)
	require.NoError(t, err)
	assert.Empty(t, dl)

	assert.ErrorIs(t, Retry(context.Background(), f.js, "m4"), ErrNotDeadLettered)
}
