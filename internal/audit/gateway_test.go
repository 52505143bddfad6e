package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/adt-gateway/internal/db"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

func gateways(t *testing.T) map[string]Gateway {
	t.Helper()

	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)

	js, err := NewJetStreamGateway(context.Background(), es.JetStream())
	require.NoError(t, err)

	return map[string]Gateway{
		"memory":    NewMemoryGateway(),
		"jetstream": js,
	}
}

func rawMessage(id string, at time.Time) db.RawMessage {
	return db.RawMessage{
		ID:         id,
		ReceivedAt: at,
		Source:     "10.0.0.5:4411",
		Payload:    []byte("MSH|^~\\&|HIS|MY-MOH-HKL|ADT|HUB|20240101||ADT^A01|" + id + "|P|2.5\rPID|1||123\r"),
	}
}

func TestGatewayRawRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, g := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
			raw := rawMessage("msg-1", at)
			require.NoError(t, g.StoreRaw(ctx, raw))

			got, err := g.GetRaw(ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, raw.Payload, got.Payload)
			assert.Equal(t, raw.Source, got.Source)
			assert.True(t, raw.ReceivedAt.Equal(got.ReceivedAt))

			_, err = g.GetRaw(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestGatewayResultUpdatesHistoryAndStats(t *testing.T) {
	ctx := context.Background()
	for name, g := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
			accepted := rawMessage("msg-a", base)
			rejected := rawMessage("msg-r", base.Add(time.Minute))
			require.NoError(t, g.StoreRaw(ctx, accepted))
			require.NoError(t, g.StoreRaw(ctx, rejected))

			require.NoError(t, g.StoreResult(ctx, accepted, db.ProcessingResult{
				MessageID:   "msg-a",
				ControlID:   "MSG0001",
				MessageType: "ADT^A01",
				SendingFac:  "MY-MOH-HKL",
				AckCode:     "AA",
				Success:     true,
				PatientID:   "patient-1",
				Warnings:    []string{"w1", "w2"},
				ProcessedAt: base.Add(time.Second),
			}))
			require.NoError(t, g.StoreResult(ctx, rejected, db.ProcessingResult{
				MessageID:   "msg-r",
				ControlID:   "MSG0002",
				MessageType: "ADT^A03",
				AckCode:     "AR",
				Errors:      []string{"PID: required segment missing"},
				Duplicate:   true,
				ProcessedAt: base.Add(2 * time.Minute),
			}))

			recs, err := g.Recent(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "msg-r", recs[0].ID, "newest first")
			assert.Equal(t, db.StatusRejected, recs[0].Status)
			assert.Equal(t, db.StatusAccepted, recs[1].Status)
			assert.Equal(t, "MSG0001", recs[1].MessageControlID)
			require.NotNil(t, recs[1].ProcessedAt)

			recs, err = g.Recent(ctx, Filter{PatientID: "patient-1"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "msg-a", recs[0].ID)

			recs, err = g.Recent(ctx, Filter{MessageType: "a03", Limit: 5})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "msg-r", recs[0].ID)

			recs, err = g.Recent(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, recs, 1)

			stats, err := g.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, stats["total_received"])
			assert.EqualValues(t, 1, stats["accepted"])
			assert.EqualValues(t, 1, stats["rejected"])
			assert.EqualValues(t, 1, stats["duplicates"])
			assert.EqualValues(t, 2, stats["warnings"])
		})
	}
}

func TestGatewayTransitionsByPatient(t *testing.T) {
	ctx := context.Background()
	for name, g := range gateways(t) {
		t.Run(name, func(t *testing.T) {
			at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
			for i, ev := range []string{"admit", "transfer", "discharge"} {
				require.NoError(t, g.StoreTransition(ctx, db.TransitionRecord{
					MessageID: "m" + ev,
					PatientID: "p1",
					Event:     ev,
					Applied:   true,
					Version:   int64(i + 1),
					At:        at.Add(time.Duration(i) * time.Hour),
				}))
			}
			require.NoError(t, g.StoreTransition(ctx, db.TransitionRecord{PatientID: "p2", Event: "admit"}))

			got, err := g.Transitions(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "admit", got[0].Event)
			assert.Equal(t, "discharge", got[2].Event)
			assert.EqualValues(t, 3, got[2].Version)

			none, err := g.Transitions(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestJetStreamIncrementConcurrent(t *testing.T) {
	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)

	ctx := context.Background()
	g, err := NewJetStreamGateway(ctx, es.JetStream())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Increment(ctx, "forwarded", 1))
		}()
	}
	wg.Wait()

	stats, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats["forwarded"])
}

func TestCounterDeltas(t *testing.T) {
	d := counterDeltas(db.ProcessingResult{AckCode: "AE", Unroutable: true})
	assert.Equal(t, map[string]int64{"errored": 1, "unroutable": 1}, d)
}
