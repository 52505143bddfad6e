package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/adt-gateway/internal/db"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

const (
	headerSource     = "Hl7-Source"
	headerReceivedAt = "Hl7-Received-At"
)

// JetStreamGateway writes raw messages to the HL7_INBOUND stream (one
// subject per message, deduplicated by message id), results and
// transitions to their own streams, summaries to the HL7_HISTORY bucket
// and counters to HL7_STATS.
type JetStreamGateway struct {
	js          jetstream.JetStream
	inbound     jetstream.Stream
	transitions jetstream.Stream
	history     jetstream.KeyValue
	stats       jetstream.KeyValue
}

func NewJetStreamGateway(ctx context.Context, js jetstream.JetStream) (*JetStreamGateway, error) {
	inbound, err := js.Stream(ctx, natsserver.StreamInbound)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", natsserver.StreamInbound, err)
	}
	transitions, err := js.Stream(ctx, natsserver.StreamTransitions)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", natsserver.StreamTransitions, err)
	}
	history, err := js.KeyValue(ctx, natsserver.BucketHistory)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", natsserver.BucketHistory, err)
	}
	stats, err := js.KeyValue(ctx, natsserver.BucketStats)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", natsserver.BucketStats, err)
	}
	return &JetStreamGateway{
		js:          js,
		inbound:     inbound,
		transitions: transitions,
		history:     history,
		stats:       stats,
	}, nil
}

func (g *JetStreamGateway) StoreRaw(ctx context.Context, raw db.RawMessage) error {
	msg := &nats.Msg{
		Subject: natsserver.SubjectInbound + "." + raw.ID,
		Data:    raw.Payload,
		Header:  nats.Header{},
	}
	msg.Header.Set(headerSource, raw.Source)
	msg.Header.Set(headerReceivedAt, raw.ReceivedAt.UTC().Format(time.RFC3339Nano))

	if _, err := g.js.PublishMsg(ctx, msg, jetstream.WithMsgID(raw.ID)); err != nil {
		return fmt.Errorf("publish raw message %s: %w", raw.ID, err)
	}

	if err := g.putRecord(ctx, recordFor(raw)); err != nil {
		slog.Warn("History write failed", "messageID", raw.ID, "error", err)
	}
	if err := g.increment(ctx, "total_received", 1); err != nil {
		slog.Warn("Stats update failed", "key", "total_received", "error", err)
	}
	return nil
}

func (g *JetStreamGateway) StoreResult(ctx context.Context, raw db.RawMessage, result db.ProcessingResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := g.js.Publish(ctx, natsserver.SubjectResults+"."+raw.ID, data); err != nil {
		return fmt.Errorf("publish result %s: %w", raw.ID, err)
	}

	rec, err := g.getRecord(ctx, raw.ID)
	if err != nil {
		rec = recordFor(raw)
	}
	applyResult(&rec, result)
	if err := g.putRecord(ctx, rec); err != nil {
		slog.Warn("History write failed", "messageID", raw.ID, "error", err)
	}

	for key, delta := range counterDeltas(result) {
		if err := g.increment(ctx, key, delta); err != nil {
			slog.Warn("Stats update failed", "key", key, "error", err)
		}
	}
	return nil
}

func (g *JetStreamGateway) StoreTransition(ctx context.Context, rec db.TransitionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	if _, err := g.js.Publish(ctx, natsserver.SubjectTransitions+"."+rec.PatientID, data); err != nil {
		return fmt.Errorf("publish transition for %s: %w", rec.PatientID, err)
	}
	return nil
}

func (g *JetStreamGateway) GetRaw(ctx context.Context, id string) (db.RawMessage, error) {
	msg, err := g.inbound.GetLastMsgForSubject(ctx, natsserver.SubjectInbound+"."+id)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return db.RawMessage{}, ErrNotFound
	}
	if err != nil {
		return db.RawMessage{}, fmt.Errorf("get raw message %s: %w", id, err)
	}
	raw := db.RawMessage{
		ID:      id,
		Payload: msg.Data,
		Source:  msg.Header.Get(headerSource),
	}
	if ts := msg.Header.Get(headerReceivedAt); ts != "" {
		raw.ReceivedAt, _ = time.Parse(time.RFC3339Nano, ts)
	} else {
		raw.ReceivedAt = msg.Time
	}
	return raw, nil
}

func (g *JetStreamGateway) Recent(ctx context.Context, filter Filter) ([]db.MessageRecord, error) {
	keys, err := g.history.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	var out []db.MessageRecord
	for _, key := range keys {
		rec, err := g.getRecord(ctx, key)
		if err != nil {
			continue
		}
		if filter.match(rec) {
			out = append(out, rec)
		}
	}
	return newestFirst(out, filter.Limit), nil
}

func (g *JetStreamGateway) Transitions(ctx context.Context, patientID string) ([]db.TransitionRecord, error) {
	subject := natsserver.SubjectTransitions + "." + patientID

	info, err := g.transitions.Info(ctx, jetstream.WithSubjectFilter(subject))
	if err != nil {
		return nil, fmt.Errorf("transitions info for %s: %w", patientID, err)
	}
	pending := int(info.State.Subjects[subject])
	if pending == 0 {
		return nil, nil
	}

	cons, err := g.js.OrderedConsumer(ctx, natsserver.StreamTransitions, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("open transitions for %s: %w", patientID, err)
	}

	out := make([]db.TransitionRecord, 0, pending)
	for len(out) < pending {
		batch, err := cons.Fetch(pending-len(out), jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return out, fmt.Errorf("fetch transitions for %s: %w", patientID, err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			var rec db.TransitionRecord
			if err := json.Unmarshal(msg.Data(), &rec); err == nil {
				out = append(out, rec)
			} else {
				pending--
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return out, fmt.Errorf("fetch transitions for %s: %w", patientID, err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func (g *JetStreamGateway) Stats(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(natsserver.StatKeys))
	for _, key := range natsserver.StatKeys {
		entry, err := g.stats.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			out[key] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read counter %s: %w", key, err)
		}
		n, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		out[key] = n
	}
	return out, nil
}

// Increment moves a named counter. The forwarder uses it for delivery
// counts.
func (g *JetStreamGateway) Increment(ctx context.Context, key string, delta int64) error {
	return g.increment(ctx, key, delta)
}

// increment is a compare-and-set loop on the counter's revision.
func (g *JetStreamGateway) increment(ctx context.Context, key string, delta int64) error {
	op := func() error {
		entry, err := g.stats.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			_, err := g.stats.Create(ctx, key, []byte(strconv.FormatInt(delta, 10)))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		n, _ := strconv.ParseInt(string(entry.Value()), 10, 64)
		_, err = g.stats.Update(ctx, key, []byte(strconv.FormatInt(n+delta, 10)), entry.Revision())
		if err != nil && !isConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 20), ctx)
	return backoff.Retry(op, policy)
}

// isConflict reports a lost compare-and-set race.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "10071")
}

func (g *JetStreamGateway) getRecord(ctx context.Context, id string) (db.MessageRecord, error) {
	entry, err := g.history.Get(ctx, id)
	if err != nil {
		return db.MessageRecord{}, err
	}
	var rec db.MessageRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return db.MessageRecord{}, err
	}
	return rec, nil
}

func (g *JetStreamGateway) putRecord(ctx context.Context, rec db.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = g.history.Put(ctx, rec.ID, data)
	return err
}
