package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/adt-gateway/internal/events"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
)

// ErrNotDeadLettered is returned by Retry for an id not in the DLQ.
var ErrNotDeadLettered = errors.New("message is not in the dead letter queue")

// DeadLetters lists the DLQ, oldest failure first.
func DeadLetters(ctx context.Context, js jetstream.JetStream) ([]DeadLetter, error) {
	kv, err := js.KeyValue(ctx, natsserver.BucketDLQ)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", natsserver.BucketDLQ, err)
	}
	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(entry.Value(), &dl); err == nil {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

// Retry moves a dead-lettered message back onto the events stream and
// removes it from the DLQ.
func Retry(ctx context.Context, js jetstream.JetStream, messageID string) error {
	kv, err := js.KeyValue(ctx, natsserver.BucketDLQ)
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", natsserver.BucketDLQ, err)
	}
	entry, err := kv.Get(ctx, messageID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrNotDeadLettered
	}
	if err != nil {
		return fmt.Errorf("get dead letter %s: %w", messageID, err)
	}

	var dl DeadLetter
	if err := json.Unmarshal(entry.Value(), &dl); err != nil {
		return fmt.Errorf("decode dead letter %s: %w", messageID, err)
	}
	topic := dl.Topic
	if topic == "" {
		topic = events.TopicMessage
	}
	data, err := json.Marshal(dl.Event)
	if err != nil {
		return err
	}
	// A fresh id keeps the duplicate window from swallowing the retry.
	retryID := fmt.Sprintf("%s:retry:%d", messageID, time.Now().UnixNano())
	if _, err := js.Publish(ctx, events.Subject(topic), data, jetstream.WithMsgID(retryID)); err != nil {
		return fmt.Errorf("republish %s: %w", messageID, err)
	}
	if err := kv.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("remove dead letter %s: %w", messageID, err)
	}
	return nil
}
