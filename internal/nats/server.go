package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Streams and buckets owned by the gateway.
const (
	StreamInbound     = "HL7_INBOUND"
	StreamResults     = "HL7_RESULTS"
	StreamTransitions = "ADT_TRANSITIONS"
	StreamEvents      = "ADT_EVENTS"

	BucketStats   = "HL7_STATS"
	BucketDLQ     = "HL7_DLQ"
	BucketHistory = "HL7_HISTORY"

	SubjectInbound     = "hl7.inbound"
	SubjectResults     = "hl7.results"
	SubjectTransitions = "adt.transitions"
	SubjectEvents      = "adt.events"
)

// StatKeys are the counters kept in the stats bucket.
var StatKeys = []string{
	"total_received", "accepted", "rejected", "errored",
	"duplicates", "unroutable", "warnings",
	"forwarded", "forward_failed",
}

// Streams lists every stream the gateway creates, for operator views.
var Streams = []string{StreamInbound, StreamResults, StreamTransitions, StreamEvents}

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
}

func NewEmbeddedServer(dataDir string) (*EmbeddedServer, error) {
	// Client port is random; only in-process clients connect.
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1,
		HTTPPort:  -1,
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready")
	}

	slog.Info("Embedded NATS server started", "clientURL", ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("start JetStream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := es.createStreams(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	if err := es.createKVStores(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}

	return es, nil
}

func (es *EmbeddedServer) createStreams(ctx context.Context) error {
	configs := []jetstream.StreamConfig{
		{
			// Raw inbound messages, one subject per message id so a single
			// message can be fetched back for replay.
			Name:        StreamInbound,
			Description: "Raw HL7 messages as received",
			Subjects:    []string{SubjectInbound + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			MaxMsgs:     1000000,
			MaxBytes:    10 * 1024 * 1024 * 1024,
			Duplicates:  2 * time.Minute,
		},
		{
			Name:        StreamResults,
			Description: "Processing results and acknowledgments",
			Subjects:    []string{SubjectResults + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			MaxMsgs:     1000000,
		},
		{
			Name:        StreamTransitions,
			Description: "Every applied or rejected admission transition",
			Subjects:    []string{SubjectTransitions + ".>"},
			Retention:   jetstream.LimitsPolicy,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		},
		{
			Name:        StreamEvents,
			Description: "ADT domain events for downstream consumers",
			Subjects:    []string{SubjectEvents + ".>"},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      7 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			MaxMsgs:     1000000,
		},
	}

	for _, cfg := range configs {
		if _, err := es.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		slog.Info("Stream ready", "stream", cfg.Name)
	}
	return nil
}

func (es *EmbeddedServer) createKVStores(ctx context.Context) error {
	statsKV, err := es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketStats,
		Description: "HL7 processing counters",
		History:     10,
		MaxBytes:    1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s bucket: %w", BucketStats, err)
	}

	for _, key := range StatKeys {
		if _, err := statsKV.Get(ctx, key); errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := statsKV.Create(ctx, key, []byte("0")); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
				return fmt.Errorf("initialise counter %s: %w", key, err)
			}
		}
	}
	slog.Info("KV bucket ready", "bucket", BucketStats)

	_, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketDLQ,
		Description: "Messages that could not be forwarded downstream",
		History:     1,
		TTL:         7 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s bucket: %w", BucketDLQ, err)
	}
	slog.Info("KV bucket ready", "bucket", BucketDLQ)

	_, err = es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketHistory,
		Description: "Recent message summaries",
		History:     1,
		TTL:         24 * time.Hour,
		MaxBytes:    500 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s bucket: %w", BucketHistory, err)
	}
	slog.Info("KV bucket ready", "bucket", BucketHistory)
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	slog.Info("NATS server stopped")
}
