package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/consumers"
	"github.com/minasoft/adt-gateway/internal/db"
	"github.com/minasoft/adt-gateway/internal/engine"
	"github.com/minasoft/adt-gateway/internal/events"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/integration"
	"github.com/minasoft/adt-gateway/internal/lock"
	"github.com/minasoft/adt-gateway/internal/metrics"
	natsserver "github.com/minasoft/adt-gateway/internal/nats"
	"github.com/minasoft/adt-gateway/internal/reconcile"
	"github.com/minasoft/adt-gateway/internal/store"
)

const admit = "MSH|^~\\&|HIS|MY-MOH-HKL|ADT_GATEWAY|MOH|20240115120000||ADT^A01|MSG0001|P|2.5\r" +
	"EVN|A01|20240115120000\r" +
	"PID|1||900101-10-1234^^^NRIC^NI||Tan^Mei Ling||19900101|F\r" +
	"PV1|1|I|Ward3^Room5^BedA^MY-MOH-HKL||||||||||||||||V0001\r"

type testServer struct {
	server  *Server
	engine  *engine.Engine
	gateway *audit.MemoryGateway
	store   *store.MemoryStore
}

func newTestServer(t *testing.T, js jetstream.JetStream) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	locker := lock.NewLocalLocker()
	gw := audit.NewMemoryGateway()
	m, err := metrics.New()
	require.NoError(t, err)

	handler := engine.NewADTHandler(reconcile.New(st, locker, "NRIC"), st, locker, gw, integration.Nop{})
	eng := engine.New(engine.Options{
		Gateway:   gw,
		Router:    engine.NewRouter(handler, hl7.AckAccept),
		Publisher: events.Nop{},
		Metrics:   m,
		Timeout:   5 * time.Second,
	})

	srv := NewServer(0, Deps{JetStream: js, Store: st, Gateway: gw, Replayer: eng, Metrics: m})
	return &testServer{server: srv, engine: eng, gateway: gw, store: st}
}

func (ts *testServer) process(t *testing.T, payload string) (db.RawMessage, *db.ProcessingResult) {
	t.Helper()
	raw := db.RawMessage{ID: uuid.NewString(), ReceivedAt: time.Now(), Source: "10.1.1.1:5000", Payload: []byte(payload)}
	res, err := ts.engine.Process(context.Background(), raw)
	require.NoError(t, err)
	return raw, res
}

func (ts *testServer) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func newJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	es, err := natsserver.NewEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(es.Shutdown)
	return es.JetStream()
}

func TestHealthWithoutJetStream(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Components["store"])
	assert.Equal(t, "disabled", body.Components["nats"])
}

func TestHealthReportsStreamsAndBuckets(t *testing.T) {
	ts := newTestServer(t, newJetStream(t))

	rec := ts.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Components["nats"])
	for _, name := range natsserver.Streams {
		assert.Contains(t, body.Components[name], "healthy", name)
	}
	assert.Contains(t, body.Components[natsserver.BucketStats], "healthy")
}

func TestStatsAndMessages(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.process(t, admit)

	rec := ts.do(t, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.EqualValues(t, 1, stats["received"])
	assert.EqualValues(t, 1, stats["accepted"])
	assert.EqualValues(t, 1, stats["acceptance_rate"])

	rec = ts.do(t, http.MethodGet, "/api/messages?messageType=a01")
	require.Equal(t, http.StatusOK, rec.Code)
	messages := decode[[]db.MessageRecord](t, rec)
	require.Len(t, messages, 1)
	assert.Equal(t, "MSG0001", messages[0].MessageControlID)
	assert.Equal(t, db.StatusAccepted, messages[0].Status)

	rec = ts.do(t, http.MethodGet, "/api/messages?status=rejected")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/messages?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	raw, _ := ts.process(t, admit)

	rec := ts.do(t, http.MethodPost, "/api/messages/"+raw.ID+"/replay")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[db.ProcessingResult](t, rec)
	assert.Equal(t, "AA", res.AckCode)
	assert.True(t, res.Duplicate)
	assert.Equal(t, raw.ID, res.ReplayOf)

	patients, encounters, _ := ts.store.Counts()
	assert.Equal(t, 1, patients)
	assert.Equal(t, 1, encounters)

	rec = ts.do(t, http.MethodPost, "/api/messages/missing/replay")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmissionAndPatientLookup(t *testing.T) {
	ts := newTestServer(t, nil)
	_, res := ts.process(t, admit)

	rec := ts.do(t, http.MethodGet, "/api/admissions/"+res.PatientID)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[struct {
		Admission struct {
			Status string `json:"status"`
		} `json:"admission"`
		Transitions []db.TransitionRecord `json:"transitions"`
	}](t, rec)
	assert.Equal(t, "admitted", view.Admission.Status)
	require.Len(t, view.Transitions, 1)
	assert.Equal(t, "admit", view.Transitions[0].Event)

	rec = ts.do(t, http.MethodGet, "/api/admissions/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/patients?system=NRIC&value=900101-10-1234")
	require.Equal(t, http.StatusOK, rec.Code)
	patient := decode[map[string]any](t, rec)
	assert.Equal(t, res.PatientID, patient["id"])

	rec = ts.do(t, http.MethodGet, "/api/patients?system=NRIC&value=000000-00-0000")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/patients?system=NRIC")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJetStreamViewsUnavailable(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/api/streams", "/api/consumers", "/api/dlq"} {
		rec := ts.do(t, http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestStreamsConsumersAndDeadLetters(t *testing.T) {
	js := newJetStream(t)
	ts := newTestServer(t, js)
	ctx := context.Background()

	rec := ts.do(t, http.MethodGet, "/api/streams")
	require.Equal(t, http.StatusOK, rec.Code)
	streams := decode[[]db.StreamInfo](t, rec)
	assert.Len(t, streams, len(natsserver.Streams))

	rec = ts.do(t, http.MethodGet, "/api/consumers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	kv, err := js.KeyValue(ctx, natsserver.BucketDLQ)
	require.NoError(t, err)
	letter, err := json.Marshal(consumers.DeadLetter{
		Topic:    "admit",
		Event:    events.Event{MessageID: "m-1", ControlID: "MSG0001", RawMessage: []byte(admit)},
		Error:    "connection refused",
		Attempts: 5,
		FailedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = kv.Put(ctx, "m-1", letter)
	require.NoError(t, err)

	rec = ts.do(t, http.MethodGet, "/api/dlq")
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decode[[]consumers.DeadLetter](t, rec)
	require.Len(t, letters, 1)
	assert.Equal(t, "MSG0001", letters[0].Event.ControlID)

	rec = ts.do(t, http.MethodPost, "/api/dlq/m-1/retry")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/dlq/m-1/retry")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stream, err := js.Stream(ctx, natsserver.StreamEvents)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.State.Msgs)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.process(t, admit)

	rec := ts.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adt_gateway_engine_messages_received_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
