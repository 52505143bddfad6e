// Package engine is the processing pipeline for inbound messages: persist
// raw, parse, route, acknowledge, persist the result and publish events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/db"
	"github.com/minasoft/adt-gateway/internal/events"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/metrics"
	"github.com/minasoft/adt-gateway/internal/router"
)

// ErrTimeout is returned when a message is not processed within the
// configured timeout. No acknowledgment is produced.
var ErrTimeout = errors.New("message processing timed out")

type messageIDKey struct{}

// WithMessageID tags ctx with the id of the raw message being processed.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID returns the raw message id carried by ctx.
func MessageID(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}

type Options struct {
	Gateway   audit.Gateway
	Router    *router.Router
	Acks      *hl7.AckBuilder
	AckMode   hl7.AckMode
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Timeout   time.Duration
}

// Engine runs the pipeline. It implements hl7.Handler.
type Engine struct {
	gateway   audit.Gateway
	router    *router.Router
	acks      *hl7.AckBuilder
	ackMode   hl7.AckMode
	publisher events.Publisher
	metrics   *metrics.Metrics
	timeout   time.Duration
	tracer    trace.Tracer
	now       func() time.Time
}

func New(opts Options) *Engine {
	if opts.AckMode == "" {
		opts.AckMode = hl7.AckModeAlways
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Acks == nil {
		opts.Acks = hl7.NewAckBuilder("ADT-GATEWAY", "")
	}
	return &Engine{
		gateway:   opts.Gateway,
		router:    opts.Router,
		acks:      opts.Acks,
		ackMode:   opts.AckMode,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		timeout:   opts.Timeout,
		tracer:    otel.Tracer("github.com/minasoft/adt-gateway/internal/engine"),
		now:       time.Now,
	}
}

// HandleMessage captures a frame read from source and processes it.
func (e *Engine) HandleMessage(ctx context.Context, payload []byte, source string) ([]byte, error) {
	raw := db.RawMessage{
		ID:         uuid.NewString(),
		ReceivedAt: e.now(),
		Source:     source,
		Payload:    append([]byte(nil), payload...),
	}
	result, err := e.Process(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !result.AckSent {
		return nil, nil
	}
	return []byte(result.Ack), nil
}

// Process persists raw and runs it through the pipeline. Only
// infrastructure failures and timeouts are returned as errors; every other
// failure is part of the result and its acknowledgment.
func (e *Engine) Process(ctx context.Context, raw db.RawMessage) (*db.ProcessingResult, error) {
	e.metrics.MessageReceived()
	if err := e.gateway.StoreRaw(ctx, raw); err != nil {
		return nil, fmt.Errorf("store raw message %s: %w", raw.ID, err)
	}
	return e.run(ctx, raw, "")
}

// Replay re-runs a stored raw message. Reconciliation is idempotent and
// the processed-message ledger keeps state transitions from applying
// twice.
func (e *Engine) Replay(ctx context.Context, id string) (*db.ProcessingResult, error) {
	raw, err := e.gateway.GetRaw(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load raw message %s: %w", id, err)
	}
	slog.Info("Replaying message", "messageID", id)
	return e.run(ctx, raw, id)
}

func (e *Engine) run(ctx context.Context, raw db.RawMessage, replayOf string) (*db.ProcessingResult, error) {
	start := time.Now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx = WithMessageID(ctx, raw.ID)

	ctx, span := e.tracer.Start(ctx, "hl7.process", trace.WithAttributes(
		attribute.String("hl7.message_id", raw.ID),
		attribute.String("hl7.source", raw.Source),
		attribute.Int("hl7.size", len(raw.Payload)),
	))
	defer span.End()

	msg, outcome, err := e.dispatch(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
			e.metrics.Timeout()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Message processing failed",
			"messageID", raw.ID,
			"controlID", msg.ControlID,
			"messageType", msg.Type(),
			"facility", msg.SendingFac,
			"error", err)
		return nil, err
	}

	warnings := len(outcome.Warnings)
	ack := e.acks.Build(msg, outcome.Code, outcome.Details())
	result := &db.ProcessingResult{
		MessageID:   raw.ID,
		ControlID:   msg.ControlID,
		MessageType: msg.Type(),
		SendingApp:  msg.SendingApp,
		SendingFac:  msg.SendingFac,
		AckCode:     string(outcome.Code),
		Success:     outcome.Code == hl7.AckAccept,
		Duplicate:   outcome.Duplicate,
		Unroutable:  outcome.Unroutable,
		PatientID:   outcome.PatientID,
		Ack:         string(ack),
		AckSent:     e.ackMode.ShouldSend(outcome.Code, warnings),
		Duration:    time.Since(start),
		ProcessedAt: e.now(),
		ReplayOf:    replayOf,
	}
	for _, ref := range outcome.Created {
		result.Created = append(result.Created, ref.String())
	}
	for _, ref := range outcome.Updated {
		result.Updated = append(result.Updated, ref.String())
	}
	for _, d := range outcome.Errors {
		result.Errors = append(result.Errors, detailText(d))
	}
	warningCodes := make([]string, 0, warnings)
	for _, d := range outcome.Warnings {
		result.Warnings = append(result.Warnings, detailText(d))
		warningCodes = append(warningCodes, strconv.Itoa(int(d.Code)))
	}

	span.SetAttributes(
		attribute.String("hl7.control_id", msg.ControlID),
		attribute.String("hl7.message_type", msg.Type()),
		attribute.String("hl7.facility", msg.SendingFac),
		attribute.String("hl7.ack_code", result.AckCode),
		attribute.Int("hl7.warnings", warnings),
	)
	if !result.Success {
		span.SetStatus(codes.Error, "negative acknowledgment")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if err := e.gateway.StoreResult(ctx, raw, *result); err != nil {
		return nil, fmt.Errorf("store result %s: %w", raw.ID, err)
	}
	if result.Success && !result.Duplicate && !result.Unroutable {
		e.publish(ctx, raw, msg, outcome)
	}

	e.metrics.MessageProcessed(result.MessageType, result.AckCode, result.Duration, result.Unroutable, result.Duplicate, warningCodes)
	slog.Info("Message processed",
		"messageID", raw.ID,
		"controlID", result.ControlID,
		"messageType", result.MessageType,
		"facility", result.SendingFac,
		"ackCode", result.AckCode,
		"warnings", warnings,
		"duplicate", result.Duplicate,
		"duration", result.Duration)
	return result, nil
}

// dispatch parses and routes. A message that fails to parse gets a
// negative outcome correlated through its header, if the header is
// readable at all. The returned message is never nil.
func (e *Engine) dispatch(ctx context.Context, raw db.RawMessage) (*hl7.Message, *router.Outcome, error) {
	msg, err := hl7.Parse(raw.Payload)
	if err != nil {
		header, herr := hl7.ParseHeader(raw.Payload)
		if herr != nil {
			header = &hl7.Message{}
		}
		outcome := router.NewOutcome()
		var pe *hl7.ParseError
		if errors.As(err, &pe) {
			outcome.Fail(hl7.DetailFromParseError(pe))
		} else {
			outcome.Fail(hl7.ErrorDetail{Code: hl7.CodeInternal, Text: err.Error()})
		}
		slog.Warn("Message rejected by parser",
			"messageID", raw.ID,
			"controlID", header.ControlID,
			"messageType", header.Type(),
			"facility", header.SendingFac,
			"error", err)
		return header, outcome, nil
	}

	outcome, err := e.router.Dispatch(ctx, msg)
	if err != nil {
		return msg, nil, err
	}
	return msg, outcome, nil
}

func (e *Engine) publish(ctx context.Context, raw db.RawMessage, msg *hl7.Message, outcome *router.Outcome) {
	ev := events.Event{
		MessageID:   raw.ID,
		MessageType: msg.Type(),
		ControlID:   msg.ControlID,
		Facility:    msg.SendingFac,
		PatientID:   outcome.PatientID,
		EncounterID: outcome.EncounterID,
		RawMessage:  raw.Payload,
		At:          e.now(),
	}
	topic := events.TopicMessage
	if t := outcome.Transition; t != nil {
		topic = string(t.Event)
		ev.Event = string(t.Event)
		ev.From = string(t.From)
		ev.To = string(t.To)
		ev.Location = t.Location.String()
		ev.Applied = t.Applied
	}
	e.publisher.Publish(ctx, topic, ev)
}

func detailText(d hl7.ErrorDetail) string {
	if d.Segment == "" {
		return d.Text
	}
	if d.Field > 0 {
		return fmt.Sprintf("%s-%d: %s", d.Segment, d.Field, d.Text)
	}
	return d.Segment + ": " + d.Text
}
