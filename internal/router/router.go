// Package router dispatches parsed messages to handlers by message type.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/clinical"
	"github.com/minasoft/adt-gateway/internal/hl7"
)

// Wildcard matches any trigger event within a category.
const Wildcard = "*"

// Outcome is what a handler did with a message. Errors turn into a
// negative acknowledgment; warnings ride along on a positive one.
type Outcome struct {
	Code        hl7.AckCode
	Created     []clinical.Ref
	Updated     []clinical.Ref
	Errors      []hl7.ErrorDetail
	Warnings    []hl7.ErrorDetail
	Transition  *adt.Transition
	Duplicate   bool
	Unroutable  bool
	PatientID   string
	EncounterID string
}

// NewOutcome returns an accepting outcome.
func NewOutcome() *Outcome {
	return &Outcome{Code: hl7.AckAccept}
}

// Warn records a soft failure.
func (o *Outcome) Warn(code hl7.ErrorCode, format string, args ...any) {
	o.Warnings = append(o.Warnings, hl7.ErrorDetail{Code: code, Severity: hl7.SeverityWarning, Text: fmt.Sprintf(format, args...)})
}

// Fail records a hard failure and downgrades the outcome to AE.
func (o *Outcome) Fail(detail hl7.ErrorDetail) {
	detail.Severity = hl7.SeverityError
	o.Errors = append(o.Errors, detail)
	if o.Code == hl7.AckAccept {
		o.Code = hl7.AckError
	}
}

// Record notes a resolved resource as created or updated.
func (o *Outcome) Record(ref clinical.Ref, created bool) {
	if created {
		o.Created = append(o.Created, ref)
	} else {
		o.Updated = append(o.Updated, ref)
	}
}

// Details returns errors followed by warnings, the order ERR segments are
// written in.
func (o *Outcome) Details() []hl7.ErrorDetail {
	out := make([]hl7.ErrorDetail, 0, len(o.Errors)+len(o.Warnings))
	out = append(out, o.Errors...)
	return append(out, o.Warnings...)
}

// Handler processes one routed message. A returned error is an
// infrastructure failure and aborts processing of the message.
type Handler interface {
	Handle(ctx context.Context, msg *hl7.Message) (*Outcome, error)
}

type HandlerFunc func(ctx context.Context, msg *hl7.Message) (*Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *hl7.Message) (*Outcome, error) {
	return f(ctx, msg)
}

type routeKey struct {
	category string
	trigger  string
}

// Router is a dispatch table keyed by (category, trigger event). Messages
// without a route go to the fallback, which acknowledges and logs them.
type Router struct {
	mu             sync.RWMutex
	routes         map[routeKey]Handler
	unroutableCode hl7.AckCode
	unroutable     atomic.Int64
}

func New() *Router {
	return &Router{routes: make(map[routeKey]Handler), unroutableCode: hl7.AckAccept}
}

// Handle registers h for category^trigger. Use Wildcard as trigger to
// match every event of the category not registered explicitly.
func (r *Router) Handle(category, trigger string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey{strings.ToUpper(category), strings.ToUpper(trigger)}] = h
}

// SetUnroutableAck sets the acknowledgment code used for messages without
// a handler: AA (default) or AR.
func (r *Router) SetUnroutableAck(code hl7.AckCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unroutableCode = code
}

// Lookup returns the handler for msg, if any.
func (r *Router) Lookup(category, trigger string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	category, trigger = strings.ToUpper(category), strings.ToUpper(trigger)
	if h, ok := r.routes[routeKey{category, trigger}]; ok {
		return h, true
	}
	h, ok := r.routes[routeKey{category, Wildcard}]
	return h, ok
}

// Dispatch runs the handler for msg. Unroutable messages never fail: they
// count towards Unroutable and are acknowledged per SetUnroutableAck.
func (r *Router) Dispatch(ctx context.Context, msg *hl7.Message) (*Outcome, error) {
	if h, ok := r.Lookup(msg.Category, msg.Trigger); ok {
		return h.Handle(ctx, msg)
	}
	return r.fallback(msg), nil
}

func (r *Router) knownCategory(category string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	category = strings.ToUpper(category)
	for k := range r.routes {
		if k.category == category {
			return true
		}
	}
	return false
}

func (r *Router) fallback(msg *hl7.Message) *Outcome {
	r.unroutable.Add(1)

	r.mu.RLock()
	code := r.unroutableCode
	r.mu.RUnlock()

	o := &Outcome{Code: code, Unroutable: true}
	errCode := hl7.CodeUnsupportedType
	if r.knownCategory(msg.Category) {
		errCode = hl7.CodeUnsupportedEvent
	}
	text := fmt.Sprintf("no handler for message type %s", msg.Type())
	if code == hl7.AckAccept {
		o.Warn(errCode, "%s", text)
	} else {
		o.Errors = append(o.Errors, hl7.ErrorDetail{Code: errCode, Severity: hl7.SeverityError, Text: text})
	}

	slog.Warn("Unroutable message",
		"messageType", msg.Type(),
		"controlID", msg.ControlID,
		"facility", msg.SendingFac,
		"ackCode", code)
	return o
}

// Unroutable returns how many messages went to the fallback handler.
func (r *Router) Unroutable() int64 {
	return r.unroutable.Load()
}
