package router

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/adt-gateway/internal/clinical"
	"github.com/minasoft/adt-gateway/internal/hl7"
)

func message(category, trigger string) *hl7.Message {
	return &hl7.Message{Category: category, Trigger: trigger, ControlID: "C1", SendingFac: "MY-MOH-HKL"}
}

func named(name string, calls *[]string) Handler {
	return HandlerFunc(func(ctx context.Context, msg *hl7.Message) (*Outcome, error) {
		*calls = append(*calls, name)
		return NewOutcome(), nil
	})
}

func TestDispatchExactBeforeWildcard(t *testing.T) {
	var calls []string
	r := New()
	r.Handle("ADT", "A01", named("admit", &calls))
	r.Handle("adt", Wildcard, named("adt", &calls))

	_, err := r.Dispatch(context.Background(), message("ADT", "A01"))
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), message("ADT", "a40"))
	require.NoError(t, err)

	assert.Equal(t, []string{"admit", "adt"}, calls)
	assert.Zero(t, r.Unroutable())
}

func TestUnroutableAcceptedWithWarning(t *testing.T) {
	r := New()
	r.Handle("ADT", "A01", named("admit", new([]string)))

	out, err := r.Dispatch(context.Background(), message("ORU", "R01"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckAccept, out.Code)
	assert.True(t, out.Unroutable)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, hl7.CodeUnsupportedType, out.Warnings[0].Code)
	assert.Contains(t, out.Warnings[0].Text, "ORU^R01")

	out, err = r.Dispatch(context.Background(), message("ADT", "A40"))
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, hl7.CodeUnsupportedEvent, out.Warnings[0].Code)

	assert.EqualValues(t, 2, r.Unroutable())
}

func TestUnroutableRejectedWhenConfigured(t *testing.T) {
	r := New()
	r.SetUnroutableAck(hl7.AckReject)

	out, err := r.Dispatch(context.Background(), message("SIU", "S12"))
	require.NoError(t, err)
	assert.Equal(t, hl7.AckReject, out.Code)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, hl7.SeverityError, out.Errors[0].Severity)
	assert.Empty(t, out.Warnings)
}

func TestUnroutableCounterIsConcurrent(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(context.Background(), message("ORM", "O01"))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 50, r.Unroutable())
}

func TestOutcome(t *testing.T) {
	o := NewOutcome()
	o.Warn(hl7.CodeInternal, "registry unavailable: %s", "timeout")
	assert.Equal(t, hl7.AckAccept, o.Code)

	o.Record(clinical.Ref{Type: clinical.TypePatient, ID: "p1"}, true)
	o.Record(clinical.Ref{Type: clinical.TypeEncounter, ID: "e1"}, false)
	assert.Len(t, o.Created, 1)
	assert.Len(t, o.Updated, 1)

	o.Fail(hl7.ErrorDetail{Segment: "PID", Code: hl7.CodeDuplicateKey, Text: "conflict"})
	assert.Equal(t, hl7.AckError, o.Code)

	details := o.Details()
	require.Len(t, details, 2)
	assert.Equal(t, hl7.SeverityError, details[0].Severity)
	assert.Equal(t, hl7.SeverityWarning, details[1].Severity)
}
