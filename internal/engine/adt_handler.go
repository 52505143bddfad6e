package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/audit"
	"github.com/minasoft/adt-gateway/internal/clinical"
	"github.com/minasoft/adt-gateway/internal/db"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/integration"
	"github.com/minasoft/adt-gateway/internal/lock"
	"github.com/minasoft/adt-gateway/internal/reconcile"
	"github.com/minasoft/adt-gateway/internal/router"
	"github.com/minasoft/adt-gateway/internal/store"
)

// ADTHandler applies ADT messages: it resolves the patient, moves the
// admission state, reconciles encounter and practitioner and records the
// transition. Everything after patient resolution runs under the
// patient's admission lock.
type ADTHandler struct {
	reconciler *reconcile.Reconciler
	store      store.Store
	locker     lock.Locker
	gateway    audit.Gateway
	registry   integration.Client
	now        func() time.Time
}

func NewADTHandler(rec *reconcile.Reconciler, st store.Store, locker lock.Locker, gw audit.Gateway, registry integration.Client) *ADTHandler {
	if registry == nil {
		registry = integration.Nop{}
	}
	return &ADTHandler{
		reconciler: rec,
		store:      st,
		locker:     locker,
		gateway:    gw,
		registry:   registry,
		now:        time.Now,
	}
}

func admissionKey(patientID string) string {
	return "admission:" + patientID
}

// ledgerKey identifies a message within its sender.
func ledgerKey(msg *hl7.Message) string {
	if msg.ControlID == "" {
		return ""
	}
	return msg.SendingApp + "|" + msg.SendingFac + "|" + msg.ControlID
}

func (h *ADTHandler) Handle(ctx context.Context, msg *hl7.Message) (*router.Outcome, error) {
	out := router.NewOutcome()

	pid, ok := msg.Patient()
	if !ok {
		out.Fail(hl7.ErrorDetail{Segment: "PID", Code: hl7.CodeSegmentSequence, Text: "required segment PID missing"})
		return out, nil
	}

	patient, created, err := h.reconciler.ResolvePatient(ctx, patientFromPID(pid, msg.SendingFac))
	if err != nil {
		return h.resolveFailure(out, "PID", 3, err)
	}
	out.Record(patient.Ref(), created)
	out.PatientID = patient.ID

	if created {
		h.submit(ctx, out, patient)
	}

	release, err := h.locker.Lock(ctx, admissionKey(patient.ID))
	if err != nil {
		return nil, fmt.Errorf("lock admission of %s: %w", patient.ID, err)
	}
	defer release()

	key := ledgerKey(msg)
	if key != "" {
		out.Duplicate, err = h.store.Processed(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check processed %s: %w", key, err)
		}
	}

	cur, err := h.store.GetAdmission(ctx, patient.ID)
	if err != nil {
		return nil, fmt.Errorf("load admission of %s: %w", patient.ID, err)
	}

	visit, hasVisit := msg.Visit()
	event, mapped := adt.EventForTrigger(msg.Trigger)
	loc := locationFrom(visit.Location, msg.SendingFac)

	var (
		next       = cur
		transition adt.Transition
		applied    bool
	)
	switch {
	case out.Duplicate:
		slog.Info("Duplicate message, state not re-applied",
			"controlID", msg.ControlID,
			"facility", msg.SendingFac,
			"patientID", patient.ID)
	case !mapped:
		out.Warn(hl7.CodeUnsupportedEvent, "unmapped ADT trigger %s", msg.Trigger)
	default:
		next, transition = adt.Apply(cur, adt.Input{
			Event:     event,
			At:        eventTime(msg, event, visit, h.now()),
			Location:  loc,
			ControlID: msg.ControlID,
		})
		applied = transition.Applied
		if transition.Warning != "" {
			out.Warn(hl7.CodeInternal, "%s", transition.Warning)
		}
		out.Transition = &transition
	}

	// Attending first so the encounter can reference it.
	attending := ""
	if hasVisit {
		for _, c := range visit.Attending {
			if c.ID == "" {
				continue
			}
			pr, created, err := h.reconciler.ResolvePractitioner(ctx, practitionerFrom(c, msg.SendingFac))
			if err != nil {
				return h.resolveFailure(out, "PV1", 7, err)
			}
			out.Record(pr.Ref(), created)
			if attending == "" {
				attending = pr.Ref().String()
			}
		}
	}

	encounterID, err := h.encounterIdentifier(ctx, msg, visit, hasVisit, event, cur)
	if err != nil {
		return nil, err
	}
	if !encounterID.Empty() {
		in := encounterChange(transition, msg.Trigger, applied, loc)
		in.Identifier = encounterID
		in.PatientID = patient.ID
		in.Facility = msg.SendingFac
		in.Attending = attending
		if class, ok := clinical.ClassFromPatientClass(visit.Class); ok {
			in.Class = class
		}
		enc, created, err := h.reconciler.ResolveEncounter(ctx, in)
		if err != nil {
			return h.resolveFailure(out, "PV1", 19, err)
		}
		out.Record(enc.Ref(), created)
		out.EncounterID = enc.ID
		if applied && next.EncounterID == "" {
			next.EncounterID = enc.ID
		}
	}

	if applied {
		if err := h.store.SaveAdmission(ctx, next); err != nil {
			return nil, fmt.Errorf("save admission of %s: %w", patient.ID, err)
		}
	}
	if out.Transition != nil {
		if err := h.gateway.StoreTransition(ctx, transitionRecord(ctx, msg, next, transition)); err != nil {
			return nil, fmt.Errorf("store transition: %w", err)
		}
	}
	if key != "" && !out.Duplicate {
		if err := h.store.MarkProcessed(ctx, key); err != nil {
			return nil, fmt.Errorf("mark processed %s: %w", key, err)
		}
	}
	return out, nil
}

// encounterIdentifier picks the encounter a message refers to: PV1-19,
// else the patient's current encounter, else for admissions and
// registrations a key derived from the control id so retries find the
// same encounter.
func (h *ADTHandler) encounterIdentifier(ctx context.Context, msg *hl7.Message, visit hl7.Visit, hasVisit bool, event adt.Event, cur adt.AdmissionStatus) (clinical.Identifier, error) {
	if !hasVisit {
		return clinical.Identifier{}, nil
	}
	if visit.VisitNumber.Value != "" {
		return visitIdentifier(visit, msg.SendingFac), nil
	}
	if event != adt.EventAdmit && event != adt.EventRegister && cur.EncounterID != "" {
		enc, err := h.store.GetEncounter(ctx, cur.EncounterID)
		if errors.Is(err, store.ErrNotFound) {
			return clinical.Identifier{}, nil
		}
		if err != nil {
			return clinical.Identifier{}, fmt.Errorf("load encounter %s: %w", cur.EncounterID, err)
		}
		return enc.Identifier, nil
	}
	if event == adt.EventAdmit || event == adt.EventRegister {
		return clinical.Identifier{System: msg.SendingFac, Value: "ADM-" + msg.ControlID, Type: "VN"}, nil
	}
	return clinical.Identifier{}, nil
}

// resolveFailure turns reconciliation errors into a negative outcome.
// Anything else is an infrastructure failure.
func (h *ADTHandler) resolveFailure(out *router.Outcome, segment string, field int, err error) (*router.Outcome, error) {
	var conflict *reconcile.ConflictError
	switch {
	case errors.As(err, &conflict):
		out.Fail(hl7.ErrorDetail{Segment: segment, Field: field, Code: hl7.CodeDuplicateKey, Text: conflict.Error()})
		slog.Warn("Reconciliation conflict", "error", err)
		return out, nil
	case errors.Is(err, reconcile.ErrNoIdentifier):
		out.Fail(hl7.ErrorDetail{Segment: segment, Field: field, Code: hl7.CodeRequiredField, Text: "identifier required"})
		return out, nil
	default:
		return nil, err
	}
}

// submit sends a new patient to the registry. Failure is a warning.
func (h *ADTHandler) submit(ctx context.Context, out *router.Outcome, p *clinical.Patient) {
	if _, err := h.registry.Submit(ctx, p); err != nil {
		out.Warn(hl7.CodeInternal, "registry submission failed: %v", err)
		slog.Warn("Registry submission failed", "patientID", p.ID, "error", err)
	}
}

func transitionRecord(ctx context.Context, msg *hl7.Message, state adt.AdmissionStatus, t adt.Transition) db.TransitionRecord {
	return db.TransitionRecord{
		MessageID:   MessageID(ctx),
		ControlID:   msg.ControlID,
		PatientID:   state.PatientID,
		EncounterID: state.EncounterID,
		Event:       string(t.Event),
		From:        string(t.From),
		To:          string(t.To),
		Location:    t.Location.String(),
		Applied:     t.Applied,
		Warning:     t.Warning,
		Version:     state.Version,
		At:          t.At,
	}
}
