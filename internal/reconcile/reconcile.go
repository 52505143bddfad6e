// Package reconcile resolves incoming demographic and visit data against
// the canonical clinical resources, creating or merging as needed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/minasoft/adt-gateway/internal/clinical"
	"github.com/minasoft/adt-gateway/internal/lock"
	"github.com/minasoft/adt-gateway/internal/store"
)

// ErrNoIdentifier is returned when a resource carries nothing to resolve by.
var ErrNoIdentifier = errors.New("no identifier to resolve")

const maxAttempts = 3

// ConflictError reports identifiers that resolve to different canonical
// resources. It is never resolved automatically.
type ConflictError struct {
	Type        clinical.ResourceType
	Identifiers []clinical.Identifier
	IDs         []string
}

func (e *ConflictError) Error() string {
	keys := make([]string, len(e.Identifiers))
	for i, id := range e.Identifiers {
		keys[i] = id.Key()
	}
	return fmt.Sprintf("%s identifiers %s resolve to distinct resources %s",
		e.Type, strings.Join(keys, ", "), strings.Join(e.IDs, ", "))
}

// Reconciler is the only writer of canonical resources. Every resolution
// runs under the per-identity locks of the identifiers involved; the
// store's conditional insert covers writers that do not share the locker.
type Reconciler struct {
	store          store.Store
	locker         lock.Locker
	nationalSystem string
}

func New(st store.Store, locker lock.Locker, nationalSystem string) *Reconciler {
	return &Reconciler{store: st, locker: locker, nationalSystem: nationalSystem}
}

// NationalSystem is the identifier system that makes a patient canonical.
func (r *Reconciler) NationalSystem() string {
	return r.nationalSystem
}

func cleanIdentifiers(ids []clinical.Identifier) []clinical.Identifier {
	var out []clinical.Identifier
	seen := make(map[string]bool)
	for _, id := range ids {
		id.System = strings.TrimSpace(id.System)
		id.Value = strings.TrimSpace(id.Value)
		if id.Empty() || seen[id.Key()] {
			continue
		}
		seen[id.Key()] = true
		out = append(out, id)
	}
	return out
}

func lockKeys(t clinical.ResourceType, ids []clinical.Identifier) []string {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strings.ToLower(string(t)) + ":" + id.Key()
	}
	return keys
}

// ResolvePatient finds the canonical patient for in's identifiers, merging
// in's present fields, or creates one. created reports which happened.
func (r *Reconciler) ResolvePatient(ctx context.Context, in clinical.Patient) (*clinical.Patient, bool, error) {
	ids := cleanIdentifiers(in.Identifiers)
	if len(ids) == 0 {
		return nil, false, ErrNoIdentifier
	}
	in.Identifiers = ids

	release, err := lock.LockAll(ctx, r.locker, lockKeys(clinical.TypePatient, ids)...)
	if err != nil {
		return nil, false, fmt.Errorf("lock patient identity: %w", err)
	}
	defer release()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		matches, err := r.findPatients(ctx, ids)
		if err != nil {
			return nil, false, err
		}

		switch len(matches) {
		case 0:
			p := in
			p.ID = ""
			p.Provisional = !hasSystem(p.Identifiers, r.nationalSystem)
			err := r.store.CreatePatient(ctx, &p)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, false, fmt.Errorf("create patient: %w", err)
			}
			return &p, true, nil

		case 1:
			var existing *clinical.Patient
			for _, p := range matches {
				existing = p
			}
			if conflicting := nationalMismatch(existing, ids, r.nationalSystem); len(conflicting) > 0 {
				return nil, false, &ConflictError{Type: clinical.TypePatient, Identifiers: conflicting, IDs: []string{existing.ID}}
			}
			if !mergePatient(existing, in, r.nationalSystem) {
				return existing, false, nil
			}
			err := r.store.UpdatePatient(ctx, existing)
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			if errors.Is(err, store.ErrDuplicate) {
				return nil, false, &ConflictError{Type: clinical.TypePatient, Identifiers: ids, IDs: []string{existing.ID}}
			}
			if err != nil {
				return nil, false, fmt.Errorf("update patient %s: %w", existing.ID, err)
			}
			return existing, false, nil

		default:
			conflict := &ConflictError{Type: clinical.TypePatient, Identifiers: ids}
			for id := range matches {
				conflict.IDs = append(conflict.IDs, id)
			}
			sort.Strings(conflict.IDs)
			return nil, false, conflict
		}
	}
	return nil, false, fmt.Errorf("resolve patient: gave up after %d attempts", maxAttempts)
}

func (r *Reconciler) findPatients(ctx context.Context, ids []clinical.Identifier) (map[string]*clinical.Patient, error) {
	matches := make(map[string]*clinical.Patient)
	for _, id := range ids {
		p, err := r.store.FindPatient(ctx, id.System, id.Value)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find patient %s: %w", id.Key(), err)
		}
		matches[p.ID] = p
	}
	return matches, nil
}

// nationalMismatch returns the national identifiers in ids that differ
// from the one p already holds. A patient has at most one national id.
func nationalMismatch(p *clinical.Patient, ids []clinical.Identifier, nationalSystem string) []clinical.Identifier {
	if !hasSystem(p.Identifiers, nationalSystem) {
		return nil
	}
	var out []clinical.Identifier
	for _, id := range ids {
		if id.System == nationalSystem && !p.HasIdentifier(id.System, id.Value) {
			out = append(out, id)
		}
	}
	return out
}

// mergePatient copies the fields present in in onto p. It reports whether
// anything changed.
func mergePatient(p *clinical.Patient, in clinical.Patient, nationalSystem string) bool {
	changed := false
	for _, id := range in.Identifiers {
		if !p.HasIdentifier(id.System, id.Value) {
			p.Identifiers = append(p.Identifiers, id)
			changed = true
		}
	}
	changed = setString(&p.Name.Family, in.Name.Family) || changed
	changed = setString(&p.Name.Given, in.Name.Given) || changed
	changed = setString(&p.Name.Middle, in.Name.Middle) || changed
	changed = setString(&p.Name.Prefix, in.Name.Prefix) || changed
	changed = setString(&p.Sex, in.Sex) || changed
	changed = setString(&p.Phone, in.Phone) || changed
	if !in.Address.Empty() && in.Address != p.Address {
		p.Address = in.Address
		changed = true
	}
	if in.BirthDate != nil && (p.BirthDate == nil || !p.BirthDate.Equal(*in.BirthDate)) {
		d := *in.BirthDate
		p.BirthDate = &d
		changed = true
	}
	if provisional := !hasSystem(p.Identifiers, nationalSystem); provisional != p.Provisional {
		p.Provisional = provisional
		changed = true
	}
	return changed
}

func hasSystem(ids []clinical.Identifier, system string) bool {
	for _, id := range ids {
		if id.System == system {
			return true
		}
	}
	return false
}

func setString(dst *string, v string) bool {
	if v == "" || *dst == v {
		return false
	}
	*dst = v
	return true
}

// EncounterData is the visit information carried by one message. Zero
// values mean "not carried" and leave the stored encounter untouched.
type EncounterData struct {
	Identifier     clinical.Identifier
	PatientID      string
	Class          clinical.EncounterClass
	Facility       string
	Status         clinical.EncounterStatus
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	ClearPeriodEnd bool
	Location       *clinical.EncounterLocation
	Attending      string
}

// ResolveEncounter finds the encounter by its facility-scoped identifier
// or creates it. A new location is appended when it differs from the
// current one; history is never rewritten.
func (r *Reconciler) ResolveEncounter(ctx context.Context, in EncounterData) (*clinical.Encounter, bool, error) {
	ids := cleanIdentifiers([]clinical.Identifier{in.Identifier})
	if len(ids) == 0 {
		return nil, false, ErrNoIdentifier
	}
	key := ids[0]

	release, err := lock.LockAll(ctx, r.locker, lockKeys(clinical.TypeEncounter, ids)...)
	if err != nil {
		return nil, false, fmt.Errorf("lock encounter identity: %w", err)
	}
	defer release()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := r.store.FindEncounter(ctx, key.System, key.Value)
		if errors.Is(err, store.ErrNotFound) {
			e := &clinical.Encounter{
				Identifier: key,
				PatientID:  in.PatientID,
				Status:     clinical.EncounterPlanned,
			}
			mergeEncounter(e, in)
			err := r.store.CreateEncounter(ctx, e)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, false, fmt.Errorf("create encounter: %w", err)
			}
			return e, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("find encounter %s: %w", key.Key(), err)
		}

		if in.PatientID != "" && existing.PatientID != in.PatientID {
			return nil, false, &ConflictError{
				Type:        clinical.TypeEncounter,
				Identifiers: ids,
				IDs:         []string{"Patient/" + existing.PatientID, "Patient/" + in.PatientID},
			}
		}
		if !mergeEncounter(existing, in) {
			return existing, false, nil
		}
		err = r.store.UpdateEncounter(ctx, existing)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("update encounter %s: %w", existing.ID, err)
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("resolve encounter: gave up after %d attempts", maxAttempts)
}

func mergeEncounter(e *clinical.Encounter, in EncounterData) bool {
	changed := false
	if in.Class != "" && in.Class != e.Class {
		e.Class = in.Class
		changed = true
	}
	if in.Status != "" && in.Status != e.Status {
		e.Status = in.Status
		changed = true
	}
	changed = setString(&e.Facility, in.Facility) || changed
	changed = setString(&e.Attending, in.Attending) || changed
	if in.PeriodStart != nil && (e.PeriodStart == nil || !e.PeriodStart.Equal(*in.PeriodStart)) {
		t := *in.PeriodStart
		e.PeriodStart = &t
		changed = true
	}
	switch {
	case in.ClearPeriodEnd && e.PeriodEnd != nil:
		e.PeriodEnd = nil
		changed = true
	case in.PeriodEnd != nil && (e.PeriodEnd == nil || !e.PeriodEnd.Equal(*in.PeriodEnd)):
		t := *in.PeriodEnd
		e.PeriodEnd = &t
		changed = true
	}
	if in.Location != nil && in.Location.Location != "" {
		cur, ok := e.CurrentLocation()
		if !ok || cur.Location != in.Location.Location || cur.Facility != in.Location.Facility {
			e.Locations = append(e.Locations, *in.Location)
			changed = true
		}
	}
	return changed
}

// ResolvePractitioner finds or creates the practitioner for in's first
// identifier, refreshing the name when the message carries one.
func (r *Reconciler) ResolvePractitioner(ctx context.Context, in clinical.Practitioner) (*clinical.Practitioner, bool, error) {
	ids := cleanIdentifiers(in.Identifiers)
	if len(ids) == 0 {
		return nil, false, ErrNoIdentifier
	}
	key := ids[0]

	release, err := lock.LockAll(ctx, r.locker, lockKeys(clinical.TypePractitioner, ids[:1])...)
	if err != nil {
		return nil, false, fmt.Errorf("lock practitioner identity: %w", err)
	}
	defer release()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		existing, err := r.store.FindPractitioner(ctx, key.System, key.Value)
		if errors.Is(err, store.ErrNotFound) {
			p := &clinical.Practitioner{Identifiers: ids[:1], Name: in.Name}
			err := r.store.CreatePractitioner(ctx, p)
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, false, fmt.Errorf("create practitioner: %w", err)
			}
			return p, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("find practitioner %s: %w", key.Key(), err)
		}

		changed := setString(&existing.Name.Family, in.Name.Family)
		changed = setString(&existing.Name.Given, in.Name.Given) || changed
		changed = setString(&existing.Name.Middle, in.Name.Middle) || changed
		changed = setString(&existing.Name.Prefix, in.Name.Prefix) || changed
		if !changed {
			return existing, false, nil
		}
		err = r.store.UpdatePractitioner(ctx, existing)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("update practitioner %s: %w", existing.ID, err)
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("resolve practitioner: gave up after %d attempts", maxAttempts)
}
