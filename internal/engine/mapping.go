package engine

import (
	"strings"
	"time"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/clinical"
	"github.com/minasoft/adt-gateway/internal/hl7"
	"github.com/minasoft/adt-gateway/internal/reconcile"
)

// patientFromPID maps the PID segment to the fields it carries. Fields the
// message does not carry stay zero so the reconciler leaves them alone.
// Identifiers with neither authority nor type code are scoped to the
// sending facility.
func patientFromPID(pid hl7.Patient, facility string) clinical.Patient {
	p := clinical.Patient{
		Name: clinical.HumanName{
			Family: pid.Name.Family,
			Given:  pid.Name.Given,
			Middle: pid.Name.Middle,
			Prefix: pid.Name.Prefix,
		},
		Sex: strings.ToUpper(pid.Sex),
		Address: clinical.Address{
			Line:       strings.TrimSpace(strings.Join([]string{pid.Address.Street, pid.Address.Other}, " ")),
			City:       pid.Address.City,
			State:      pid.Address.State,
			PostalCode: pid.Address.PostalCode,
			Country:    pid.Address.Country,
		},
	}
	for _, id := range pid.Identifiers {
		system := id.System()
		if system == "" {
			system = facility
		}
		p.Identifiers = append(p.Identifiers, clinical.Identifier{
			System: system,
			Value:  id.Value,
			Type:   id.TypeCode,
		})
	}
	if pid.BirthDate != "" {
		if t, err := hl7.ParseTimestamp(pid.BirthDate); err == nil {
			p.BirthDate = &t
		}
	}
	return p
}

// practitionerFrom maps an attending clinician. Clinicians without an id
// cannot be resolved and are skipped by the caller.
func practitionerFrom(c hl7.Clinician, facility string) clinical.Practitioner {
	system := c.Authority
	if system == "" {
		system = facility
	}
	return clinical.Practitioner{
		Identifiers: []clinical.Identifier{{System: system, Value: c.ID}},
		Name: clinical.HumanName{
			Family: c.Name.Family,
			Given:  c.Name.Given,
			Middle: c.Name.Middle,
			Prefix: c.Name.Prefix,
		},
	}
}

// locationFrom maps PV1-3. The sending facility stands in for a missing
// PL.4.
func locationFrom(l hl7.Location, facility string) adt.Location {
	loc := adt.Location{
		Facility:    l.Facility,
		PointOfCare: l.PointOfCare,
		Room:        l.Room,
		Bed:         l.Bed,
	}
	if loc.Facility == "" && !loc.Empty() {
		loc.Facility = facility
	}
	return loc
}

// visitIdentifier returns the facility-scoped encounter identifier of
// PV1-19. The sending facility is the system when PV1-19 names none.
func visitIdentifier(v hl7.Visit, facility string) clinical.Identifier {
	system := v.VisitNumber.System()
	if system == "" {
		system = facility
	}
	return clinical.Identifier{System: system, Value: v.VisitNumber.Value, Type: "VN"}
}

// eventTime picks when the event happened: EVN-6, then the visit's own
// admit or discharge time, then EVN-2, then MSH-7, then now.
func eventTime(msg *hl7.Message, event adt.Event, visit hl7.Visit, now time.Time) time.Time {
	evn, _ := msg.EventSegment()
	candidates := []time.Time{evn.OccurredAt}
	switch event {
	case adt.EventAdmit:
		candidates = append(candidates, visit.AdmittedAt)
	case adt.EventDischarge:
		candidates = append(candidates, visit.DischargedAt)
	}
	candidates = append(candidates, evn.RecordedAt, msg.Timestamp)
	for _, t := range candidates {
		if !t.IsZero() {
			return t
		}
	}
	return now
}

// encounterChange derives the encounter update for an applied transition.
// Transitions that were not applied only refresh descriptive fields.
func encounterChange(t adt.Transition, trigger string, applied bool, loc adt.Location) reconcile.EncounterData {
	var in reconcile.EncounterData
	if !applied {
		return in
	}
	at := t.At
	withLocation := func() {
		if !loc.Empty() {
			in.Location = &clinical.EncounterLocation{
				Location:      loc.String(),
				Facility:      loc.Facility,
				EffectiveFrom: at,
			}
		}
	}

	switch t.Event {
	case adt.EventAdmit:
		in.Status = clinical.EncounterInProgress
		in.PeriodStart = &at
		in.ClearPeriodEnd = true
		withLocation()
	case adt.EventTransfer:
		in.Status = clinical.EncounterInProgress
		withLocation()
	case adt.EventCancelTransfer:
		loc = t.Location
		withLocation()
	case adt.EventDischarge:
		in.Status = clinical.EncounterFinished
		in.PeriodEnd = &at
	case adt.EventCancelDischarge:
		in.Status = clinical.EncounterInProgress
		in.ClearPeriodEnd = true
	case adt.EventCancelAdmit:
		in.Status = clinical.EncounterCancelled
	case adt.EventRegister:
		switch strings.ToUpper(trigger) {
		case "A04":
			in.Status = clinical.EncounterArrived
			in.PeriodStart = &at
		case "A05":
			in.Status = clinical.EncounterPlanned
		}
	}
	return in
}
