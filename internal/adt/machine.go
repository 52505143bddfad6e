package adt

import (
	"fmt"
	"time"
)

// Input is one ADT event to apply.
type Input struct {
	Event       Event
	At          time.Time
	Location    Location
	EncounterID string
	ControlID   string
}

// Transition describes the outcome of Apply. A transition that is not
// applied carries a Warning and leaves the state untouched.
type Transition struct {
	Event    Event     `json:"event"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Location Location  `json:"location"`
	At       time.Time `json:"at"`
	Applied  bool      `json:"applied"`
	Warning  string    `json:"warning,omitempty"`
}

// Warnings produced for events that do not match a legal transition.
const (
	WarnDischargeNoAdmission   = "discharge with no active admission"
	WarnAlreadyDischarged      = "discharge of an already discharged admission"
	WarnAlreadyAdmitted        = "admit while already admitted"
	WarnTransferNoAdmission    = "transfer with no active admission"
	WarnTransferNoLocation     = "transfer without a location"
	WarnTransferSameLocation   = "transfer to the current location"
	WarnCancelAdmitNotAdmitted = "cancel admit with no active admission"
	WarnCancelTransferNone     = "cancel transfer with no prior transfer"
	WarnCancelDischargeNone    = "cancel discharge of an admission that is not discharged"
	WarnRegisterWhileAdmitted  = "register while admitted"
)

// Apply computes the state that results from applying in to cur. It never
// modifies cur; the returned state shares no slices with it.
func Apply(cur AdmissionStatus, in Input) (AdmissionStatus, Transition) {
	if cur.Status == "" {
		cur.Status = StatusUnregistered
	}
	t := Transition{Event: in.Event, From: cur.Status, To: cur.Status, Location: cur.Location, At: in.At}

	reject := func(warning string) (AdmissionStatus, Transition) {
		t.Warning = warning
		return cur, t
	}

	next := cur
	next.History = append([]LocationEntry(nil), cur.History...)
	next.AdmittedAt = copyTime(cur.AdmittedAt)
	next.DischargedAt = copyTime(cur.DischargedAt)
	next.PriorAdmittedAt = copyTime(cur.PriorAdmittedAt)
	next.PriorDischargedAt = copyTime(cur.PriorDischargedAt)
	at := in.At

	switch in.Event {
	case EventAdmit:
		if cur.Status == StatusAdmitted {
			t.Warning = WarnAlreadyAdmitted
		} else {
			next.PriorStatus = cur.Status
			next.PriorAdmittedAt, next.PriorDischargedAt = nil, nil
			if cur.Status == StatusDischarged {
				next.PriorAdmittedAt = copyTime(cur.AdmittedAt)
				next.PriorDischargedAt = copyTime(cur.DischargedAt)
			}
		}
		next.Status = StatusAdmitted
		next.AdmittedAt = &at
		next.DischargedAt = nil
		next.Location = in.Location
		next.History = append(next.History, LocationEntry{Location: in.Location, EffectiveFrom: at, Event: EventAdmit, ControlID: in.ControlID})
		if in.EncounterID != "" {
			next.EncounterID = in.EncounterID
		}

	case EventTransfer:
		switch {
		case cur.Status != StatusAdmitted:
			return reject(WarnTransferNoAdmission)
		case in.Location.Empty():
			return reject(WarnTransferNoLocation)
		case in.Location == cur.Location:
			return reject(WarnTransferSameLocation)
		}
		next.Location = in.Location
		next.History = append(next.History, LocationEntry{Location: in.Location, EffectiveFrom: at, Event: EventTransfer, ControlID: in.ControlID})

	case EventDischarge:
		switch cur.Status {
		case StatusAdmitted:
		case StatusDischarged:
			return reject(WarnAlreadyDischarged)
		default:
			return reject(WarnDischargeNoAdmission)
		}
		next.Status = StatusDischarged
		next.DischargedAt = &at
		next.Location = Location{}

	case EventRegister:
		if cur.Status == StatusAdmitted {
			t.Warning = WarnRegisterWhileAdmitted
		}
		if cur.Status != StatusRegistered {
			next.PriorStatus = cur.Status
		}
		next.Status = StatusRegistered
		next.Location = Location{}

	case EventUpdate:

	case EventCancelAdmit:
		if cur.Status != StatusAdmitted {
			return reject(WarnCancelAdmitNotAdmitted)
		}
		prior := cur.PriorStatus
		if prior == "" || prior == StatusAdmitted {
			prior = StatusRegistered
		}
		next.Status = prior
		next.PriorStatus = StatusAdmitted
		next.AdmittedAt, next.DischargedAt = nil, nil
		if prior == StatusDischarged {
			next.AdmittedAt, next.DischargedAt = next.PriorAdmittedAt, next.PriorDischargedAt
		}
		next.PriorAdmittedAt, next.PriorDischargedAt = nil, nil
		next.Location = Location{}
		next.History = append(next.History, LocationEntry{EffectiveFrom: at, Event: EventCancelAdmit, ControlID: in.ControlID})

	case EventCancelTransfer:
		if cur.Status != StatusAdmitted {
			return reject(WarnTransferNoAdmission)
		}
		stack := cur.locationStack()
		if len(stack) < 2 {
			return reject(WarnCancelTransferNone)
		}
		previous := stack[len(stack)-2]
		next.Location = previous
		next.History = append(next.History, LocationEntry{Location: previous, EffectiveFrom: at, Event: EventCancelTransfer, ControlID: in.ControlID})

	case EventCancelDischarge:
		if cur.Status != StatusDischarged {
			return reject(WarnCancelDischargeNone)
		}
		next.Status = StatusAdmitted
		next.DischargedAt = nil
		if stack := cur.locationStack(); len(stack) > 0 {
			next.Location = stack[len(stack)-1]
		}

	default:
		return reject(fmt.Sprintf("unmapped event %q", in.Event))
	}

	next.UpdatedAt = at
	next.Version = cur.Version + 1
	t.To = next.Status
	t.Location = next.Location
	t.Applied = true
	return next, t
}

// Fold applies events in order starting from the unregistered state.
func Fold(patientID string, inputs []Input) (AdmissionStatus, []Transition) {
	state := NewAdmissionStatus(patientID)
	transitions := make([]Transition, 0, len(inputs))
	for _, in := range inputs {
		var t Transition
		state, t = Apply(state, in)
		transitions = append(transitions, t)
	}
	return state, transitions
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
