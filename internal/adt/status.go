package adt

import (
	"strings"
	"time"
)

// Status is the primary admission status of a patient. Transferred is not a
// status of its own: it is an admitted patient whose location changed since
// admission, see AdmissionStatus.Transferred.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistered   Status = "registered"
	StatusAdmitted     Status = "admitted"
	StatusDischarged   Status = "discharged"
)

// Event is an ADT event after trigger mapping.
type Event string

const (
	EventAdmit           Event = "admit"
	EventTransfer        Event = "transfer"
	EventDischarge       Event = "discharge"
	EventRegister        Event = "register"
	EventUpdate          Event = "update"
	EventCancelAdmit     Event = "cancel-admit"
	EventCancelTransfer  Event = "cancel-transfer"
	EventCancelDischarge Event = "cancel-discharge"
)

var triggers = map[string]Event{
	"A01": EventAdmit,
	"A02": EventTransfer,
	"A03": EventDischarge,
	"A04": EventRegister,
	"A05": EventRegister,
	"A08": EventUpdate,
	"A11": EventCancelAdmit,
	"A12": EventCancelTransfer,
	"A13": EventCancelDischarge,
	"A28": EventRegister,
	"A31": EventUpdate,
}

// EventForTrigger maps an ADT trigger event code (MSH-9.2) to an Event.
func EventForTrigger(trigger string) (Event, bool) {
	e, ok := triggers[strings.ToUpper(strings.TrimSpace(trigger))]
	return e, ok
}

// Location is a point of care within a facility.
type Location struct {
	Facility    string `json:"facility,omitempty"`
	PointOfCare string `json:"pointOfCare,omitempty"`
	Room        string `json:"room,omitempty"`
	Bed         string `json:"bed,omitempty"`
}

// Empty reports whether the location names no point of care, room or bed.
func (l Location) Empty() bool {
	return l.PointOfCare == "" && l.Room == "" && l.Bed == ""
}

// String renders the location as ward/room/bed, skipping empty parts.
func (l Location) String() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{l.PointOfCare, l.Room, l.Bed} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// LocationEntry is one element of the append-only location history.
type LocationEntry struct {
	Location      Location  `json:"location"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	Event         Event     `json:"event"`
	ControlID     string    `json:"controlId,omitempty"`
}

// AdmissionStatus is the mutable admission state of one patient.
// PriorStatus is the status held before the current admission or
// registration; cancel-admit returns to it. PriorAdmittedAt and
// PriorDischargedAt keep the times of a discharged stay while a later
// admission is open, so cancelling that admission restores them.
type AdmissionStatus struct {
	PatientID         string          `json:"patientId"`
	EncounterID       string          `json:"encounterId,omitempty"`
	Status            Status          `json:"status"`
	PriorStatus       Status          `json:"priorStatus,omitempty"`
	Location          Location        `json:"location"`
	History           []LocationEntry `json:"history"`
	AdmittedAt        *time.Time      `json:"admittedAt,omitempty"`
	DischargedAt      *time.Time      `json:"dischargedAt,omitempty"`
	PriorAdmittedAt   *time.Time      `json:"priorAdmittedAt,omitempty"`
	PriorDischargedAt *time.Time      `json:"priorDischargedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	Version           int64           `json:"version"`
}

// NewAdmissionStatus returns the state of a patient never seen before.
func NewAdmissionStatus(patientID string) AdmissionStatus {
	return AdmissionStatus{PatientID: patientID, Status: StatusUnregistered}
}

// Transferred reports whether an admitted patient has moved since admission.
func (s AdmissionStatus) Transferred() bool {
	return s.Status == StatusAdmitted && len(s.locationStack()) > 1
}

// locationStack replays the location history of the current admission.
// Admissions start a new stack and transfers push onto it. A cancelled
// transfer pops one location and a cancelled admission brings back the
// stack of the stay before it.
func (s AdmissionStatus) locationStack() []Location {
	var stack []Location
	var saved [][]Location
	for _, e := range s.History {
		switch e.Event {
		case EventAdmit:
			saved = append(saved, stack)
			stack = []Location{e.Location}
		case EventTransfer:
			stack = append(stack, e.Location)
		case EventCancelTransfer:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case EventCancelAdmit:
			stack = nil
			if n := len(saved); n > 0 {
				stack = saved[n-1]
				saved = saved[:n-1]
			}
		}
	}
	return stack
}
