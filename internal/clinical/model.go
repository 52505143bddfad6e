// Package clinical holds the canonical resource model that legacy messages
// are reconciled into.
package clinical

import (
	"strings"
	"time"
)

type ResourceType string

const (
	TypePatient      ResourceType = "Patient"
	TypeEncounter    ResourceType = "Encounter"
	TypePractitioner ResourceType = "Practitioner"
)

// Ref points at a canonical resource.
type Ref struct {
	Type ResourceType `json:"type"`
	ID   string       `json:"id"`
}

func (r Ref) String() string {
	return string(r.Type) + "/" + r.ID
}

// Identifier is a (system, value) pair. System is the assigning authority,
// e.g. "NRIC" for the national identity card or a facility code for
// hospital-local numbers.
type Identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
	Type   string `json:"type,omitempty"`
}

// Key is the lookup key used for locking and indexing.
func (id Identifier) Key() string {
	return id.System + "|" + id.Value
}

func (id Identifier) Empty() bool {
	return strings.TrimSpace(id.Value) == ""
}

type HumanName struct {
	Family string `json:"family,omitempty"`
	Given  string `json:"given,omitempty"`
	Middle string `json:"middle,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

func (n HumanName) Empty() bool {
	return n.Family == "" && n.Given == "" && n.Middle == "" && n.Prefix == ""
}

type Address struct {
	Line       string `json:"line,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (a Address) Empty() bool {
	return a == Address{}
}

// Patient is a canonical patient. A patient without an identifier from the
// national system is provisional.
type Patient struct {
	ID          string       `json:"id"`
	Identifiers []Identifier `json:"identifiers"`
	Name        HumanName    `json:"name"`
	BirthDate   *time.Time   `json:"birthDate,omitempty"`
	Sex         string       `json:"sex,omitempty"`
	Address     Address      `json:"address"`
	Phone       string       `json:"phone,omitempty"`
	Provisional bool         `json:"provisional"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (p *Patient) Ref() Ref { return Ref{Type: TypePatient, ID: p.ID} }

// HasIdentifier reports whether the patient carries system|value.
func (p *Patient) HasIdentifier(system, value string) bool {
	for _, id := range p.Identifiers {
		if id.System == system && id.Value == value {
			return true
		}
	}
	return false
}

type EncounterStatus string

const (
	EncounterPlanned    EncounterStatus = "planned"
	EncounterArrived    EncounterStatus = "arrived"
	EncounterInProgress EncounterStatus = "in-progress"
	EncounterFinished   EncounterStatus = "finished"
	EncounterCancelled  EncounterStatus = "cancelled"
)

type EncounterClass string

const (
	ClassInpatient  EncounterClass = "inpatient"
	ClassAmbulatory EncounterClass = "ambulatory"
	ClassEmergency  EncounterClass = "emergency"
)

// ClassFromPatientClass maps PV1-2 to an encounter class.
func ClassFromPatientClass(code string) (EncounterClass, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "I":
		return ClassInpatient, true
	case "E":
		return ClassEmergency, true
	case "O", "P", "R", "B":
		return ClassAmbulatory, true
	}
	return "", false
}

// EncounterLocation is one entry of an encounter's location history.
type EncounterLocation struct {
	Location      string    `json:"location"`
	Facility      string    `json:"facility,omitempty"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
}

// Encounter is a canonical visit. Locations only ever grows.
type Encounter struct {
	ID          string              `json:"id"`
	Identifier  Identifier          `json:"identifier"`
	PatientID   string              `json:"patientId"`
	Status      EncounterStatus     `json:"status"`
	Class       EncounterClass      `json:"class,omitempty"`
	Facility    string              `json:"facility,omitempty"`
	PeriodStart *time.Time          `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time          `json:"periodEnd,omitempty"`
	Locations   []EncounterLocation `json:"locations"`
	Attending   string              `json:"attending,omitempty"`
	Version     int                 `json:"version"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

func (e *Encounter) Ref() Ref { return Ref{Type: TypeEncounter, ID: e.ID} }

// CurrentLocation returns the most recent location entry, if any.
func (e *Encounter) CurrentLocation() (EncounterLocation, bool) {
	if len(e.Locations) == 0 {
		return EncounterLocation{}, false
	}
	return e.Locations[len(e.Locations)-1], true
}

type Practitioner struct {
	ID          string       `json:"id"`
	Identifiers []Identifier `json:"identifiers"`
	Name        HumanName    `json:"name"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

func (p *Practitioner) Ref() Ref { return Ref{Type: TypePractitioner, ID: p.ID} }
