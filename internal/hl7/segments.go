package hl7

import (
	"strings"
	"time"
)

// Identifier is a CX value from PID-3 or PV1-19.
type Identifier struct {
	Value     string // CX.1
	Authority string // CX.4
	TypeCode  string // CX.5
}

// System names the namespace the identifier belongs to: the assigning
// authority if present, else the identifier type code.
func (id Identifier) System() string {
	if id.Authority != "" {
		return id.Authority
	}
	return id.TypeCode
}

// Name is an XPN/XCN person name.
type Name struct {
	Family string
	Given  string
	Middle string
	Prefix string
}

// Empty reports whether no part of the name is set.
func (n Name) Empty() bool {
	return n.Family == "" && n.Given == "" && n.Middle == "" && n.Prefix == ""
}

// Address is an XAD value.
type Address struct {
	Street     string
	Other      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// Empty reports whether no part of the address is set.
func (a Address) Empty() bool {
	return a == Address{}
}

// Location is a PL value: point of care (department/ward), room and bed.
type Location struct {
	PointOfCare string
	Room        string
	Bed         string
	Facility    string
}

// Empty reports whether the location names nothing.
func (l Location) Empty() bool {
	return l.PointOfCare == "" && l.Room == "" && l.Bed == ""
}

// String renders the location as Ward/Room/Bed.
func (l Location) String() string {
	var parts []string
	for _, p := range []string{l.PointOfCare, l.Room, l.Bed} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Clinician is an XCN value.
type Clinician struct {
	ID        string
	Name      Name
	Authority string
}

// Event is the EVN segment.
type Event struct {
	Type       string
	RecordedAt time.Time
	OccurredAt time.Time
}

// Patient is the PID segment.
type Patient struct {
	Identifiers []Identifier
	Name        Name
	BirthDate   string
	Sex         string
	Address     Address
}

// Visit is the PV1 segment.
type Visit struct {
	Class           string
	Location        Location
	PriorLocation   Location
	Attending       []Clinician
	VisitNumber     Identifier
	AdmittedAt      time.Time
	DischargedAt    time.Time
	DischargeReason string
}

// EventSegment returns the EVN segment, if the message has one.
func (m *Message) EventSegment() (Event, bool) {
	evn := m.Segment("EVN")
	if evn == nil {
		return Event{}, false
	}
	e := Event{Type: evn.Field(1)}
	e.RecordedAt, _ = ParseTimestamp(evn.Field(2))
	e.OccurredAt, _ = ParseTimestamp(evn.Field(6))
	return e, true
}

// Patient returns the typed PID segment.
func (m *Message) Patient() (Patient, bool) {
	pid := m.Segment("PID")
	if pid == nil {
		return Patient{}, false
	}
	p := Patient{
		BirthDate: pid.Field(7),
		Sex:       pid.Field(8),
	}
	for _, rep := range pid.Repetitions(3) {
		id := Identifier{
			Value:     rep.Component(1),
			Authority: rep.Component(4),
			TypeCode:  rep.Component(5),
		}
		if id.Value != "" {
			p.Identifiers = append(p.Identifiers, id)
		}
	}
	if reps := pid.Repetitions(5); len(reps) > 0 {
		p.Name = Name{
			Family: reps[0].Subcomponent(1, 1),
			Given:  reps[0].Component(2),
			Middle: reps[0].Component(3),
			Prefix: reps[0].Component(5),
		}
	}
	if reps := pid.Repetitions(11); len(reps) > 0 {
		r := reps[0]
		p.Address = Address{
			Street:     r.Subcomponent(1, 1),
			Other:      r.Component(2),
			City:       r.Component(3),
			State:      r.Component(4),
			PostalCode: r.Component(5),
			Country:    r.Component(6),
		}
	}
	return p, true
}

// Visit returns the typed PV1 segment.
func (m *Message) Visit() (Visit, bool) {
	pv1 := m.Segment("PV1")
	if pv1 == nil {
		return Visit{}, false
	}
	v := Visit{
		Class:           pv1.Field(2),
		Location:        location(pv1, 3),
		PriorLocation:   location(pv1, 6),
		DischargeReason: pv1.Field(36),
	}
	for _, rep := range pv1.Repetitions(7) {
		c := Clinician{
			ID: rep.Component(1),
			Name: Name{
				Family: rep.Subcomponent(2, 1),
				Given:  rep.Component(3),
				Middle: rep.Component(4),
				Prefix: rep.Component(6),
			},
			Authority: rep.Subcomponent(9, 1),
		}
		if c.ID != "" || !c.Name.Empty() {
			v.Attending = append(v.Attending, c)
		}
	}
	if reps := pv1.Repetitions(19); len(reps) > 0 {
		v.VisitNumber = Identifier{
			Value:     reps[0].Component(1),
			Authority: reps[0].Component(4),
			TypeCode:  reps[0].Component(5),
		}
	}
	v.AdmittedAt, _ = ParseTimestamp(pv1.Field(44))
	v.DischargedAt, _ = ParseTimestamp(pv1.Field(45))
	return v, true
}

func location(seg *Segment, n int) Location {
	reps := seg.Repetitions(n)
	if len(reps) == 0 {
		return Location{}
	}
	r := reps[0]
	return Location{
		PointOfCare: r.Component(1),
		Room:        r.Component(2),
		Bed:         r.Component(3),
		Facility:    r.Subcomponent(4, 1),
	}
}
