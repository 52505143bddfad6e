package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/clinical"
)

// MemoryStore keeps everything in process memory. All operations are
// serialized by one mutex, which makes identifier binding atomic.
type MemoryStore struct {
	mu            sync.Mutex
	patients      map[string]clinical.Patient
	encounters    map[string]clinical.Encounter
	practitioners map[string]clinical.Practitioner
	identifiers   map[string]string
	admissions    map[string]adt.AdmissionStatus
	processed     map[string]time.Time
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:      make(map[string]clinical.Patient),
		encounters:    make(map[string]clinical.Encounter),
		practitioners: make(map[string]clinical.Practitioner),
		identifiers:   make(map[string]string),
		admissions:    make(map[string]adt.AdmissionStatus),
		processed:     make(map[string]time.Time),
		now:           time.Now,
	}
}

func identifierKey(t clinical.ResourceType, system, value string) string {
	return string(t) + "|" + system + "|" + value
}

// bind checks that every identifier is free or already owned by id, then
// binds them. Callers hold s.mu.
func (s *MemoryStore) bind(t clinical.ResourceType, id string, ids []clinical.Identifier) error {
	for _, ident := range ids {
		if owner, ok := s.identifiers[identifierKey(t, ident.System, ident.Value)]; ok && owner != id {
			return fmt.Errorf("%s %s: %w", t, ident.Key(), ErrDuplicate)
		}
	}
	for _, ident := range ids {
		s.identifiers[identifierKey(t, ident.System, ident.Value)] = id
	}
	return nil
}

func (s *MemoryStore) FindPatient(ctx context.Context, system, value string) (*clinical.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[identifierKey(clinical.TypePatient, system, value)]
	if !ok {
		return nil, ErrNotFound
	}
	p := clonePatient(s.patients[id])
	return &p, nil
}

func (s *MemoryStore) GetPatient(ctx context.Context, id string) (*clinical.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	p = clonePatient(p)
	return &p, nil
}

func (s *MemoryStore) CreatePatient(ctx context.Context, p *clinical.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.bind(clinical.TypePatient, p.ID, p.Identifiers); err != nil {
		return err
	}
	now := s.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	s.patients[p.ID] = clonePatient(*p)
	return nil
}

func (s *MemoryStore) UpdatePatient(ctx context.Context, p *clinical.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.patients[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return fmt.Errorf("patient %s at version %d, have %d: %w", p.ID, cur.Version, p.Version, ErrVersionConflict)
	}
	if err := s.bind(clinical.TypePatient, p.ID, p.Identifiers); err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = s.now().UTC()
	s.patients[p.ID] = clonePatient(*p)
	return nil
}

func (s *MemoryStore) FindEncounter(ctx context.Context, system, value string) (*clinical.Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[identifierKey(clinical.TypeEncounter, system, value)]
	if !ok {
		return nil, ErrNotFound
	}
	e := cloneEncounter(s.encounters[id])
	return &e, nil
}

func (s *MemoryStore) GetEncounter(ctx context.Context, id string) (*clinical.Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.encounters[id]
	if !ok {
		return nil, ErrNotFound
	}
	e = cloneEncounter(e)
	return &e, nil
}

func (s *MemoryStore) CreateEncounter(ctx context.Context, e *clinical.Encounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := s.bind(clinical.TypeEncounter, e.ID, []clinical.Identifier{e.Identifier}); err != nil {
		return err
	}
	now := s.now().UTC()
	e.Version = 1
	e.CreatedAt, e.UpdatedAt = now, now
	s.encounters[e.ID] = cloneEncounter(*e)
	return nil
}

func (s *MemoryStore) UpdateEncounter(ctx context.Context, e *clinical.Encounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.encounters[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return fmt.Errorf("encounter %s at version %d, have %d: %w", e.ID, cur.Version, e.Version, ErrVersionConflict)
	}
	if len(e.Locations) < len(cur.Locations) {
		return fmt.Errorf("encounter %s: location history cannot shrink", e.ID)
	}
	e.Version++
	e.UpdatedAt = s.now().UTC()
	s.encounters[e.ID] = cloneEncounter(*e)
	return nil
}

func (s *MemoryStore) FindPractitioner(ctx context.Context, system, value string) (*clinical.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identifiers[identifierKey(clinical.TypePractitioner, system, value)]
	if !ok {
		return nil, ErrNotFound
	}
	p := s.practitioners[id]
	p.Identifiers = append([]clinical.Identifier(nil), p.Identifiers...)
	return &p, nil
}

func (s *MemoryStore) CreatePractitioner(ctx context.Context, p *clinical.Practitioner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.bind(clinical.TypePractitioner, p.ID, p.Identifiers); err != nil {
		return err
	}
	now := s.now().UTC()
	p.Version = 1
	p.CreatedAt, p.UpdatedAt = now, now
	stored := *p
	stored.Identifiers = append([]clinical.Identifier(nil), p.Identifiers...)
	s.practitioners[p.ID] = stored
	return nil
}

func (s *MemoryStore) UpdatePractitioner(ctx context.Context, p *clinical.Practitioner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.practitioners[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != p.Version {
		return fmt.Errorf("practitioner %s at version %d, have %d: %w", p.ID, cur.Version, p.Version, ErrVersionConflict)
	}
	if err := s.bind(clinical.TypePractitioner, p.ID, p.Identifiers); err != nil {
		return err
	}
	p.Version++
	p.UpdatedAt = s.now().UTC()
	stored := *p
	stored.Identifiers = append([]clinical.Identifier(nil), p.Identifiers...)
	s.practitioners[p.ID] = stored
	return nil
}

func (s *MemoryStore) GetAdmission(ctx context.Context, patientID string) (adt.AdmissionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admissions[patientID]
	if !ok {
		return adt.NewAdmissionStatus(patientID), nil
	}
	a.History = append([]adt.LocationEntry(nil), a.History...)
	return a, nil
}

func (s *MemoryStore) SaveAdmission(ctx context.Context, a adt.AdmissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stored int64
	if cur, ok := s.admissions[a.PatientID]; ok {
		stored = cur.Version
	}
	if stored != a.Version-1 {
		return fmt.Errorf("admission %s at version %d, saving %d: %w", a.PatientID, stored, a.Version, ErrVersionConflict)
	}
	a.History = append([]adt.LocationEntry(nil), a.History...)
	s.admissions[a.PatientID] = a
	return nil
}

func (s *MemoryStore) Processed(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[key]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[key]; !ok {
		s.processed[key] = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// Counts returns the number of stored patients, encounters and practitioners.
func (s *MemoryStore) Counts() (patients, encounters, practitioners int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patients), len(s.encounters), len(s.practitioners)
}

func clonePatient(p clinical.Patient) clinical.Patient {
	p.Identifiers = append([]clinical.Identifier(nil), p.Identifiers...)
	if p.BirthDate != nil {
		d := *p.BirthDate
		p.BirthDate = &d
	}
	return p
}

func cloneEncounter(e clinical.Encounter) clinical.Encounter {
	e.Locations = append([]clinical.EncounterLocation(nil), e.Locations...)
	if e.PeriodStart != nil {
		t := *e.PeriodStart
		e.PeriodStart = &t
	}
	if e.PeriodEnd != nil {
		t := *e.PeriodEnd
		e.PeriodEnd = &t
	}
	return e
}
