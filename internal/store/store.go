// Package store persists canonical clinical resources and admission state.
package store

import (
	"context"
	"errors"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/clinical"
)

var (
	// ErrNotFound is returned when no resource matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a create or update would bind an
	// identifier that already belongs to another resource.
	ErrDuplicate = errors.New("identifier already bound to another resource")
	// ErrVersionConflict is returned when an update is based on a stale
	// version.
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the clinical resource store. Creates are atomic conditional
// inserts keyed by identifier: of two concurrent creates for the same
// identifier exactly one succeeds, the other gets ErrDuplicate.
//
// Updates are optimistic: the stored version must equal the version on the
// resource being written, which is then incremented.
type Store interface {
	FindPatient(ctx context.Context, system, value string) (*clinical.Patient, error)
	GetPatient(ctx context.Context, id string) (*clinical.Patient, error)
	CreatePatient(ctx context.Context, p *clinical.Patient) error
	UpdatePatient(ctx context.Context, p *clinical.Patient) error

	FindEncounter(ctx context.Context, system, value string) (*clinical.Encounter, error)
	GetEncounter(ctx context.Context, id string) (*clinical.Encounter, error)
	CreateEncounter(ctx context.Context, e *clinical.Encounter) error
	UpdateEncounter(ctx context.Context, e *clinical.Encounter) error

	FindPractitioner(ctx context.Context, system, value string) (*clinical.Practitioner, error)
	CreatePractitioner(ctx context.Context, p *clinical.Practitioner) error
	UpdatePractitioner(ctx context.Context, p *clinical.Practitioner) error

	// GetAdmission returns the stored state, or the unregistered state
	// when the patient has none yet.
	GetAdmission(ctx context.Context, patientID string) (adt.AdmissionStatus, error)
	// SaveAdmission stores s if the stored version is s.Version-1.
	SaveAdmission(ctx context.Context, s adt.AdmissionStatus) error

	// Processed reports whether a message key has already been applied.
	Processed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close()
}
