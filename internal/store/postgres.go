package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minasoft/adt-gateway/internal/adt"
	"github.com/minasoft/adt-gateway/internal/clinical"
)

//go:embed schema.sql
var schemaSQL string

// NewPool opens and pings a pgx connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresStore keeps resources as JSONB documents. Identifiers live in
// resource_identifier whose primary key makes binding an atomic
// conditional insert.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func tableFor(t clinical.ResourceType) string {
	switch t {
	case clinical.TypeEncounter:
		return "encounter"
	case clinical.TypePractitioner:
		return "practitioner"
	default:
		return "patient"
	}
}

func (s *PostgresStore) find(ctx context.Context, t clinical.ResourceType, system, value string, dst any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT r.doc FROM `+tableFor(t)+` r
		JOIN resource_identifier i ON i.resource_id = r.id
		WHERE i.resource_type = $1 AND i.system = $2 AND i.value = $3`,
		string(t), system, value).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find %s %s|%s: %w", t, system, value, err)
	}
	return json.Unmarshal(doc, dst)
}

func (s *PostgresStore) get(ctx context.Context, t clinical.ResourceType, id string, dst any) error {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM `+tableFor(t)+` WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s %s: %w", t, id, err)
	}
	return json.Unmarshal(doc, dst)
}

// bindIdentifiers claims each identifier for id inside tx.
func bindIdentifiers(ctx context.Context, q querier, t clinical.ResourceType, id string, ids []clinical.Identifier) error {
	for _, ident := range ids {
		tag, err := q.Exec(ctx, `
			INSERT INTO resource_identifier (resource_type, system, value, resource_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (resource_type, system, value) DO NOTHING`,
			string(t), ident.System, ident.Value, id)
		if err != nil {
			return fmt.Errorf("bind identifier %s: %w", ident.Key(), err)
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		var owner string
		if err := q.QueryRow(ctx, `
			SELECT resource_id FROM resource_identifier
			WHERE resource_type = $1 AND system = $2 AND value = $3`,
			string(t), ident.System, ident.Value).Scan(&owner); err != nil {
			return fmt.Errorf("read identifier owner %s: %w", ident.Key(), err)
		}
		if owner != id {
			return fmt.Errorf("%s %s: %w", t, ident.Key(), ErrDuplicate)
		}
	}
	return nil
}

func (s *PostgresStore) create(ctx context.Context, t clinical.ResourceType, id string, doc any, ids []clinical.Identifier, at time.Time) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO `+tableFor(t)+` (id, doc, version, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $3)`, id, data, at); err != nil {
		return fmt.Errorf("insert %s: %w", t, err)
	}
	if err := bindIdentifiers(ctx, tx, t, id, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) update(ctx context.Context, t clinical.ResourceType, id string, version int, doc any, ids []clinical.Identifier, at time.Time) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE `+tableFor(t)+` SET doc = $3, version = version + 1, updated_at = $4
		WHERE id = $1 AND version = $2`, id, version, data, at)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", t, id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+tableFor(t)+` WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("update %s %s: %w", t, id, err)
		}
		if !exists {
			return ErrNotFound
		}
		return fmt.Errorf("%s %s version %d: %w", t, id, version, ErrVersionConflict)
	}
	if err := bindIdentifiers(ctx, tx, t, id, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) FindPatient(ctx context.Context, system, value string) (*clinical.Patient, error) {
	var p clinical.Patient
	if err := s.find(ctx, clinical.TypePatient, system, value, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetPatient(ctx context.Context, id string) (*clinical.Patient, error) {
	var p clinical.Patient
	if err := s.get(ctx, clinical.TypePatient, id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePatient(ctx context.Context, p *clinical.Patient) error {
	row := *p
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := s.now().UTC()
	row.Version = 1
	row.CreatedAt, row.UpdatedAt = now, now
	if err := s.create(ctx, clinical.TypePatient, row.ID, row, row.Identifiers, now); err != nil {
		return err
	}
	*p = row
	return nil
}

func (s *PostgresStore) UpdatePatient(ctx context.Context, p *clinical.Patient) error {
	row := *p
	row.Version++
	row.UpdatedAt = s.now().UTC()
	if err := s.update(ctx, clinical.TypePatient, p.ID, p.Version, row, row.Identifiers, row.UpdatedAt); err != nil {
		return err
	}
	*p = row
	return nil
}

func (s *PostgresStore) FindEncounter(ctx context.Context, system, value string) (*clinical.Encounter, error) {
	var e clinical.Encounter
	if err := s.find(ctx, clinical.TypeEncounter, system, value, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetEncounter(ctx context.Context, id string) (*clinical.Encounter, error) {
	var e clinical.Encounter
	if err := s.get(ctx, clinical.TypeEncounter, id, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateEncounter(ctx context.Context, e *clinical.Encounter) error {
	row := *e
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := s.now().UTC()
	row.Version = 1
	row.CreatedAt, row.UpdatedAt = now, now
	if err := s.create(ctx, clinical.TypeEncounter, row.ID, row, []clinical.Identifier{row.Identifier}, now); err != nil {
		return err
	}
	*e = row
	return nil
}

func (s *PostgresStore) UpdateEncounter(ctx context.Context, e *clinical.Encounter) error {
	row := *e
	row.Version++
	row.UpdatedAt = s.now().UTC()
	if err := s.update(ctx, clinical.TypeEncounter, e.ID, e.Version, row, []clinical.Identifier{row.Identifier}, row.UpdatedAt); err != nil {
		return err
	}
	*e = row
	return nil
}

func (s *PostgresStore) FindPractitioner(ctx context.Context, system, value string) (*clinical.Practitioner, error) {
	var p clinical.Practitioner
	if err := s.find(ctx, clinical.TypePractitioner, system, value, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePractitioner(ctx context.Context, p *clinical.Practitioner) error {
	row := *p
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := s.now().UTC()
	row.Version = 1
	row.CreatedAt, row.UpdatedAt = now, now
	if err := s.create(ctx, clinical.TypePractitioner, row.ID, row, row.Identifiers, now); err != nil {
		return err
	}
	*p = row
	return nil
}

func (s *PostgresStore) UpdatePractitioner(ctx context.Context, p *clinical.Practitioner) error {
	row := *p
	row.Version++
	row.UpdatedAt = s.now().UTC()
	if err := s.update(ctx, clinical.TypePractitioner, p.ID, p.Version, row, row.Identifiers, row.UpdatedAt); err != nil {
		return err
	}
	*p = row
	return nil
}

func (s *PostgresStore) GetAdmission(ctx context.Context, patientID string) (adt.AdmissionStatus, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM admission_status WHERE patient_id = $1`, patientID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return adt.NewAdmissionStatus(patientID), nil
	}
	if err != nil {
		return adt.AdmissionStatus{}, fmt.Errorf("get admission %s: %w", patientID, err)
	}
	var a adt.AdmissionStatus
	if err := json.Unmarshal(doc, &a); err != nil {
		return adt.AdmissionStatus{}, fmt.Errorf("decode admission %s: %w", patientID, err)
	}
	return a, nil
}

func (s *PostgresStore) SaveAdmission(ctx context.Context, a adt.AdmissionStatus) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode admission: %w", err)
	}

	var tag pgconn.CommandTag
	if a.Version <= 1 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO admission_status (patient_id, status, doc, version, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (patient_id) DO NOTHING`,
			a.PatientID, string(a.Status), data, a.Version, s.now().UTC())
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE admission_status SET status = $2, doc = $3, version = $4, updated_at = $5
			WHERE patient_id = $1 AND version = $6`,
			a.PatientID, string(a.Status), data, a.Version, s.now().UTC(), a.Version-1)
	}
	if err != nil {
		return fmt.Errorf("save admission %s: %w", a.PatientID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("admission %s version %d: %w", a.PatientID, a.Version, ErrVersionConflict)
	}
	return nil
}

func (s *PostgresStore) Processed(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_message WHERE message_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", key, err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_message (message_key, processed_at) VALUES ($1, $2)
		ON CONFLICT (message_key) DO NOTHING`, key, s.now().UTC())
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
