package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telehealth/telehealth/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Identity Repository ===========

type identityRepoPG struct{ pool *pgxpool.Pool }

func NewIdentityRepoPG(pool *pgxpool.Pool) IdentityRepository {
	return &identityRepoPG{pool: pool}
}

func (r *identityRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const identityCols = `id, email, name, role, profile_kind, profile_id, is_active, created_at, updated_at`

func scanIdentity(row pgx.Row) (*Identity, error) {
	var i Identity
	var kind *string
	var profileID *uuid.UUID
	if err := row.Scan(&i.ID, &i.Email, &i.Name, &i.Role, &kind, &profileID,
		&i.Active, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	if kind != nil && profileID != nil {
		i.Profile = &ProfileRef{Kind: EntityKind(*kind), ID: *profileID}
	}
	return &i, nil
}

func (r *identityRepoPG) Create(ctx context.Context, i *Identity) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	var kind *string
	var profileID *uuid.UUID
	if i.Profile != nil {
		k := string(i.Profile.Kind)
		kind, profileID = &k, &i.Profile.ID
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO identities (id, email, name, role, profile_kind, profile_id, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		i.ID, i.Email, i.Name, i.Role, kind, profileID, i.Active,
	).Scan(&i.CreatedAt, &i.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("identity %s: %w", i.Email, ErrAlreadyExists)
	}
	return err
}

func (r *identityRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return scanIdentity(r.conn(ctx).QueryRow(ctx, `SELECT `+identityCols+` FROM identities WHERE id = $1`, id))
}

func (r *identityRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE identities SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Relation Repository ===========

type relationRepoPG struct{ pool *pgxpool.Pool }

func NewRelationRepoPG(pool *pgxpool.Pool) RelationRepository {
	return &relationRepoPG{pool: pool}
}

func (r *relationRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const relationCols = `id, identity_id, patient_id, relation, created_at`

func scanRelation(row pgx.Row) (*RelationEdge, error) {
	var e RelationEdge
	if err := row.Scan(&e.ID, &e.IdentityID, &e.PatientID, &e.Relation, &e.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *relationRepoPG) Create(ctx context.Context, e *RelationEdge) error {
	e.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO relation_edges (id, identity_id, patient_id, relation)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		e.ID, e.IdentityID, e.PatientID, e.Relation,
	).Scan(&e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *relationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM relation_edges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *relationRepoPG) Get(ctx context.Context, identityID, patientID uuid.UUID) (*RelationEdge, error) {
	return scanRelation(r.conn(ctx).QueryRow(ctx,
		`SELECT `+relationCols+` FROM relation_edges WHERE identity_id = $1 AND patient_id = $2`,
		identityID, patientID))
}

func (r *relationRepoPG) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*RelationEdge, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+relationCols+` FROM relation_edges WHERE identity_id = $1 ORDER BY created_at ASC, id ASC`,
		identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RelationEdge
	for rows.Next() {
		e, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// =========== Mapping Repository ===========

// mappingTable describes the join table backing one mapping kind.
type mappingTable struct {
	name, left, right string
}

var mappingTables = map[MappingKind]mappingTable{
	MappingHospitalDoctor:  {"hospital_doctor_mappings", "hospital_id", "doctor_id"},
	MappingHospitalPatient: {"hospital_patient_mappings", "hospital_id", "patient_id"},
	MappingDoctorPatient:   {"doctor_patient_mappings", "doctor_id", "patient_id"},
}

func tableFor(kind MappingKind) (mappingTable, error) {
	t, ok := mappingTables[kind]
	if !ok {
		return mappingTable{}, fmt.Errorf("unknown mapping kind %q", kind)
	}
	return t, nil
}

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

func (r *mappingRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *mappingRepoPG) Create(ctx context.Context, m *MappingEdge) error {
	t, err := tableFor(m.Kind)
	if err != nil {
		return err
	}
	m.ID = uuid.New()
	err = r.conn(ctx).QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, %s, %s) VALUES ($1,$2,$3) RETURNING created_at`, t.name, t.left, t.right),
		m.ID, m.LeftID, m.RightID,
	).Scan(&m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *mappingRepoPG) Delete(ctx context.Context, kind MappingKind, leftID, rightID uuid.UUID) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`, t.name, t.left, t.right),
		leftID, rightID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mappingRepoPG) Exists(ctx context.Context, kind MappingKind, leftID, rightID uuid.UUID) (bool, error) {
	t, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	var exists bool
	err = r.conn(ctx).QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND %s = $2)`, t.name, t.left, t.right),
		leftID, rightID,
	).Scan(&exists)
	return exists, err
}

func (r *mappingRepoPG) List(ctx context.Context, kind MappingKind, limit, offset int) ([]*MappingEdge, int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM `+t.name).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT id, %s, %s, created_at FROM %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		t.left, t.right, t.name), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MappingEdge
	for rows.Next() {
		m := MappingEdge{Kind: kind}
		if err := rows.Scan(&m.ID, &m.LeftID, &m.RightID, &m.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &m)
	}
	return items, total, rows.Err()
}
