package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of login roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDoctor   Role = "doctor"
	RolePatient  Role = "patient"
	RoleHospital Role = "hospital"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient, RoleHospital:
		return true
	}
	return false
}

// EntityKind names the clinical profile tables.
type EntityKind string

const (
	KindDoctor   EntityKind = "doctor"
	KindPatient  EntityKind = "patient"
	KindHospital EntityKind = "hospital"
)

// ProfileRef points from an Identity to its primary clinical entity. Clinical
// entities never point back.
type ProfileRef struct {
	Kind EntityKind `json:"kind"`
	ID   uuid.UUID  `json:"id"`
}

// Identity is an authenticated login principal.
type Identity struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	Email     string      `db:"email" json:"email"`
	Name      *string     `db:"name" json:"name,omitempty"`
	Role      Role        `db:"role" json:"role"`
	Profile   *ProfileRef `json:"profile,omitempty"`
	Active    bool        `db:"is_active" json:"is_active"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// ProfileID returns the profile id when the profile is of the given kind.
func (i *Identity) ProfileID(kind EntityKind) (uuid.UUID, bool) {
	if i.Profile == nil || i.Profile.Kind != kind || i.Profile.ID == uuid.Nil {
		return uuid.Nil, false
	}
	return i.Profile.ID, true
}

type RelationType string

const (
	RelationSelf   RelationType = "self"
	RelationChild  RelationType = "child"
	RelationParent RelationType = "parent"
	RelationSpouse RelationType = "spouse"
	RelationOther  RelationType = "other"
)

func (t RelationType) Valid() bool {
	switch t {
	case RelationSelf, RelationChild, RelationParent, RelationSpouse, RelationOther:
		return true
	}
	return false
}

// RelationEdge links an Identity to a patient entity it may act for.
type RelationEdge struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	IdentityID uuid.UUID    `db:"identity_id" json:"identity_id"`
	PatientID  uuid.UUID    `db:"patient_id" json:"patient_id"`
	Relation   RelationType `db:"relation" json:"relation"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}

type MappingKind string

const (
	MappingHospitalDoctor  MappingKind = "hospital-doctor"
	MappingHospitalPatient MappingKind = "hospital-patient"
	MappingDoctorPatient   MappingKind = "doctor-patient"
)

func (k MappingKind) Valid() bool {
	switch k {
	case MappingHospitalDoctor, MappingHospitalPatient, MappingDoctorPatient:
		return true
	}
	return false
}

// MappingEdge is an undirected association. LeftID is the hospital for
// hospital-* kinds and the doctor for doctor-patient.
type MappingEdge struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	Kind      MappingKind `db:"kind" json:"kind"`
	LeftID    uuid.UUID   `db:"left_id" json:"left_id"`
	RightID   uuid.UUID   `db:"right_id" json:"right_id"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

type ctxKey struct{}

// NewContext stores the authenticated Identity on ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the authenticated Identity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKey{}).(*Identity)
	return id
}
