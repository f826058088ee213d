package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type IdentityRepository interface {
	Create(ctx context.Context, id *Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type RelationRepository interface {
	Create(ctx context.Context, e *RelationEdge) error
	Delete(ctx context.Context, id uuid.UUID) error
	// Get returns ErrNotFound when the identity has no edge to the patient.
	Get(ctx context.Context, identityID, patientID uuid.UUID) (*RelationEdge, error)
	// ListByIdentity returns edges oldest first.
	ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]*RelationEdge, error)
}

type MappingRepository interface {
	Create(ctx context.Context, m *MappingEdge) error
	Delete(ctx context.Context, kind MappingKind, leftID, rightID uuid.UUID) error
	Exists(ctx context.Context, kind MappingKind, leftID, rightID uuid.UUID) (bool, error)
	List(ctx context.Context, kind MappingKind, limit, offset int) ([]*MappingEdge, int, error)
}
