package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service administers identities and the relation and mapping graph.
type Service struct {
	identities IdentityRepository
	relations  RelationRepository
	mappings   MappingRepository
}

func NewService(identities IdentityRepository, relations RelationRepository, mappings MappingRepository) *Service {
	return &Service{identities: identities, relations: relations, mappings: mappings}
}

func (s *Service) GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return s.identities.GetByID(ctx, id)
}

// SetActive soft-deactivates (or reactivates) an identity.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.identities.SetActive(ctx, id, active)
}

func (s *Service) CreateRelation(ctx context.Context, e *RelationEdge) error {
	if e.IdentityID == uuid.Nil {
		return fmt.Errorf("identity_id is required")
	}
	if e.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if !e.Relation.Valid() {
		return fmt.Errorf("invalid relation: %q", e.Relation)
	}
	ident, err := s.identities.GetByID(ctx, e.IdentityID)
	if err != nil {
		return fmt.Errorf("identity %s: %w", e.IdentityID, err)
	}
	if ident.Role != RolePatient {
		return fmt.Errorf("relations can only be attached to patient identities, got %s", ident.Role)
	}
	return s.relations.Create(ctx, e)
}

func (s *Service) DeleteRelation(ctx context.Context, id uuid.UUID) error {
	return s.relations.Delete(ctx, id)
}

func (s *Service) ListRelations(ctx context.Context, identityID uuid.UUID) ([]*RelationEdge, error) {
	return s.relations.ListByIdentity(ctx, identityID)
}

func (s *Service) CreateMapping(ctx context.Context, m *MappingEdge) error {
	if !m.Kind.Valid() {
		return fmt.Errorf("invalid mapping kind: %q", m.Kind)
	}
	if m.LeftID == uuid.Nil || m.RightID == uuid.Nil {
		return fmt.Errorf("left_id and right_id are required")
	}
	return s.mappings.Create(ctx, m)
}

func (s *Service) DeleteMapping(ctx context.Context, kind MappingKind, leftID, rightID uuid.UUID) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid mapping kind: %q", kind)
	}
	return s.mappings.Delete(ctx, kind, leftID, rightID)
}

func (s *Service) ListMappings(ctx context.Context, kind MappingKind, limit, offset int) ([]*MappingEdge, int, error) {
	if !kind.Valid() {
		return nil, 0, fmt.Errorf("invalid mapping kind: %q", kind)
	}
	return s.mappings.List(ctx, kind, limit, offset)
}
