package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// rolePolicy is implemented once per role. policyFor is the only place that
// maps a Role onto its policy.
type rolePolicy interface {
	resolve(ctx context.Context, g Graph, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error)
	authorize(ctx context.Context, g Graph, p Principal, res Resource) (bool, error)
}

func policyFor(role identity.Role) (rolePolicy, error) {
	switch role {
	case identity.RoleAdmin:
		return adminRole{}, nil
	case identity.RoleDoctor:
		return doctorRole{}, nil
	case identity.RolePatient:
		return patientRole{}, nil
	case identity.RoleHospital:
		return hospitalRole{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

type adminRole struct{}

func (adminRole) resolve(_ context.Context, _ Graph, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error) {
	if declared != nil {
		return *declared, nil
	}
	return id.ID, nil
}

func (adminRole) authorize(context.Context, Graph, Principal, Resource) (bool, error) {
	return true, nil
}

type doctorRole struct{}

func (doctorRole) resolve(_ context.Context, _ Graph, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error) {
	return resolveProfile(id, identity.KindDoctor, declared)
}

func (doctorRole) authorize(_ context.Context, _ Graph, p Principal, res Resource) (bool, error) {
	return p.Entity == res.DoctorID, nil
}

type hospitalRole struct{}

func (hospitalRole) resolve(_ context.Context, _ Graph, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error) {
	return resolveProfile(id, identity.KindHospital, declared)
}

func (hospitalRole) authorize(ctx context.Context, g Graph, p Principal, res Resource) (bool, error) {
	if res.HospitalID != nil && *res.HospitalID == p.Entity {
		return true, nil
	}
	ok, err := g.Mappings.Exists(ctx, identity.MappingHospitalDoctor, p.Entity, res.DoctorID)
	if err != nil || ok {
		return ok, err
	}
	return g.Mappings.Exists(ctx, identity.MappingHospitalPatient, p.Entity, res.PatientID)
}

// resolveProfile handles the 1:1 roles: the declared id, when present, must
// be the stored profile id.
func resolveProfile(id *identity.Identity, kind identity.EntityKind, declared *uuid.UUID) (uuid.UUID, error) {
	profile, ok := id.ProfileID(kind)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: identity %s has no %s profile", ErrForbidden, id.ID, kind)
	}
	if declared != nil && *declared != profile {
		return uuid.Nil, fmt.Errorf("%w: declared %s %s does not belong to identity %s", ErrForbidden, kind, *declared, id.ID)
	}
	return profile, nil
}

type patientRole struct{}

func (patientRole) resolve(ctx context.Context, g Graph, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error) {
	if declared != nil {
		edge, err := g.Relations.Get(ctx, id.ID, *declared)
		if errors.Is(err, identity.ErrNotFound) {
			return uuid.Nil, fmt.Errorf("%w: identity %s has no relation to patient %s", ErrForbidden, id.ID, *declared)
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("lookup relation: %w", err)
		}
		return edge.PatientID, nil
	}

	edges, err := g.Relations.ListByIdentity(ctx, id.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("list relations: %w", err)
	}
	if len(edges) == 0 {
		return uuid.Nil, fmt.Errorf("%w: identity %s has no patient relation; create a self relation first", ErrForbidden, id.ID)
	}
	return defaultEdge(edges).PatientID, nil
}

// authorize asks the graph on every call. A patient principal's entity came
// from an edge, so matching entities alone would outlive a removed relation.
func (patientRole) authorize(ctx context.Context, g Graph, p Principal, res Resource) (bool, error) {
	_, err := g.Relations.Get(ctx, p.Identity.ID, res.PatientID)
	if errors.Is(err, identity.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup relation: %w", err)
	}
	return true, nil
}

// defaultEdge prefers the Self edge, then the earliest created one. edges
// must be non-empty.
func defaultEdge(edges []*identity.RelationEdge) *identity.RelationEdge {
	earliest := edges[0]
	for _, e := range edges {
		if e.Relation == identity.RelationSelf {
			return e
		}
		if e.CreatedAt.Before(earliest.CreatedAt) {
			earliest = e
		}
	}
	return earliest
}
