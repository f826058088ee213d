package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// Resolver maps a login identity onto the one entity id the request may act
// as. Its output is the only acting-entity id callers may trust.
type Resolver struct {
	graph Graph
}

func NewResolver(relations identity.RelationRepository, mappings identity.MappingRepository) *Resolver {
	return &Resolver{graph: Graph{Relations: relations, Mappings: mappings}}
}

// Resolve returns the acting entity for id. declared is the entity the
// caller asked to act as and may be nil.
func (r *Resolver) Resolve(ctx context.Context, id *identity.Identity, declared *uuid.UUID) (uuid.UUID, error) {
	if id == nil {
		return uuid.Nil, fmt.Errorf("%w: no identity", ErrForbidden)
	}
	policy, err := policyFor(id.Role)
	if err != nil {
		return uuid.Nil, err
	}
	return policy.resolve(ctx, r.graph, id, declared)
}

// Principal resolves and wraps the result.
func (r *Resolver) Principal(ctx context.Context, id *identity.Identity, declared *uuid.UUID) (Principal, error) {
	entity, err := r.Resolve(ctx, id, declared)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Identity: id, Entity: entity}, nil
}

// Gate authorizes operations on a resource for an already resolved
// principal.
type Gate struct {
	graph Graph
}

func NewGate(relations identity.RelationRepository, mappings identity.MappingRepository) *Gate {
	return &Gate{graph: Graph{Relations: relations, Mappings: mappings}}
}

// Allowed reports whether p may operate on res.
func (g *Gate) Allowed(ctx context.Context, p Principal, res Resource) (bool, error) {
	if p.Identity == nil {
		return false, nil
	}
	policy, err := policyFor(p.Identity.Role)
	if err != nil {
		return false, err
	}
	return policy.authorize(ctx, g.graph, p, res)
}

// Authorize is Allowed with the rejection folded into ErrForbidden.
func (g *Gate) Authorize(ctx context.Context, p Principal, res Resource) error {
	ok, err := g.Allowed(ctx, p, res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %s may not access this conversation", ErrForbidden, p.Role(), p.Entity)
	}
	return nil
}
