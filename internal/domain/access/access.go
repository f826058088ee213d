// Package access decides which clinical entity a request acts as and whether
// that entity may touch a given chat or interview.
package access

import (
	"errors"

	"github.com/google/uuid"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

// ErrForbidden is returned for every resolution or authorization rejection.
// Callers must not retry with a weaker check.
var ErrForbidden = errors.New("forbidden")

// ErrUnknownRole is returned for identities whose role is outside the closed
// set.
var ErrUnknownRole = errors.New("unknown role")

// Principal is an authenticated identity together with the entity id the
// resolver produced for it.
type Principal struct {
	Identity *identity.Identity
	Entity   uuid.UUID
}

func (p Principal) Role() identity.Role {
	if p.Identity == nil {
		return ""
	}
	return p.Identity.Role
}

// Resource exposes the participant ids of a chat-like resource.
type Resource struct {
	DoctorID   uuid.UUID
	PatientID  uuid.UUID
	HospitalID *uuid.UUID
}

// Graph is the relation and mapping lookups the rules need.
type Graph struct {
	Relations identity.RelationRepository
	Mappings  identity.MappingRepository
}
