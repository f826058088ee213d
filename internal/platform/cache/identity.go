package cache

import (
	"context"
	"encoding/json"
	"errors"

	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/identity"
)

const identityKeyPrefix = "telehealth:identity:"

// IdentityCache fronts an identity repository with a short TTL. Token
// verification hits it on every request and socket handshake. Cache errors
// are logged and fall through to the repository.
type IdentityCache struct {
	next   identity.IdentityRepository
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

func NewIdentityCache(next identity.IdentityRepository, store Store, ttl time.Duration, logger zerolog.Logger) *IdentityCache {
	return &IdentityCache{
		next:   next,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "identity_cache").Logger(),
	}
}

func identityKey(id uuid.UUID) string {
	return identityKeyPrefix + id.String()
}

func (c *IdentityCache) Create(ctx context.Context, ident *identity.Identity) error {
	return c.next.Create(ctx, ident)
}

func (c *IdentityCache) GetByID(ctx context.Context, id uuid.UUID) (*identity.Identity, error) {
	data, err := c.store.Get(ctx, identityKey(id))
	switch {
	case err == nil:
		var ident identity.Identity
		if jerr := json.Unmarshal(data, &ident); jerr == nil {
			return &ident, nil
		}
		c.logger.Warn().Str("identity_id", id.String()).Msg("dropping undecodable cache entry")
	case !errors.Is(err, ErrMiss):
		c.logger.Warn().Err(err).Msg("identity cache read failed")
	}

	ident, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(ident); jerr == nil {
		if serr := c.store.Set(ctx, identityKey(id), data, c.ttl); serr != nil {
			c.logger.Warn().Err(serr).Msg("identity cache write failed")
		}
	}
	return ident, nil
}

// SetActive writes through and evicts, so a deactivation is seen by the next
// token verification.
func (c *IdentityCache) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := c.next.SetActive(ctx, id, active); err != nil {
		return err
	}
	if err := c.store.Del(ctx, identityKey(id)); err != nil {
		c.logger.Warn().Err(err).Str("identity_id", id.String()).Msg("identity cache evict failed")
	}
	return nil
}
