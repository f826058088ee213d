package interview

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("interview session not found")
	ErrTurnNotFound     = errors.New("interview turn not found")
	ErrSessionClosed    = errors.New("interview session has ended")
	ErrSessionOpen      = errors.New("chat already has an open interview session")
	ErrGenerationFailed = errors.New("reply generation failed")
	ErrNoSummary        = errors.New("interview has no summary yet")
	ErrInvalidInput     = errors.New("invalid input")
)

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// GetOpenByChat returns ErrSessionNotFound when the chat has no open
	// session.
	GetOpenByChat(ctx context.Context, chatID uuid.UUID) (*Session, error)
	ListByChat(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Session, int, error)
	End(ctx context.Context, id uuid.UUID, at time.Time) error
}

type TurnRepository interface {
	Create(ctx context.Context, t *Turn) error
	GetByID(ctx context.Context, id uuid.UUID) (*Turn, error)
	// ListBySession returns every turn oldest first.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Turn, error)
	// Close stores the reply. It fails with ErrTurnNotFound when the turn
	// is already closed.
	Close(ctx context.Context, id uuid.UUID, reply string, isSummary bool, at time.Time) error
	// Rewrite overwrites the reply of a closed turn.
	Rewrite(ctx context.Context, id uuid.UUID, reply string, isSummary bool) error
}
