package chat

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrChatNotFound        = errors.New("chat not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrChatExists          = errors.New("chat already exists between this doctor and patient")
	ErrChatInactive        = errors.New("chat is closed")
	ErrParticipantNotFound = errors.New("doctor or patient not found")
	ErrInvalidInput        = errors.New("invalid input")
)

type ChatRepository interface {
	Create(ctx context.Context, c *Chat) error
	GetByID(ctx context.Context, id uuid.UUID) (*Chat, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Chat, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SetVisibility(ctx context.Context, id uuid.UUID, forDoctor, forPatient bool) error
}

type MessageRepository interface {
	Create(ctx context.Context, m *Message) error
	// GetByIDs returns the messages that exist, locked for update when called
	// inside a transaction. Missing ids are simply absent from the result.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Message, error)
	// ListByChat returns a page newest first.
	ListByChat(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]*Message, int, error)
	// Recent returns up to n messages newest first.
	Recent(ctx context.Context, chatID uuid.UUID, n int) ([]*Message, error)
	SetRead(ctx context.Context, ids []uuid.UUID, read bool) (int64, error)
}
