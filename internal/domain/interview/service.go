package interview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/platform/events"
)

// ChatLoader re-reads a chat and authorizes the principal against it.
// *chat.Service satisfies it.
type ChatLoader interface {
	Load(ctx context.Context, p access.Principal, chatID uuid.UUID) (*chat.Chat, error)
}

type Service struct {
	engine    *Engine
	sessions  SessionRepository
	turns     TurnRepository
	chats     ChatLoader
	gen       Generator
	publisher events.Publisher
	logger    zerolog.Logger
}

func NewService(engine *Engine, sessions SessionRepository, turns TurnRepository, chats ChatLoader, gen Generator, publisher events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		engine:    engine,
		sessions:  sessions,
		turns:     turns,
		chats:     chats,
		gen:       gen,
		publisher: publisher,
		logger:    logger.With().Str("component", "interview_service").Logger(),
	}
}

// Open starts a session on a chat the caller may access. A chat holds at
// most one open session.
func (s *Service) Open(ctx context.Context, p access.Principal, chatID uuid.UUID) (*Session, error) {
	if chatID == uuid.Nil {
		return nil, fmt.Errorf("%w: chat_id is required", ErrInvalidInput)
	}
	c, err := s.chats.Load(ctx, p, chatID)
	if err != nil {
		return nil, err
	}
	if !c.Active {
		return nil, chat.ErrChatInactive
	}
	if _, err := s.sessions.GetOpenByChat(ctx, c.ID); err == nil {
		return nil, ErrSessionOpen
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	sess := &Session{ChatID: c.ID}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authorize re-loads the session and its parent chat and runs the gate.
func (s *Service) Authorize(ctx context.Context, p access.Principal, sessionID uuid.UUID) (*Session, *chat.Chat, error) {
	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.chats.Load(ctx, p, sess.ChatID)
	if err != nil {
		return nil, nil, err
	}
	return sess, c, nil
}

func (s *Service) Get(ctx context.Context, p access.Principal, sessionID uuid.UUID) (*Session, error) {
	sess, _, err := s.Authorize(ctx, p, sessionID)
	return sess, err
}

func (s *Service) ListByChat(ctx context.Context, p access.Principal, chatID uuid.UUID, limit, offset int) ([]*Session, int, error) {
	if _, err := s.chats.Load(ctx, p, chatID); err != nil {
		return nil, 0, err
	}
	return s.sessions.ListByChat(ctx, chatID, limit, offset)
}

// Run submits an utterance to an already authorized session. A closed
// summary turn is published as an event; publish failures are only logged.
func (s *Service) Run(ctx context.Context, sess *Session, c *chat.Chat, utterance string) (*Outcome, error) {
	out, err := s.engine.Submit(ctx, sess.ID, utterance)
	if err != nil {
		return nil, err
	}
	if out.Reply.IsSummary {
		s.publish(ctx, c, sess.ID, out.Turn, false)
	}
	return out, nil
}

// Turns lists a session's turns oldest first. When since is set only turns
// created after it are returned.
func (s *Service) Turns(ctx context.Context, p access.Principal, sessionID uuid.UUID, since *uuid.UUID) ([]*Turn, error) {
	if _, _, err := s.Authorize(ctx, p, sessionID); err != nil {
		return nil, err
	}
	turns, err := s.turns.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if since == nil {
		return turns, nil
	}
	for i, t := range turns {
		if t.ID == *since {
			return turns[i+1:], nil
		}
	}
	return nil, fmt.Errorf("%w: since %s", ErrTurnNotFound, since)
}

func (s *Service) End(ctx context.Context, p access.Principal, sessionID uuid.UUID) (*Session, error) {
	if _, _, err := s.Authorize(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return s.engine.End(ctx, sessionID)
}

func requireClinician(p access.Principal) error {
	switch p.Role() {
	case identity.RoleDoctor, identity.RoleAdmin:
		return nil
	}
	return fmt.Errorf("%w: only doctors may do this", access.ErrForbidden)
}

// CorrectSummary lets the doctor replace the generated summary.
func (s *Service) CorrectSummary(ctx context.Context, p access.Principal, sessionID uuid.UUID, text string) (*Turn, error) {
	if err := requireClinician(p); err != nil {
		return nil, err
	}
	_, c, err := s.Authorize(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}
	turn, err := s.engine.CorrectSummary(ctx, sessionID, text)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, c, sessionID, turn, true)
	return turn, nil
}

// SuggestResponse drafts a reply for the doctor from the latest summary.
func (s *Service) SuggestResponse(ctx context.Context, p access.Principal, sessionID uuid.UUID, discharge string) (string, error) {
	if err := requireClinician(p); err != nil {
		return "", err
	}
	if _, _, err := s.Authorize(ctx, p, sessionID); err != nil {
		return "", err
	}
	turns, err := s.turns.ListBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	latest, ok := LatestSummary(turns)
	if !ok {
		return "", ErrNoSummary
	}
	text, err := s.gen.Suggest(ctx, *latest.Reply, strings.TrimSpace(discharge))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return text, nil
}

func (s *Service) publish(ctx context.Context, c *chat.Chat, sessionID uuid.UUID, t *Turn, corrected bool) {
	ev := events.SummaryGenerated{
		SessionID:   sessionID,
		ChatID:      c.ID,
		TurnID:      t.ID,
		PatientID:   c.PatientID,
		DoctorID:    c.DoctorID,
		Summary:     *t.Reply,
		Corrected:   corrected,
		GeneratedAt: time.Now().UTC(),
	}
	if err := s.publisher.PublishSummary(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("session_id", sessionID.String()).
			Str("turn_id", t.ID.String()).
			Msg("failed to publish summary event")
	}
}
