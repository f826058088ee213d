// Package realtime fans chat and interview traffic out to live connections.
// Both the duplex socket and the event endpoint funnel into one Router.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/domain/interview"
	"github.com/telehealth/telehealth/internal/platform/lock"
	"github.com/telehealth/telehealth/internal/platform/websocket"
)

// DefaultHistoryWindow is how many messages a chat client gets on connect.
const DefaultHistoryWindow = 50

// ErrShuttingDown is returned for turns submitted after Drain has begun.
var ErrShuttingDown = errors.New("server is shutting down, try again shortly")

// Chats is the chat behavior the router drives. *chat.Service satisfies it.
type Chats interface {
	Load(ctx context.Context, p access.Principal, chatID uuid.UUID) (*chat.Chat, error)
	Send(ctx context.Context, p access.Principal, in chat.SendInput) (*chat.Message, error)
	MarkRead(ctx context.Context, p access.Principal, ids []uuid.UUID, read bool) (int, error)
	History(ctx context.Context, chatID uuid.UUID, n int) ([]*chat.Message, error)
}

// Interviews is the interview behavior the router drives.
// *interview.Service satisfies it.
type Interviews interface {
	Authorize(ctx context.Context, p access.Principal, sessionID uuid.UUID) (*interview.Session, *chat.Chat, error)
	Run(ctx context.Context, sess *interview.Session, c *chat.Chat, utterance string) (*interview.Outcome, error)
}

type Kind string

const (
	KindChat      Kind = "chat"
	KindInterview Kind = "interview"
)

// Target is what an authenticated connection is bound to. Identity and
// Declared are kept so the principal can be re-resolved per frame.
type Target struct {
	Kind      Kind
	Identity  *identity.Identity
	Declared  *uuid.UUID
	Principal access.Principal
	Chat      *chat.Chat
	Session   *interview.Session
}

func (t Target) Conversation() string {
	if t.Kind == KindInterview {
		return InterviewConversation(t.Session.ID)
	}
	return ChatConversation(t.Chat.ID)
}

func ChatConversation(id uuid.UUID) string      { return "chat:" + id.String() }
func InterviewConversation(id uuid.UUID) string { return "interview:" + id.String() }

type RouterConfig struct {
	HistoryWindow int
}

// Router applies chat sends, interview turns and read updates and delivers
// the resulting envelopes through the registry. Sends on one chat are
// serialized so every observer sees messages in persist order.
type Router struct {
	registry   *websocket.Registry
	resolver   *access.Resolver
	chats      Chats
	interviews Interviews
	locks      *lock.Keyed
	window     int
	inflight   atomic.Int64

	// mu orders wg.Add against Drain's wg.Wait.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	logger     zerolog.Logger
}

func NewRouter(registry *websocket.Registry, resolver *access.Resolver, chats Chats, interviews Interviews, cfg RouterConfig, logger zerolog.Logger) *Router {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	return &Router{
		registry:   registry,
		resolver:   resolver,
		chats:      chats,
		interviews: interviews,
		locks:      lock.NewKeyed(),
		window:     cfg.HistoryWindow,
		logger:     logger.With().Str("component", "router").Logger(),
	}
}

// Bind resolves the acting entity and authorizes it against the chat or
// interview session the connection asks for.
func (r *Router) Bind(ctx context.Context, kind Kind, id uuid.UUID, ident *identity.Identity, declared *uuid.UUID) (Target, error) {
	p, err := r.resolver.Principal(ctx, ident, declared)
	if err != nil {
		return Target{}, err
	}
	t := Target{Kind: kind, Identity: ident, Declared: declared, Principal: p}
	switch kind {
	case KindChat:
		t.Chat, err = r.chats.Load(ctx, p, id)
	case KindInterview:
		t.Session, t.Chat, err = r.interviews.Authorize(ctx, p, id)
	default:
		err = fmt.Errorf("unknown connection kind %q", kind)
	}
	if err != nil {
		return Target{}, err
	}
	return t, nil
}

// Open registers socket for t and greets it. Chat clients then get the
// latest messages as a single history envelope; the chat lock is held so no
// broadcast can slip in between registration and replay.
func (r *Router) Open(ctx context.Context, socket websocket.Socket, t Target) string {
	conv := t.Conversation()
	if t.Kind == KindInterview {
		clientID := r.registry.Connect(socket, conv)
		r.registry.Send(textEnvelope(TypeSystem, "Connected to AI Assistant. You can start chatting now."), conv, clientID)
		return clientID
	}

	unlock := r.locks.Lock(t.Chat.ID.String())
	defer unlock()
	clientID := r.registry.Connect(socket, conv)
	r.registry.Send(textEnvelope(TypeSystem, fmt.Sprintf("Connected to chat %s. You can start chatting now.", t.Chat.ID)), conv, clientID)

	msgs, err := r.chats.History(ctx, t.Chat.ID, r.window)
	if err != nil {
		r.logger.Error().Err(err).Str("chat_id", t.Chat.ID.String()).Msg("history replay failed")
		return clientID
	}
	if len(msgs) > 0 {
		r.registry.Send(historyEnvelope(msgs), conv, clientID)
	}
	return clientID
}

func (r *Router) Disconnect(clientID string) {
	r.registry.Disconnect(clientID)
}

// SendMessage persists a chat message and broadcasts it to every client of
// the chat, including the sender's own connections.
func (r *Router) SendMessage(ctx context.Context, p access.Principal, in chat.SendInput) (*chat.Message, error) {
	unlock := r.locks.Lock(in.ChatID.String())
	defer unlock()

	m, err := r.chats.Send(ctx, p, in)
	if err != nil {
		return nil, err
	}
	n := r.registry.Send(messageEnvelope(m), ChatConversation(m.ChatID), "")
	r.logger.Debug().
		Str("chat_id", m.ChatID.String()).
		Str("message_id", m.ID.String()).
		Int("delivered", n).
		Msg("message broadcast")
	return m, nil
}

// SubmitTurn runs one interview turn. When clientID is set the requesting
// client gets status, ai_response and, for summaries, a summary notice;
// failures are reported to it as an error envelope. Generation is detached
// from ctx so a disconnect does not abandon a turn halfway.
func (r *Router) SubmitTurn(ctx context.Context, p access.Principal, sessionID uuid.UUID, utterance, clientID string) (*interview.Outcome, error) {
	if !r.beginTurn() {
		r.fail(InterviewConversation(sessionID), clientID, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	defer r.wg.Done()
	return r.runTurn(ctx, p, sessionID, utterance, clientID)
}

// beginTurn reserves a slot that Drain waits for. Every true result must be
// paired with one wg.Done.
func (r *Router) beginTurn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Router) runTurn(ctx context.Context, p access.Principal, sessionID uuid.UUID, utterance, clientID string) (*interview.Outcome, error) {
	conv := InterviewConversation(sessionID)
	sess, c, err := r.interviews.Authorize(ctx, p, sessionID)
	if err != nil {
		r.fail(conv, clientID, err)
		return nil, err
	}
	if clientID != "" {
		r.registry.Send(textEnvelope(TypeStatus, statusProcessing), conv, clientID)
	}

	r.inflight.Add(1)
	out, err := r.interviews.Run(context.WithoutCancel(ctx), sess, c, utterance)
	r.inflight.Add(-1)
	if err != nil {
		r.fail(conv, clientID, err)
		return nil, err
	}

	// the client may have left while the model was answering
	if clientID != "" && !r.registry.Has(clientID) {
		r.logger.Debug().
			Str("session_id", sessionID.String()).
			Str("turn_id", out.Turn.ID.String()).
			Msg("requester gone, reply kept for polling")
		return out, nil
	}
	if clientID != "" {
		r.registry.Send(out.Response(), conv, clientID)
		if out.Reply.IsSummary {
			r.registry.Send(textEnvelope(TypeSummary, summaryNotice), conv, clientID)
		}
	}
	return out, nil
}

// MarkRead updates read flags all-or-nothing.
func (r *Router) MarkRead(ctx context.Context, p access.Principal, ids []uuid.UUID, read bool) (int, error) {
	return r.chats.MarkRead(ctx, p, ids, read)
}

// fail unicasts err to clientID as an error envelope.
func (r *Router) fail(conv, clientID string, err error) {
	if clientID == "" {
		return
	}
	r.registry.Send(textEnvelope(TypeError, r.clientMessage(err)), conv, clientID)
}

// clientMessage keeps internal failures out of client-facing text.
func (r *Router) clientMessage(err error) string {
	switch {
	case errors.Is(err, interview.ErrGenerationFailed):
		return retryNotice
	case errors.Is(err, access.ErrForbidden),
		errors.Is(err, ErrShuttingDown),
		errors.Is(err, ErrTurnQueueFull),
		errors.Is(err, access.ErrUnknownRole),
		errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, chat.ErrChatNotFound),
		errors.Is(err, chat.ErrChatInactive),
		errors.Is(err, chat.ErrMessageNotFound),
		errors.Is(err, interview.ErrInvalidInput),
		errors.Is(err, interview.ErrSessionNotFound),
		errors.Is(err, interview.ErrSessionClosed):
		return err.Error()
	}
	r.logger.Error().Err(err).Msg("realtime operation failed")
	return genericFailure
}

// Stats is the registry and generation snapshot behind /health/realtime.
type Stats struct {
	Conversations int   `json:"conversations"`
	Clients       int   `json:"clients"`
	Inflight      int64 `json:"inflight_generations"`
}

func (r *Router) Stats() Stats {
	return Stats{
		Conversations: r.registry.Conversations(),
		Clients:       r.registry.Len(),
		Inflight:      r.inflight.Load(),
	}
}

// Drain stops accepting turns, then waits for accepted ones (running or
// queued on a connection) to finish or ctx to expire.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
