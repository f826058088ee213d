package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/platform/middleware"
	"github.com/telehealth/telehealth/internal/platform/websocket"
)

// State is the lifecycle of one client connection:
// Connecting -> Authenticated -> Active -> Closed.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrIllegalTransition = errors.New("illegal connection state transition")

type frameKind int

const (
	frameConnect frameKind = iota
	frameMessage
	frameDisconnect
)

// connectData is the payload of an event-endpoint connect frame.
type connectData struct {
	Token          string `json:"token"`
	SessionID      string `json:"session_id"`
	ActingEntityID string `json:"acting_entity_id"`
}

// inbound is a decoded client frame. Transports only decode; every
// decision is taken by the Connection.
type inbound struct {
	kind    frameKind
	connect connectData
	payload json.RawMessage
}

// turnQueueSize bounds the utterances one connection may have waiting.
const turnQueueSize = 16

// ErrTurnQueueFull is reported when a client sends faster than the model
// answers.
var ErrTurnQueueFull = errors.New("too many questions pending, wait for a reply")

type turnJob struct {
	ctx       context.Context
	principal access.Principal
	sessionID uuid.UUID
	utterance string
	clientID  string
}

// Handshake turns a connect frame into a bound target.
type Handshake func(ctx context.Context, d connectData) (Target, error)

// Connection drives one client through its states. Receive is called from
// a single read loop; Close may be called from anywhere.
type Connection struct {
	mu       sync.Mutex
	state    State
	target   Target
	clientID string

	// turns is fed by the read loop and drained by one worker, so a
	// connection's utterances become Turns in the order they arrived.
	turns chan turnJob

	socket    websocket.Socket
	router    *Router
	limiter   *middleware.Limiter
	handshake Handshake
	logger    zerolog.Logger
}

func newConnection(socket websocket.Socket, router *Router, limiter *middleware.Limiter, handshake Handshake, logger zerolog.Logger) *Connection {
	return &Connection{
		state:     StateConnecting,
		socket:    socket,
		router:    router,
		limiter:   limiter,
		handshake: handshake,
		logger:    logger,
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Connection) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return fmt.Errorf("%w: %s -> %s while %s", ErrIllegalTransition, from, to, c.state)
	}
	c.state = to
	return nil
}

// Authenticate binds the connection to t.
func (c *Connection) Authenticate(t Target) error {
	if err := c.transition(StateConnecting, StateAuthenticated); err != nil {
		return err
	}
	c.mu.Lock()
	c.target = t
	c.mu.Unlock()
	c.logger = c.logger.With().
		Str("conversation", t.Conversation()).
		Str("identity_id", t.Identity.ID.String()).
		Logger()
	return nil
}

// Activate registers the connection with the router, which greets the client
// and replays chat history.
func (c *Connection) Activate(ctx context.Context) error {
	if err := c.transition(StateAuthenticated, StateActive); err != nil {
		return err
	}
	clientID := c.router.Open(ctx, c.socket, c.target)
	c.mu.Lock()
	c.clientID = clientID
	if c.target.Kind == KindInterview {
		c.turns = make(chan turnJob, turnQueueSize)
		go c.runTurns(c.turns)
	}
	c.mu.Unlock()
	c.logger.Info().Str("client_id", clientID).Msg("client connected")
	return nil
}

// Receive applies one inbound frame. A returned error is fatal: the
// transport closes the connection.
func (c *Connection) Receive(ctx context.Context, in inbound) error {
	switch st := c.State(); st {
	case StateConnecting:
		if in.kind != frameConnect || c.handshake == nil {
			return fmt.Errorf("%w: expected connect while %s", ErrIllegalTransition, st)
		}
		t, err := c.handshake(ctx, in.connect)
		if err != nil {
			return err
		}
		if err := c.Authenticate(t); err != nil {
			return err
		}
		return c.Activate(ctx)

	case StateActive:
		switch in.kind {
		case frameDisconnect:
			c.Close()
			return nil
		case frameMessage:
			c.dispatch(ctx, in.payload)
			return nil
		}
		return fmt.Errorf("%w: connect while active", ErrIllegalTransition)

	default:
		return fmt.Errorf("%w: frame while %s", ErrIllegalTransition, st)
	}
}

// dispatch handles a message frame on an active connection. Problems with
// the frame are reported to the client and the connection stays open.
func (c *Connection) dispatch(ctx context.Context, payload json.RawMessage) {
	t := c.target
	conv, clientID := t.Conversation(), c.ClientID()

	if c.limiter != nil && !c.limiter.Allow(middleware.IdentityRateKey(t.Identity.ID.String())) {
		c.router.registry.Send(textEnvelope(TypeError, rateLimitedNotice), conv, clientID)
		return
	}

	// the acting entity may have lost its relation since connect
	p, err := c.router.resolver.Principal(ctx, t.Identity, t.Declared)
	if err != nil {
		c.router.fail(conv, clientID, err)
		return
	}

	switch t.Kind {
	case KindChat:
		var f chatFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.router.fail(conv, clientID, fmt.Errorf("%w: malformed frame", chat.ErrInvalidInput))
			return
		}
		if f.Type == "" && strings.TrimSpace(f.Content) == "" && len(f.FileDetails) == 0 {
			return
		}
		_, err := c.router.SendMessage(ctx, p, chat.SendInput{
			ChatID:      t.Chat.ID,
			Content:     f.Content,
			Type:        f.Type,
			FileDetails: f.FileDetails,
		})
		if err != nil {
			c.logger.Debug().Err(err).Msg("send rejected")
			c.router.fail(conv, clientID, err)
		}

	case KindInterview:
		var f turnFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			c.router.fail(conv, clientID, fmt.Errorf("%w: malformed frame", chat.ErrInvalidInput))
			return
		}
		if strings.TrimSpace(f.Message) == "" {
			return
		}
		// generation can outlive the read deadline; the worker answers
		// while the read loop keeps serving pings
		err := c.enqueue(turnJob{ctx: ctx, principal: p, sessionID: t.Session.ID, utterance: f.Message, clientID: clientID})
		if err != nil {
			c.router.fail(conv, clientID, err)
		}
	}
}

func (c *Connection) enqueue(j turnJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.turns == nil {
		return fmt.Errorf("%w: turn while %s", ErrIllegalTransition, c.state)
	}
	if !c.router.beginTurn() {
		return ErrShuttingDown
	}
	select {
	case c.turns <- j:
		return nil
	default:
		c.router.wg.Done()
		return ErrTurnQueueFull
	}
}

// runTurns keeps going after Close so queued turns are still persisted.
func (c *Connection) runTurns(turns <-chan turnJob) {
	for j := range turns {
		if _, err := c.router.runTurn(j.ctx, j.principal, j.sessionID, j.utterance, j.clientID); err != nil {
			c.logger.Debug().Err(err).Str("session_id", j.sessionID.String()).Msg("turn rejected")
		}
		c.router.wg.Done()
	}
}

// Close moves the connection to Closed, deregisters it and closes the
// socket. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	clientID := c.clientID
	if c.turns != nil {
		close(c.turns)
	}
	c.mu.Unlock()

	if clientID != "" {
		c.router.Disconnect(clientID)
		c.logger.Info().Str("client_id", clientID).Msg("client disconnected")
	}
	c.socket.Close()
}
