package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/identity"
	"github.com/telehealth/telehealth/internal/domain/interview"
	"github.com/telehealth/telehealth/internal/platform/auth"
	"github.com/telehealth/telehealth/internal/platform/middleware"
	"github.com/telehealth/telehealth/internal/platform/websocket"
)

// SocketHandler serves the duplex endpoints, which authenticate before the
// upgrade, and the event endpoint, which authenticates with its first frame.
type SocketHandler struct {
	router   *Router
	verifier auth.Verifier
	limiter  *middleware.Limiter
	upgrader *gorillawebsocket.Upgrader
	// baseCtx outlives individual requests; hijacked connections must not
	// use the request context.
	baseCtx context.Context
	logger  zerolog.Logger
}

func NewSocketHandler(baseCtx context.Context, router *Router, verifier auth.Verifier, limiter *middleware.Limiter, allowedOrigins []string, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{
		router:   router,
		verifier: verifier,
		limiter:  limiter,
		upgrader: websocket.NewUpgrader(allowedOrigins),
		baseCtx:  baseCtx,
		logger:   logger.With().Str("component", "socket").Logger(),
	}
}

// RegisterRoutes mounts the socket endpoints. They authenticate themselves
// and must not sit behind the bearer middleware.
func (h *SocketHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/chats/:chat_id", h.ChatSocket)
	e.GET("/ws/interviews/:session_id", h.InterviewSocket)
	e.GET("/ws/events", h.EventSocket)
}

func (h *SocketHandler) ChatSocket(c echo.Context) error {
	return h.duplex(c, KindChat, c.Param("chat_id"))
}

func (h *SocketHandler) InterviewSocket(c echo.Context) error {
	return h.duplex(c, KindInterview, c.Param("session_id"))
}

func (h *SocketHandler) verify(ctx context.Context, token string) (*identity.Identity, error) {
	if token == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing token")
	}
	ident, err := h.verifier.Verify(ctx, token)
	switch {
	case errors.Is(err, auth.ErrInactiveIdentity):
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "identity is inactive")
	case errors.Is(err, auth.ErrInvalidToken):
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	case err != nil:
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "identity lookup failed").SetInternal(err)
	}
	return ident, nil
}

func bindError(err error) error {
	switch {
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrUnknownRole):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, interview.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "connection setup failed").SetInternal(err)
}

// duplex refuses the upgrade unless the caller may use the target.
func (h *SocketHandler) duplex(c echo.Context, kind Kind, rawID string) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()

	token := auth.BearerToken(c.Request().Header.Get("Authorization"))
	if token == "" {
		token = c.QueryParam("token")
	}
	ident, err := h.verify(ctx, token)
	if err != nil {
		return err
	}
	declared, err := access.DeclaredFromRequest(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid acting entity id")
	}
	t, err := h.router.Bind(ctx, kind, id, ident, declared)
	if err != nil {
		return bindError(err)
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already replied
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}
	socket := websocket.NewSocket(ws, nil)
	go socket.WritePump()

	conn := newConnection(socket, h.router, h.limiter, nil, h.logger)
	if err := conn.Authenticate(t); err != nil {
		conn.Close()
		return nil
	}
	go h.readLoop(conn, socket, decodeDuplex, func(err error) {
		h.logger.Warn().Err(err).Msg("closing connection")
	})
	return nil
}

func decodeDuplex(data []byte) (inbound, error) {
	return inbound{kind: frameMessage, payload: data}, nil
}

// eventFrame is the envelope every event-endpoint frame travels in.
type eventFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func decodeEvent(data []byte) (inbound, error) {
	var f eventFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inbound{}, fmt.Errorf("%w: malformed frame", chat.ErrInvalidInput)
	}
	switch f.Event {
	case "connect":
		var d connectData
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &d); err != nil {
				return inbound{}, fmt.Errorf("%w: malformed connect data", chat.ErrInvalidInput)
			}
		}
		return inbound{kind: frameConnect, connect: d}, nil
	case "ai_message":
		return inbound{kind: frameMessage, payload: f.Data}, nil
	case "disconnect":
		return inbound{kind: frameDisconnect}, nil
	}
	return inbound{}, fmt.Errorf("%w: unknown event %q", chat.ErrInvalidInput, f.Event)
}

func frameAIMessage(p []byte) []byte {
	out := make([]byte, 0, len(p)+32)
	out = append(out, `{"event":"ai_message","data":`...)
	out = append(out, p...)
	return append(out, '}')
}

func connectError(content string) []byte {
	b, _ := json.Marshal(eventFrame{Event: "connect_error", Data: mustJSON(map[string]string{"content": content})})
	return b
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// EventSocket upgrades first; the client must then send a connect event.
// Outbound envelopes are wrapped as ai_message events.
func (h *SocketHandler) EventSocket(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}
	socket := websocket.NewSocket(ws, frameAIMessage)
	go socket.WritePump()

	conn := newConnection(socket, h.router, h.limiter, h.eventHandshake, h.logger)
	go h.readLoop(conn, socket, decodeEvent, func(err error) {
		if conn.State() == StateConnecting {
			socket.SendRaw(connectError(handshakeMessage(err)))
		}
		h.logger.Warn().Err(err).Msg("closing event connection")
	})
	return nil
}

func (h *SocketHandler) eventHandshake(ctx context.Context, d connectData) (Target, error) {
	ident, err := h.verify(ctx, d.Token)
	if err != nil {
		return Target{}, err
	}
	sessionID, err := uuid.Parse(d.SessionID)
	if err != nil {
		return Target{}, fmt.Errorf("%w: invalid session_id", interview.ErrInvalidInput)
	}
	declared, err := access.ParseDeclared(d.ActingEntityID)
	if err != nil {
		return Target{}, fmt.Errorf("%w: invalid acting_entity_id", interview.ErrInvalidInput)
	}
	return h.router.Bind(ctx, KindInterview, sessionID, ident, declared)
}

func handshakeMessage(err error) string {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return fmt.Sprint(he.Message)
	case errors.Is(err, ErrIllegalTransition):
		return "first event must be connect"
	case errors.Is(err, access.ErrForbidden), errors.Is(err, access.ErrUnknownRole):
		return "access denied"
	case errors.Is(err, interview.ErrSessionNotFound), errors.Is(err, chat.ErrChatNotFound):
		return "session not found"
	case errors.Is(err, interview.ErrInvalidInput), errors.Is(err, chat.ErrInvalidInput):
		return err.Error()
	}
	return "connection failed"
}

// readLoop only reads and decodes frames; the Connection decides what they
// mean. onFatal runs before the connection is closed.
func (h *SocketHandler) readLoop(conn *Connection, socket *websocket.WSSocket, decode func([]byte) (inbound, error), onFatal func(error)) {
	defer conn.Close()
	ctx := h.baseCtx

	if conn.State() == StateAuthenticated {
		if err := conn.Activate(ctx); err != nil {
			onFatal(err)
			return
		}
	}

	for {
		data, err := socket.Read()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		in, err := decode(data)
		if err != nil {
			if conn.State() == StateActive {
				h.router.fail(conn.target.Conversation(), conn.ClientID(), err)
				continue
			}
			onFatal(err)
			return
		}
		if err := conn.Receive(ctx, in); err != nil {
			onFatal(err)
			return
		}
		if conn.State() == StateClosed {
			return
		}
	}
}
