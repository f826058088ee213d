package realtime

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/internal/domain/interview"
)

// Handler exposes the router over REST so HTTP clients share the socket
// paths: a REST send is broadcast like a socket send.
type Handler struct {
	router *Router
}

func NewHandler(router *Router) *Handler {
	return &Handler{router: router}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/messages", h.SendMessage)
	api.PUT("/messages/read-status", h.UpdateReadStatus)
	api.PUT("/messages/:id/read", h.MarkRead)
	api.POST("/interviews/:id/turns", h.SubmitTurn)
}

// RegisterHealth mounts /health/realtime on a public group.
func (h *Handler) RegisterHealth(g *echo.Group) {
	g.GET("/realtime", h.Health)
}

func (h *Handler) SendMessage(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	var body struct {
		ChatID      uuid.UUID        `json:"chat_id"`
		Message     string           `json:"message"`
		Type        chat.MessageType `json:"message_type"`
		FileDetails json.RawMessage  `json:"file_details"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.router.SendMessage(c.Request().Context(), p, chat.SendInput{
		ChatID:      body.ChatID,
		Content:     body.Message,
		Type:        body.Type,
		FileDetails: body.FileDetails,
	})
	if err != nil {
		return chat.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) UpdateReadStatus(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	var body struct {
		MessageIDs []uuid.UUID `json:"message_ids"`
		IsRead     *bool       `json:"is_read"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	read := true
	if body.IsRead != nil {
		read = *body.IsRead
	}
	n, err := h.router.MarkRead(c.Request().Context(), p, body.MessageIDs, read)
	if err != nil {
		return chat.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"updated": n, "is_read": read})
}

func (h *Handler) MarkRead(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	var body struct {
		IsRead *bool `json:"is_read"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	read := true
	if body.IsRead != nil {
		read = *body.IsRead
	}
	if _, err := h.router.MarkRead(c.Request().Context(), p, []uuid.UUID{id}, read); err != nil {
		return chat.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"id": id, "is_read": read})
}

// SubmitTurn is the polling fallback: it blocks until the reply is ready
// and returns the same ai_response envelope a socket client gets.
func (h *Handler) SubmitTurn(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session id")
	}
	var body turnFrame
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.router.SubmitTurn(c.Request().Context(), p, id, body.Message, "")
	if errors.Is(err, ErrShuttingDown) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return interview.HTTPError(err)
	}
	return c.JSON(http.StatusOK, out.Response())
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, h.router.Stats())
}
