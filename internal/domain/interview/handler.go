package interview

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/internal/domain/chat"
	"github.com/telehealth/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the session REST surface. Turn submission lives
// with the realtime router so polling and socket clients share one path.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/interviews")
	g.POST("", h.Open)
	g.GET("/:id", h.Get)
	g.GET("/:id/turns", h.ListTurns)
	g.PUT("/:id/end", h.End)
	g.PUT("/:id/summary", h.CorrectSummary)
	g.POST("/:id/suggested-response", h.SuggestResponse)
	api.GET("/chats/:id/interviews", h.ListByChat)
}

// HTTPError maps interview, chat and access errors onto HTTP statuses.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrTurnNotFound), errors.Is(err, ErrNoSummary):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrSessionOpen):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrGenerationFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "reply generation failed, please retry").SetInternal(err)
	}
	return chat.HTTPError(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Open(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	var body struct {
		ChatID uuid.UUID `json:"chat_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := h.svc.Open(c.Request().Context(), p, body.ChatID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) Get(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Get(c.Request().Context(), p, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListByChat(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByChat(c.Request().Context(), p, id, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Session{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListTurns(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var since *uuid.UUID
	if raw := c.QueryParam("since"); raw != "" {
		sid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since")
		}
		since = &sid
	}
	turns, err := h.svc.Turns(c.Request().Context(), p, id, since)
	if err != nil {
		return HTTPError(err)
	}
	if turns == nil {
		turns = []*Turn{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": turns})
}

func (h *Handler) End(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.End(c.Request().Context(), p, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) CorrectSummary(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Summary string `json:"summary"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	turn, err := h.svc.CorrectSummary(c.Request().Context(), p, id, body.Summary)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, turn)
}

func (h *Handler) SuggestResponse(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		DischargeSummary string `json:"discharge_summary"`
	}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	text, err := h.svc.SuggestResponse(c.Request().Context(), p, id, body.DischargeSummary)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"suggested_response": text})
}
