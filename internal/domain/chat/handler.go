package chat

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/internal/domain/access"
	"github.com/telehealth/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes expects api to carry authentication and entity resolution.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/chats", h.CreateChat)
	api.GET("/chats", h.ListChats)
	api.GET("/chats/:id", h.GetChat)
	api.PUT("/chats/:id/deactivate", h.DeactivateChat)
	api.GET("/chats/:id/messages", h.ListMessages)
}

// HTTPError maps chat and access errors onto HTTP statuses.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrChatNotFound), errors.Is(err, ErrMessageNotFound), errors.Is(err, ErrParticipantNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrChatExists), errors.Is(err, ErrChatInactive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, access.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid chat id")
	}
	return id, nil
}

func (h *Handler) CreateChat(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	var body struct {
		DoctorID  uuid.UUID `json:"doctor_id"`
		PatientID uuid.UUID `json:"patient_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	chat, err := h.svc.Create(c.Request().Context(), p, body.DoctorID, body.PatientID)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusCreated, chat)
}

func (h *Handler) ListChats(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Chat{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetChat(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	chat, err := h.svc.Load(c.Request().Context(), p, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, chat)
}

func (h *Handler) DeactivateChat(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	chat, err := h.svc.Deactivate(c.Request().Context(), p, id)
	if err != nil {
		return HTTPError(err)
	}
	return c.JSON(http.StatusOK, chat)
}

func (h *Handler) ListMessages(c echo.Context) error {
	p, err := access.Require(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMessages(c.Request().Context(), p, id, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err)
	}
	if items == nil {
		items = []*Message{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
