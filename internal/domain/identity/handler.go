package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/telehealth/telehealth/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the admin endpoints on admin, which the caller has
// already restricted to administrators, and the self-service endpoints on
// api.
func (h *Handler) RegisterRoutes(admin *echo.Group, api *echo.Group) {
	admin.GET("/identities/:id", h.GetIdentity)
	admin.PUT("/identities/:id/active", h.SetActive)
	admin.GET("/identities/:id/relations", h.ListRelations)
	admin.POST("/relations", h.CreateRelation)
	admin.DELETE("/relations/:id", h.DeleteRelation)
	admin.POST("/mappings", h.CreateMapping)
	admin.GET("/mappings/:kind", h.ListMappings)
	admin.DELETE("/mappings/:kind/:left_id/:right_id", h.DeleteMapping)

	api.GET("/me", h.Me)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) GetIdentity(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ident, err := h.svc.GetIdentity(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ident)
}

func (h *Handler) SetActive(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetActive(c.Request().Context(), id, body.Active); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListRelations(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListRelations(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateRelation(c echo.Context) error {
	var e RelationEdge
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateRelation(c.Request().Context(), &e); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) DeleteRelation(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRelation(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) CreateMapping(c echo.Context) error {
	var m MappingEdge
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateMapping(c.Request().Context(), &m); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMappings(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMappings(c.Request().Context(), MappingKind(c.Param("kind")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) DeleteMapping(c echo.Context) error {
	left, err := parseID(c, "left_id")
	if err != nil {
		return err
	}
	right, err := parseID(c, "right_id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteMapping(c.Request().Context(), MappingKind(c.Param("kind")), left, right); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the caller's identity and the patient entities it may act for.
func (h *Handler) Me(c echo.Context) error {
	ident := FromContext(c.Request().Context())
	if ident == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	resp := struct {
		Identity  *Identity       `json:"identity"`
		Relations []*RelationEdge `json:"relations"`
	}{Identity: ident, Relations: []*RelationEdge{}}

	if ident.Role == RolePatient {
		rels, err := h.svc.ListRelations(c.Request().Context(), ident.ID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if rels != nil {
			resp.Relations = rels
		}
	}
	return c.JSON(http.StatusOK, resp)
}
