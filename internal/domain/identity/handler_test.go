package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *mockIdentityRepo, *echo.Echo) {
	svc, ids := newTestService()
	return NewHandler(svc), ids, echo.New()
}

func TestHandler_CreateRelation(t *testing.T) {
	h, ids, e := newTestHandler()
	ident := seedPatientIdentity(t, ids)

	body := `{"identity_id":"` + ident.ID.String() + `","patient_id":"` + uuid.New().String() + `","relation":"child"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateRelation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateRelation_BadRelation(t *testing.T) {
	h, ids, e := newTestHandler()
	ident := seedPatientIdentity(t, ids)

	body := `{"identity_id":"` + ident.ID.String() + `","patient_id":"` + uuid.New().String() + `","relation":"cousin"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateRelation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_DeleteMapping_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("kind", "left_id", "right_id")
	c.SetParamValues(string(MappingDoctorPatient), uuid.New().String(), uuid.New().String())

	err := h.DeleteMapping(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_GetIdentity_InvalidID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := h.GetIdentity(c); err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestHandler_Me(t *testing.T) {
	h, ids, e := newTestHandler()
	ident := seedPatientIdentity(t, ids)
	h.svc.CreateRelation(context.Background(), &RelationEdge{IdentityID: ident.ID, PatientID: uuid.New(), Relation: RelationSelf})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req = req.WithContext(NewContext(req.Context(), ident))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Me(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Identity  Identity       `json:"identity"`
		Relations []RelationEdge `json:"relations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Identity.ID != ident.ID || len(resp.Relations) != 1 {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandler_Me_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/me", nil), httptest.NewRecorder())
	err := h.Me(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1/admin"), e.Group("/api/v1"))

	got := make(map[string]bool)
	for _, r := range e.Routes() {
		got[r.Method+" "+r.Path] = true
	}
	for _, want := range []string{
		"POST /api/v1/admin/relations",
		"DELETE /api/v1/admin/relations/:id",
		"GET /api/v1/admin/identities/:id/relations",
		"POST /api/v1/admin/mappings",
		"GET /api/v1/admin/mappings/:kind",
		"DELETE /api/v1/admin/mappings/:kind/:left_id/:right_id",
		"GET /api/v1/admin/identities/:id",
		"PUT /api/v1/admin/identities/:id/active",
		"GET /api/v1/me",
	} {
		if !got[want] {
			t.Errorf("route %q not registered", want)
		}
	}
}
