package questionnaire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/remotecare/remotecare/internal/platform/auth"
)

func serveJSON(h echo.HandlerFunc, method, target, body string, setup func(echo.Context)) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if setup != nil {
		setup(c)
	}
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func withActor(c echo.Context, id uuid.UUID, role string) {
	ctx := auth.ContextWithActor(c.Request().Context(), id, role)
	c.SetRequest(c.Request().WithContext(ctx))
}

func withRequestParam(c echo.Context, id uuid.UUID) {
	c.SetParamNames("id")
	c.SetParamValues(id.String())
}

func TestHandlerStartControle(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	h := NewHandler(f.svc)

	rec := serveJSON(h.StartControle, http.MethodPost, "/questionnaire/start-controle",
		`{"patient_id":"`+f.patient.String()+`"}`, func(c echo.Context) {
			withActor(c, f.actor, auth.RoleSecretary)
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var req Request
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if req.Kind != KindRoutine || req.PatientID != f.patient {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHandlerStartUrgentUsesCaller(t *testing.T) {
	f := newEngineFixture(t, DiseaseColitis)
	h := NewHandler(f.svc)

	rec := serveJSON(h.StartUrgent, http.MethodPost, "/questionnaire/start-urgent", "",
		func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var req Request
	if err := json.Unmarshal(rec.Body.Bytes(), &req); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if req.PatientID != f.patient || !req.Urgent {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestHandlerFillinValidationFailure(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	h := NewHandler(f.svc)
	req := f.newRoutine(t)

	rec := serveJSON(h.FillinPost, http.MethodPost, "/questionnaire/"+req.ID.String()+"/fillin",
		`{"step":"start","answers":{"feeling":"meh"}}`, func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), CodeInvalidChoice) {
		t.Fatalf("body lacks field error code: %s", rec.Body.String())
	}
}

func TestHandlerFillinOutOfOrder(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	h := NewHandler(f.svc)
	req := f.newRoutine(t)

	rec := serveJSON(h.FillinPost, http.MethodPost, "/questionnaire/"+req.ID.String()+"/fillin",
		`{"step":"quality_of_life","answers":{"fatigue":1,"mood":5,"daily_activities":"unrestricted"}}`,
		func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), StepStart) {
		t.Fatalf("conflict body lacks current_step: %s", rec.Body.String())
	}
}

func TestHandlerFillinRoundTrip(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	f.recentHQ()
	h := NewHandler(f.svc)
	req := f.newRoutine(t)

	rec := serveJSON(h.FillinPost, http.MethodPost, "/questionnaire/"+req.ID.String()+"/fillin",
		`{"step":"start","answers":{"feeling":"ok"}}`, func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		CurrentStep string `json:"current_step"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CurrentStep != StepDisease {
		t.Fatalf("current_step = %s, want %s", resp.CurrentStep, StepDisease)
	}

	rec = serveJSON(h.FillinGet, http.MethodGet, "/questionnaire/"+req.ID.String()+"/fillin", "",
		func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view fillinView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.CurrentStep != StepDisease {
		t.Fatalf("view current_step = %s", view.CurrentStep)
	}
	if len(view.Completed) != 1 || view.Completed[0] != StepStart {
		t.Fatalf("view completed = %v", view.Completed)
	}
}

func TestHandlerForeignRequestForbidden(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	h := NewHandler(f.svc)
	req := f.newRoutine(t)

	rec := serveJSON(h.FillinGet, http.MethodGet, "/questionnaire/"+req.ID.String()+"/fillin", "",
		func(c echo.Context) {
			withActor(c, uuid.New(), auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	rec = serveJSON(h.Get, http.MethodGet, "/questionnaire/"+req.ID.String(), "",
		func(c echo.Context) {
			withActor(c, uuid.New(), auth.RolePatient)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 on status read, got %d", rec.Code)
	}
}

func TestHandlerUnknownRequest(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	h := NewHandler(f.svc)

	rec := serveJSON(h.Get, http.MethodGet, "/questionnaire/"+uuid.NewString(), "",
		func(c echo.Context) {
			withActor(c, f.patient, auth.RolePatient)
			withRequestParam(c, uuid.New())
		})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlerRemove(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	h := NewHandler(f.svc)
	req := f.newRoutine(t)

	rec := serveJSON(h.Remove, http.MethodPost, "/questionnaire/"+req.ID.String()+"/remove-controle", "",
		func(c echo.Context) {
			withActor(c, f.actor, auth.RoleSecretary)
			withRequestParam(c, req.ID)
		})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := f.svc.Get(context.Background(), req.ID); err == nil {
		t.Fatal("request still present after remove")
	}
}

func TestHandlerList(t *testing.T) {
	f := newEngineFixture(t, DiseaseCrohn)
	h := NewHandler(f.svc)
	f.newRoutine(t)
	f.newRoutine(t)

	rec := serveJSON(h.List, http.MethodGet, "/questionnaire", "",
		func(c echo.Context) {
			withActor(c, f.actor, auth.RoleProfessional)
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data  []*Request `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("total = %d, want 2", resp.Total)
	}
}
