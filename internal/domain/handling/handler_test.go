package handling

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

func asProfessional(f *fixture, requestID uuid.UUID) func(echo.Context) {
	return func(c echo.Context) {
		ctx := auth.ContextWithActor(c.Request().Context(), f.professional, auth.RoleProfessional)
		c.SetRequest(c.Request().WithContext(ctx))
		c.SetParamNames("id")
		c.SetParamValues(requestID.String())
	}
}

func TestHandlerGetReportCreatesDraft(t *testing.T) {
	f := newFixture(t)
	req := f.finishedRequest(t)
	h := NewHandler(f.svc)

	rec := serveJSON(h.GetReport, http.MethodGet, "/report/x/edit-report", "",
		asProfessional(f, req.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(view.ReportText, "severe cramps") {
		t.Errorf("draft report missing answers: %q", view.ReportText)
	}
}

func TestHandlerUpdateReport(t *testing.T) {
	f := newFixture(t)
	req := f.finishedRequest(t)
	h := NewHandler(f.svc)

	serveJSON(h.GetReport, http.MethodGet, "/report/x/edit-report", "",
		asProfessional(f, req.ID))
	rec := serveJSON(h.UpdateReport, http.MethodPost, "/report/x/edit-report",
		`{"conclusion":"flare","report_text":"adjusted dosage"}`,
		asProfessional(f, req.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Conclusion != "flare" || view.ReportText != "adjusted dosage" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestHandlerGetReportBeforeFinishRejected(t *testing.T) {
	f := newFixture(t)
	req, err := f.controls.CreateUrgent(context.Background(), f.patient, f.patient)
	if err != nil {
		t.Fatalf("create urgent: %v", err)
	}
	h := NewHandler(f.svc)

	rec := serveJSON(h.GetReport, http.MethodGet, "/report/x/edit-report", "",
		asProfessional(f, req.ID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerFinish(t *testing.T) {
	f := newFixture(t)
	req := f.finishedRequest(t)
	h := NewHandler(f.svc)

	serveJSON(h.GetReport, http.MethodGet, "/report/x/edit-report", "",
		asProfessional(f, req.ID))
	rec := serveJSON(h.Finish, http.MethodPost, "/report/x/finish", "",
		asProfessional(f, req.ID))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.events.finished) != 1 {
		t.Fatalf("expected 1 handling event, got %d", len(f.events.finished))
	}

	rec = serveJSON(h.Finish, http.MethodPost, "/report/x/finish", "",
		asProfessional(f, req.ID))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("repeated finish: expected 400, got %d", rec.Code)
	}
}

func TestHandlerUnknownReport(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)

	rec := serveJSON(h.UpdateReport, http.MethodPost, "/report/x/edit-report",
		`{"conclusion":"x"}`, asProfessional(f, uuid.New()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
