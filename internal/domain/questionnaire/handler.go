package questionnaire

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/remotecare/remotecare/internal/platform/auth"
	"github.com/remotecare/remotecare/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	q := g.Group("/questionnaire")
	q.POST("/start-controle", h.StartControle, auth.RequireRole(auth.RoleSecretary, auth.RoleManager))
	q.POST("/start-urgent", h.StartUrgent, auth.RequireRole(auth.RolePatient))
	q.GET("/:id/fillin", h.FillinGet, auth.RequireRole(auth.RolePatient))
	q.POST("/:id/fillin", h.FillinPost, auth.RequireRole(auth.RolePatient))
	q.POST("/:id/finish", h.Finish, auth.RequireRole(auth.RolePatient))
	q.POST("/:id/remove-controle", h.Remove, auth.RequireRole(auth.RoleSecretary, auth.RoleManager))
	q.GET("/:id", h.Get, auth.RequireRole(auth.RolePatient, auth.RoleProfessional, auth.RoleSecretary, auth.RoleManager))
	q.GET("", h.List, auth.RequireRole(auth.RoleProfessional, auth.RoleSecretary, auth.RoleManager))
}

type startControleRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
}

func (h *Handler) StartControle(c echo.Context) error {
	var body startControleRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	ctx := c.Request().Context()
	req, err := h.svc.CreateRoutine(ctx, auth.ActorFromContext(ctx), body.PatientID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, req)
}

func (h *Handler) StartUrgent(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	req, err := h.svc.CreateUrgent(ctx, actor, actor)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, req)
}

// fillinView is the GET fillin payload: where the patient is and what they
// last typed there.
type fillinView struct {
	CurrentStep string          `json:"current_step"`
	Title       string          `json:"title,omitempty"`
	Completed   []string        `json:"completed"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

func (h *Handler) FillinGet(c echo.Context) error {
	req, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	eng := h.svc.Engine()
	cur, err := eng.CurrentStep(ctx, req)
	if err != nil {
		return mapError(err)
	}
	completed, err := eng.ListCompleted(ctx, req.ID)
	if err != nil {
		return mapError(err)
	}
	view := fillinView{CurrentStep: cur, Completed: completed}
	if cur != Finished {
		steps, err := eng.Sequence(ctx, req)
		if err != nil {
			return mapError(err)
		}
		if desc, ok := StepByID(steps, cur); ok {
			view.Title = desc.Title
		}
		raw, err := eng.wizard.GetRaw(ctx, req.ID, cur)
		if err != nil {
			return mapError(err)
		}
		view.Raw = raw
	}
	return c.JSON(http.StatusOK, view)
}

type submitRequest struct {
	Step    string          `json:"step"`
	Answers json.RawMessage `json:"answers"`
}

func (h *Handler) FillinPost(c echo.Context) error {
	req, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Step == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "step is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.Engine().Submit(ctx, auth.ActorFromContext(ctx), req.ID, body.Step, body.Answers); err != nil {
		return mapError(err)
	}
	cur, err := h.svc.Engine().CurrentStep(ctx, req)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"current_step": cur})
}

func (h *Handler) Finish(c echo.Context) error {
	req, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Engine().Finalize(ctx, auth.ActorFromContext(ctx), req.ID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": StatusFinished})
}

func (h *Handler) Remove(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Remove(ctx, auth.ActorFromContext(ctx), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	req, err := h.svc.Get(ctx, id)
	if err != nil {
		return mapError(err)
	}
	if auth.RoleFromContext(ctx) == auth.RolePatient && req.PatientID != auth.ActorFromContext(ctx) {
		return echo.NewHTTPError(http.StatusForbidden, "not your request")
	}
	return c.JSON(http.StatusOK, req)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		pid, err := uuid.Parse(patientID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.List(ctx, c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// loadOwned resolves :id and enforces that a patient only touches their own
// request.
func (h *Handler) loadOwned(c echo.Context) (*Request, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	req, err := h.svc.Get(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	if req.PatientID != auth.ActorFromContext(ctx) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "not your request")
	}
	return req, nil
}

// mapError translates engine failures to the HTTP contract: 400 with a
// per-field map on validation, 409 with the current step on ordering, 404 on
// unknown requests.
func mapError(err error) error {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{"errors": verr.Fields})
	}
	var oerr *OutOfOrderError
	if errors.As(err, &oerr) {
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":        "out_of_order",
			"current_step": oerr.CurrentStep,
		})
	}
	switch {
	case errors.Is(err, ErrUnknownRequest):
		return echo.NewHTTPError(http.StatusNotFound, "request not found")
	case errors.Is(err, ErrNotFinished), errors.Is(err, ErrAlreadyFinished):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
