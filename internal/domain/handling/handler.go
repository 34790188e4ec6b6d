package handling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/remotecare/remotecare/internal/domain/questionnaire"
	"github.com/remotecare/remotecare/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	r := g.Group("/report", auth.RequireRole(auth.RoleProfessional, auth.RoleManager))
	r.GET("/:id/edit-report", h.GetReport)
	r.POST("/:id/edit-report", h.UpdateReport)
	r.GET("/:id/edit-message", h.GetMessage)
	r.POST("/:id/edit-message", h.UpdateMessage)
	r.POST("/:id/finish", h.Finish)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	view, err := h.svc.EnsureDraft(ctx, auth.ActorFromContext(ctx), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

type updateReportRequest struct {
	Conclusion string `json:"conclusion"`
	ReportText string `json:"report_text"`
}

func (h *Handler) UpdateReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body updateReportRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	view, err := h.svc.UpdateReport(ctx, auth.ActorFromContext(ctx), id, body.Conclusion, body.ReportText)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetMessage(c echo.Context) error {
	return h.GetReport(c)
}

type updateMessageRequest struct {
	MessageText string `json:"message_text"`
}

func (h *Handler) UpdateMessage(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body updateMessageRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	view, err := h.svc.UpdateMessage(ctx, auth.ActorFromContext(ctx), id, body.MessageText)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Finish(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Finish(ctx, auth.ActorFromContext(ctx), id); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": questionnaire.StatusClosed})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, questionnaire.ErrUnknownRequest), errors.Is(err, ErrNoReport):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrAlreadyHandled):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
