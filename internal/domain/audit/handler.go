package audit

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/remotecare/remotecare/internal/platform/auth"
)

type Handler struct {
	rec *Recorder
}

func NewHandler(rec *Recorder) *Handler {
	return &Handler{rec: rec}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireRole(auth.RoleManager))
	g.GET("/:model/:id", h.Replay)
}

// trailSubject lets the replay endpoint address any entity by name and id.
// Decryption uses the key handle stored on each entry, so no key or
// sensitive-field list is needed here.
type trailSubject struct {
	model string
	id    uuid.UUID
}

func (s trailSubject) AuditRef() Ref             { return Ref{ModelName: s.model, ModelID: s.id} }
func (s trailSubject) AuditKeyID() *uuid.UUID    { return nil }
func (s trailSubject) SensitiveFields() []string { return nil }

func (h *Handler) Replay(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.rec.Replay(c.Request().Context(), trailSubject{model: c.Param("model"), id: id})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}
