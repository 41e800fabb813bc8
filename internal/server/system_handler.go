package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type SystemHandler struct {
	stats     IntelStatter
	playbooks PlaybookManager
	scores    ScoreReader
	services  ServiceReporter
}

func NewSystemHandler(stats IntelStatter, playbooks PlaybookManager, scores ScoreReader, services ServiceReporter) *SystemHandler {
	return &SystemHandler{stats: stats, playbooks: playbooks, scores: scores, services: services}
}

func (h *SystemHandler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/api/v1/intel/stats", h.IntelStats)
	e.GET("/api/v1/playbooks", h.ListPlaybooks)
	e.POST("/api/v1/playbooks/reload", h.ReloadPlaybooks)
	e.GET("/api/v1/health-score", h.HealthScore)
}

// --- System Handlers ---

// Healthz godoc
// @Summary      Liveness and service health
// @Description  Reports per-service scheduler state. Returns 503 as soon as any background service is down.
// @ID           healthz
// @Tags         system
// @Produce      json
// @Success      200  {object}  object
// @Failure      503  {object}  object  "Degraded"
// @Router       /healthz [get]
func (h *SystemHandler) Healthz(c echo.Context) error {
	body := map[string]any{
		"status":   "ok",
		"services": h.services.Snapshot(),
	}
	if !h.services.Healthy() {
		body["status"] = "degraded"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

// IntelStats godoc
// @Summary      Threat-intel store statistics
// @Description  Returns indicator counts by type and the number of matches in the last 24 hours.
// @ID           intel-stats
// @Tags         intel
// @Produce      json
// @Success      200  {object}  object
// @Failure      500  {object}  map[string]string  "Internal Error"
// @Router       /api/v1/intel/stats [get]
func (h *SystemHandler) IntelStats(c echo.Context) error {
	stats, err := h.stats.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read intel stats"})
	}
	return c.JSON(http.StatusOK, stats)
}

// ListPlaybooks godoc
// @Summary      List loaded playbooks
// @Description  Returns the active playbook set, including disabled entries.
// @ID           list-playbooks
// @Tags         playbooks
// @Produce      json
// @Success      200  {array}  object
// @Router       /api/v1/playbooks [get]
func (h *SystemHandler) ListPlaybooks(c echo.Context) error {
	return c.JSON(http.StatusOK, h.playbooks.Playbooks())
}

// ReloadPlaybooks godoc
// @Summary      Reload playbooks from disk
// @Description  Re-reads the playbook file. On any parse or validation error the previous set stays active.
// @ID           reload-playbooks
// @Tags         playbooks
// @Produce      json
// @Success      200  {object}  object
// @Failure      422  {object}  map[string]string  "Invalid Playbook File"
// @Router       /api/v1/playbooks/reload [post]
func (h *SystemHandler) ReloadPlaybooks(c echo.Context) error {
	if err := h.playbooks.Load(); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "reloaded",
		"playbooks": len(h.playbooks.Playbooks()),
	})
}

// HealthScore godoc
// @Summary      Latest security health score
// @Description  Returns the most recent composite score, sub-scores, raw metrics, and recommendations.
// @ID           health-score
// @Tags         system
// @Produce      json
// @Success      200  {object}  object
// @Failure      404  {object}  map[string]string  "Not Computed Yet"
// @Router       /api/v1/health-score [get]
func (h *SystemHandler) HealthScore(c echo.Context) error {
	snap, ok := h.scores.LastSnapshot()
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no health score computed yet"})
	}
	return c.JSON(http.StatusOK, snap)
}
