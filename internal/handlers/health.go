package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

// HealthHandler reports the aggregated runtime checks.
type HealthHandler struct {
	logger   *slog.Logger
	checkers []healthcheck.Checker
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		logger:   log.With(slog.String("handler", "health")),
		checkers: checkers,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

// Health returns 503 when any check is in error.
func (h *HealthHandler) Health(c echo.Context) error {
	report := healthcheck.Evaluate(c.Request().Context(), h.checkers...)
	if report.Status == healthcheck.StatusError {
		h.logger.Warn("health check failing", slog.Int("checks", len(report.Checks)))
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *HealthHandler) HealthHead(c echo.Context) error {
	report := healthcheck.Evaluate(c.Request().Context(), h.checkers...)
	if report.Status == healthcheck.StatusError {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}
