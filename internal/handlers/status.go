package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dingtalk-bridge/internal/activity"
	"github.com/memohai/dingtalk-bridge/internal/channel"
)

type connectionLister interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

type activitySnapshotter interface {
	Snapshot() []activity.Status
}

// StatusHandler exposes connection and activity state for operators.
type StatusHandler struct {
	logger      *slog.Logger
	connections connectionLister
	activity    activitySnapshotter
}

type statusResponse struct {
	Connections []channel.ConnectionStatus `json:"connections"`
	Activity    []activity.Status          `json:"activity"`
}

func NewStatusHandler(log *slog.Logger, manager *channel.Manager, recorder *activity.Recorder) *StatusHandler {
	return newStatusHandler(log, manager, recorder)
}

func newStatusHandler(log *slog.Logger, connections connectionLister, recorder activitySnapshotter) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{
		logger:      log.With(slog.String("handler", "status")),
		connections: connections,
		activity:    recorder,
	}
}

func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/status", h.Status)
}

func (h *StatusHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Connections: []channel.ConnectionStatus{},
		Activity:    []activity.Status{},
	}
	if h.connections != nil {
		if items := h.connections.ConnectionStatuses(); items != nil {
			resp.Connections = items
		}
	}
	if h.activity != nil {
		if items := h.activity.Snapshot(); items != nil {
			resp.Activity = items
		}
	}
	return c.JSON(http.StatusOK, resp)
}
