package dingtalk

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

type webhookConfigStore interface {
	ListConfigsByType(ctx context.Context, channelType channel.ChannelType) ([]channel.ChannelConfig, error)
}

type webhookInboundManager interface {
	HandleInbound(ctx context.Context, cfg channel.ChannelConfig, msg channel.InboundMessage, ack channel.Acknowledger) error
}

const (
	webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB
	webhookMaxSkew            = time.Hour
)

// WebhookHandler receives robot callbacks for accounts in webhook inbound mode.
type WebhookHandler struct {
	logger  *slog.Logger
	store   webhookConfigStore
	manager webhookInboundManager
	adapter *Adapter
	now     func() time.Time
}

// NewWebhookHandler creates a public webhook handler for DingTalk callbacks.
func NewWebhookHandler(log *slog.Logger, store webhookConfigStore, manager webhookInboundManager, adapter *Adapter) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	if adapter == nil {
		adapter = NewAdapter(log, Options{})
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "dingtalk_webhook")),
		store:   store,
		manager: manager,
		adapter: adapter,
		now:     time.Now,
	}
}

// NewWebhookServerHandler is a DI-friendly constructor using concrete channel types.
func NewWebhookServerHandler(log *slog.Logger, store *channel.StaticStore, manager *channel.Manager, adapter *Adapter) *WebhookHandler {
	return NewWebhookHandler(log, store, manager, adapter)
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/channels/dingtalk/webhook/:account_id", h.HandleReachability)
	e.POST("/channels/dingtalk/webhook/:account_id", h.Handle)
}

// HandleReachability answers GET checks on the webhook URL.
func (h *WebhookHandler) HandleReachability(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Handle verifies and processes one robot callback. The response status is
// the acknowledgment: 200 once processed, 500 when processing failed.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.store == nil || h.manager == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "dingtalk webhook dependencies not configured")
	}
	accountID := strings.TrimSpace(c.Param("account_id"))
	if accountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account id is required")
	}
	cfg, err := h.findConfigByID(c.Request().Context(), accountID)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		return echo.NewHTTPError(http.StatusForbidden, "channel config is disabled")
	}
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if dtCfg.InboundMode != inboundModeWebhook {
		return echo.NewHTTPError(http.StatusBadRequest, "dingtalk inboundMode is not webhook")
	}
	if err := verifyWebhookSignature(c.Request().Header, dtCfg.ClientSecret, h.now()); err != nil {
		return err
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if _, err := ParsePayload(payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if err := h.adapter.deliverEvent(ctx, cfg, sourceWebhook, payload, h.manager.HandleInbound); err != nil {
		h.logger.Error("webhook event failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, map[string]any{"success": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// webhookSignature computes base64(HMAC-SHA256(secret, timestamp + "\n" + secret)).
func webhookSignature(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyWebhookSignature(header http.Header, secret string, now time.Time) error {
	timestamp := strings.TrimSpace(header.Get("timestamp"))
	sign := strings.TrimSpace(header.Get("sign"))
	if timestamp == "" || sign == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing dingtalk webhook signature")
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid dingtalk webhook timestamp")
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew > webhookMaxSkew || skew < -webhookMaxSkew {
		return echo.NewHTTPError(http.StatusUnauthorized, "dingtalk webhook timestamp out of range")
	}
	if !hmac.Equal([]byte(sign), []byte(webhookSignature(timestamp, secret))) {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid dingtalk webhook signature")
	}
	return nil
}

func (h *WebhookHandler) findConfigByID(ctx context.Context, accountID string) (channel.ChannelConfig, error) {
	items, err := h.store.ListConfigsByType(ctx, Type)
	if err != nil {
		return channel.ChannelConfig{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, item := range items {
		if strings.TrimSpace(item.ID) == accountID {
			return item, nil
		}
	}
	return channel.ChannelConfig{}, echo.NewHTTPError(http.StatusNotFound, "channel config not found")
}
