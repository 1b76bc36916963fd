package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// ConnectionObserver reads runtime channel connection statuses.
type ConnectionObserver interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

// Checker reports one check per configured account connection.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		observer: observer,
	}
}

// NewManagerChecker is a DI-friendly constructor over the channel manager.
func NewManagerChecker(log *slog.Logger, manager *channel.Manager) *Checker {
	return NewChecker(log, manager)
}

// ListChecks evaluates channel connection statuses.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	// Connection observer is context-free; best effort early cancellation guard.
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannelConnection + ".service",
				Type:    checkTypeChannelConnection,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel checker service is not available.",
				Detail:  "connection observer is nil",
			},
		}
	}

	// Statuses arrive sorted by channel type and config id.
	statuses := c.observer.ConnectionStatuses()
	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for idx, status := range statuses {
		channelType := strings.TrimSpace(status.ChannelType.String())
		if channelType == "" {
			channelType = "unknown"
		}
		item := healthcheck.CheckResult{
			ID:       buildCheckID(status.ConfigID, idx),
			Type:     checkTypeChannelConnection,
			Subtitle: buildSubtitle(channelType, status.ConfigID),
			Status:   healthcheck.StatusError,
			Summary:  fmt.Sprintf("Channel %s connection is down.", channelType),
			Metadata: map[string]any{
				"config_id":    status.ConfigID,
				"channel_type": channelType,
				"running":      status.Running,
			},
		}
		if status.UpdatedAt.Unix() > 0 {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		if status.Running {
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Channel %s is connected.", channelType)
		} else if strings.TrimSpace(status.LastError) != "" {
			item.Summary = fmt.Sprintf("Channel %s connection failed.", channelType)
			item.Detail = strings.TrimSpace(status.LastError)
		}
		checks = append(checks, item)
	}
	return checks
}

func buildCheckID(configID string, idx int) string {
	configID = strings.TrimSpace(configID)
	if configID != "" {
		return checkTypeChannelConnection + "." + configID
	}
	return fmt.Sprintf("%s.unknown_%d", checkTypeChannelConnection, idx+1)
}

func buildSubtitle(channelType, configID string) string {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return channelType
	}
	return channelType + " (" + configID + ")"
}
