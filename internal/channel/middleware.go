package channel

import (
	"context"
	"log/slog"
	"time"
)

// LogInbound logs every inbound event once handling returns, with latency and
// the handler error if any.
func LogInbound(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "channel_inbound_log"))
	return func(next InboundHandler) InboundHandler {
		return func(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error {
			started := time.Now()
			err := next(ctx, cfg, msg, ack)
			channelType := msg.Channel
			if channelType == "" {
				channelType = cfg.ChannelType
			}
			accountID := msg.AccountID
			if accountID == "" {
				accountID = cfg.ID
			}
			attrs := []any{
				slog.String("channel", channelType.String()),
				slog.String("account_id", accountID),
				slog.String("message_id", msg.MessageID),
				slog.String("source", msg.Source),
				slog.Duration("elapsed", time.Since(started)),
			}
			if err != nil {
				log.Warn("inbound handled with error", append(attrs, slog.Any("error", err))...)
				return err
			}
			log.Debug("inbound handled", attrs...)
			return nil
		}
	}
}
