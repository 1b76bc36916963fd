package dingtalk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// errEventRejected is reported back to the platform when processing failed.
var errEventRejected = errors.New("dingtalk event processing failed")

// ackRecorder captures the processor's acknowledgment for one event.
type ackRecorder struct {
	mu      sync.Mutex
	called  bool
	success bool
}

func (r *ackRecorder) Ack(_ context.Context, success bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.called {
		return nil
	}
	r.called = true
	r.success = success
	return nil
}

func (r *ackRecorder) result() (called, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.called, r.success
}

// deliverEvent decodes one raw callback, hands it to handler, and returns nil
// only when the event should be acknowledged as processed.
func (a *Adapter) deliverEvent(ctx context.Context, cfg channel.ChannelConfig, source string, raw []byte, handler channel.InboundHandler) error {
	payload, err := ParsePayload(raw)
	if err != nil {
		a.logger.Warn("inbound payload rejected", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return err
	}
	msg := buildInbound(cfg, payload, source)
	a.logger.Debug("inbound received",
		slog.String("config_id", cfg.ID),
		slog.String("source", source),
		slog.String("message_id", msg.MessageID),
		slog.String("msg_type", payload.MsgType),
		slog.String("chat_type", string(msg.Conversation.Type)),
		slog.String("raw", channel.SummarizeText(string(raw))),
	)
	ack := &ackRecorder{}
	handleErr := handler(ctx, cfg, msg, ack)
	called, success := ack.result()
	switch {
	case called && success:
		return nil
	case called:
		if handleErr != nil {
			return fmt.Errorf("%w: %w", errEventRejected, handleErr)
		}
		return errEventRejected
	case handleErr != nil:
		return handleErr
	default:
		return nil
	}
}

// Connect opens a stream connection for cfg. In webhook mode no connection is
// opened and inbound events arrive through WebhookHandler instead.
func (a *Adapter) Connect(ctx context.Context, cfg channel.ChannelConfig, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Error("decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	if dtCfg.InboundMode == inboundModeWebhook {
		a.logger.Info("webhook mode enabled; stream connect skipped", slog.String("config_id", cfg.ID))
		return channel.NewConnection(cfg, func(context.Context) error { return nil }), nil
	}

	connCtx, cancel := context.WithCancel(ctx)
	cli := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(dtCfg.ClientID, dtCfg.ClientSecret)),
		client.WithAutoReconnect(true),
	)
	cli.RegisterChatBotCallbackRouter(func(_ context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
		if connCtx.Err() != nil {
			return nil, connCtx.Err()
		}
		if data == nil {
			return []byte(""), nil
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		// Processing outlives a stop of the stream once it has started.
		if err := a.deliverEvent(context.WithoutCancel(connCtx), cfg, sourceStream, raw, handler); err != nil {
			return nil, err
		}
		return []byte(""), nil
	})
	if err := cli.Start(connCtx); err != nil {
		cancel()
		a.logger.Error("stream start failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, fmt.Errorf("start dingtalk stream: %w", err)
	}

	var once sync.Once
	stop := func(context.Context) error {
		once.Do(func() {
			cancel()
			cli.Close()
			a.logger.Info("stream stopped", slog.String("config_id", cfg.ID))
		})
		return nil
	}
	return channel.NewConnection(cfg, stop), nil
}
