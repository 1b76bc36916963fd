// Package dingtalk implements the DingTalk robot channel adapter: stream and
// webhook inbound, message normalization, media retrieval, and replies.
package dingtalk

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/media"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

// Type is the registered channel type for DingTalk.
const Type channel.ChannelType = "dingtalk"

// Options configures an Adapter.
type Options struct {
	HTTPClient    *http.Client
	MediaDir      string
	MaxMediaBytes int64
	Metrics       *metrics.BridgeMetrics
}

// Adapter implements the channel interfaces for DingTalk robots. Each adapter
// owns its token cache; tokens are never shared across adapter instances.
type Adapter struct {
	logger  *slog.Logger
	tokens  *TokenCache
	media   *MediaRetriever
	replies *ReplyEncoder
	metrics *metrics.BridgeMetrics
}

// NewAdapter creates a DingTalk adapter.
func NewAdapter(log *slog.Logger, opts Options) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	tokens := NewTokenCache(log, opts.HTTPClient)
	tokens.SetMetrics(opts.Metrics)
	retriever := NewMediaRetriever(log, tokens, opts.HTTPClient, opts.MediaDir, opts.MaxMediaBytes)
	retriever.metrics = opts.Metrics
	replies := NewReplyEncoder(log, tokens, opts.HTTPClient)
	replies.metrics = opts.Metrics
	return &Adapter{
		logger:  log.With(slog.String("adapter", "dingtalk")),
		tokens:  tokens,
		media:   retriever,
		replies: replies,
		metrics: opts.Metrics,
	}
}

// Type returns the DingTalk channel type.
func (a *Adapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the DingTalk channel metadata.
func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "DingTalk",
		Capabilities: channel.ChannelCapabilities{
			Text:     true,
			Markdown: true,
			Media:    true,
			Mentions: true,
			Webhook:  true,
		},
	}
}

// NormalizeConfig validates and normalizes DingTalk channel credentials.
func (a *Adapter) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

// AccessPolicy returns the inbound access policy parsed from cfg.
func (a *Adapter) AccessPolicy(cfg channel.ChannelConfig) (channel.AccessPolicy, error) {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.AccessPolicy{}, err
	}
	return dtCfg.AccessPolicy(), nil
}

// Normalize converts the DingTalk payload carried by msg into an envelope.
// Messages not produced by this adapter normalize to an empty envelope.
func (a *Adapter) Normalize(msg channel.InboundMessage) channel.Envelope {
	switch p := msg.Payload.(type) {
	case Payload:
		return Normalize(p)
	case *Payload:
		if p != nil {
			return Normalize(*p)
		}
	}
	return channel.Envelope{}
}

// ResolveMedia downloads the media referenced by env and stages it locally.
func (a *Adapter) ResolveMedia(ctx context.Context, cfg channel.ChannelConfig, env channel.Envelope) *media.Staged {
	if !env.HasMedia() {
		return nil
	}
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Warn("media skipped: invalid config", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil
	}
	staged := a.media.Retrieve(ctx, dtCfg.Credentials(), env.MediaHandle)
	if dtCfg.Debug {
		a.logger.Info("media resolved",
			slog.String("config_id", cfg.ID),
			slog.String("kind", string(env.MediaKind)),
			slog.Bool("staged", staged != nil),
		)
	}
	return staged
}

// SendReply posts text to the message's reply target.
func (a *Adapter) SendReply(ctx context.Context, cfg channel.ChannelConfig, target channel.ReplyTarget, text string, opts channel.ReplyOptions) (channel.SendResult, error) {
	dtCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return channel.SendResult{}, err
	}
	return a.replies.Send(ctx, dtCfg.Credentials(), target, text, SendOptions{
		AtUserID:      opts.MentionUserID,
		ForceMarkdown: opts.ForceRich,
	})
}
