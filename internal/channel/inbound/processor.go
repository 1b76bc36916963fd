// Package inbound runs one inbound channel event through normalization, media
// staging, routing, session bookkeeping, agent dispatch, and reply delivery.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/media"
	"github.com/memohai/dingtalk-bridge/internal/metrics"
)

var tracer = otel.Tracer("dingtalk-bridge.internal.channel.inbound")

const (
	outcomeEmpty       = "empty"
	outcomeDenied      = "denied"
	outcomeFailed      = "failed"
	outcomeNoReply     = "no_reply"
	outcomeReplied     = "replied"
	outcomeReplyFailed = "reply_failed"
)

// Processor is the dispatch orchestrator for inbound channel events.
type Processor struct {
	registry   *channel.Registry
	routes     RouteResolver
	sessions   SessionStore
	envelopes  EnvelopeFormatter
	dispatcher Dispatcher
	activity   ActivityRecorder
	policy     SecurityPolicy
	metrics    *metrics.BridgeMetrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewProcessor creates a Processor. Activity, policy, and metrics are optional
// and configured with the Set methods.
func NewProcessor(
	log *slog.Logger,
	registry *channel.Registry,
	routes RouteResolver,
	sessions SessionStore,
	envelopes EnvelopeFormatter,
	dispatcher Dispatcher,
) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		registry:   registry,
		routes:     routes,
		sessions:   sessions,
		envelopes:  envelopes,
		dispatcher: dispatcher,
		logger:     log.With(slog.String("component", "channel_inbound")),
		now:        time.Now,
	}
}

// SetActivityRecorder configures the typing/activity observer.
func (p *Processor) SetActivityRecorder(recorder ActivityRecorder) {
	if p == nil {
		return
	}
	p.activity = recorder
}

// SetSecurityPolicy configures the access gate applied before dispatch.
func (p *Processor) SetSecurityPolicy(policy SecurityPolicy) {
	if p == nil {
		return
	}
	p.policy = policy
}

// SetMetrics configures Prometheus collectors.
func (p *Processor) SetMetrics(m *metrics.BridgeMetrics) {
	if p == nil {
		return
	}
	p.metrics = m
}

// HandleInbound processes one inbound event. The acknowledger is called
// exactly once when the message carries an id: success unless routing or
// dispatch failed. Reply delivery failures are logged and do not fail the ack.
// Work continues on a context detached from the caller's cancellation so a
// stopping connection does not abort an in-flight dispatch.
func (p *Processor) HandleInbound(ctx context.Context, cfg channel.ChannelConfig, msg channel.InboundMessage, ack channel.Acknowledger) (err error) {
	ctx, span := tracer.Start(ctx, "channel.inbound.handle")
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	started := p.now()
	channelType := msg.Channel
	if channelType == "" {
		channelType = cfg.ChannelType
	}
	accountID := firstNonEmpty(msg.AccountID, cfg.ID)
	span.SetAttributes(
		attribute.String("channel", channelType.String()),
		attribute.String("account_id", accountID),
		attribute.String("message_id", msg.MessageID),
	)
	log := p.logger.With(
		slog.String("channel", channelType.String()),
		slog.String("account_id", accountID),
		slog.String("message_id", msg.MessageID),
	)

	kind := ""
	outcome := outcomeFailed
	defer func() {
		if err != nil {
			outcome = outcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		p.metrics.ObserveInbound(channelType.String(), kind, outcome)
		p.metrics.ObserveDispatch(channelType.String(), outcome, p.now().Sub(started))
		p.acknowledge(ctx, log, msg.MessageID, ack, err == nil)
	}()

	if p.registry == nil || p.routes == nil || p.sessions == nil || p.dispatcher == nil {
		return fmt.Errorf("inbound processor not configured")
	}
	normalizer, ok := p.registry.GetNormalizer(channelType)
	if !ok {
		return fmt.Errorf("channel %s cannot normalize inbound messages", channelType)
	}

	env := normalizer.Normalize(msg)
	kind = env.Kind
	text := strings.TrimSpace(env.Text)
	if text == "" {
		outcome = outcomeEmpty
		log.Debug("inbound skipped: empty text", slog.String("kind", env.Kind))
		return nil
	}

	chatType := msg.Conversation.Type
	if chatType == "" {
		chatType = channel.ChatTypeDirect
	}
	senderID := strings.TrimSpace(msg.Sender.SubjectID)
	staffID := msg.Sender.Attribute("staff_id")
	if p.policy != nil {
		var access channel.AccessPolicy
		if resolver, ok := p.registry.GetAccessPolicyResolver(channelType); ok {
			access, err = resolver.AccessPolicy(cfg)
			if err != nil {
				return fmt.Errorf("resolve access policy: %w", err)
			}
		}
		decision := p.policy.Allow(AccessRequest{
			Policy:   access,
			ChatType: chatType,
			SenderID: senderID,
			StaffID:  staffID,
			ChatID:   msg.Conversation.ID,
		})
		if !decision.Allowed {
			outcome = outcomeDenied
			log.Info("inbound denied by policy", slog.String("sender_id", senderID), slog.String("reason", decision.Reason))
			return nil
		}
	}

	var staged *media.Staged
	if env.HasMedia() {
		if resolver, ok := p.registry.GetMediaResolver(channelType); ok {
			staged = resolver.ResolveMedia(ctx, cfg, env)
		}
		if staged == nil {
			log.Warn("inbound media unavailable, dispatching text only", slog.String("kind", env.Kind))
		}
	}
	defer func() {
		if releaseErr := staged.Release(); releaseErr != nil {
			log.Warn("release staged media failed", slog.Any("error", releaseErr))
		}
	}()

	peer := Peer{Kind: PeerDirect, ID: senderID}
	if chatType == channel.ChatTypeGroup {
		peer = Peer{Kind: PeerGroup, ID: msg.Conversation.ID}
	}
	route, err := p.routes.ResolveRoute(ctx, RouteInput{
		Channel:   channelType,
		AccountID: accountID,
		Peer:      peer,
	})
	if err != nil {
		log.Error("resolve route failed", slog.Any("error", err))
		return fmt.Errorf("resolve route: %w", err)
	}

	storePath := p.sessions.ResolveStorePath(route.AgentID)
	previous, hasPrevious, readErr := p.sessions.ReadSessionUpdatedAt(ctx, storePath, route.SessionKey)
	if readErr != nil {
		log.Warn("read session timestamp failed", slog.String("session_key", route.SessionKey), slog.Any("error", readErr))
	}
	if !hasPrevious {
		previous = time.Time{}
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	senderName := firstNonEmpty(msg.Sender.DisplayName, senderID)
	from := fmt.Sprintf("%s:%s", channelType, senderID)
	to := from
	label := senderName
	if chatType == channel.ChatTypeGroup {
		to = fmt.Sprintf("%s:group:%s", channelType, msg.Conversation.ID)
		label = fmt.Sprintf("%s (%s)", firstNonEmpty(msg.Conversation.Name, msg.Conversation.ID), senderName)
	}

	body := text
	if p.envelopes != nil {
		body = p.envelopes.FormatInbound(EnvelopeInput{
			Channel:           p.displayName(channelType),
			From:              label,
			ChatType:          chatType,
			SenderName:        senderName,
			Timestamp:         receivedAt,
			PreviousTimestamp: previous,
			Body:              text,
		})
	}

	ictx := InboundContext{
		Body:               body,
		RawBody:            text,
		CommandBody:        text,
		From:               from,
		To:                 to,
		SessionKey:         route.SessionKey,
		MainSessionKey:     route.MainSessionKey,
		AgentID:            route.AgentID,
		AccountID:          accountID,
		ChatType:           chatType,
		ConversationLabel:  label,
		SenderName:         senderName,
		SenderID:           senderID,
		Provider:           channelType,
		Surface:            channelType,
		MessageID:          msg.MessageID,
		Timestamp:          receivedAt,
		CommandAuthorized:  true,
		OriginatingChannel: channelType,
		OriginatingTo:      to,
	}
	if staged != nil {
		ictx.MediaPath = staged.Path
		ictx.MediaType = staged.ContentType
	}

	var last *LastRoute
	if chatType == channel.ChatTypeDirect {
		last = &LastRoute{Channel: channelType, To: to, AccountID: accountID}
	}
	if recordErr := p.sessions.RecordInboundSession(ctx, storePath, route.SessionKey, ictx, last); recordErr != nil {
		log.Warn("record inbound session failed", slog.String("session_key", route.SessionKey), slog.Any("error", recordErr))
	}

	p.recordActivity(channelType, accountID, ActivityStart)
	defer p.recordActivity(channelType, accountID, ActivityStop)

	log.Info("inbound dispatch",
		slog.String("session_key", route.SessionKey),
		slog.String("kind", env.Kind),
		slog.String("query", channel.SummarizeText(text)),
	)
	reply, err := p.dispatch(ctx, ictx)
	if err != nil {
		log.Error("dispatch failed", slog.Any("error", err))
		return fmt.Errorf("dispatch: %w", err)
	}
	if reply == nil {
		outcome = outcomeNoReply
		return nil
	}
	if p.deliver(ctx, log, cfg, msg, chatType, *reply) {
		outcome = outcomeReplied
	} else {
		outcome = outcomeReplyFailed
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, ictx InboundContext) (reply *Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, ictx)
}

// deliver sends the reply through the channel. Markdown replies are forced
// rich; plain text lets the channel pick. Group replies mention the sender.
func (p *Processor) deliver(ctx context.Context, log *slog.Logger, cfg channel.ChannelConfig, msg channel.InboundMessage, chatType channel.ChatType, reply Reply) bool {
	text := reply.Text
	var force *bool
	if strings.TrimSpace(reply.Markdown) != "" {
		text = reply.Markdown
		rich := true
		force = &rich
	}
	if strings.TrimSpace(text) == "" {
		log.Debug("reply skipped: empty text")
		return true
	}
	if strings.TrimSpace(msg.ReplyTarget.URL) == "" {
		log.Warn("reply skipped: no reply target")
		return false
	}
	channelType := firstNonEmptyType(msg.Channel, cfg.ChannelType)
	sender, ok := p.registry.GetReplySender(channelType)
	if !ok {
		log.Warn("reply skipped: channel cannot send replies")
		return false
	}
	opts := channel.ReplyOptions{ForceRich: force}
	if chatType == channel.ChatTypeGroup {
		opts.MentionUserID = firstNonEmpty(msg.Sender.Attribute("staff_id"), msg.Sender.SubjectID)
	}
	result, err := sender.SendReply(ctx, cfg, msg.ReplyTarget, text, opts)
	if err != nil {
		log.Error("reply send failed", slog.Any("error", err))
		return false
	}
	log.Info("reply sent", slog.String("encoding", result.Encoding), slog.Int("length", len(text)))
	return result.OK
}

func (p *Processor) acknowledge(ctx context.Context, log *slog.Logger, messageID string, ack channel.Acknowledger, ok bool) {
	if ack == nil || strings.TrimSpace(messageID) == "" {
		return
	}
	if err := ack.Ack(ctx, ok); err != nil {
		log.Warn("ack failed", slog.Bool("success", ok), slog.Any("error", err))
	}
}

func (p *Processor) recordActivity(channelType channel.ChannelType, accountID string, event ActivityEvent) {
	if p.activity == nil {
		return
	}
	p.activity.Record(channelType, accountID, event)
}

func (p *Processor) displayName(channelType channel.ChannelType) string {
	if desc, ok := p.registry.GetDescriptor(channelType); ok && strings.TrimSpace(desc.DisplayName) != "" {
		return desc.DisplayName
	}
	return channelType.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyType(values ...channel.ChannelType) channel.ChannelType {
	for _, v := range values {
		if strings.TrimSpace(v.String()) != "" {
			return v
		}
	}
	return ""
}
