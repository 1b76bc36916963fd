package dingtalk

import (
	"context"
	"testing"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

var (
	_ channel.Adapter              = (*Adapter)(nil)
	_ channel.Receiver             = (*Adapter)(nil)
	_ channel.Normalizer           = (*Adapter)(nil)
	_ channel.MediaResolver        = (*Adapter)(nil)
	_ channel.ReplySender          = (*Adapter)(nil)
	_ channel.ConfigNormalizer     = (*Adapter)(nil)
	_ channel.AccessPolicyResolver = (*Adapter)(nil)
)

func TestAdapterDescriptor(t *testing.T) {
	t.Parallel()

	a := NewAdapter(nil, Options{})
	desc := a.Descriptor()
	if desc.Type != Type || desc.DisplayName != "DingTalk" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if !desc.Capabilities.Markdown || !desc.Capabilities.Webhook {
		t.Fatalf("expected markdown and webhook capabilities: %+v", desc.Capabilities)
	}
}

func TestAdapterNormalize(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), Options{})
	p := payloadFromJSON(t, `{"msgtype":"picture","content":{"downloadCode":"dc"}}`)

	env := a.Normalize(channel.InboundMessage{Payload: p})
	if env.MediaHandle != "dc" || env.MediaKind != channel.MediaKindImage {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if ptr := a.Normalize(channel.InboundMessage{Payload: &p}); ptr != env {
		t.Fatalf("pointer payload normalized differently: %+v", ptr)
	}
	if foreign := a.Normalize(channel.InboundMessage{Payload: "not a payload"}); foreign != (channel.Envelope{}) {
		t.Fatalf("foreign payload should normalize to empty envelope: %+v", foreign)
	}
}

func TestAdapterSendReply(t *testing.T) {
	t.Parallel()

	tokens := newTokenServer(t, 7200)
	hook := newWebhookRecorder(t)
	a := NewAdapter(discardLogger(), Options{HTTPClient: tokens.server.Client()})
	cfg := channel.ChannelConfig{
		ID:          "acct-1",
		ChannelType: Type,
		Credentials: map[string]any{"clientId": "app", "clientSecret": "secret", "apiBaseURL": tokens.server.URL},
	}

	result, err := a.SendReply(context.Background(), cfg, channel.ReplyTarget{URL: hook.server.URL}, "hello", channel.ReplyOptions{MentionUserID: "staff-1"})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if !result.OK || result.Encoding != encodingText {
		t.Fatalf("unexpected result: %+v", result)
	}
	if hook.gotAuth != "tok-app-1" {
		t.Fatalf("expected exchanged token, got %q", hook.gotAuth)
	}
	if n := tokens.calls.Load(); n != 1 {
		t.Fatalf("expected one token exchange, got %d", n)
	}
}

func TestAdapterSendReplyInvalidConfig(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), Options{})
	if _, err := a.SendReply(context.Background(), channel.ChannelConfig{}, channel.ReplyTarget{URL: "http://unused"}, "hi", channel.ReplyOptions{}); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestAdapterResolveMediaWithoutHandle(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), Options{})
	if staged := a.ResolveMedia(context.Background(), channel.ChannelConfig{}, channel.Envelope{Text: "hi"}); staged != nil {
		t.Fatalf("expected nil staged media")
	}
}

func TestAdapterAccessPolicy(t *testing.T) {
	t.Parallel()

	a := NewAdapter(discardLogger(), Options{})
	cfg := channel.ChannelConfig{ID: "ops", ChannelType: Type, Credentials: map[string]any{
		"clientId":     "id",
		"clientSecret": "s",
		"dm_policy":    "Allowlist",
		"allowFrom":    []any{" u1 ", "cid-9"},
	}}
	got, err := a.AccessPolicy(cfg)
	if err != nil {
		t.Fatalf("access policy: %v", err)
	}
	if got.DMPolicy != policyAllowlist || got.GroupPolicy != policyOpen {
		t.Fatalf("unexpected policies: %+v", got)
	}
	if len(got.AllowFrom) != 2 || got.AllowFrom[0] != "u1" || got.AllowFrom[1] != "cid-9" {
		t.Fatalf("unexpected allowFrom: %v", got.AllowFrom)
	}

	cfg.Credentials["groupPolicy"] = "maybe"
	if _, err := a.AccessPolicy(cfg); err == nil {
		t.Fatalf("expected invalid groupPolicy to be rejected")
	}
}
