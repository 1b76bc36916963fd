package channel

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogInbound(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	failure := errors.New("dispatch failed")
	calls := 0
	handler := LogInbound(log)(func(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error {
		calls++
		if msg.MessageID == "bad" {
			return failure
		}
		return nil
	})

	cfg := ChannelConfig{ID: "default", ChannelType: "dingtalk"}
	if err := handler(context.Background(), cfg, InboundMessage{MessageID: "ok"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := handler(context.Background(), cfg, InboundMessage{MessageID: "bad"}, nil); !errors.Is(err, failure) {
		t.Fatalf("expected handler error to pass through, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	out := buf.String()
	if !strings.Contains(out, "inbound handled") || !strings.Contains(out, "message_id=ok") {
		t.Fatalf("expected success line, got %q", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "message_id=bad") || !strings.Contains(out, "channel=dingtalk") {
		t.Fatalf("expected warn line with defaults, got %q", out)
	}
}
