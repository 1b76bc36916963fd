package dingtalk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

func TestBuildInbound_Group(t *testing.T) {
	t.Parallel()

	p := payloadFromJSON(t, `{
		"msgId":"m-9","msgtype":"text","text":{"content":"hi"},
		"conversationId":"cid-g","conversationType":"2","conversationTitle":"Ops",
		"senderId":"u-1","senderStaffId":"staff-1","senderNick":"Bob","senderCorpId":"corp",
		"sessionWebhook":"https://hook","sessionWebhookExpiredTime":1767225600000,
		"createAt":1767222000000,"isInAtList":true
	}`)
	cfg := channel.ChannelConfig{ID: "acct-1", ChannelType: Type}
	msg := buildInbound(cfg, p, sourceStream)

	if msg.Channel != Type || msg.AccountID != "acct-1" || msg.MessageID != "m-9" {
		t.Fatalf("unexpected identity fields: %+v", msg)
	}
	if !msg.Conversation.IsGroup() || msg.Conversation.ID != "cid-g" || msg.Conversation.Name != "Ops" {
		t.Fatalf("unexpected conversation: %+v", msg.Conversation)
	}
	if msg.Sender.SubjectID != "u-1" || msg.Sender.Attribute("staff_id") != "staff-1" || msg.Sender.Attribute("corp_id") != "corp" {
		t.Fatalf("unexpected sender: %+v", msg.Sender)
	}
	if msg.ReplyTarget.URL != "https://hook" || !msg.ReplyTarget.ExpiresAt.Equal(time.UnixMilli(1767225600000)) {
		t.Fatalf("unexpected reply target: %+v", msg.ReplyTarget)
	}
	if !msg.ReceivedAt.Equal(time.UnixMilli(1767222000000)) {
		t.Fatalf("unexpected received at: %v", msg.ReceivedAt)
	}
	if got, ok := msg.Payload.(Payload); !ok || got.MsgID != "m-9" {
		t.Fatalf("payload not carried: %#v", msg.Payload)
	}
	if msg.Metadata["is_in_at_list"] != true {
		t.Fatalf("unexpected metadata: %v", msg.Metadata)
	}
}

func TestBuildInbound_DirectDefaultsReceivedAt(t *testing.T) {
	t.Parallel()

	before := time.Now()
	msg := buildInbound(channel.ChannelConfig{ID: "a"}, payloadFromJSON(t, `{"conversationType":"1","senderId":"u"}`), sourceStream)
	if msg.Conversation.IsGroup() {
		t.Fatalf("expected direct conversation")
	}
	if msg.ReceivedAt.Before(before) {
		t.Fatalf("expected received at to default to now, got %v", msg.ReceivedAt)
	}
}

func TestDeliverEvent(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(discardLogger(), Options{})
	cfg := channel.ChannelConfig{ID: "acct-1", ChannelType: Type}
	raw := []byte(`{"msgId":"m-1","msgtype":"text","text":{"content":"hi"},"senderId":"u"}`)

	handlerWith := func(ackValue *bool, err error) channel.InboundHandler {
		return func(ctx context.Context, _ channel.ChannelConfig, msg channel.InboundMessage, ack channel.Acknowledger) error {
			if ackValue != nil {
				_ = ack.Ack(ctx, *ackValue)
				_ = ack.Ack(ctx, !*ackValue)
			}
			return err
		}
	}

	cases := []struct {
		name    string
		raw     []byte
		handler channel.InboundHandler
		wantErr bool
	}{
		{name: "acked success", raw: raw, handler: handlerWith(boolPtr(true), nil)},
		{name: "acked failure", raw: raw, handler: handlerWith(boolPtr(false), errors.New("boom")), wantErr: true},
		{name: "acked failure without error", raw: raw, handler: handlerWith(boolPtr(false), nil), wantErr: true},
		{name: "success ack wins over returned error", raw: raw, handler: handlerWith(boolPtr(true), errors.New("late"))},
		{name: "not acked with error", raw: raw, handler: handlerWith(nil, errors.New("boom")), wantErr: true},
		{name: "not acked", raw: raw, handler: handlerWith(nil, nil)},
		{name: "malformed", raw: []byte(`{`), handler: handlerWith(boolPtr(true), nil), wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := adapter.deliverEvent(context.Background(), cfg, sourceStream, tc.raw, tc.handler)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestConnect_WebhookModeSkipsStream(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(discardLogger(), Options{})
	cfg := channel.ChannelConfig{
		ID:          "acct-1",
		ChannelType: Type,
		Credentials: map[string]any{"clientId": "a", "clientSecret": "b", "inboundMode": "webhook"},
	}
	conn, err := adapter.Connect(context.Background(), cfg, func(context.Context, channel.ChannelConfig, channel.InboundMessage, channel.Acknowledger) error {
		return nil
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !conn.Running() || conn.ConfigID() != "acct-1" {
		t.Fatalf("unexpected connection state")
	}
	if err := conn.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if conn.Running() {
		t.Fatalf("connection should not be running after stop")
	}
}

func TestConnect_MissingCredentials(t *testing.T) {
	t.Parallel()

	adapter := NewAdapter(discardLogger(), Options{})
	_, err := adapter.Connect(context.Background(), channel.ChannelConfig{ID: "x", Credentials: map[string]any{}}, nil)
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}
