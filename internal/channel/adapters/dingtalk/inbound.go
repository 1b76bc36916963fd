package dingtalk

import (
	"strings"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

const (
	sourceStream  = "stream"
	sourceWebhook = "webhook"
)

// buildInbound maps a callback payload onto the platform-neutral inbound
// message. The payload itself travels along for later normalization.
func buildInbound(cfg channel.ChannelConfig, p Payload, source string) channel.InboundMessage {
	chatType := channel.ChatTypeDirect
	if p.IsGroup() {
		chatType = channel.ChatTypeGroup
	}
	attrs := map[string]string{}
	if v := strings.TrimSpace(p.SenderStaffID); v != "" {
		attrs["staff_id"] = v
	}
	if v := strings.TrimSpace(p.SenderCorpID); v != "" {
		attrs["corp_id"] = v
	}
	receivedAt := p.CreatedAt()
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	return channel.InboundMessage{
		Channel:   Type,
		AccountID: cfg.ID,
		MessageID: strings.TrimSpace(p.MsgID),
		ReplyTarget: channel.ReplyTarget{
			URL:       strings.TrimSpace(p.SessionWebhook),
			ExpiresAt: p.WebhookExpiresAt(),
		},
		Sender: channel.Identity{
			SubjectID:   strings.TrimSpace(p.SenderID),
			DisplayName: strings.TrimSpace(p.SenderNick),
			Attributes:  attrs,
		},
		Conversation: channel.Conversation{
			ID:   strings.TrimSpace(p.ConversationID),
			Type: chatType,
			Name: strings.TrimSpace(p.ConversationTitle),
		},
		ReceivedAt: receivedAt,
		Source:     source,
		Payload:    p,
		Metadata: map[string]any{
			"msg_type":        strings.TrimSpace(p.MsgType),
			"is_in_at_list":   p.IsInAtList,
			"chatbot_user_id": p.ChatbotUserID,
		},
	}
}
