package dingtalk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Conversation types as sent by the platform.
const (
	conversationTypeDirect = "1"
	conversationTypeGroup  = "2"
)

// Payload is one robot callback event as delivered by the stream or webhook.
// Content is kept raw; its shape depends on MsgType.
type Payload struct {
	MsgID                     string          `json:"msgId"`
	MsgType                   string          `json:"msgtype"`
	Text                      *TextContent    `json:"text,omitempty"`
	Content                   json.RawMessage `json:"content,omitempty"`
	ConversationID            string          `json:"conversationId"`
	ConversationType          string          `json:"conversationType"`
	ConversationTitle         string          `json:"conversationTitle,omitempty"`
	SenderID                  string          `json:"senderId"`
	SenderStaffID             string          `json:"senderStaffId,omitempty"`
	SenderNick                string          `json:"senderNick,omitempty"`
	SenderCorpID              string          `json:"senderCorpId,omitempty"`
	ChatbotUserID             string          `json:"chatbotUserId,omitempty"`
	ChatbotCorpID             string          `json:"chatbotCorpId,omitempty"`
	RobotCode                 string          `json:"robotCode,omitempty"`
	SessionWebhook            string          `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64           `json:"sessionWebhookExpiredTime,omitempty"`
	CreateAt                  int64           `json:"createAt,omitempty"`
	IsInAtList                bool            `json:"isInAtList,omitempty"`
	IsAdmin                   bool            `json:"isAdmin,omitempty"`
	AtUsers                   []AtUser        `json:"atUsers,omitempty"`
}

// TextContent is the text body of a text message.
type TextContent struct {
	Content string `json:"content"`
}

// AtUser is one mention inside a group message.
type AtUser struct {
	DingtalkID string `json:"dingtalkId"`
	StaffID    string `json:"staffId,omitempty"`
}

// ParsePayload decodes a callback event.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode dingtalk payload: %w", err)
	}
	return p, nil
}

// IsGroup reports whether the event came from a group conversation.
func (p Payload) IsGroup() bool {
	return strings.TrimSpace(p.ConversationType) == conversationTypeGroup
}

// CreatedAt returns the event time, or zero when absent.
func (p Payload) CreatedAt() time.Time {
	if p.CreateAt <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.CreateAt)
}

// WebhookExpiresAt returns the reply webhook expiry, or zero when absent.
func (p Payload) WebhookExpiresAt() time.Time {
	if p.SessionWebhookExpiredTime <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(p.SessionWebhookExpiredTime)
}

// decodeContent unmarshals the content field into out. Some producers send
// content as a JSON-encoded string; both forms are accepted.
func (p Payload) decodeContent(out any) bool {
	raw := bytes.TrimSpace(p.Content)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return false
		}
		raw = []byte(inner)
	}
	return json.Unmarshal(raw, out) == nil
}
