// Package session persists per-conversation recency and last-route metadata
// for inbound messages. Three backends are provided: a JSON file per agent,
// a Redis hash per agent, and a Postgres table.
package session

import (
	"strings"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

// Entry is the stored record for one session key.
type Entry struct {
	SessionKey        string             `json:"session_key"`
	AgentID           string             `json:"agent_id,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
	ChatType          string             `json:"chat_type,omitempty"`
	From              string             `json:"from,omitempty"`
	To                string             `json:"to,omitempty"`
	ConversationLabel string             `json:"conversation_label,omitempty"`
	SenderName        string             `json:"sender_name,omitempty"`
	LastMessageID     string             `json:"last_message_id,omitempty"`
	LastRoute         *inbound.LastRoute `json:"last_route,omitempty"`
}

// newEntry builds the entry recorded for ictx. An existing last route is kept
// when last is nil, so group traffic never clears a direct route.
func newEntry(sessionKey string, ictx inbound.InboundContext, last *inbound.LastRoute, prev *Entry, now time.Time) Entry {
	updatedAt := ictx.Timestamp
	if updatedAt.IsZero() {
		updatedAt = now
	}
	entry := Entry{
		SessionKey:        sessionKey,
		AgentID:           ictx.AgentID,
		UpdatedAt:         updatedAt.UTC(),
		ChatType:          string(ictx.ChatType),
		From:              ictx.From,
		To:                ictx.To,
		ConversationLabel: ictx.ConversationLabel,
		SenderName:        ictx.SenderName,
		LastMessageID:     ictx.MessageID,
		LastRoute:         last,
	}
	if entry.LastRoute == nil && prev != nil {
		entry.LastRoute = prev.LastRoute
	}
	return entry
}

func normalizeAgent(agentID string) string {
	agentID = strings.ToLower(strings.TrimSpace(agentID))
	if agentID == "" {
		return "main"
	}
	return agentID
}
