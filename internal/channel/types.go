// Package channel provides the platform-neutral abstraction for inbound messaging channels.
// It defines the envelope every adapter normalizes into, the adapter interfaces,
// a registry for adapters, and the manager that owns per-account connections.
package channel

import (
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "dingtalk").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ChatType distinguishes one-to-one conversations from group conversations.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// MediaKind classifies the media attached to a normalized message.
type MediaKind string

const (
	MediaKindNone  MediaKind = ""
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
	MediaKindFile  MediaKind = "file"
)

// Envelope is the canonical, platform-neutral view of one inbound message.
// Text is never empty for a recognized kind: media-only messages carry a placeholder.
type Envelope struct {
	Text        string    `json:"text"`
	MediaHandle string    `json:"media_handle,omitempty"`
	MediaKind   MediaKind `json:"media_kind,omitempty"`
	Kind        string    `json:"kind"`
}

// HasMedia reports whether the envelope references downloadable media.
func (e Envelope) HasMedia() bool {
	return strings.TrimSpace(e.MediaHandle) != ""
}

// Identity represents a sender's identity on a channel.
type Identity struct {
	SubjectID   string
	DisplayName string
	Attributes  map[string]string
}

// Attribute returns the trimmed value for the given key, or empty string if absent.
func (i Identity) Attribute(key string) string {
	if i.Attributes == nil {
		return ""
	}
	return strings.TrimSpace(i.Attributes[key])
}

// Conversation holds metadata about the chat or group context.
type Conversation struct {
	ID   string
	Type ChatType
	Name string
}

// IsGroup reports whether the conversation is a multi-party chat.
func (c Conversation) IsGroup() bool {
	return c.Type == ChatTypeGroup
}

// ReplyTarget is the per-message reply endpoint handed out by the platform.
// It is single-use in practice and may expire.
type ReplyTarget struct {
	URL       string
	ExpiresAt time.Time
}

// Expired reports whether the target carries an expiry that has passed.
func (t ReplyTarget) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// InboundMessage is a message received from an external channel. Payload keeps
// the adapter-specific decoded event so the adapter can normalize it later.
type InboundMessage struct {
	Channel      ChannelType
	AccountID    string
	MessageID    string
	ReplyTarget  ReplyTarget
	Sender       Identity
	Conversation Conversation
	ReceivedAt   time.Time
	Source       string
	Payload      any
	Metadata     map[string]any
}

// ChannelConfig is the effective configuration for one account on one channel.
type ChannelConfig struct {
	ID          string
	ChannelType ChannelType
	Name        string
	Credentials map[string]any
	Disabled    bool
	UpdatedAt   time.Time
}

// ReplyOptions carries delivery hints for a reply.
// ForceRich nil lets the adapter pick the encoding from the text itself.
type ReplyOptions struct {
	MentionUserID string
	ForceRich     *bool
}

// SendResult reports the outcome of a reply delivery.
type SendResult struct {
	OK       bool
	Encoding string
	Data     map[string]any
}
