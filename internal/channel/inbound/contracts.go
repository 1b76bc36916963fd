package inbound

import (
	"context"
	"time"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// PeerKind distinguishes direct peers from group peers for routing.
type PeerKind string

const (
	PeerDirect PeerKind = "dm"
	PeerGroup  PeerKind = "group"
)

// Peer is the conversation counterpart a route is resolved for.
type Peer struct {
	Kind PeerKind
	ID   string
}

// RouteInput is what the route resolver needs to pick an agent and session.
type RouteInput struct {
	Channel   channel.ChannelType
	AccountID string
	Peer      Peer
}

// Route is the resolved destination of an inbound message.
type Route struct {
	AgentID        string
	SessionKey     string
	MainSessionKey string
}

// RouteResolver maps an inbound conversation to an agent and session.
type RouteResolver interface {
	ResolveRoute(ctx context.Context, input RouteInput) (Route, error)
}

// LastRoute records where a direct conversation was last reachable.
type LastRoute struct {
	Channel   channel.ChannelType `json:"channel"`
	To        string              `json:"to"`
	AccountID string              `json:"account_id"`
}

// SessionStore persists per-session recency and last-route metadata.
type SessionStore interface {
	ResolveStorePath(agentID string) string
	ReadSessionUpdatedAt(ctx context.Context, storePath, sessionKey string) (time.Time, bool, error)
	RecordInboundSession(ctx context.Context, storePath, sessionKey string, ictx InboundContext, last *LastRoute) error
}

// EnvelopeInput carries the fields rendered into the agent-facing envelope.
type EnvelopeInput struct {
	Channel           string
	From              string
	ChatType          channel.ChatType
	SenderName        string
	Timestamp         time.Time
	PreviousTimestamp time.Time
	Body              string
}

// EnvelopeFormatter renders inbound text for the agent.
type EnvelopeFormatter interface {
	FormatInbound(input EnvelopeInput) string
}

// InboundContext is the provider-neutral record handed to the dispatcher.
type InboundContext struct {
	Body               string              `json:"body"`
	RawBody            string              `json:"raw_body"`
	CommandBody        string              `json:"command_body"`
	From               string              `json:"from"`
	To                 string              `json:"to"`
	SessionKey         string              `json:"session_key"`
	MainSessionKey     string              `json:"main_session_key"`
	AgentID            string              `json:"agent_id"`
	AccountID          string              `json:"account_id"`
	ChatType           channel.ChatType    `json:"chat_type"`
	ConversationLabel  string              `json:"conversation_label"`
	SenderName         string              `json:"sender_name"`
	SenderID           string              `json:"sender_id"`
	Provider           channel.ChannelType `json:"provider"`
	Surface            channel.ChannelType `json:"surface"`
	MessageID          string              `json:"message_id"`
	Timestamp          time.Time           `json:"timestamp"`
	MediaPath          string              `json:"media_path,omitempty"`
	MediaType          string              `json:"media_type,omitempty"`
	CommandAuthorized  bool                `json:"command_authorized"`
	OriginatingChannel channel.ChannelType `json:"originating_channel"`
	OriginatingTo      string              `json:"originating_to"`
}

// Reply is the single reply a dispatch may produce. Markdown, when set, is
// delivered as rich text; otherwise Text is encoded by the channel's heuristic.
type Reply struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown,omitempty"`
}

// Dispatcher runs the conversational agent for one inbound context and
// returns zero or one reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, ictx InboundContext) (*Reply, error)
}

// ActivityEvent marks the start or end of work on a conversation.
type ActivityEvent string

const (
	ActivityStart ActivityEvent = "start"
	ActivityStop  ActivityEvent = "stop"
)

// ActivityRecorder observes dispatch activity per account.
type ActivityRecorder interface {
	Record(channelType channel.ChannelType, accountID string, event ActivityEvent)
}

// AccessRequest describes the sender of an inbound message for policy checks.
// Policy comes from the adapter that parsed the account configuration.
type AccessRequest struct {
	Policy   channel.AccessPolicy
	ChatType channel.ChatType
	SenderID string
	StaffID  string
	ChatID   string
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// SecurityPolicy decides whether an inbound message may reach the agent.
type SecurityPolicy interface {
	Allow(req AccessRequest) Decision
}
