// Package routing resolves inbound conversations to an agent and session key.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

// DefaultAgentID is used when neither the account nor the resolver names an agent.
const DefaultAgentID = "main"

// ConfigGetter loads the effective config of one account.
type ConfigGetter interface {
	GetConfig(ctx context.Context, channelType channel.ChannelType, id string) (channel.ChannelConfig, error)
}

// Resolver derives routes deterministically from the channel, the account's
// agent binding, and the peer. Session keys have the form
// agent:<agent>:<channel>:<dm|group>:<peer>, lowercased.
type Resolver struct {
	defaultAgent string
	configs      ConfigGetter
}

// NewResolver creates a resolver. configs may be nil, in which case every
// account routes to defaultAgent.
func NewResolver(defaultAgent string, configs ConfigGetter) *Resolver {
	defaultAgent = strings.TrimSpace(defaultAgent)
	if defaultAgent == "" {
		defaultAgent = DefaultAgentID
	}
	return &Resolver{defaultAgent: defaultAgent, configs: configs}
}

// ResolveRoute implements inbound.RouteResolver.
func (r *Resolver) ResolveRoute(ctx context.Context, input inbound.RouteInput) (inbound.Route, error) {
	peerID := strings.TrimSpace(input.Peer.ID)
	if peerID == "" {
		return inbound.Route{}, fmt.Errorf("route peer id is required")
	}
	kind := input.Peer.Kind
	switch kind {
	case inbound.PeerDirect, inbound.PeerGroup:
	case "":
		kind = inbound.PeerDirect
	default:
		return inbound.Route{}, fmt.Errorf("unsupported peer kind: %s", kind)
	}
	channelName := strings.TrimSpace(input.Channel.String())
	if channelName == "" {
		return inbound.Route{}, fmt.Errorf("route channel is required")
	}
	agentID, err := r.agentFor(ctx, input.Channel, input.AccountID)
	if err != nil {
		return inbound.Route{}, err
	}
	return inbound.Route{
		AgentID:        agentID,
		SessionKey:     SessionKey(agentID, channelName, kind, peerID),
		MainSessionKey: MainSessionKey(agentID),
	}, nil
}

func (r *Resolver) agentFor(ctx context.Context, channelType channel.ChannelType, accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if r.configs == nil || accountID == "" {
		return r.defaultAgent, nil
	}
	cfg, err := r.configs.GetConfig(ctx, channelType, accountID)
	if err != nil {
		return "", fmt.Errorf("load account config: %w", err)
	}
	if agentID := channel.ReadString(cfg.Credentials, "agentId", "agent_id"); agentID != "" {
		return normalizeID(agentID), nil
	}
	return r.defaultAgent, nil
}

// SessionKey builds the conversation session key.
func SessionKey(agentID, channelName string, kind inbound.PeerKind, peerID string) string {
	return strings.ToLower(fmt.Sprintf("agent:%s:%s:%s:%s", normalizeID(agentID), strings.TrimSpace(channelName), kind, strings.TrimSpace(peerID)))
}

// MainSessionKey builds the agent's main session key.
func MainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", normalizeID(agentID))
}

func normalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return DefaultAgentID
	}
	return id
}
