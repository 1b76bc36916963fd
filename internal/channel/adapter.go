package channel

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/memohai/dingtalk-bridge/internal/media"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// Acknowledger confirms receipt of one inbound event to the platform.
type Acknowledger interface {
	Ack(ctx context.Context, success bool) error
}

// AckFunc adapts a function to Acknowledger.
type AckFunc func(ctx context.Context, success bool) error

// Ack calls f.
func (f AckFunc) Ack(ctx context.Context, success bool) error {
	return f(ctx, success)
}

// InboundHandler is a callback invoked when a message arrives from a channel.
type InboundHandler func(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type         ChannelType
	DisplayName  string
	Capabilities ChannelCapabilities
}

// ChannelCapabilities lists what a channel platform supports.
type ChannelCapabilities struct {
	Text     bool
	Markdown bool
	Media    bool
	Mentions bool
	Webhook  bool
}

// ConfigNormalizer validates and normalizes raw channel configuration.
type ConfigNormalizer interface {
	NormalizeConfig(raw map[string]any) (map[string]any, error)
}

// AccessPolicy is the inbound access policy an adapter parsed from one
// channel configuration.
type AccessPolicy struct {
	DMPolicy    string
	GroupPolicy string
	AllowFrom   []string
}

// AccessPolicyResolver exposes the access policy held in a channel configuration.
type AccessPolicyResolver interface {
	AccessPolicy(cfg ChannelConfig) (AccessPolicy, error)
}

// Normalizer turns an adapter-specific inbound payload into the canonical envelope.
// It never fails: unrecognized content degrades to a placeholder.
type Normalizer interface {
	Normalize(msg InboundMessage) Envelope
}

// MediaResolver downloads the media referenced by an envelope into a staged local file.
// It returns nil when the media is unavailable; failures are not errors to the caller.
type MediaResolver interface {
	ResolveMedia(ctx context.Context, cfg ChannelConfig, env Envelope) *media.Staged
}

// ReplySender delivers one reply to the reply target of an inbound message.
type ReplySender interface {
	SendReply(ctx context.Context, cfg ChannelConfig, target ReplyTarget, text string, opts ReplyOptions) (SendResult, error)
}

// Receiver is an adapter capable of establishing a long-lived connection to receive messages.
type Receiver interface {
	Connect(ctx context.Context, cfg ChannelConfig, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ConfigID() string
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	configID    string
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given config and stop function.
func NewConnection(cfg ChannelConfig, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		configID:    cfg.ID,
		channelType: cfg.ChannelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

// ConfigID returns the channel configuration identifier.
func (c *BaseConnection) ConfigID() string {
	return c.configID
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
