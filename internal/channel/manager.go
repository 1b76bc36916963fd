package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConfigLister lists channel configs for periodic refresh. Used by connection lifecycle.
type ConfigLister interface {
	ListConfigsByType(ctx context.Context, channelType ChannelType) ([]ChannelConfig, error)
}

// InboundProcessor handles one inbound message end to end, including acknowledgment.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error
}

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// ConnectionStatus describes runtime status for one configured channel connection.
type ConnectionStatus struct {
	ConfigID    string      `json:"config_id"`
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Manager coordinates channel adapters, per-account connection lifecycle, and
// hands inbound events to the processor. Connection lifecycle lives in connection.go.
type Manager struct {
	registry        *Registry
	service         ConfigLister
	processor       InboundProcessor
	refreshInterval time.Duration
	logger          *slog.Logger
	middlewares     []Middleware

	mu             sync.Mutex
	refreshMu      sync.Mutex
	connections    map[string]*connectionEntry
	connectionMeta map[string]ConnectionStatus
}

// NewManager creates a Manager with the given logger, registry, config store, and inbound processor.
func NewManager(log *slog.Logger, registry *Registry, service ConfigLister, processor InboundProcessor) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:        registry,
		service:         service,
		processor:       processor,
		refreshInterval: 5 * time.Minute,
		connections:     map[string]*connectionEntry{},
		connectionMeta:  map[string]ConnectionStatus{},
		logger:          log.With(slog.String("component", "channel")),
		middlewares:     []Middleware{},
	}
}

// Use appends middleware to the inbound processing chain.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// Refresh performs a full reconcile of all adapter connections against the config store.
func (m *Manager) Refresh(ctx context.Context) {
	if ctx != nil {
		m.refresh(ctx)
	}
}

// Start performs the initial reconcile and begins the periodic refresh loop.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.refresh(ctx)
	go func() {
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("manager stop")
				m.stopAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				m.refresh(ctx)
			}
		}
	}()
}

// HandleInbound runs an inbound event through the middleware chain and the processor.
// Receivers that are not connection-based (webhooks) call it directly.
func (m *Manager) HandleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error {
	return m.inboundHandler()(ctx, cfg, msg, ack)
}

func (m *Manager) inboundHandler() InboundHandler {
	handler := m.handleInbound
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		handler = m.middlewares[i](handler)
	}
	return handler
}

func (m *Manager) handleInbound(ctx context.Context, cfg ChannelConfig, msg InboundMessage, ack Acknowledger) error {
	if m.processor == nil {
		return fmt.Errorf("inbound processor not configured")
	}
	if msg.Channel == "" {
		msg.Channel = cfg.ChannelType
	}
	if msg.AccountID == "" {
		msg.AccountID = cfg.ID
	}
	return m.processor.HandleInbound(ctx, cfg, msg, ack)
}

// Shutdown stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(ctx)
	return nil
}

// ConnectionStatuses returns observed connection statuses sorted by channel and config id.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.connectionMeta))
	for _, status := range m.connectionMeta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ChannelType == items[j].ChannelType {
			return items[i].ConfigID < items[j].ConfigID
		}
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}
