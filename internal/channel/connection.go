package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type connectionEntry struct {
	config     ChannelConfig
	connection Connection
}

func (m *Manager) refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of silently skipping.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.service == nil {
		return
	}
	configs := make([]ChannelConfig, 0)
	for _, channelType := range m.registry.Types() {
		items, err := m.service.ListConfigsByType(ctx, channelType)
		if err != nil {
			m.logger.Error("list configs failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			continue
		}
		configs = append(configs, items...)
	}
	m.reconcile(ctx, configs)
}

func (m *Manager) reconcile(ctx context.Context, configs []ChannelConfig) {
	active := map[string]ChannelConfig{}
	for _, cfg := range configs {
		if cfg.ID == "" || cfg.Disabled {
			continue
		}
		active[cfg.ID] = cfg
		if err := m.ensureConnection(ctx, cfg); err != nil {
			m.markConnectionStatus(cfg, false, err)
			m.logger.Error(
				"adapter start failed",
				slog.String("channel", cfg.ChannelType.String()),
				slog.String("account_id", cfg.ID),
				slog.Any("error", err),
			)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.connections {
		if _, ok := active[id]; ok {
			continue
		}
		m.stopEntryLocked(ctx, id, entry)
	}
	for id := range m.connectionMeta {
		if _, ok := active[id]; !ok {
			delete(m.connectionMeta, id)
		}
	}
}

func (m *Manager) ensureConnection(ctx context.Context, cfg ChannelConfig) error {
	receiver, ok := m.registry.GetReceiver(cfg.ChannelType)
	if !ok {
		m.markConnectionStatus(cfg, false, fmt.Errorf("receiver not available"))
		return nil
	}

	m.mu.Lock()
	entry := m.connections[cfg.ID]

	// Config unchanged, nothing to do.
	if entry != nil && !entry.config.UpdatedAt.Before(cfg.UpdatedAt) {
		running := entry.connection != nil && entry.connection.Running()
		m.setConnectionStatusLocked(entry.config, running, nil)
		m.mu.Unlock()
		return nil
	}
	if entry != nil {
		delete(m.connections, cfg.ID)
	}
	m.mu.Unlock()

	if entry != nil && entry.connection != nil {
		m.logger.Info(
			"adapter restart",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("account_id", cfg.ID),
		)
		if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.markConnectionStatus(cfg, false, err)
			return err
		}
	}

	m.logger.Info(
		"adapter start",
		slog.String("channel", cfg.ChannelType.String()),
		slog.String("account_id", cfg.ID),
	)
	connectCtx := context.Background()
	if ctx != nil {
		// Decouple long-lived adapter connections from short-lived request contexts.
		connectCtx = context.WithoutCancel(ctx)
	}
	conn, err := receiver.Connect(connectCtx, cfg, m.inboundHandler())
	if err != nil {
		m.markConnectionStatus(cfg, false, err)
		return err
	}

	m.mu.Lock()
	// Another refresh may have raced and inserted first; keep the existing one.
	if existing, ok := m.connections[cfg.ID]; ok && existing != nil {
		running := existing.connection != nil && existing.connection.Running()
		m.setConnectionStatusLocked(existing.config, running, nil)
		m.mu.Unlock()
		_ = conn.Stop(context.Background())
		return nil
	}
	m.connections[cfg.ID] = &connectionEntry{
		config:     cfg,
		connection: conn,
	}
	m.setConnectionStatusLocked(cfg, true, nil)
	m.mu.Unlock()
	return nil
}

// EnsureConnection starts, restarts, or stops the connection for the given config.
// Disabled configs are stopped and removed; enabled configs are started or restarted.
func (m *Manager) EnsureConnection(ctx context.Context, cfg ChannelConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("config id is required")
	}
	if cfg.Disabled {
		m.mu.Lock()
		defer m.mu.Unlock()
		if entry, ok := m.connections[cfg.ID]; ok {
			m.stopEntryLocked(ctx, cfg.ID, entry)
		}
		delete(m.connectionMeta, cfg.ID)
		return nil
	}
	return m.ensureConnection(ctx, cfg)
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.connections {
		m.stopEntryLocked(ctx, id, entry)
	}
}

// stopEntryLocked stops a connection and forgets it. In-flight dispatches keep
// running; the adapter only stops accepting new events.
func (m *Manager) stopEntryLocked(ctx context.Context, id string, entry *connectionEntry) {
	if entry != nil && entry.connection != nil {
		m.logger.Info(
			"adapter stop",
			slog.String("channel", entry.config.ChannelType.String()),
			slog.String("account_id", id),
		)
		if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn(
				"adapter stop failed",
				slog.String("channel", entry.config.ChannelType.String()),
				slog.String("account_id", id),
				slog.Any("error", err),
			)
		}
	}
	delete(m.connections, id)
	delete(m.connectionMeta, id)
}

func (m *Manager) markConnectionStatus(cfg ChannelConfig, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setConnectionStatusLocked(cfg, running, checkErr)
}

func (m *Manager) setConnectionStatusLocked(cfg ChannelConfig, running bool, checkErr error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return
	}
	previous, hasPrevious := m.connectionMeta[cfg.ID]
	status := ConnectionStatus{
		ConfigID:    cfg.ID,
		ChannelType: cfg.ChannelType,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.connectionMeta[cfg.ID] = status
	if checkErr != nil && (!hasPrevious || previous.LastError != status.LastError || previous.Running != status.Running) {
		m.logger.Warn(
			"connection health check failed",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("account_id", cfg.ID),
			slog.Any("error", checkErr),
		)
	}
	if running && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info(
			"connection health recovered",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("account_id", cfg.ID),
		)
	}
}
