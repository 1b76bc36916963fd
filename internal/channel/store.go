package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StaticStore serves channel configs loaded once from the config file.
type StaticStore struct {
	mu      sync.RWMutex
	configs []ChannelConfig
}

// NewStaticStore copies configs into a new store.
func NewStaticStore(configs ...ChannelConfig) *StaticStore {
	return &StaticStore{configs: append([]ChannelConfig(nil), configs...)}
}

// ListConfigsByType returns configs for the given channel type.
func (s *StaticStore) ListConfigsByType(_ context.Context, channelType ChannelType) ([]ChannelConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ChannelConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if cfg.ChannelType == channelType {
			items = append(items, cfg)
		}
	}
	return items, nil
}

// GetConfig returns the config for one account id on a channel.
func (s *StaticStore) GetConfig(_ context.Context, channelType ChannelType, id string) (ChannelConfig, error) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cfg := range s.configs {
		if cfg.ChannelType == channelType && cfg.ID == id {
			return cfg, nil
		}
	}
	return ChannelConfig{}, fmt.Errorf("channel config not found: %s/%s", channelType, id)
}

// Replace swaps the stored configs; the next manager refresh reconciles connections.
func (s *StaticStore) Replace(configs ...ChannelConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs = append([]ChannelConfig(nil), configs...)
}
