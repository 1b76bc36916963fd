package channel

import (
	"fmt"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters and resolves their optional
// capabilities. It must be created via NewRegistry and passed explicitly to
// components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	return items
}

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// GetReceiver returns the Receiver for the given channel type.
func (r *Registry) GetReceiver(channelType ChannelType) (Receiver, bool) {
	return lookup[Receiver](r, channelType)
}

// GetNormalizer returns the Normalizer for the given channel type.
func (r *Registry) GetNormalizer(channelType ChannelType) (Normalizer, bool) {
	return lookup[Normalizer](r, channelType)
}

// GetMediaResolver returns the MediaResolver for the given channel type.
func (r *Registry) GetMediaResolver(channelType ChannelType) (MediaResolver, bool) {
	return lookup[MediaResolver](r, channelType)
}

// GetReplySender returns the ReplySender for the given channel type.
func (r *Registry) GetReplySender(channelType ChannelType) (ReplySender, bool) {
	return lookup[ReplySender](r, channelType)
}

// GetAccessPolicyResolver returns the AccessPolicyResolver for the given channel type.
func (r *Registry) GetAccessPolicyResolver(channelType ChannelType) (AccessPolicyResolver, bool) {
	return lookup[AccessPolicyResolver](r, channelType)
}

// NormalizeConfig runs the adapter's ConfigNormalizer when it has one.
func (r *Registry) NormalizeConfig(channelType ChannelType, raw map[string]any) (map[string]any, error) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, fmt.Errorf("unsupported channel type: %s", channelType)
	}
	if normalizer, ok := adapter.(ConfigNormalizer); ok {
		return normalizer.NormalizeConfig(raw)
	}
	return raw, nil
}

func lookup[T any](r *Registry, channelType ChannelType) (T, bool) {
	var zero T
	adapter, ok := r.Get(channelType)
	if !ok {
		return zero, false
	}
	capability, ok := adapter.(T)
	return capability, ok
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}
