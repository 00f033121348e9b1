package channel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the registered channel adapters. It must be created via
// NewRegistry and passed explicitly to components that need it.
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

// Types returns all registered channel types in sorted order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]ChannelType, 0, len(r.adapters))
	for ct := range r.adapters {
		items = append(items, ct)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// GetSender returns the Sender for the given channel type.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetReceiver returns the Receiver for the given channel type.
func (r *Registry) GetReceiver(channelType ChannelType) (Receiver, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// Send routes a reply to the adapter owning target.Channel, so the registry itself
// satisfies Sender for out-of-band delivery.
func (r *Registry) Send(ctx context.Context, target Target, reply Reply) error {
	sender, ok := r.GetSender(target.Channel)
	if !ok {
		return fmt.Errorf("no sender for channel %q", target.Channel)
	}
	return sender.Send(ctx, target, reply)
}

func normalizeChannelType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}
