package bus

import (
	"context"
	"sync"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
)

// memoryHistory bounds what Events retains.
const memoryHistory = 512

// MemoryBus delivers events synchronously in-process. Used by single-binary
// deployments without Redis and by tests.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []func(types.BuildEvent)
	events []types.BuildEvent
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

func (b *MemoryBus) Publish(_ context.Context, ev types.BuildEvent) error {
	b.mu.Lock()
	b.events = append(b.events, ev)
	if len(b.events) > memoryHistory {
		b.events = append([]types.BuildEvent(nil), b.events[len(b.events)-memoryHistory:]...)
	}
	subs := append([]func(types.BuildEvent){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (b *MemoryBus) StartForwarder(_ context.Context, onEvent func(types.BuildEvent)) error {
	if onEvent == nil {
		return nil
	}
	b.mu.Lock()
	b.subs = append(b.subs, onEvent)
	b.mu.Unlock()
	return nil
}

// Events returns a copy of the most recent published events.
func (b *MemoryBus) Events() []types.BuildEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.BuildEvent(nil), b.events...)
}

func (b *MemoryBus) Close() error { return nil }
