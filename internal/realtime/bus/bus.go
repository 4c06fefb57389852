package bus

import (
	"context"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
)

// Bus carries BuildEvents to whatever notification layer sits downstream.
type Bus interface {
	Publish(ctx context.Context, ev types.BuildEvent) error
	StartForwarder(ctx context.Context, onEvent func(ev types.BuildEvent)) error
	Close() error
}

type noopBus struct{}

// NewNoopBus is used when no broker is configured.
func NewNoopBus() Bus { return noopBus{} }

func (noopBus) Publish(context.Context, types.BuildEvent) error { return nil }
func (noopBus) StartForwarder(context.Context, func(types.BuildEvent)) error {
	return nil
}
func (noopBus) Close() error { return nil }
