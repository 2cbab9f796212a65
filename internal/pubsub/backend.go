package pubsub

import "context"

// Backend is the upstream pub/sub connection shared by a Registry.
type Backend interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Run receives upstream messages and hands them to sink until ctx is
	// cancelled.
	Run(ctx context.Context, sink Sink) error
}

// Sink consumes what a Backend receives. *Registry implements it.
type Sink interface {
	Dispatch(channel string, payload []byte)
	Reconcile(ctx context.Context) error
}
