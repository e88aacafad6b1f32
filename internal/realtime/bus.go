package realtime

import "context"

// Bus carries broadcasts between server instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}
