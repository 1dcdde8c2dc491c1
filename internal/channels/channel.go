// Package channels contains the transport implementations. A channel's only
// obligations to the core are publishing well-formed inbound messages and
// registering tolerant outbound/progress handlers.
package channels

import (
	"context"

	"github.com/LoomClaw/LoomClaw/internal/bus"
)

// Channel is the interface for chat transports (terminal, web, Slack).
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Start begins listening and registers bus handlers. Non-blocking work
	// should run on its own goroutines bound to ctx.
	Start(ctx context.Context) error
	// Stop stops the listener.
	Stop() error
}

// BaseChannel provides the bus reference shared by all channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}
