// Package bus provides the async message bus between transports and the agent core.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Well-known metadata keys carried on inbound messages.
const (
	MetaKeyScheduledTaskID = "scheduled_task_id"
	MetaKeyCreatorUserID   = "creator_user_id"
	MetaKeyDisplayName     = "display_name"
	MetaKeySource          = "source"
)

// SenderScheduler is the sender id used for scheduler-originated messages.
const SenderScheduler = "scheduler"

// SenderSubagent is the sender id used for subagent completion announcements.
const SenderSubagent = "system:subagent"

// ErrClosed is returned by ConsumeInbound after Close once the queue drains.
var ErrClosed = errors.New("bus: closed")

// InboundMessage is a message from a transport to the agent.
type InboundMessage struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	SessionID string         `json:"session_id"`
	Sender    string         `json:"sender"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (m *InboundMessage) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata[key].(string)
	return v
}

// OutboundMessage is a terminal reply from the agent to a transport.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// Progress step tags.
const (
	StepThinking    = "thinking"
	StepLLMResponse = "llm_response"
	StepToolCall    = "tool_call"
	StepToolResult  = "tool_result"
)

// ProgressMessage is a best-effort mid-turn status update.
type ProgressMessage struct {
	Channel   string         `json:"channel"`
	SessionID string         `json:"session_id"`
	Step      string         `json:"step"`
	Iteration int            `json:"iteration"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Text      string         `json:"text,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// OutboundHandler delivers a terminal reply to a transport.
type OutboundHandler func(*OutboundMessage)

// ProgressHandler delivers a progress update to a transport.
type ProgressHandler func(*ProgressMessage)

// MessageBus decouples transports from the agent loop. Inbound messages are
// queued without bound so producers never block; outbound and progress
// deliveries are routed to the single handler registered per channel.
type MessageBus struct {
	mu       sync.Mutex
	pending  []*InboundMessage
	signal   chan struct{}
	closed   bool
	outbound map[string]OutboundHandler
	progress map[string]ProgressHandler
	onCancel func(sessionID string)
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		signal:   make(chan struct{}, 1),
		outbound: make(map[string]OutboundHandler),
		progress: make(map[string]ProgressHandler),
	}
}

// PublishInbound enqueues a message for the agent loop. It never blocks.
// Messages published after Close are dropped.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Warn("Inbound message dropped: bus closed", "channel", msg.Channel, "session", msg.SessionID)
		return
	}
	b.pending = append(b.pending, msg)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// ConsumeInbound blocks until a message is available, the context is
// cancelled, or the bus is closed. Single consumer: the agent loop.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			msg := b.pending[0]
			b.pending = b.pending[1:]
			if len(b.pending) > 0 {
				// Keep the signal hot while messages remain.
				select {
				case b.signal <- struct{}{}:
				default:
				}
			}
			b.mu.Unlock()
			return msg, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.signal:
		}
	}
}

// RegisterOutboundHandler installs the outbound handler for a channel.
// Re-registration replaces the previous handler.
func (b *MessageBus) RegisterOutboundHandler(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.outbound[channel]; ok {
		slog.Warn("Outbound handler replaced", "channel", channel)
	}
	b.outbound[channel] = fn
}

// RegisterProgressHandler installs the progress handler for a channel.
// Re-registration replaces the previous handler.
func (b *MessageBus) RegisterProgressHandler(channel string, fn ProgressHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress[channel] = fn
}

// UnregisterChannel removes both handlers for a channel. Deliveries routed
// to the channel afterwards are discarded silently.
func (b *MessageBus) UnregisterChannel(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.outbound, channel)
	delete(b.progress, channel)
}

// PublishOutbound synchronously invokes the channel's outbound handler.
// Handler panics are recovered and logged; a missing handler logs a warning.
func (b *MessageBus) PublishOutbound(msg *OutboundMessage) {
	b.mu.Lock()
	fn := b.outbound[msg.Channel]
	b.mu.Unlock()
	if fn == nil {
		slog.Warn("No outbound handler for channel", "channel", msg.Channel, "session", msg.SessionID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Outbound handler panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	fn(msg)
}

// PublishProgress invokes the channel's progress handler, best-effort.
// Missing handlers and handler panics are ignored.
func (b *MessageBus) PublishProgress(msg *ProgressMessage) {
	b.mu.Lock()
	fn := b.progress[msg.Channel]
	b.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Progress handler panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	fn(msg)
}

// OnSessionCancel registers the single session-cancel callback (the agent
// loop's cancellation hook). Re-registration replaces.
func (b *MessageBus) OnSessionCancel(fn func(sessionID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCancel = fn
}

// CancelSession invokes the registered cancel callback. Idempotent: calling
// with no callback registered, or for an idle session, is a no-op.
func (b *MessageBus) CancelSession(sessionID string) {
	b.mu.Lock()
	fn := b.onCancel
	b.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

// InboundSize returns the number of queued inbound messages.
func (b *MessageBus) InboundSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close terminates the inbound stream, clears handlers and drops the cancel
// callback. Consumers observe ErrClosed once the queue drains.
func (b *MessageBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.outbound = make(map[string]OutboundHandler)
	b.progress = make(map[string]ProgressHandler)
	b.onCancel = nil
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}
