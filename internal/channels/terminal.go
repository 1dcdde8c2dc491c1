package channels

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/fatih/color"

	"github.com/LoomClaw/LoomClaw/internal/bus"
)

// TerminalChannel is the interactive CLI transport.
type TerminalChannel struct {
	BaseChannel
	sessionID string
	sender    string
	done      chan struct{}
}

// NewTerminalChannel creates the terminal channel. The session id is stable
// per local user so history survives restarts.
func NewTerminalChannel(messageBus *bus.MessageBus) *TerminalChannel {
	sender := "local"
	if u, err := user.Current(); err == nil && u.Username != "" {
		sender = u.Username
	}
	return &TerminalChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		sessionID:   "terminal:" + sender,
		sender:      sender,
		done:        make(chan struct{}),
	}
}

func (c *TerminalChannel) Name() string { return "terminal" }

// Start registers handlers and begins the stdin read loop.
func (c *TerminalChannel) Start(ctx context.Context) error {
	replyColor := color.New(color.FgCyan)
	dimColor := color.New(color.Faint)

	c.Bus.RegisterOutboundHandler(c.Name(), func(msg *bus.OutboundMessage) {
		fmt.Println()
		replyColor.Println(msg.Text)
		fmt.Print("> ")
	})
	c.Bus.RegisterProgressHandler(c.Name(), func(msg *bus.ProgressMessage) {
		switch msg.Step {
		case bus.StepToolCall:
			dimColor.Printf("⋯ %s\n", msg.ToolName)
		case bus.StepThinking:
			if msg.Iteration == 0 {
				dimColor.Println("⋯ thinking")
			}
		}
	})

	go c.readLoop(ctx)
	return nil
}

func (c *TerminalChannel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fmt.Print("> ")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			fmt.Print("> ")
			continue
		}
		c.Bus.PublishInbound(&bus.InboundMessage{
			Channel:   c.Name(),
			SessionID: c.sessionID,
			Sender:    c.sender,
			Text:      text,
		})
	}
}

// Stop ends the read loop and drops handlers.
func (c *TerminalChannel) Stop() error {
	close(c.done)
	c.Bus.UnregisterChannel(c.Name())
	return nil
}
