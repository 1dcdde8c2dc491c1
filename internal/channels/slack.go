package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/config"
)

// SlackChannel is the Slack transport over Socket Mode.
type SlackChannel struct {
	BaseChannel
	cfg    config.SlackConfig
	api    *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc
}

// NewSlackChannel creates the Slack channel.
func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	return &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		cfg:         cfg,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

// Start connects Socket Mode and registers the outbound handler. Session
// ids are stable per Slack conversation.
func (c *SlackChannel) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if c.cfg.BotToken == "" || c.cfg.AppToken == "" {
		return fmt.Errorf("slack: bot token and app token are required")
	}

	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	c.socket = socketmode.New(c.api)

	c.Bus.RegisterOutboundHandler(c.Name(), func(msg *bus.OutboundMessage) {
		conversation := strings.TrimPrefix(msg.SessionID, "slack:")
		if _, _, err := c.api.PostMessage(conversation, slack.MsgOptionText(msg.Text, false)); err != nil {
			slog.Warn("Slack post failed", "conversation", conversation, "error", err)
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := c.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("Slack socket mode terminated", "error", err)
		}
	}()
	slog.Info("Slack channel started")
	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			c.handleEvent(&evt)
		}
	}
}

func (c *SlackChannel) handleEvent(evt *socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			c.socket.Ack(*evt.Request)
		}
		inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
		if !ok {
			return
		}
		// Ignore bot echoes and edits.
		if inner.BotID != "" || inner.SubType != "" || strings.TrimSpace(inner.Text) == "" {
			return
		}
		c.Bus.PublishInbound(&bus.InboundMessage{
			Channel:   c.Name(),
			SessionID: "slack:" + inner.Channel,
			Sender:    inner.User,
			Text:      inner.Text,
		})
	case socketmode.EventTypeConnectionError:
		slog.Warn("Slack connection error", "data", evt.Data)
	}
}

// Stop disconnects and drops handlers.
func (c *SlackChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.Bus.UnregisterChannel(c.Name())
	return nil
}
