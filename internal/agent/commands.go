package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/LoomClaw/LoomClaw/internal/bus"
	"github.com/LoomClaw/LoomClaw/internal/identity"
	"github.com/LoomClaw/LoomClaw/internal/space"
)

const helpText = `Commands:
/help            show this help
/about           about this assistant
/clear           clear the conversation history
/tools           list available tools
/status          show session status
/stop            cancel the current request
/whoami          show your user identity
/link [code]     link another device to your identity
/unlink          detach this channel from your identity
/space <cmd>     manage shared spaces (list|create|join|leave|note)`

const aboutText = `loomclaw — a multi-channel LLM agent runtime.`

// handleCommand parses and executes a leading-slash command, replying via
// the bus.
func (l *Loop) handleCommand(msg *bus.InboundMessage, userID string) {
	fields := strings.Fields(strings.TrimSpace(msg.Text))
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	var reply string
	switch verb {
	case "/help":
		reply = helpText
	case "/about":
		reply = aboutText
	case "/clear":
		if err := l.sessions.ClearSession(msg.SessionID); err != nil {
			reply = fmt.Sprintf("❌ %s", shortReason(err))
		} else {
			reply = "Conversation cleared."
		}
	case "/tools":
		var names []string
		for _, tool := range l.registry.List() {
			names = append(names, tool.Name())
		}
		reply = fmt.Sprintf("Available tools (%d): %s", len(names), strings.Join(names, ", "))
	case "/status":
		reply = l.statusText(msg.SessionID)
	case "/stop":
		l.cancelSession(msg.SessionID)
		reply = "Stopping. Any in-flight work for this conversation is being cancelled."
	case "/whoami":
		reply = l.whoamiText(userID)
	case "/link":
		reply = l.linkCommand(msg, userID, args)
	case "/unlink":
		reply = l.unlinkCommand(msg)
	case "/space":
		reply = l.spaceCommand(userID, args)
	default:
		reply = fmt.Sprintf("Unknown command %s. See /help.", verb)
	}
	l.publishReply(msg, reply)
}

func (l *Loop) statusText(sessionID string) string {
	count := l.sessions.MessageCount(sessionID)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session %s\nMessages in memory: %d", sessionID, count)
	if l.sessions.SummaryText(sessionID) != "" {
		sb.WriteString("\nSummary: present")
	}
	if runs := l.subagents.ListBySession(sessionID); len(runs) > 0 {
		fmt.Fprintf(&sb, "\nBackground tasks: %d", len(runs))
	}
	if l.scheduler != nil {
		if tasks := l.scheduler.TasksBySession(sessionID); len(tasks) > 0 {
			fmt.Fprintf(&sb, "\nScheduled tasks: %d", len(tasks))
		}
	}
	return sb.String()
}

func (l *Loop) whoamiText(userID string) string {
	if userID == "" || l.users == nil {
		return "No user identity bound to this session."
	}
	user, err := l.users.Get(userID)
	if err != nil || user == nil {
		return fmt.Sprintf("User id: %s", userID)
	}
	if user.DisplayName != "" {
		return fmt.Sprintf("User id: %s (%s)", user.ID, user.DisplayName)
	}
	return fmt.Sprintf("User id: %s", user.ID)
}

// linkCommand with no argument mints a code; with a code it merges this
// channel identity into the code's user and migrates the old sessions.
func (l *Loop) linkCommand(msg *bus.InboundMessage, userID string, args []string) string {
	if l.users == nil {
		return "Identity linking is not available."
	}
	if len(args) == 0 {
		if userID == "" {
			return "No user identity to link from."
		}
		code, err := l.users.GenerateLinkCode(userID)
		if err != nil {
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		return fmt.Sprintf("Link code: %s\nOn the other device, send: /link %s (valid 15 minutes)", code, code)
	}

	merged, previous, err := l.users.RedeemLinkCode(args[0], msg.Channel, msg.Sender)
	if err != nil {
		if errors.Is(err, identity.ErrLinkCodeInvalid) {
			return "That link code is invalid or has expired."
		}
		return fmt.Sprintf("❌ %s", shortReason(err))
	}
	if previous != "" && previous != merged {
		migrated := l.sessions.MigrateSessionsUser(previous, merged)
		l.sessions.SetSessionUser(msg.SessionID, merged)
		return fmt.Sprintf("Linked. %d session(s) migrated to your identity.", migrated)
	}
	l.sessions.SetSessionUser(msg.SessionID, merged)
	return "Linked."
}

func (l *Loop) unlinkCommand(msg *bus.InboundMessage) string {
	if l.users == nil {
		return "Identity linking is not available."
	}
	if err := l.users.Unlink(msg.Channel, msg.Sender); err != nil {
		return fmt.Sprintf("❌ %s", shortReason(err))
	}
	return "Unlinked. Your next message starts a fresh identity on this channel."
}

func (l *Loop) spaceCommand(userID string, args []string) string {
	if l.spaces == nil {
		return "Spaces are not available."
	}
	if userID == "" {
		return "No user identity bound; spaces need one."
	}
	if len(args) == 0 {
		return "Usage: /space list|create <name>|join <name>|leave <name>|note <name> <text>"
	}
	switch strings.ToLower(args[0]) {
	case "list":
		spaces, err := l.spaces.ListForUser(userID)
		if err != nil {
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		if len(spaces) == 0 {
			return "You are in no spaces."
		}
		var names []string
		for _, sp := range spaces {
			names = append(names, sp.Name)
		}
		return "Your spaces: " + strings.Join(names, ", ")
	case "create":
		if len(args) < 2 {
			return "Usage: /space create <name>"
		}
		sp, err := l.spaces.Create(args[1], userID)
		if err != nil {
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		return fmt.Sprintf("Space %q created.", sp.Name)
	case "join":
		if len(args) < 2 {
			return "Usage: /space join <name>"
		}
		sp, err := l.spaces.Join(args[1], userID)
		if err != nil {
			if errors.Is(err, space.ErrNotFound) {
				return fmt.Sprintf("No space named %q.", args[1])
			}
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		return fmt.Sprintf("Joined space %q.", sp.Name)
	case "leave":
		if len(args) < 2 {
			return "Usage: /space leave <name>"
		}
		if err := l.spaces.Leave(args[1], userID); err != nil {
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		return fmt.Sprintf("Left space %q.", args[1])
	case "note":
		if len(args) < 3 {
			return "Usage: /space note <name> <text>"
		}
		if err := l.spaces.SetNote(args[1], userID, strings.Join(args[2:], " ")); err != nil {
			return fmt.Sprintf("❌ %s", shortReason(err))
		}
		return "Note updated."
	default:
		return fmt.Sprintf("Unknown space command %q. See /help.", args[0])
	}
}
