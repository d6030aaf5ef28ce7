package command

import (
	"context"
	"strings"

	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/throttle"
)

// Invocation is a command invocation. An Invocation and its fields must not
// be modified or retained by any command.
type Invocation struct {
	// Guild is the guild where the invocation occurred.
	Guild *guild.Guild
	// Message is the message which triggered the invocation. It is always
	// non-nil, but not all fields are guaranteed to be populated.
	Message *message.Received
	// Args is the parsed arguments to the command.
	Args map[string]string
}

// Func executes a command.
type Func func(ctx context.Context, bot *Bot, call *Invocation)

// reply sends a response to the invocation in its guild.
func (call *Invocation) reply(ctx context.Context, text string) {
	call.Guild.Message(ctx, message.Format(call.Message.ID, call.Guild.ID, "%s", text))
}

// list splits a comma- or space-separated argument into its elements.
func list(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// actionOf converts a user-supplied action name to a throttle action.
func actionOf(s string) throttle.Action {
	return throttle.Action(strings.ToLower(strings.TrimSpace(s)))
}
