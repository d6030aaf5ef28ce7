package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zephyrtronium/warden/settings"
)

// Lockdown suspends non-moderator interactions in the guild.
//   - dur: How long the lockdown lasts, e.g. "10m". Empty means until
//     someone unlocks.
func Lockdown(ctx context.Context, bot *Bot, call *Invocation) {
	var d time.Duration
	if s := call.Args["dur"]; s != "" {
		var err error
		d, err = time.ParseDuration(s)
		if err != nil || d <= 0 {
			call.reply(ctx, `Give me a duration like "10m", or nothing for indefinite.`)
			return
		}
	}
	call.Guild.Lockdown(d)
	until := call.Guild.LockedUntil()
	if err := bot.Settings.Set(ctx, call.Guild.ID, settings.Lockdown, until.UnixMilli()); err != nil {
		bot.Log.ErrorContext(ctx, "couldn't save lockdown",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
		)
	}
	bot.Log.InfoContext(ctx, "lockdown",
		slog.String("guild", call.Guild.ID),
		slog.String("by", call.Message.Sender),
		slog.Time("until", until),
	)
	if d == 0 {
		call.reply(ctx, "Locked down until further notice.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Locked down for %v.", d))
}

// Unlock ends a lockdown.
func Unlock(ctx context.Context, bot *Bot, call *Invocation) {
	call.Guild.Unlock()
	if err := bot.Settings.Delete(ctx, call.Guild.ID, settings.Lockdown); err != nil {
		bot.Log.ErrorContext(ctx, "couldn't clear lockdown",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
		)
	}
	call.reply(ctx, "Unlocked. Carry on.")
}

// Links toggles the link filter.
//   - state: "on" or "off".
func Links(ctx context.Context, bot *Bot, call *Invocation) {
	on := strings.EqualFold(call.Args["state"], "on")
	call.Guild.Links.Store(on)
	if err := bot.Settings.Set(ctx, call.Guild.ID, settings.Links, on); err != nil {
		bot.Log.ErrorContext(ctx, "couldn't save link filter state",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
		)
	}
	if on {
		call.reply(ctx, "Link filter on. Non-moderator links get removed.")
		return
	}
	call.reply(ctx, "Link filter off.")
}

// Purge deletes recent messages containing a term.
//   - term: Text to search for, matched without regard to case.
func Purge(ctx context.Context, bot *Bot, call *Invocation) {
	term := strings.ToLower(strings.TrimSpace(call.Args["term"]))
	if term == "" {
		call.reply(ctx, "Tell me what to purge.")
		return
	}
	if call.Guild.Delete == nil {
		call.reply(ctx, "I can't delete messages here.")
		return
	}
	n := 0
	for _, m := range call.Guild.History.Messages() {
		if !strings.Contains(strings.ToLower(m.Text), term) {
			continue
		}
		call.Guild.Delete(ctx, m.ID)
		n++
	}
	bot.Log.InfoContext(ctx, "purge",
		slog.String("guild", call.Guild.ID),
		slog.String("by", call.Message.Sender),
		slog.Int("deleted", n),
	)
	call.reply(ctx, fmt.Sprintf("Purged %d messages.", n))
}

// Ignore makes the bot disregard a user entirely.
//   - target: ID of the user to ignore.
func Ignore(ctx context.Context, bot *Bot, call *Invocation) {
	target := call.Args["target"]
	if target == "" {
		call.reply(ctx, "Tell me who to ignore.")
		return
	}
	call.Guild.SetIgnore(target, true)
	call.reply(ctx, fmt.Sprintf("Ignoring %s.", target))
}

// Unignore makes the bot listen to a user again.
//   - target: ID of the user to stop ignoring.
func Unignore(ctx context.Context, bot *Bot, call *Invocation) {
	target := call.Args["target"]
	if target == "" {
		call.reply(ctx, "Tell me who to stop ignoring.")
		return
	}
	call.Guild.SetIgnore(target, false)
	call.reply(ctx, fmt.Sprintf("No longer ignoring %s.", target))
}
