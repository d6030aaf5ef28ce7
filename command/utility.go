package command

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/settings"
)

// Welcome sets the message sent to users who join the guild.
//   - text: The welcome template. "%s" stands for the new user's name.
//     Empty disables welcomes.
func Welcome(ctx context.Context, bot *Bot, call *Invocation) {
	text := strings.TrimSpace(call.Args["text"])
	call.Guild.SetWelcome(text)
	var err error
	if text == "" {
		err = bot.Settings.Delete(ctx, call.Guild.ID, settings.Welcome)
	} else {
		err = bot.Settings.Set(ctx, call.Guild.ID, settings.Welcome, text)
	}
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't save welcome",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
		)
		call.reply(ctx, "Something went wrong saving that. Try again.")
		return
	}
	if text == "" {
		call.reply(ctx, "Welcomes off.")
		return
	}
	call.reply(ctx, "Welcome message set.")
}

// Backup writes a backup of every guild's settings to the backup directory.
func Backup(ctx context.Context, bot *Bot, call *Invocation) {
	if bot.BackupDir == "" {
		call.reply(ctx, "Backups aren't configured.")
		return
	}
	name := filepath.Join(bot.BackupDir, time.Now().UTC().Format("settings-20060102T150405Z.bak"))
	f, err := os.Create(name)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't create backup file",
			slog.Any("err", err),
			slog.String("file", name),
		)
		call.reply(ctx, "Something went wrong creating the backup.")
		return
	}
	v, err := bot.Settings.Backup(ctx, f, 0)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't write backup",
			slog.Any("err", err),
			slog.String("file", name),
		)
		call.reply(ctx, "Something went wrong writing the backup.")
		return
	}
	bot.Log.InfoContext(ctx, "backup",
		slog.String("file", name),
		slog.Uint64("version", v),
	)
	call.reply(ctx, fmt.Sprintf("Backed up settings to %s.", filepath.Base(name)))
}

// Status reports the bot's standing in the guild.
func Status(ctx context.Context, bot *Bot, call *Invocation) {
	var sb strings.Builder
	if until := call.Guild.LockedUntil(); until.After(time.Now()) {
		fmt.Fprintf(&sb, "Locked down until %v. ", until.Format(time.RFC3339))
	}
	if call.Guild.Links.Load() {
		sb.WriteString("Link filter on. ")
	} else {
		sb.WriteString("Link filter off. ")
	}
	if call.Guild.WelcomeText() != "" {
		sb.WriteString("Welcomes on. ")
	}
	fmt.Fprintf(&sb, "%d messages in history.", len(call.Guild.History.Messages()))
	call.reply(ctx, sb.String())
}

// Echo repeats a message back.
//   - msg: The message to repeat.
func Echo(ctx context.Context, bot *Bot, call *Invocation) {
	call.reply(ctx, call.Args["msg"])
}

// EchoIn sends a message to a different guild.
//   - in: ID of the guild to speak in.
//   - msg: The message to send.
func EchoIn(ctx context.Context, bot *Bot, call *Invocation) {
	g, ok := bot.Guilds.Load(call.Args["in"])
	if !ok {
		call.reply(ctx, "I'm not in that guild.")
		return
	}
	g.Message(ctx, message.Sent{To: g.ID, Text: strings.TrimSpace(call.Args["msg"])})
}
