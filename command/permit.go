package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zephyrtronium/warden/permit"
)

// Grant adds commands to a user's allowed set.
//   - target: ID of the user to grant to.
//   - commands: Command names, separated by spaces or commas. May be "*".
func Grant(ctx context.Context, bot *Bot, call *Invocation) {
	target, commands := call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me who to grant to and which commands.")
		return
	}
	err := bot.Permits.AddUserCommands(ctx, call.Guild.ID, target, commands)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't grant",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that grant. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Granted %s to %s.", strings.Join(commands, ", "), target))
}

// Revoke removes commands from a user's allowed set.
//   - target: ID of the user to revoke from.
//   - commands: Command names, separated by spaces or commas.
func Revoke(ctx context.Context, bot *Bot, call *Invocation) {
	target, commands := call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me who to revoke from and which commands.")
		return
	}
	err := bot.Permits.RemoveUserCommands(ctx, call.Guild.ID, target, commands)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't revoke",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Revoked %s from %s.", strings.Join(commands, ", "), target))
}

// GrantRole adds commands to a role's allowed set.
//   - target: ID of the role to grant to.
//   - commands: Command names, separated by spaces or commas. May be "*".
func GrantRole(ctx context.Context, bot *Bot, call *Invocation) {
	target, commands := call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me which role to grant to and which commands.")
		return
	}
	err := bot.Permits.AddRoleCommands(ctx, call.Guild.ID, target, commands)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't grant to role",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that grant. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Granted %s to role %s.", strings.Join(commands, ", "), target))
}

// RevokeRole removes commands from a role's allowed set.
//   - target: ID of the role to revoke from.
//   - commands: Command names, separated by spaces or commas.
func RevokeRole(ctx context.Context, bot *Bot, call *Invocation) {
	target, commands := call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me which role to revoke from and which commands.")
		return
	}
	err := bot.Permits.RemoveRoleCommands(ctx, call.Guild.ID, target, commands)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't revoke from role",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Revoked %s from role %s.", strings.Join(commands, ", "), target))
}

// Deny forbids commands for a user or role, overriding any allowance.
//   - kind: "user" or "role".
//   - target: ID of the user or role.
//   - commands: Command names, separated by spaces or commas.
func Deny(ctx context.Context, bot *Bot, call *Invocation) {
	kind, target, commands := call.Args["kind"], call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me who to deny and which commands.")
		return
	}
	var err error
	if kind == "role" {
		err = bot.Permits.DenyRoleCommands(ctx, call.Guild.ID, target, commands)
	} else {
		err = bot.Permits.DenyUserCommands(ctx, call.Guild.ID, target, commands)
	}
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't deny",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("kind", kind),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("Denied %s for %s.", strings.Join(commands, ", "), target))
}

// Undeny removes denials of commands for a user or role.
//   - kind: "user" or "role".
//   - target: ID of the user or role.
//   - commands: Command names, separated by spaces or commas.
func Undeny(ctx context.Context, bot *Bot, call *Invocation) {
	kind, target, commands := call.Args["kind"], call.Args["target"], list(call.Args["commands"])
	if target == "" || len(commands) == 0 {
		call.reply(ctx, "Tell me who to undeny and which commands.")
		return
	}
	var err error
	if kind == "role" {
		err = bot.Permits.UndenyRoleCommands(ctx, call.Guild.ID, target, commands)
	} else {
		err = bot.Permits.UndenyUserCommands(ctx, call.Guild.ID, target, commands)
	}
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't undeny",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("kind", kind),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("No longer denying %s for %s.", strings.Join(commands, ", "), target))
}

// Tier grants an access tier to a user or role.
//   - kind: "user" or "role".
//   - target: ID of the user or role.
//   - level: Tier name, one of helper, mod, admin, owner.
func Tier(ctx context.Context, bot *Bot, call *Invocation) {
	kind, target := call.Args["kind"], call.Args["target"]
	level, err := permit.ParseLevel(call.Args["level"])
	if err != nil {
		call.reply(ctx, "Tiers are helper, mod, admin, or owner.")
		return
	}
	if target == "" {
		call.reply(ctx, "Tell me who gets the tier.")
		return
	}
	if err := bot.Permits.SetLevel(ctx, call.Guild.ID, target, kind == "role", level); err != nil {
		bot.Log.ErrorContext(ctx, "couldn't set tier",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("kind", kind),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("%s is now %v.", target, level))
}

// Untier removes the access tier of a user or role.
//   - kind: "user" or "role".
//   - target: ID of the user or role.
func Untier(ctx context.Context, bot *Bot, call *Invocation) {
	kind, target := call.Args["kind"], call.Args["target"]
	if target == "" {
		call.reply(ctx, "Tell me whose tier to remove.")
		return
	}
	if err := bot.Permits.RemoveLevel(ctx, call.Guild.ID, target, kind == "role"); err != nil {
		bot.Log.ErrorContext(ctx, "couldn't remove tier",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
			slog.String("kind", kind),
			slog.String("target", target),
		)
		call.reply(ctx, "Something went wrong recording that. Try again.")
		return
	}
	call.reply(ctx, fmt.Sprintf("%s no longer has a tier.", target))
}

// Perms reports the grants recorded for the guild.
func Perms(ctx context.Context, bot *Bot, call *Invocation) {
	g, err := bot.Permits.Grants(ctx, call.Guild.ID)
	if err != nil {
		bot.Log.ErrorContext(ctx, "couldn't report grants",
			slog.Any("err", err),
			slog.String("guild", call.Guild.ID),
		)
		call.reply(ctx, "Something went wrong reading grants. Try again.")
		return
	}
	var sb strings.Builder
	writeSubjects := func(label string, subjects []permit.Subject) {
		for _, s := range subjects {
			fmt.Fprintf(&sb, "%s %s:", label, s.ID)
			if len(s.Allow) != 0 {
				fmt.Fprintf(&sb, " allow %s;", strings.Join(s.Allow, ","))
			}
			if len(s.Deny) != 0 {
				fmt.Fprintf(&sb, " deny %s;", strings.Join(s.Deny, ","))
			}
			if s.Level != permit.None {
				fmt.Fprintf(&sb, " tier %v;", s.Level)
			}
			sb.WriteString(" ")
		}
	}
	writeSubjects("user", g.Users)
	writeSubjects("role", g.Roles)
	if sb.Len() == 0 {
		call.reply(ctx, "No grants are recorded here.")
		return
	}
	call.reply(ctx, sb.String())
}

// Cooldown manages interaction budgets.
//   - target: ID of the user to adjust.
//   - action: Action class, or empty for all.
//   - points: If given, extra points to grant instead of resetting.
func Cooldown(ctx context.Context, bot *Bot, call *Invocation) {
	target := call.Args["target"]
	if target == "" {
		call.reply(ctx, "Tell me whose cooldown to adjust.")
		return
	}
	action := call.Args["action"]
	if p := call.Args["points"]; p != "" {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil || n <= 0 {
			call.reply(ctx, "Points must be a positive number.")
			return
		}
		if action == "" {
			action = "command"
		}
		bot.Limits.AddPoints(target, actionOf(action), n)
		call.reply(ctx, fmt.Sprintf("Granted %d extra %s points to %s.", n, action, target))
		return
	}
	if action == "" {
		bot.Limits.ResetAll(target)
		call.reply(ctx, fmt.Sprintf("Reset all cooldowns for %s.", target))
		return
	}
	bot.Limits.Reset(target, actionOf(action))
	call.reply(ctx, fmt.Sprintf("Reset %s cooldown for %s.", action, target))
}
