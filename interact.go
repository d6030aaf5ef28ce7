package main

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gitlab.com/zephyrtronium/tmi"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/zephyrtronium/warden/command"
	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/permit"
	"github.com/zephyrtronium/warden/throttle"
)

func (w *Warden) tmiLoop(ctx context.Context, group *errgroup.Group, send chan<- *tmi.Message, recv <-chan *tmi.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-recv:
			if !ok {
				return
			}
			switch msg.Command {
			case "PRIVMSG":
				group.Go(func() error {
					w.tmiMessage(ctx, msg)
					return nil
				})
			case "WHISPER":
				// nothing yet
			case "NOTICE":
				// nothing yet
			case "USERSTATE":
				// We used to check our badges and update our hard rate limit
				// per-channel, but per-channel rate limits only really make
				// sense for verified bots which have a relaxed global limit.
			case "GLOBALUSERSTATE":
				slog.InfoContext(ctx, "connected to TMI", slog.String("GLOBALUSERSTATE", msg.Tags))
			case "366": // End NAMES
				if len(msg.Params) > 1 {
					slog.InfoContext(ctx, "joined channel", slog.String("channel", msg.Params[1]))
				}
			case "376": // End MOTD
				go w.joinTwitch(ctx, send)
			}
		}
	}
}

func (w *Warden) joinTwitch(ctx context.Context, send chan<- *tmi.Message) {
	var ls []string
	w.guilds.Range(func(id string, g *guild.Guild) bool {
		if strings.HasPrefix(id, "#") {
			ls = append(ls, id)
		}
		return true
	})
	burst := 20
	for len(ls) > 0 {
		l := ls[:min(burst, len(ls))]
		ls = ls[len(l):]
		msg := tmi.Message{
			Command: "JOIN",
			Params:  []string{strings.Join(l, ",")},
		}
		select {
		case <-ctx.Done():
			return
		case send <- &msg:
			// do nothing
		}
		if len(ls) > 0 {
			// Per https://dev.twitch.tv/docs/irc/#rate-limits we get 20 join
			// attempts per ten seconds. Use a slightly longer delay to ensure
			// we don't get globaled by clock drift.
			time.Sleep(11 * time.Second)
		}
	}
}

// tmiMessage processes a PRIVMSG from TMI.
func (w *Warden) tmiMessage(ctx context.Context, msg *tmi.Message) {
	g, _ := w.guilds.Load(msg.To())
	if g == nil {
		// TMI gives a WHISPER for a direct message, so this is a message to a
		// channel that isn't configured. Ignore it.
		return
	}
	// Run the rest in a worker so that we don't block the message loop.
	work := func(ctx context.Context) {
		m := message.FromTMI(msg)
		w.metrics.MessagesCount.Observe(1)
		if !w.observe(ctx, g, m) {
			return
		}
		cmd, ok := parseCommand(w.tmi.me, m.Text)
		if !ok {
			return
		}
		c, args := findCommand(chatCommands, cmd)
		if c == nil {
			return
		}
		w.dispatch(ctx, g, m, c, args)
	}
	w.enqueue(ctx, work)
}

// observe records a message in its guild's history and runs the moderation
// filters. The result reports whether processing should continue.
func (w *Warden) observe(ctx context.Context, g *guild.Guild, m *message.Received) bool {
	from := m.Sender
	if g.Ignored(from) {
		return false
	}
	g.History.Add(m.ID, from, m.Text, m.Timestamp)
	mod := m.IsModerator || g.IsMod(from)
	if g.Block != nil && g.Block.MatchString(m.Text) {
		w.metrics.FilteredCount.Observe(1, "block")
		if g.Delete != nil {
			g.Delete(ctx, m.ID)
		}
		return false
	}
	if !mod && m.Time().Before(g.LockedUntil()) {
		w.metrics.FilteredCount.Observe(1, "lockdown")
		if g.Delete != nil {
			g.Delete(ctx, m.ID)
		}
		return false
	}
	if !mod && g.Links.Load() && g.Link != nil && g.Link.MatchString(fold(m.Text)) {
		w.metrics.FilteredCount.Observe(1, "links")
		if g.Delete != nil {
			g.Delete(ctx, m.ID)
		}
		return false
	}
	return true
}

// dispatch runs a command invocation through the throttle and permission
// gates and executes it if both pass.
func (w *Warden) dispatch(ctx context.Context, g *guild.Guild, m *message.Received, c *chatCommand, args map[string]string) {
	if !w.permitted(ctx, g, m, c.name, c.tier, throttle.ActionCommand) {
		return
	}
	slog.InfoContext(ctx, "command",
		slog.String("name", c.name),
		slog.String("in", g.ID),
		slog.String("from", m.Sender),
		slog.Any("args", args),
	)
	w.metrics.CommandCount.Observe(1)
	inv := command.Invocation{
		Guild:   g,
		Message: m,
		Args:    args,
	}
	c.fn(ctx, w.bot(), &inv)
}

// permitted runs the throttle and permission gates for one interaction.
// Throttling happens first so that denied commands still spend budget.
func (w *Warden) permitted(ctx context.Context, g *guild.Guild, m *message.Received, name string, tier permit.Level, action throttle.Action) bool {
	if !w.limits.Allow(m.Sender, action) {
		w.metrics.ThrottledCount.Observe(1)
		return false
	}
	start := time.Now()
	ok := w.permits.Check(ctx, g.ID, m.Sender, m.Roles, name)
	w.metrics.CheckLatency.Observe(time.Since(start).Seconds())
	if !ok && tier <= permit.Mod && (m.IsModerator || g.IsMod(m.Sender)) {
		// Platform moderator standing satisfies tiers up to mod without a
		// recorded grant.
		ok = true
	}
	if !ok {
		w.metrics.DeniedCount.Observe(1)
		slog.InfoContext(ctx, "denied",
			slog.String("name", name),
			slog.String("in", g.ID),
			slog.String("from", m.Sender),
		)
	}
	return ok
}

func (w *Warden) enqueue(ctx context.Context, work func(context.Context)) {
	var ch chan func(context.Context)
	// Get a worker if one exists. Otherwise, spawn a new one.
	select {
	case ch = <-w.works:
	default:
		ch = make(chan func(context.Context), 1)
		go worker(ctx, w.works, ch)
	}
	// Send it work.
	select {
	case <-ctx.Done():
		return
	case ch <- work:
	}
}

// worker runs works for a while. The provided context is passed to each work.
func worker(ctx context.Context, works chan chan func(context.Context), ch chan func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case work := <-ch:
			work(ctx)
			// Replace ourselves in the pool if it needs additional capacity.
			// Otherwise, we're done.
			select {
			case works <- ch:
			default:
				return
			}
		}
	}
}

// sendTMI sends a message to TMI after waiting for the global rate limit.
func (w *Warden) sendTMI(ctx context.Context, send chan<- *tmi.Message, msg message.Sent) {
	if err := w.tmi.rate.Wait(ctx); err != nil {
		return
	}
	resp := message.ToTMI(msg)
	select {
	case <-ctx.Done():
		return
	case send <- resp:
	}
}

// fold normalizes text for the link filter so that lookalike code points
// can't slip links past it.
func fold(text string) string {
	return strings.ToLower(norm.NFKC.String(text))
}

// parseCommand reports whether text is a command for the bot named name, and
// if so, the command text with the name removed.
func parseCommand(name, text string) (string, bool) {
	text = strings.TrimSpace(text)
	text, _ = strings.CutPrefix(text, "@")
	if len(text) < len(name) {
		return "", false
	}
	if strings.EqualFold(text[:len(name)], name) {
		text = text[len(name):]
		r, _ := utf8.DecodeRuneInString(text)
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			// Our name is a prefix of a word.
			return "", false
		}
		// This is a command. Skip to the next whitespace to get the text. If
		// there is no whitespace, the text is empty.
		k := strings.IndexFunc(text, unicode.IsSpace)
		if k < 0 {
			k = len(text)
		}
		return strings.TrimSpace(text[k:]), true
	}
	if strings.EqualFold(text[len(text)-len(name):], name) {
		text = text[:len(text)-len(name)]
		r, _ := utf8.DecodeLastRuneInString(text)
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			// Our name is a suffix of a word.
			return "", false
		}
		// This is a command. Trim off after the preceding whitespace to get
		// the text. Even though we already checked the start-of-text case,
		// there can still be no preceding whitespace in a case like "...name".
		k := strings.LastIndexFunc(text, unicode.IsSpace)
		if k < 0 {
			k = 0
		}
		return strings.TrimSpace(text[:k]), true
	}
	return "", false
}

// chatCommand is a command as invoked from chat.
type chatCommand struct {
	parse *regexp.Regexp
	fn    command.Func
	name  string
	// tier is the default tier required to use the command where no grant
	// applies.
	tier permit.Level
}

// findCommand finds the first command matching text and parses its arguments
// from the match's named groups.
func findCommand(cmds []chatCommand, text string) (*chatCommand, map[string]string) {
	for i := range cmds {
		c := &cmds[i]
		u := c.parse.FindStringSubmatch(text)
		switch len(u) {
		case 0:
			continue
		case 1:
			return c, nil
		default:
			m := make(map[string]string, len(u)-1)
			s := c.parse.SubexpNames()
			for k, v := range u[1:] {
				m[s[k+1]] = v
			}
			return c, m
		}
	}
	return nil, nil
}

var chatCommands = []chatCommand{
	{
		parse: regexp.MustCompile(`^(?i:grant)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.Grant,
		name:  "grant",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:revoke)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.Revoke,
		name:  "revoke",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:grantrole)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.GrantRole,
		name:  "grantrole",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:revokerole)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.RevokeRole,
		name:  "revokerole",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:deny)\s+(?<kind>user|role)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.Deny,
		name:  "deny",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:undeny)\s+(?<kind>user|role)\s+(?<target>\S+)\s+(?<commands>.+)$`),
		fn:    command.Undeny,
		name:  "undeny",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:tier)\s+(?<kind>user|role)\s+(?<target>\S+)\s+(?<level>\S+)$`),
		fn:    command.Tier,
		name:  "tier",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:untier)\s+(?<kind>user|role)\s+(?<target>\S+)$`),
		fn:    command.Untier,
		name:  "untier",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:perms)$`),
		fn:    command.Perms,
		name:  "perms",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:cooldown)\s+(?<target>\S+)(?:\s+(?<action>command|button|modal|menu))?(?:\s+(?<points>\d+))?$`),
		fn:    command.Cooldown,
		name:  "cooldown",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:lockdown)(?:\s+(?<dur>\S+))?$`),
		fn:    command.Lockdown,
		name:  "lockdown",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:unlock)$`),
		fn:    command.Unlock,
		name:  "unlock",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:links)\s+(?<state>(?i:on|off))$`),
		fn:    command.Links,
		name:  "links",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:purge)\s+(?<term>.+)$`),
		fn:    command.Purge,
		name:  "purge",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:ignore)\s+(?<target>\S+)$`),
		fn:    command.Ignore,
		name:  "ignore",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:unignore)\s+(?<target>\S+)$`),
		fn:    command.Unignore,
		name:  "unignore",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:welcome)(?:\s+(?<text>.+))?$`),
		fn:    command.Welcome,
		name:  "welcome",
		tier:  permit.Admin,
	},
	{
		parse: regexp.MustCompile(`^(?i:backup)$`),
		fn:    command.Backup,
		name:  "backup",
		tier:  permit.Owner,
	},
	{
		parse: regexp.MustCompile(`^(?i:status)$`),
		fn:    command.Status,
		name:  "status",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:echo)\s+(?<msg>.+)$`),
		fn:    command.Echo,
		name:  "echo",
		tier:  permit.Mod,
	},
	{
		parse: regexp.MustCompile(`^(?i:echoin)\s+(?<in>\S+)\s+(?<msg>.+)$`),
		fn:    command.EchoIn,
		name:  "echoin",
		tier:  permit.Owner,
	},
}
