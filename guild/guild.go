// Package guild holds per-guild runtime state and configuration.
package guild

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"gitlab.com/zephyrtronium/pick"
	"golang.org/x/time/rate"

	"github.com/zephyrtronium/warden/message"
)

type Guild struct {
	// ID is the platform identifier of the guild: a Discord guild ID or a
	// Twitch channel name.
	ID string
	// Name is the human-readable name of the guild.
	Name string
	// Message sends a message to the guild.
	Message func(ctx context.Context, msg message.Sent)
	// Delete removes a message from the guild, if the platform allows it.
	// It may be nil on platforms with no message deletion.
	Delete func(ctx context.Context, id string)
	// Block is a regex that matches messages which are removed on sight
	// regardless of sender.
	Block *regexp.Regexp
	// Link is a regex that matches links for the link filter. Matching
	// messages from non-moderators are rejected while the filter is on.
	Link *regexp.Regexp
	// Rate is the rate limiter for messages the bot sends to the guild.
	// Attempts to speak in excess of the rate limit are dropped.
	Rate *rate.Limiter
	// mu guards Ignore and Mod, which commands update live.
	mu sync.Mutex
	// Ignore is the set of users whose messages are never processed.
	Ignore map[string]bool
	// Mod is the set of users granted moderator standing through static
	// config, independent of platform badges.
	Mod map[string]bool
	// Emotes is the distribution of emotes appended to welcome messages.
	Emotes *pick.Dist[string]
	// History is a list of recent messages seen in the guild.
	History *History
	// Welcome is the welcome message template, or empty for no welcome.
	// It is guarded by an atomic since commands update it live.
	Welcome atomic.Pointer[string]
	// Links indicates whether the link filter is active.
	Links atomic.Bool
	// Locked is the earliest time at which non-moderator interactions are
	// processed again, as nanoseconds from the Unix epoch. A lockdown sets
	// it far in the future; unlock sets it to zero.
	Locked atomic.Int64
}

// LockedUntil returns the time at which the current lockdown ends.
func (g *Guild) LockedUntil() time.Time {
	return time.Unix(0, g.Locked.Load())
}

// Lockdown locks the guild for d, or indefinitely if d is zero.
func (g *Guild) Lockdown(d time.Duration) {
	if d <= 0 {
		// A century is indefinite on moderation timescales.
		d = 100 * 365 * 24 * time.Hour
	}
	g.Locked.Store(time.Now().Add(d).UnixNano())
}

// Unlock ends any lockdown.
func (g *Guild) Unlock() {
	g.Locked.Store(0)
}

// WelcomeText returns the welcome message template, if any.
func (g *Guild) WelcomeText() string {
	p := g.Welcome.Load()
	if p == nil {
		return ""
	}
	return *p
}

// SetWelcome replaces the welcome message template. Empty disables welcomes.
func (g *Guild) SetWelcome(text string) {
	g.Welcome.Store(&text)
}

// Ignored reports whether a user's messages are never processed.
func (g *Guild) Ignored(user string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Ignore[user]
}

// SetIgnore adds or removes a user from the ignore set.
func (g *Guild) SetIgnore(user string, ignored bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Ignore == nil {
		g.Ignore = make(map[string]bool)
	}
	if ignored {
		g.Ignore[user] = true
	} else {
		delete(g.Ignore, user)
	}
}

// IsMod reports whether a user has moderator standing through config.
func (g *Guild) IsMod(user string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Mod[user]
}
