// Package throttle bounds the rate of interactions per actor.
//
// The limiter is a fixed-window counter: each (actor, action) pair gets a
// budget of points which fully resets once the window elapses, as opposed to
// continuous refill. Checks happen on every incoming interaction before any
// handler runs, so Allow must be cheap and must never fail.
package throttle

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Action is a class of interaction subject to limiting.
type Action string

// Action classes. Unknown actions use the Default profile.
const (
	ActionCommand Action = "command"
	ActionButton  Action = "button"
	ActionModal   Action = "modal"
	ActionMenu    Action = "menu"
)

// Profile is the budget configuration for one action class.
type Profile struct {
	// Points is the number of interactions allowed per window.
	Points int
	// Window is the duration after which the budget fully resets.
	Window time.Duration
}

// Default is the profile used for actions with no registered profile.
// It is identical to the command profile.
var Default = Profile{Points: 5, Window: time.Minute}

// Profiles returns the default profile registry.
func Profiles() map[Action]Profile {
	return map[Action]Profile{
		ActionCommand: {Points: 5, Window: time.Minute},
		ActionButton:  {Points: 10, Window: time.Minute},
		ActionModal:   {Points: 3, Window: time.Minute},
		ActionMenu:    {Points: 5, Window: time.Minute},
	}
}

type bucket struct {
	points int
	start  time.Time
}

// Limiter is a fixed-window interaction limiter. Its methods are safe to
// call concurrently.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	profiles map[Action]Profile
	log      *slog.Logger

	// now is the clock. It is replaced in tests.
	now func() time.Time
}

// New creates a limiter with the given profile registry. If profiles is nil,
// the default registry is used.
func New(profiles map[Action]Profile, log *slog.Logger) *Limiter {
	if profiles == nil {
		profiles = Profiles()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		profiles: profiles,
		log:      log,
		now:      time.Now,
	}
}

func key(actor string, action Action) string {
	return actor + ":" + string(action)
}

func (l *Limiter) profile(action Action) Profile {
	p, ok := l.profiles[action]
	if !ok {
		l.log.Debug("unregistered throttle action", slog.String("action", string(action)))
		return Default
	}
	return p
}

// Allow reports whether an actor may perform an action, spending one point
// from the actor's budget if so. Attempts past an exhausted budget are
// denied until the window resets.
func (l *Limiter) Allow(actor string, action Action) bool {
	p := l.profile(action)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key(actor, action)
	b := l.buckets[k]
	if b == nil {
		b = &bucket{points: p.Points, start: now}
		l.buckets[k] = b
	}
	if now.Sub(b.start) >= p.Window {
		b.points = p.Points
		b.start = now
	}
	if b.points <= 0 {
		l.log.Warn("interaction throttled",
			slog.String("actor", actor),
			slog.String("action", string(action)),
			slog.Time("window", b.start.Add(p.Window)),
		)
		return false
	}
	b.points--
	return true
}

// Reset deletes the budget for one action of an actor, so that the next
// Allow starts a fresh window.
func (l *Limiter) Reset(actor string, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key(actor, action))
}

// ResetAll deletes every budget belonging to an actor.
func (l *Limiter) ResetAll(actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if len(k) > len(actor) && k[:len(actor)] == actor && k[len(actor)] == ':' {
			delete(l.buckets, k)
		}
	}
}

// AddPoints grants an actor extra points for an action in the current
// window, possibly in excess of the profile's budget. It is a no-op if the
// actor has no bucket for the action.
func (l *Limiter) AddPoints(actor string, action Action, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key(actor, action)]
	if b == nil {
		return
	}
	b.points += n
}

// Sweep removes buckets whose windows have fully elapsed. It is intended to
// be called periodically to bound memory use.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		a := Action("")
		if i := strings.LastIndexByte(k, ':'); i >= 0 {
			a = Action(k[i+1:])
		}
		p, ok := l.profiles[a]
		if !ok {
			p = Default
		}
		if now.Sub(b.start) >= p.Window {
			delete(l.buckets, k)
		}
	}
}
