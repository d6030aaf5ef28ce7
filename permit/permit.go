// Package permit resolves whether an actor may run a command in a guild.
//
// Two grant models coexist. The command-set model associates a user or role
// with an explicit set of allowed command names, possibly the wildcard "*",
// and a parallel set of denied names. The tier model associates a subject
// with a single ordinal level. Resolution checks denials first, then
// explicit allowances, and falls through to comparing the actor's tier
// against the command's configured default tier. A subject with no grant of
// either kind may run nothing.
package permit

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Wildcard is the command name granting every command.
const Wildcard = "*"

// Resolver answers permission checks against persisted grants.
type Resolver struct {
	db *sqlitex.Pool
	// owner is the process-wide super-admin identity. May be empty.
	owner string
	// defaults maps command names to the tier required to run them without
	// an explicit grant. Commands not in the map require an explicit grant.
	defaults map[string]Level
	cache    *cache
	log      *slog.Logger
}

// Options configures a Resolver.
type Options struct {
	// Owner is the user ID which bypasses all checks. Empty disables the
	// bypass.
	Owner string
	// Defaults maps command names to default required tiers.
	Defaults map[string]Level
	// CacheTTL is the lifetime of cached guild grants. Zero uses a default
	// of five minutes.
	CacheTTL time.Duration
	// Log is the logger for resolution failures. Nil uses the default.
	Log *slog.Logger
}

// Open opens a resolver over grants in an SQL database.
func Open(ctx context.Context, db *sqlitex.Pool, opts Options) (*Resolver, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	r := &Resolver{
		db:       db,
		owner:    opts.Owner,
		defaults: opts.Defaults,
		cache:    newCache(opts.CacheTTL),
		log:      opts.Log,
	}
	return r, nil
}

//go:embed schema.sql
var schemaSQL string

// Init initializes an SQLite DB to record grants.
// For convenience, it accepts either a single connection or a pool.
func Init[DB *sqlite.Conn | *sqlitex.Pool](ctx context.Context, db DB) error {
	var conn *sqlite.Conn
	switch db := any(db).(type) {
	case *sqlite.Conn:
		conn = db
	case *sqlitex.Pool:
		var err error
		conn, err = db.Take(ctx)
		defer db.Put(conn)
		if err != nil {
			return fmt.Errorf("couldn't get connection from pool: %w", err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("couldn't initialize grants schema: %w", err)
	}
	return nil
}

// Check reports whether a user holding the given roles may run a command in
// a guild. Failures to read grants resolve to denial; an authorization gate
// must fail closed.
func (r *Resolver) Check(ctx context.Context, guild, user string, roles []string, command string) bool {
	if r.owner != "" && user == r.owner {
		return true
	}
	g, err := r.guild(ctx, guild)
	if err != nil {
		r.log.ErrorContext(ctx, "couldn't read grants; denying",
			slog.Any("err", err),
			slog.String("guild", guild),
			slog.String("user", user),
			slog.String("command", command),
		)
		return false
	}
	u := g.users[user]
	if u.denied(command) {
		return false
	}
	level := u.level
	allowed := u.allows(command)
	for _, role := range roles {
		v, ok := g.roles[role]
		if !ok {
			continue
		}
		if v.denied(command) {
			return false
		}
		allowed = allowed || v.allows(command)
		level = max(level, v.level)
	}
	if allowed {
		return true
	}
	need, ok := r.defaults[command]
	if !ok {
		// Commands with no default tier need an explicit grant.
		return false
	}
	return level >= need
}

// Subject is one user's or role's resolved grants in a guild.
type Subject struct {
	// ID is the user or role ID.
	ID string
	// Allow and Deny are the subject's command sets.
	Allow, Deny []string
	// Level is the subject's tier, or None.
	Level Level
}

// Grants is every grant recorded for a guild.
type Grants struct {
	Users, Roles []Subject
}

// Grants reports all grants recorded for a guild, bypassing the cache.
// It is a reporting surface; Check is the authorization surface.
func (r *Resolver) Grants(ctx context.Context, guild string) (*Grants, error) {
	g, err := r.load(ctx, guild)
	if err != nil {
		return nil, err
	}
	v := &Grants{}
	for id, s := range g.users {
		v.Users = append(v.Users, subjectOf(id, s))
	}
	for id, s := range g.roles {
		v.Roles = append(v.Roles, subjectOf(id, s))
	}
	return v, nil
}

func subjectOf(id string, s subject) Subject {
	return Subject{
		ID:    id,
		Allow: setList(s.allow),
		Deny:  setList(s.deny),
		Level: s.level,
	}
}

// guild returns a guild's grants, reading through the cache.
func (r *Resolver) guild(ctx context.Context, guild string) (*grants, error) {
	if g := r.cache.get(guild); g != nil {
		return g, nil
	}
	g, err := r.load(ctx, guild)
	if err != nil {
		return nil, err
	}
	r.cache.put(guild, g)
	return g, nil
}

// SweepCache evicts expired cache entries. It is intended to be called
// periodically.
func (r *Resolver) SweepCache() {
	r.cache.sweep()
}

// subject is the stored grant state for one user or role.
type subject struct {
	allow map[string]bool
	deny  map[string]bool
	level Level
}

func (s subject) allows(command string) bool {
	return s.allow[Wildcard] || s.allow[command]
}

func (s subject) denied(command string) bool {
	return s.deny[command]
}

// grants is the in-memory form of a guild's permission document.
type grants struct {
	users map[string]subject
	roles map[string]subject
}

func setList(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	return l
}
