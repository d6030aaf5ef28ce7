package permit

import (
	"context"
	"fmt"

	"github.com/go-json-experiment/json"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	kindUser = "user"
	kindRole = "role"
)

// load reads a guild's full permission document from the database.
func (r *Resolver) load(ctx context.Context, guild string) (*grants, error) {
	conn, err := r.db.Take(ctx)
	defer r.db.Put(conn)
	if err != nil {
		return nil, fmt.Errorf("couldn't get connection to load grants: %w", err)
	}
	g := &grants{
		users: make(map[string]subject),
		roles: make(map[string]subject),
	}
	opts := sqlitex.ExecOptions{
		Args: []any{guild},
		ResultFunc: func(st *sqlite.Stmt) error {
			s := subject{}
			if err := decodeSet(st.ColumnText(2), &s.allow); err != nil {
				return fmt.Errorf("couldn't decode allow set: %w", err)
			}
			if err := decodeSet(st.ColumnText(3), &s.deny); err != nil {
				return fmt.Errorf("couldn't decode deny set: %w", err)
			}
			g.sub(st.ColumnText(0))[st.ColumnText(1)] = s
			return nil
		},
	}
	err = sqlitex.Execute(conn, `SELECT kind, subject, JSON(allow), JSON(deny) FROM grants WHERE guild=?`, &opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't load grants: %w", err)
	}
	opts = sqlitex.ExecOptions{
		Args: []any{guild},
		ResultFunc: func(st *sqlite.Stmt) error {
			m := g.sub(st.ColumnText(0))
			s := m[st.ColumnText(1)]
			s.level = Level(st.ColumnInt64(2))
			m[st.ColumnText(1)] = s
			return nil
		},
	}
	err = sqlitex.Execute(conn, `SELECT kind, subject, level FROM levels WHERE guild=?`, &opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't load levels: %w", err)
	}
	return g, nil
}

func (g *grants) sub(kind string) map[string]subject {
	if kind == kindRole {
		return g.roles
	}
	return g.users
}

// SetUserCommands replaces a user's allowed command set.
func (r *Resolver) SetUserCommands(ctx context.Context, guild, user string, commands []string) error {
	return r.mutate(ctx, guild, kindUser, user, func(s *subject) {
		s.allow = setOf(commands)
	})
}

// SetRoleCommands replaces a role's allowed command set.
func (r *Resolver) SetRoleCommands(ctx context.Context, guild, role string, commands []string) error {
	return r.mutate(ctx, guild, kindRole, role, func(s *subject) {
		s.allow = setOf(commands)
	})
}

// AddUserCommands adds commands to a user's allowed set.
func (r *Resolver) AddUserCommands(ctx context.Context, guild, user string, commands []string) error {
	return r.mutate(ctx, guild, kindUser, user, func(s *subject) {
		s.allow = union(s.allow, commands)
	})
}

// AddRoleCommands adds commands to a role's allowed set.
func (r *Resolver) AddRoleCommands(ctx context.Context, guild, role string, commands []string) error {
	return r.mutate(ctx, guild, kindRole, role, func(s *subject) {
		s.allow = union(s.allow, commands)
	})
}

// RemoveUserCommands removes commands from a user's allowed set. Commands
// the user was never granted are ignored.
func (r *Resolver) RemoveUserCommands(ctx context.Context, guild, user string, commands []string) error {
	return r.mutate(ctx, guild, kindUser, user, func(s *subject) {
		s.allow = diff(s.allow, commands)
	})
}

// RemoveRoleCommands removes commands from a role's allowed set.
func (r *Resolver) RemoveRoleCommands(ctx context.Context, guild, role string, commands []string) error {
	return r.mutate(ctx, guild, kindRole, role, func(s *subject) {
		s.allow = diff(s.allow, commands)
	})
}

// DenyUserCommands adds commands to a user's deny set. Denial wins over any
// allowance, including the wildcard.
func (r *Resolver) DenyUserCommands(ctx context.Context, guild, user string, commands []string) error {
	return r.mutate(ctx, guild, kindUser, user, func(s *subject) {
		s.deny = union(s.deny, commands)
	})
}

// DenyRoleCommands adds commands to a role's deny set.
func (r *Resolver) DenyRoleCommands(ctx context.Context, guild, role string, commands []string) error {
	return r.mutate(ctx, guild, kindRole, role, func(s *subject) {
		s.deny = union(s.deny, commands)
	})
}

// UndenyUserCommands removes commands from a user's deny set.
func (r *Resolver) UndenyUserCommands(ctx context.Context, guild, user string, commands []string) error {
	return r.mutate(ctx, guild, kindUser, user, func(s *subject) {
		s.deny = diff(s.deny, commands)
	})
}

// UndenyRoleCommands removes commands from a role's deny set.
func (r *Resolver) UndenyRoleCommands(ctx context.Context, guild, role string, commands []string) error {
	return r.mutate(ctx, guild, kindRole, role, func(s *subject) {
		s.deny = diff(s.deny, commands)
	})
}

// mutate performs a transactional read-modify-write of one subject's command
// sets and invalidates the guild's cached grants.
func (r *Resolver) mutate(ctx context.Context, guild, kind, sub string, f func(*subject)) (err error) {
	conn, err := r.db.Take(ctx)
	defer r.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to update grants: %w", err)
	}
	// Invalidate only once the savepoint has released; otherwise a concurrent
	// read could re-cache the old document before the commit lands.
	defer func() {
		if err == nil {
			r.cache.invalidate(guild)
		}
	}()
	defer sqlitex.Save(conn)(&err)
	s := subject{}
	existed := false
	opts := sqlitex.ExecOptions{
		Args: []any{guild, kind, sub},
		ResultFunc: func(st *sqlite.Stmt) error {
			existed = true
			if err := decodeSet(st.ColumnText(0), &s.allow); err != nil {
				return fmt.Errorf("couldn't decode allow set: %w", err)
			}
			return decodeSet(st.ColumnText(1), &s.deny)
		},
	}
	err = sqlitex.Execute(conn, `SELECT JSON(allow), JSON(deny) FROM grants WHERE guild=? AND kind=? AND subject=?`, &opts)
	if err != nil {
		return fmt.Errorf("couldn't read grant: %w", err)
	}
	f(&s)
	if !existed && len(s.allow) == 0 && len(s.deny) == 0 {
		// Removal from a subject with no grant. Not an error, and nothing
		// to record.
		return nil
	}
	allow, err := json.Marshal(setList(s.allow))
	if err != nil {
		return fmt.Errorf("couldn't encode allow set: %w", err)
	}
	deny, err := json.Marshal(setList(s.deny))
	if err != nil {
		return fmt.Errorf("couldn't encode deny set: %w", err)
	}
	const upsert = `INSERT INTO grants (guild, kind, subject, allow, deny)
		VALUES (:guild, :kind, :subject, JSONB(CAST(:allow AS TEXT)), JSONB(CAST(:deny AS TEXT)))
		ON CONFLICT (guild, kind, subject)
		DO UPDATE SET allow=excluded.allow, deny=excluded.deny`
	st, err := conn.Prepare(upsert)
	if err != nil {
		return fmt.Errorf("couldn't prepare statement to update grant: %w", err)
	}
	st.SetText(":guild", guild)
	st.SetText(":kind", kind)
	st.SetText(":subject", sub)
	st.SetBytes(":allow", allow)
	st.SetBytes(":deny", deny)
	if _, err := st.Step(); err != nil {
		return fmt.Errorf("couldn't update grant: %w", err)
	}
	st.Reset()
	return nil
}

// SetLevel grants a tier to a user or role in a guild, replacing any
// existing tier grant.
func (r *Resolver) SetLevel(ctx context.Context, guild, sub string, role bool, level Level) error {
	if level <= None || level > Owner {
		return fmt.Errorf("can't grant level %v", level)
	}
	conn, err := r.db.Take(ctx)
	defer r.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to set level: %w", err)
	}
	const upsert = `INSERT INTO levels (guild, kind, subject, level) VALUES (?, ?, ?, ?)
		ON CONFLICT (guild, kind, subject) DO UPDATE SET level=excluded.level`
	opts := sqlitex.ExecOptions{Args: []any{guild, kindOf(role), sub, int64(level)}}
	if err := sqlitex.Execute(conn, upsert, &opts); err != nil {
		return fmt.Errorf("couldn't set level: %w", err)
	}
	r.cache.invalidate(guild)
	return nil
}

// RemoveLevel removes any tier granted to a user or role in a guild.
func (r *Resolver) RemoveLevel(ctx context.Context, guild, sub string, role bool) error {
	conn, err := r.db.Take(ctx)
	defer r.db.Put(conn)
	if err != nil {
		return fmt.Errorf("couldn't get connection to remove level: %w", err)
	}
	opts := sqlitex.ExecOptions{Args: []any{guild, kindOf(role), sub}}
	if err := sqlitex.Execute(conn, `DELETE FROM levels WHERE guild=? AND kind=? AND subject=?`, &opts); err != nil {
		return fmt.Errorf("couldn't remove level: %w", err)
	}
	r.cache.invalidate(guild)
	return nil
}

func kindOf(role bool) string {
	if role {
		return kindRole
	}
	return kindUser
}

func decodeSet(s string, m *map[string]bool) error {
	var l []string
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		return err
	}
	*m = setOf(l)
	return nil
}

func setOf(l []string) map[string]bool {
	m := make(map[string]bool, len(l))
	for _, v := range l {
		m[v] = true
	}
	return m
}

func union(m map[string]bool, l []string) map[string]bool {
	if m == nil {
		m = make(map[string]bool, len(l))
	}
	for _, v := range l {
		m[v] = true
	}
	return m
}

func diff(m map[string]bool, l []string) map[string]bool {
	for _, v := range l {
		delete(m, v)
	}
	return m
}
