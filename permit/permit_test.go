package permit_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/warden/permit"
)

var dbcount atomic.Uint64

func testConn() *sqlitex.Pool {
	k := dbcount.Add(1)
	pool, err := sqlitex.NewPool(fmt.Sprintf("file:%d.db?mode=memory&cache=shared", k), sqlitex.PoolOptions{Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenMemory | sqlite.OpenSharedCache | sqlite.OpenURI})
	if err != nil {
		panic(err)
	}
	return pool
}

func testResolver(t *testing.T, opts permit.Options) *permit.Resolver {
	t.Helper()
	ctx := context.Background()
	db := testConn()
	t.Cleanup(func() { db.Close() })
	if err := permit.Init(ctx, db); err != nil {
		t.Fatalf("couldn't init grants schema: %v", err)
	}
	r, err := permit.Open(ctx, db, opts)
	if err != nil {
		t.Fatalf("couldn't open resolver: %v", err)
	}
	return r
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	db := testConn()
	defer db.Close()
	if err := permit.Init(ctx, db); err != nil {
		t.Error(err)
	}
}

func TestDefaultDeny(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{})
	if r.Check(ctx, "kessoku", "bocchi", []string{"guitarist"}, "ban") {
		t.Error("check passed with no grants recorded anywhere")
	}
}

func TestCheck(t *testing.T) {
	type check struct {
		user    string
		roles   []string
		command string
		ok      bool
	}
	cases := []struct {
		name  string
		setup func(ctx context.Context, r *permit.Resolver) error
		chk   []check
	}{
		{
			name: "user-grant",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"})
			},
			chk: []check{
				{user: "bocchi", command: "ban", ok: true},
				{user: "bocchi", command: "kick", ok: false},
				{user: "ryou", command: "ban", ok: false},
			},
		},
		{
			name: "wildcard",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetUserCommands(ctx, "kessoku", "bocchi", []string{permit.Wildcard})
			},
			chk: []check{
				{user: "bocchi", command: "ban", ok: true},
				{user: "bocchi", command: "kick", ok: true},
				{user: "bocchi", command: "anything", ok: true},
				{user: "ryou", command: "ban", ok: false},
			},
		},
		{
			name: "role-union",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				if err := r.SetRoleCommands(ctx, "kessoku", "guitarist", []string{"kick"}); err != nil {
					return err
				}
				return r.SetRoleCommands(ctx, "kessoku", "bassist", []string{"ban"})
			},
			chk: []check{
				{user: "bocchi", roles: []string{"guitarist", "bassist"}, command: "kick", ok: true},
				{user: "bocchi", roles: []string{"guitarist", "bassist"}, command: "ban", ok: true},
				{user: "bocchi", roles: []string{"guitarist"}, command: "ban", ok: false},
				{user: "bocchi", command: "kick", ok: false},
			},
		},
		{
			name: "deny-wins",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{permit.Wildcard}); err != nil {
					return err
				}
				return r.DenyUserCommands(ctx, "kessoku", "bocchi", []string{"ban"})
			},
			chk: []check{
				{user: "bocchi", command: "ban", ok: false},
				{user: "bocchi", command: "kick", ok: true},
			},
		},
		{
			name: "role-deny-wins",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
					return err
				}
				return r.DenyRoleCommands(ctx, "kessoku", "guitarist", []string{"ban"})
			},
			chk: []check{
				{user: "bocchi", roles: []string{"guitarist"}, command: "ban", ok: false},
				{user: "bocchi", command: "ban", ok: true},
			},
		},
		{
			name: "guild-isolation",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"})
			},
			chk: []check{
				{user: "bocchi", command: "ban", ok: true},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			r := testResolver(t, permit.Options{})
			if err := c.setup(ctx, r); err != nil {
				t.Fatalf("couldn't set up grants: %v", err)
			}
			for _, k := range c.chk {
				if got := r.Check(ctx, "kessoku", k.user, k.roles, k.command); got != k.ok {
					t.Errorf("wrong result for %s %v %s: want %t, got %t", k.user, k.roles, k.command, k.ok, got)
				}
				if r.Check(ctx, "sickhack", k.user, k.roles, k.command) {
					t.Errorf("grant for guild kessoku leaked into guild sickhack for %s %v %s", k.user, k.roles, k.command)
				}
			}
		})
	}
}

func TestGrantRevoke(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{})
	if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Fatalf("couldn't grant: %v", err)
	}
	if !r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("check failed after grant")
	}
	if err := r.RemoveUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Fatalf("couldn't revoke: %v", err)
	}
	if r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("check passed after revoke")
	}
}

func TestRemoveAbsent(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{})
	if err := r.RemoveUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Errorf("removing from a subject with no grant errored: %v", err)
	}
	if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"kick"}); err != nil {
		t.Fatalf("couldn't grant: %v", err)
	}
	if err := r.RemoveUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Errorf("removing an absent command errored: %v", err)
	}
	if !r.Check(ctx, "kessoku", "bocchi", nil, "kick") {
		t.Error("removing an absent command disturbed other grants")
	}
}

func TestOwnerBypass(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{Owner: "seika"})
	if !r.Check(ctx, "starry", "seika", nil, "explode") {
		t.Error("owner denied an unconfigured command in a guild with no grants")
	}
	if r.Check(ctx, "starry", "nijika", nil, "explode") {
		t.Error("non-owner allowed an unconfigured command")
	}
}

func TestLevels(t *testing.T) {
	defaults := map[string]permit.Level{
		"purge":    permit.Mod,
		"lockdown": permit.Admin,
	}
	type check struct {
		user    string
		roles   []string
		command string
		ok      bool
	}
	cases := []struct {
		name  string
		setup func(ctx context.Context, r *permit.Resolver) error
		chk   []check
	}{
		{
			name:  "no-grant",
			setup: func(ctx context.Context, r *permit.Resolver) error { return nil },
			chk: []check{
				{user: "bocchi", command: "purge", ok: false},
				{user: "bocchi", command: "lockdown", ok: false},
			},
		},
		{
			name: "user-tier",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetLevel(ctx, "kessoku", "bocchi", false, permit.Mod)
			},
			chk: []check{
				{user: "bocchi", command: "purge", ok: true},
				{user: "bocchi", command: "lockdown", ok: false},
				{user: "ryou", command: "purge", ok: false},
			},
		},
		{
			name: "higher-tier-satisfies-lower",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetLevel(ctx, "kessoku", "bocchi", false, permit.Admin)
			},
			chk: []check{
				{user: "bocchi", command: "purge", ok: true},
				{user: "bocchi", command: "lockdown", ok: true},
			},
		},
		{
			name: "role-tier",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				return r.SetLevel(ctx, "kessoku", "staff", true, permit.Mod)
			},
			chk: []check{
				{user: "bocchi", roles: []string{"staff"}, command: "purge", ok: true},
				{user: "bocchi", command: "purge", ok: false},
			},
		},
		{
			name: "highest-of-user-and-roles",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				if err := r.SetLevel(ctx, "kessoku", "bocchi", false, permit.Helper); err != nil {
					return err
				}
				return r.SetLevel(ctx, "kessoku", "staff", true, permit.Admin)
			},
			chk: []check{
				{user: "bocchi", roles: []string{"staff"}, command: "lockdown", ok: true},
			},
		},
		{
			name: "removed",
			setup: func(ctx context.Context, r *permit.Resolver) error {
				if err := r.SetLevel(ctx, "kessoku", "bocchi", false, permit.Mod); err != nil {
					return err
				}
				return r.RemoveLevel(ctx, "kessoku", "bocchi", false)
			},
			chk: []check{
				{user: "bocchi", command: "purge", ok: false},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ctx := context.Background()
			r := testResolver(t, permit.Options{Defaults: defaults})
			if err := c.setup(ctx, r); err != nil {
				t.Fatalf("couldn't set up levels: %v", err)
			}
			for _, k := range c.chk {
				if got := r.Check(ctx, "kessoku", k.user, k.roles, k.command); got != k.ok {
					t.Errorf("wrong result for %s %v %s: want %t, got %t", k.user, k.roles, k.command, k.ok, got)
				}
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for _, want := range []permit.Level{permit.Helper, permit.Mod, permit.Admin, permit.Owner} {
		got, err := permit.ParseLevel(want.String())
		if err != nil {
			t.Errorf("couldn't parse %v: %v", want, err)
		}
		if got != want {
			t.Errorf("level did not round-trip: want %v, got %v", want, got)
		}
	}
	if _, err := permit.ParseLevel("kita"); err == nil {
		t.Error("parsing a bogus level succeeded")
	}
}

func TestCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{CacheTTL: time.Hour})
	// Prime the cache with an empty document, then mutate and check that
	// the change is visible immediately.
	if r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("check passed with no grants")
	}
	if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Fatalf("couldn't grant: %v", err)
	}
	if !r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("grant not visible after mutation; stale cache?")
	}
	if err := r.RemoveUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Fatalf("couldn't revoke: %v", err)
	}
	if r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("revoke not visible after mutation; stale cache?")
	}
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	k := dbcount.Add(1)
	// A single connection keeps concurrent writers from tripping over
	// sqlite's locking; the transactions still interleave at the resolver.
	pool, err := sqlitex.NewPool(fmt.Sprintf("file:%d.db?mode=memory&cache=shared", k), sqlitex.PoolOptions{Flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenMemory | sqlite.OpenSharedCache | sqlite.OpenURI, PoolSize: 1})
	if err != nil {
		t.Fatalf("couldn't open pool: %v", err)
	}
	defer pool.Close()
	if err := permit.Init(ctx, pool); err != nil {
		t.Fatalf("couldn't init grants schema: %v", err)
	}
	r, err := permit.Open(ctx, pool, permit.Options{})
	if err != nil {
		t.Fatalf("couldn't open resolver: %v", err)
	}
	cmds := []string{"ban", "kick", "purge", "lockdown"}
	errs := make([]error, len(cmds)+1)
	var wg sync.WaitGroup
	for i, c := range cmds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.AddUserCommands(ctx, "kessoku", "bocchi", []string{c})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[len(cmds)] = r.DenyUserCommands(ctx, "kessoku", "bocchi", []string{"ban"})
	}()
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("mutation %d failed: %v", i, err)
		}
	}
	// Every concurrent mutation must survive; the transactional
	// read-modify-write serializes them rather than losing updates.
	for _, c := range cmds[1:] {
		if !r.Check(ctx, "kessoku", "bocchi", nil, c) {
			t.Errorf("grant of %s lost to a concurrent mutation", c)
		}
	}
	if r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("deny of ban lost to a concurrent mutation")
	}
}

func TestFailClosed(t *testing.T) {
	ctx := context.Background()
	db := testConn()
	if err := permit.Init(ctx, db); err != nil {
		t.Fatalf("couldn't init grants schema: %v", err)
	}
	r, err := permit.Open(ctx, db, permit.Options{})
	if err != nil {
		t.Fatalf("couldn't open resolver: %v", err)
	}
	if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban"}); err != nil {
		t.Fatalf("couldn't grant: %v", err)
	}
	// Close the pool out from under the resolver so that reads fail.
	db.Close()
	if r.Check(ctx, "kessoku", "bocchi", nil, "ban") {
		t.Error("check passed while the grant store was unreadable")
	}
}

func TestGrantsReport(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t, permit.Options{})
	if err := r.SetUserCommands(ctx, "kessoku", "bocchi", []string{"ban", "kick"}); err != nil {
		t.Fatalf("couldn't grant: %v", err)
	}
	if err := r.DenyRoleCommands(ctx, "kessoku", "guitarist", []string{"ban"}); err != nil {
		t.Fatalf("couldn't deny: %v", err)
	}
	if err := r.SetLevel(ctx, "kessoku", "staff", true, permit.Mod); err != nil {
		t.Fatalf("couldn't set level: %v", err)
	}
	got, err := r.Grants(ctx, "kessoku")
	if err != nil {
		t.Fatalf("couldn't report grants: %v", err)
	}
	want := &permit.Grants{
		Users: []permit.Subject{
			{ID: "bocchi", Allow: []string{"ban", "kick"}},
		},
		Roles: []permit.Subject{
			{ID: "guitarist", Deny: []string{"ban"}},
			{ID: "staff", Level: permit.Mod},
		},
	}
	less := func(a, b permit.Subject) bool { return a.ID < b.ID }
	if diff := cmp.Diff(want, got, cmpopts.SortSlices(less), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("wrong grants report (-want +got):\n%s", diff)
	}
}
