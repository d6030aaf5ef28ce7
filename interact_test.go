package main

import "testing"

func TestBlockRegexp(t *testing.T) {
	cases := []struct {
		name   string
		global string
		guild  string
		text   string
		match  bool
	}{
		{"unconfigured", "", "", "an ordinary message", false},
		{"global", "bad", "", "so bad", true},
		{"global-miss", "bad", "", "fine", false},
		{"guild", "", "worse", "worse yet", true},
		{"guild-miss", "", "worse", "fine", false},
		{"both-global", "bad", "worse", "so bad", true},
		{"both-guild", "bad", "worse", "worse yet", true},
		{"both-miss", "bad", "worse", "fine", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			re, err := blockRegexp(c.global, c.guild)
			if err != nil {
				t.Fatalf("couldn't compile block expression: %v", err)
			}
			if re == nil {
				if c.match {
					t.Errorf("no expression compiled for %q|%q", c.global, c.guild)
				}
				return
			}
			if c.global == "" && c.guild == "" {
				t.Error("empty block config compiled to an expression")
			}
			if got := re.MatchString(c.text); got != c.match {
				t.Errorf("wrong match of %q against %q|%q: want %t, got %t", c.text, c.global, c.guild, c.match, got)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		me   string
		in   string
		text string
		ok   bool
	}{
		{"empty", "Bocchi", "", "", false},
		{"exact", "Bocchi", "Bocchi", "", true},
		{"case", "Bocchi", "bOCCHI", "", true},
		{"prespace", "Bocchi", " Bocchi", "", true},
		{"postspace", "Bocchi", "Bocchi ", "", true},
		{"at", "Bocchi", "@Bocchi", "", true},
		{"punct", "Bocchi", "Bocchi...", "", true},
		{"prefix", "Bocchi", "Bocchi3", "", false},
		{"suffix", "Bocchi", "9Bocchi", "", false},
		{"text-after", "Bocchi", "Bocchi lockdown 10m", "lockdown 10m", true},
		{"text-before", "Bocchi", "unlock Bocchi", "unlock", true},
		{"middle", "Bocchi", "Hitori Bocchi Tokyo", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := parseCommand(c.me, c.in)
			if got != c.text {
				t.Errorf("wrong command text: want %q, got %q", c.text, got)
			}
			if ok != c.ok {
				t.Errorf("wrong commandness: want %t, got %t", c.ok, ok)
			}
		})
	}
}

func TestFindCommand(t *testing.T) {
	cases := []struct {
		name string
		in   string
		cmd  string
		args map[string]string
	}{
		{"none", "do a flip", "", nil},
		{"grant", "grant bocchi purge,unlock", "grant", map[string]string{"target": "bocchi", "commands": "purge,unlock"}},
		{"deny", "deny role kessoku echo", "deny", map[string]string{"kind": "role", "target": "kessoku", "commands": "echo"}},
		{"tier", "tier user ryou mod", "tier", map[string]string{"kind": "user", "target": "ryou", "level": "mod"}},
		{"lockdown-bare", "lockdown", "lockdown", map[string]string{"dur": ""}},
		{"lockdown-dur", "lockdown 10m", "lockdown", map[string]string{"dur": "10m"}},
		{"unlock", "unlock", "unlock", nil},
		{"links", "LINKS ON", "links", map[string]string{"state": "ON"}},
		{"purge", "purge buy followers", "purge", map[string]string{"term": "buy followers"}},
		{"cooldown", "cooldown nijika command 5", "cooldown", map[string]string{"target": "nijika", "action": "command", "points": "5"}},
		{"echoin", "echoin starry hi", "echoin", map[string]string{"in": "starry", "msg": "hi"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cmd, args := findCommand(chatCommands, c.in)
			switch {
			case cmd == nil && c.cmd != "":
				t.Fatalf("no command found, wanted %q", c.cmd)
			case cmd != nil && c.cmd == "":
				t.Fatalf("found command %q, wanted none", cmd.name)
			case cmd == nil:
				return
			}
			if cmd.name != c.cmd {
				t.Errorf("wrong command: want %q, got %q", c.cmd, cmd.name)
			}
			for k, v := range c.args {
				if args[k] != v {
					t.Errorf("wrong arg %s: want %q, got %q", k, v, args[k])
				}
			}
			for k := range args {
				if _, ok := c.args[k]; !ok {
					t.Errorf("unexpected arg %s=%q", k, args[k])
				}
			}
		})
	}
}
