package main_test

import (
	"context"
	_ "embed"
	"strings"
	"testing"

	main "github.com/zephyrtronium/warden"
)

//go:embed example.toml
var exampleToml string

func eqcase[T comparable](t *testing.T, name string, val T, eq T) {
	t.Helper()
	if val != eq {
		t.Errorf("wrong %s: want %#v, got %#v", name, eq, val)
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, _, err := main.Load(context.Background(), strings.NewReader(exampleToml))
	if err != nil {
		t.Errorf("failed to load example.toml: %v", err)
	}

	eqcase(t, "Owner.Name", cfg.Owner.Name, `zephyrtronium`)
	eqcase(t, "Owner.Contact", cfg.Owner.Contact, `/w zephyrtronium`)
	eqcase(t, "Owner.ID", cfg.Owner.ID, `51421897`)
	eqcase(t, "DB.KVFlag", cfg.DB.KVFlag, "")
	eqcase(t, "HTTP.Listen", cfg.HTTP.Listen, ":4959")
	eqcase(t, "Global.Block", cfg.Global.Block, `(?i)bad\s+stuff[^$x]`)
	eqcase(t, "Global.Emotes[``]", cfg.Global.Emotes[``], 4)
	eqcase(t, "Global.Emotes[`;)`]", cfg.Global.Emotes[`;)`], 1)
	eqcase(t, "Throttle[`command`].Points", cfg.Throttle[`command`].Points, 5)
	eqcase(t, "Throttle[`command`].Window", cfg.Throttle[`command`].Window, 60.0)
	eqcase(t, "Throttle[`modal`].Points", cfg.Throttle[`modal`].Points, 3)
	eqcase(t, "Commands[`purge`]", cfg.Commands[`purge`], `admin`)
	eqcase(t, "TMI.CID", cfg.TMI.CID, `hof5gwx0su6owfnys0nyan9c87zr6t`)
	eqcase(t, "TMI.RedirectURL", cfg.TMI.RedirectURL, `http://localhost`)
	eqcase(t, "TMI.TokenFile", cfg.TMI.TokenFile, `/var/warden/tmi_token`)
	eqcase(t, "TMI.User", cfg.TMI.User, `wardenofstarry`)
	eqcase(t, "TMI.Owner.ID", cfg.TMI.Owner.ID, `51421897`)
	eqcase(t, "TMI.Owner.Name", cfg.TMI.Owner.Name, `zephyrtronium`)
	eqcase(t, "TMI.Rate.Every", cfg.TMI.Rate.Every, 30)
	eqcase(t, "TMI.Rate.Num", cfg.TMI.Rate.Num, 20)
	eqcase(t, "Discord.TokenFile", cfg.Discord.TokenFile, `/var/warden/discord_token`)
	eqcase(t, "Twitch[`bocchi`].Guilds[0]", cfg.Twitch[`bocchi`].Guilds[0], `#bocchi`)
	eqcase(t, "Twitch[`bocchi`].Block", cfg.Twitch[`bocchi`].Block, `(?i)cucumber[^$x]`)
	eqcase(t, "Twitch[`bocchi`].Welcome", cfg.Twitch[`bocchi`].Welcome, `welcome to the stream, %s!`)
	eqcase(t, "Twitch[`bocchi`].Rate.Every", cfg.Twitch[`bocchi`].Rate.Every, 10.1)
	eqcase(t, "Twitch[`bocchi`].Rate.Num", cfg.Twitch[`bocchi`].Rate.Num, 2)
	eqcase(t, "Twitch[`bocchi`].Privileges[0].Name", cfg.Twitch[`bocchi`].Privileges[0].Name, `zephyrtronium`)
	eqcase(t, "Twitch[`bocchi`].Privileges[0].Level", cfg.Twitch[`bocchi`].Privileges[0].Level, `moderator`)
	eqcase(t, "Twitch[`bocchi`].Privileges[1].Level", cfg.Twitch[`bocchi`].Privileges[1].Level, `ignore`)
	eqcase(t, "Twitch[`bocchi`].Emotes[`btw`]", cfg.Twitch[`bocchi`].Emotes[`btw make sure to stretch, hydrate, and take care of yourself <3`], 1)
	eqcase(t, "Guilds[`kessoku`].Guilds[0]", cfg.Guilds[`kessoku`].Guilds[0], `847297284093`)
	eqcase(t, "Guilds[`kessoku`].Channel", cfg.Guilds[`kessoku`].Channel, `847297284100`)
	substrings := []struct {
		name string
		val  string
		has  string
	}{
		{"SecretFile", cfg.SecretFile, "/key"},
		{"DB.Grants", cfg.DB.Grants, "file:"},
		{"DB.Settings", cfg.DB.Settings, "/settings"},
		{"Backup.Dir", cfg.Backup.Dir, "/backups"},
		{"TMI.SecretFile", cfg.TMI.SecretFile, "/twitch_client_secret"},
	}
	for _, c := range substrings {
		if !strings.Contains(c.val, c.has) {
			t.Errorf("wrong %s: %q does not contain %q", c.name, c.val, c.has)
		}
	}
}
