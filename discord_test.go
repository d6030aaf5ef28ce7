package main

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"gitlab.com/zephyrtronium/pick"

	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/message"
)

func TestDiscordWelcome(t *testing.T) {
	cases := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "welcome!", "welcome!"},
		{"mention", "welcome, %s!", "welcome, <@bocchi>!"},
		{"verbs", "give %s 100%% of your %d support", "give <@bocchi> 100%% of your %d support"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := New(nil, nil, nil, nil, "", 1)
			var sent []message.Sent
			g := &guild.Guild{
				ID:     "847297284093",
				Emotes: pick.New(pick.FromMap(map[string]int{"": 1})),
			}
			g.Message = func(ctx context.Context, msg message.Sent) {
				sent = append(sent, msg)
			}
			g.SetWelcome(c.template)
			w.guilds.Store(g.ID, g)
			event := &discordgo.GuildMemberAdd{
				Member: &discordgo.Member{
					GuildID: "847297284093",
					User:    &discordgo.User{ID: "bocchi"},
				},
			}
			w.discordWelcome(context.Background(), nil, event)
			if len(sent) != 1 {
				t.Fatalf("wrong number of messages sent: want 1, got %d", len(sent))
			}
			if sent[0].Text != c.want {
				t.Errorf("wrong greeting: want %q, got %q", c.want, sent[0].Text)
			}
		})
	}
}

func TestDiscordWelcomeOff(t *testing.T) {
	w := New(nil, nil, nil, nil, "", 1)
	var sent []message.Sent
	g := &guild.Guild{
		ID:     "847297284093",
		Emotes: pick.New(pick.FromMap(map[string]int{"": 1})),
	}
	g.Message = func(ctx context.Context, msg message.Sent) {
		sent = append(sent, msg)
	}
	w.guilds.Store(g.ID, g)
	event := &discordgo.GuildMemberAdd{
		Member: &discordgo.Member{
			GuildID: "847297284093",
			User:    &discordgo.User{ID: "bocchi"},
		},
	}
	w.discordWelcome(context.Background(), nil, event)
	if len(sent) != 0 {
		t.Errorf("greeted with no welcome template: %v", sent)
	}
}
