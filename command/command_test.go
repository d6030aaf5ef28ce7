package command

import (
	"context"
	"log/slog"
	"testing"

	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/throttle"
)

func TestList(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"one", "bocchi", []string{"bocchi"}},
		{"commas", "bocchi,ryou,nijika", []string{"bocchi", "ryou", "nijika"}},
		{"spaces", "bocchi ryou", []string{"bocchi", "ryou"}},
		{"mixed", "bocchi, ryou,\tnijika", []string{"bocchi", "ryou", "nijika"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := list(c.in)
			if len(got) != len(c.want) {
				t.Fatalf("wrong elements: want %v, got %v", c.want, got)
			}
			for i, w := range c.want {
				if got[i] != w {
					t.Errorf("wrong element %d: want %q, got %q", i, w, got[i])
				}
			}
		})
	}
}

// testGuild creates a guild which records sent messages into sent.
func testGuild(sent *[]message.Sent) *guild.Guild {
	g := &guild.Guild{
		ID:      "kessoku",
		History: guild.NewHistory(),
	}
	g.Message = func(ctx context.Context, msg message.Sent) {
		*sent = append(*sent, msg)
	}
	return g
}

func TestEcho(t *testing.T) {
	var sent []message.Sent
	g := testGuild(&sent)
	b := &Bot{Log: slog.Default(), Limits: throttle.New(nil, nil)}
	call := &Invocation{
		Guild:   g,
		Message: &message.Received{ID: "1", Sender: "bocchi"},
		Args:    map[string]string{"msg": " guitar time "},
	}
	Echo(context.Background(), b, call)
	if len(sent) != 1 {
		t.Fatalf("wrong number of messages sent: want 1, got %d", len(sent))
	}
	if sent[0].Text != "guitar time" {
		t.Errorf("wrong text: want %q, got %q", "guitar time", sent[0].Text)
	}
	if sent[0].Reply != "1" {
		t.Errorf("wrong reply: want %q, got %q", "1", sent[0].Reply)
	}
}

func TestIgnoreCommands(t *testing.T) {
	var sent []message.Sent
	g := testGuild(&sent)
	b := &Bot{Log: slog.Default()}
	call := &Invocation{
		Guild:   g,
		Message: &message.Received{ID: "1", Sender: "nijika"},
		Args:    map[string]string{"target": "bocchi"},
	}
	Ignore(context.Background(), b, call)
	if !g.Ignored("bocchi") {
		t.Error("bocchi not ignored after ignore command")
	}
	Unignore(context.Background(), b, call)
	if g.Ignored("bocchi") {
		t.Error("bocchi still ignored after unignore command")
	}
}

func TestPurge(t *testing.T) {
	var sent []message.Sent
	g := testGuild(&sent)
	var deleted []string
	g.Delete = func(ctx context.Context, id string) {
		deleted = append(deleted, id)
	}
	g.History.Add("1", "bocchi", "hello", 1)
	g.History.Add("2", "ryou", "buy my SPAM now", 2)
	g.History.Add("3", "kita", "spam spam spam", 3)
	b := &Bot{Log: slog.Default()}
	call := &Invocation{
		Guild:   g,
		Message: &message.Received{ID: "4", Sender: "nijika"},
		Args:    map[string]string{"term": "spam"},
	}
	Purge(context.Background(), b, call)
	if len(deleted) != 2 {
		t.Fatalf("wrong deletions: want 2, got %d (%v)", len(deleted), deleted)
	}
	if deleted[0] != "2" || deleted[1] != "3" {
		t.Errorf("wrong messages deleted: got %v", deleted)
	}
}
