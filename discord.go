package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/zephyrtronium/warden/command"
	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/throttle"
)

// NewDiscord initializes the bot's Discord session and installs its handlers.
// It must be called after SetSecrets and before Run.
func (w *Warden) NewDiscord(ctx context.Context, cfg DiscordCfg, global Global, guilds map[string]*GuildCfg) error {
	tok, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return fmt.Errorf("couldn't read Discord token: %w", err)
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(string(tok)))
	if err != nil {
		return fmt.Errorf("couldn't create Discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentGuildMembers |
		discordgo.IntentMessageContent

	for nm, ch := range guilds {
		gs, err := w.makeGuilds(ctx, global, ch, "guild."+nm)
		if err != nil {
			return err
		}
		home := ch.Channel
		for _, v := range gs {
			v := v
			v.Message = func(ctx context.Context, msg message.Sent) {
				w.sendDiscord(ctx, session, home, msg)
			}
			v.Delete = func(ctx context.Context, id string) {
				// History records Discord message IDs as channel/message.
				ch, msg, ok := strings.Cut(id, "/")
				if !ok {
					return
				}
				if err := session.ChannelMessageDelete(ch, msg); err != nil {
					slog.ErrorContext(ctx, "couldn't delete message",
						slog.Any("err", err),
						slog.String("channel", ch),
						slog.String("id", msg),
					)
				}
			}
			w.guilds.Store(v.ID, v)
		}
	}

	session.AddHandler(func(s *discordgo.Session, event *discordgo.Ready) {
		w.registerSlash(ctx, s, event)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.MessageCreate) {
		w.discordMessage(ctx, s, event)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.InteractionCreate) {
		w.discordInteraction(ctx, s, event)
	})
	session.AddHandler(func(s *discordgo.Session, event *discordgo.GuildMemberAdd) {
		w.discordWelcome(ctx, s, event)
	})
	w.discord = session
	return nil
}

// runDiscord opens the Discord gateway connection and holds it until the
// context is canceled.
func (w *Warden) runDiscord(ctx context.Context) error {
	if err := w.discord.Open(); err != nil {
		return fmt.Errorf("couldn't open Discord gateway: %w", err)
	}
	slog.InfoContext(ctx, "connected to Discord")
	<-ctx.Done()
	if err := w.discord.Close(); err != nil {
		slog.ErrorContext(ctx, "error closing Discord gateway", slog.Any("err", err))
	}
	return ctx.Err()
}

// registerSlash registers the bot's slash commands globally.
func (w *Warden) registerSlash(ctx context.Context, session *discordgo.Session, event *discordgo.Ready) {
	manage := int64(discordgo.PermissionManageMessages)
	admin := int64(discordgo.PermissionManageServer)
	str := func(name, desc string, req bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: desc,
			Required:    req,
		}
	}
	cmds := []*discordgo.ApplicationCommand{
		{
			Name:                     "grant",
			Description:              "Allow a user to use commands",
			DefaultMemberPermissions: &admin,
			Options: []*discordgo.ApplicationCommandOption{
				str("target", "User ID to grant to", true),
				str("commands", "Command names, or *", true),
			},
		},
		{
			Name:                     "revoke",
			Description:              "Remove a user's command allowance",
			DefaultMemberPermissions: &admin,
			Options: []*discordgo.ApplicationCommandOption{
				str("target", "User ID to revoke from", true),
				str("commands", "Command names", true),
			},
		},
		{
			Name:                     "tier",
			Description:              "Grant an access tier",
			DefaultMemberPermissions: &admin,
			Options: []*discordgo.ApplicationCommandOption{
				str("kind", "user or role", true),
				str("target", "User or role ID", true),
				str("level", "helper, mod, admin, or owner", true),
			},
		},
		{
			Name:                     "perms",
			Description:              "Report recorded grants",
			DefaultMemberPermissions: &manage,
		},
		{
			Name:                     "lockdown",
			Description:              "Suspend non-moderator interactions",
			DefaultMemberPermissions: &manage,
			Options: []*discordgo.ApplicationCommandOption{
				str("dur", "Duration like 10m; empty for indefinite", false),
			},
		},
		{
			Name:                     "unlock",
			Description:              "End a lockdown",
			DefaultMemberPermissions: &manage,
		},
		{
			Name:                     "links",
			Description:              "Toggle the link filter",
			DefaultMemberPermissions: &manage,
			Options: []*discordgo.ApplicationCommandOption{
				str("state", "on or off", true),
			},
		},
		{
			Name:                     "purge",
			Description:              "Delete recent messages containing a term",
			DefaultMemberPermissions: &manage,
			Options: []*discordgo.ApplicationCommandOption{
				str("term", "Text to search for", true),
			},
		},
		{
			Name:                     "welcome",
			Description:              "Set the welcome message",
			DefaultMemberPermissions: &admin,
			Options: []*discordgo.ApplicationCommandOption{
				str("text", "Template; %s is the new user's name", false),
			},
		},
		{
			Name:                     "cooldown",
			Description:              "Reset or extend a user's interaction budget",
			DefaultMemberPermissions: &manage,
			Options: []*discordgo.ApplicationCommandOption{
				str("target", "User ID to adjust", true),
				str("action", "command, button, modal, or menu", false),
				str("points", "Extra points to grant instead of resetting", false),
			},
		},
		{
			Name:                     "status",
			Description:              "Report the bot's standing here",
			DefaultMemberPermissions: &manage,
		},
	}
	_, err := session.ApplicationCommandBulkOverwrite(event.Application.ID, "", cmds)
	if err != nil {
		slog.ErrorContext(ctx, "couldn't register slash commands", slog.Any("err", err))
	}
}

// discordMessage processes a guild message from Discord.
func (w *Warden) discordMessage(ctx context.Context, session *discordgo.Session, event *discordgo.MessageCreate) {
	if event.Author == nil || event.Author.Bot {
		return
	}
	g, _ := w.guilds.Load(event.GuildID)
	if g == nil {
		return
	}
	work := func(ctx context.Context) {
		m := message.FromDiscord(event)
		// Qualify the ID so moderation actions can find the channel again.
		m.ID = event.ChannelID + "/" + event.Message.ID
		w.metrics.MessagesCount.Observe(1)
		if !w.observe(ctx, g, m) {
			return
		}
		cmd, ok := parseCommand(session.State.User.Username, m.Text)
		if !ok {
			// Also accept a leading mention in place of the bare name.
			rest, found := strings.CutPrefix(strings.TrimSpace(m.Text), session.State.User.Mention())
			if !found {
				return
			}
			cmd = strings.TrimSpace(rest)
		}
		c, args := findCommand(chatCommands, cmd)
		if c == nil {
			return
		}
		w.dispatch(ctx, g, m, c, args)
	}
	w.enqueue(ctx, work)
}

// discordInteraction processes a slash command, component, or modal
// interaction.
func (w *Warden) discordInteraction(ctx context.Context, session *discordgo.Session, event *discordgo.InteractionCreate) {
	g, _ := w.guilds.Load(event.GuildID)
	if g == nil {
		return
	}
	m := message.FromInteraction(event)
	var name string
	var args map[string]string
	var action throttle.Action
	switch event.Type {
	case discordgo.InteractionApplicationCommand:
		action = throttle.ActionCommand
		data := event.ApplicationCommandData()
		name = data.Name
		args = make(map[string]string, len(data.Options))
		for _, opt := range data.Options {
			args[opt.Name] = opt.StringValue()
		}
	case discordgo.InteractionMessageComponent:
		data := event.MessageComponentData()
		name = data.CustomID
		if data.ComponentType == discordgo.SelectMenuComponent {
			action = throttle.ActionMenu
		} else {
			action = throttle.ActionButton
		}
	case discordgo.InteractionModalSubmit:
		action = throttle.ActionModal
		name = event.ModalSubmitData().CustomID
	default:
		return
	}
	var c *chatCommand
	for i := range chatCommands {
		if chatCommands[i].name == name {
			c = &chatCommands[i]
			break
		}
	}
	if c == nil {
		return
	}
	if g.Ignored(m.Sender) {
		return
	}
	if !w.permitted(ctx, g, m, c.name, c.tier, action) {
		respond(ctx, session, event, "You can't do that here.")
		return
	}
	// Acknowledge now; the handler's output goes to the guild's channel.
	respond(ctx, session, event, "On it.")
	w.metrics.CommandCount.Observe(1)
	inv := command.Invocation{
		Guild:   g,
		Message: m,
		Args:    args,
	}
	c.fn(ctx, w.bot(), &inv)
}

// discordWelcome greets a new guild member if welcomes are on.
func (w *Warden) discordWelcome(ctx context.Context, session *discordgo.Session, event *discordgo.GuildMemberAdd) {
	g, _ := w.guilds.Load(event.GuildID)
	if g == nil {
		return
	}
	text := g.WelcomeText()
	if text == "" || event.User == nil {
		return
	}
	// The template is operator input; substitute rather than treating it as
	// a format string.
	s := strings.ReplaceAll(text, "%s", event.User.Mention())
	if e := g.Emotes.Pick(rand.Uint32()); e != "" {
		s += " " + e
	}
	g.Message(ctx, message.Sent{To: g.ID, Text: s})
}

// respond sends an ephemeral interaction response.
func respond(ctx context.Context, session *discordgo.Session, event *discordgo.InteractionCreate, text string) {
	err := session.InteractionRespond(event.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:   discordgo.MessageFlagsEphemeral,
			Content: text,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "couldn't respond to interaction", slog.Any("err", err))
	}
}

// sendDiscord sends a message to a Discord guild's home channel after waiting
// for the guild's rate limit.
func (w *Warden) sendDiscord(ctx context.Context, session *discordgo.Session, channel string, msg message.Sent) {
	if channel == "" {
		return
	}
	g, _ := w.guilds.Load(msg.To)
	if g != nil && !g.Rate.Allow() {
		slog.WarnContext(ctx, "rate limited", slog.String("guild", msg.To))
		return
	}
	if _, err := session.ChannelMessageSend(channel, msg.Text); err != nil {
		slog.ErrorContext(ctx, "couldn't send message",
			slog.Any("err", err),
			slog.String("channel", channel),
		)
	}
}
