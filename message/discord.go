package message

import (
	"github.com/bwmarrin/discordgo"
)

// FromDiscord adapts a Discord message create event.
func FromDiscord(event *discordgo.MessageCreate) *Received {
	r := Received{
		ID:        event.Message.ID,
		To:        event.GuildID,
		Sender:    event.Author.ID,
		Name:      event.Author.Username,
		Text:      event.Content,
		Timestamp: event.Timestamp.UnixMilli(),
	}
	if event.Member != nil {
		r.Roles = event.Member.Roles
		r.IsModerator = event.Member.Permissions&discordgo.PermissionManageMessages != 0
	}
	return &r
}

// FromInteraction adapts a Discord interaction to the message the bot would
// have received had the interaction been a chat message.
func FromInteraction(event *discordgo.InteractionCreate) *Received {
	r := Received{
		ID: event.ID,
		To: event.GuildID,
	}
	switch {
	case event.Member != nil:
		r.Sender = event.Member.User.ID
		r.Name = event.Member.User.Username
		r.Roles = event.Member.Roles
		r.IsModerator = event.Member.Permissions&discordgo.PermissionManageMessages != 0
	case event.User != nil:
		r.Sender = event.User.ID
		r.Name = event.User.Username
	}
	return &r
}
