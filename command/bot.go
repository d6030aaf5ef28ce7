package command

import (
	"log/slog"

	"gopkg.in/typ.v4/sync2"

	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/metrics"
	"github.com/zephyrtronium/warden/permit"
	"github.com/zephyrtronium/warden/settings"
	"github.com/zephyrtronium/warden/throttle"
)

// Bot is the bot state as is visible to commands.
type Bot struct {
	Log      *slog.Logger
	Guilds   *sync2.Map[string, *guild.Guild]
	Permits  *permit.Resolver
	Limits   *throttle.Limiter
	Settings *settings.Store
	Metrics  *metrics.Metrics
	// BackupDir is the directory in which the backup command writes
	// settings backups. Empty disables the command.
	BackupDir string
}
