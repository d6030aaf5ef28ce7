package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"gitlab.com/zephyrtronium/tmi"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gopkg.in/typ.v4/sync2"

	"github.com/zephyrtronium/warden/auth"
	"github.com/zephyrtronium/warden/command"
	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/metrics"
	"github.com/zephyrtronium/warden/permit"
	"github.com/zephyrtronium/warden/settings"
	"github.com/zephyrtronium/warden/throttle"
)

// Warden is the bot.
type Warden struct {
	// guilds are the guilds, keyed by Discord guild ID or Twitch channel
	// name.
	guilds *sync2.Map[string, *guild.Guild]
	// permits is the permission resolver.
	permits *permit.Resolver
	// limits is the interaction limiter.
	limits *throttle.Limiter
	// settings is the per-guild settings store.
	settings *settings.Store
	// metrics is the bot's metrics.
	metrics *metrics.Metrics
	// works is the worker pool for handling messages.
	works chan chan func(context.Context)
	// secrets are the bot's keys.
	secrets *keys
	// owner is the name of the owner.
	owner string
	// ownerContact describes contact information for the owner.
	ownerContact string
	// backupDir is where settings backups are written.
	backupDir string
	// tmi contains the bot's Twitch connection state. It may be nil if there
	// is no Twitch configuration.
	tmi *client[*tmi.Message, *tmi.Message]
	// discord is the bot's Discord session. It may be nil if there is no
	// Discord configuration.
	discord *discordgo.Session
}

// client is the state for a connection to a chat service.
type client[Send, Receive any] struct {
	// send is the channel of messages to send to the service.
	send chan Send
	// recv is the channel of messages received from the service.
	recv chan Receive
	// me is the bot's login name on the service.
	me string
	// owner is the user ID of the bot's owner on the service.
	owner string
	// rate is the global rate limit for messages sent to the service.
	rate *rate.Limiter
	// tokens is the token source for authenticating to the service.
	tokens auth.TokenSource
}

// New creates a new Warden with the given resources. poolSize is the maximum
// number of messages to process concurrently.
func New(permits *permit.Resolver, limits *throttle.Limiter, store *settings.Store, mets *metrics.Metrics, backupDir string, poolSize int) *Warden {
	return &Warden{
		guilds:    &sync2.Map[string, *guild.Guild]{},
		permits:   permits,
		limits:    limits,
		settings:  store,
		metrics:   mets,
		works:     make(chan chan func(context.Context), poolSize),
		backupDir: backupDir,
	}
}

// bot is the view of the Warden that commands receive.
func (w *Warden) bot() *command.Bot {
	return &command.Bot{
		Log:       slog.Default(),
		Guilds:    w.guilds,
		Permits:   w.permits,
		Limits:    w.limits,
		Settings:  w.settings,
		Metrics:   w.metrics,
		BackupDir: w.backupDir,
	}
}

// Run runs the bot until the context is canceled.
func (w *Warden) Run(ctx context.Context, listen string) error {
	group, ctx := errgroup.WithContext(ctx)
	if listen != "" {
		group.Go(func() error {
			return w.api(ctx, listen, http.NewServeMux(), w.metrics.Collectors())
		})
	}
	group.Go(func() error {
		w.sweep(ctx)
		return nil
	})
	if w.tmi != nil {
		group.Go(func() error { return w.twitch(ctx, group) })
	}
	if w.discord != nil {
		group.Go(func() error { return w.runDiscord(ctx) })
	}
	err := group.Wait()
	if err == context.Canceled {
		// If the first error is context canceled, then we are shutting down
		// normally in response to a sigint.
		err = nil
	}
	return err
}

// sweep periodically expires cached permission documents and stale
// interaction budgets.
func (w *Warden) sweep(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.permits.SweepCache()
			w.limits.Sweep()
		}
	}
}

func (w *Warden) twitch(ctx context.Context, group *errgroup.Group) error {
	tok, err := w.tmi.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("couldn't obtain access token for TMI login: %w", err)
	}
	cfg := tmi.ConnectConfig{
		Dial:         new(tls.Dialer).DialContext,
		RetryWait:    tmi.RetryList(true, 0, time.Second, time.Minute, 5*time.Minute),
		Nick:         w.tmi.me,
		Pass:         "oauth:" + tok.AccessToken,
		Capabilities: []string{"twitch.tv/commands", "twitch.tv/tags"},
		Timeout:      300 * time.Second,
	}
	go w.tmiLoop(ctx, group, w.tmi.send, w.tmi.recv)
	tmi.Connect(ctx, cfg, tmi.Log(log.Default(), false), w.tmi.send, w.tmi.recv)
	return ctx.Err()
}
