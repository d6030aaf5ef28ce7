package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"gitlab.com/zephyrtronium/tmi"
	"golang.org/x/oauth2"

	"github.com/zephyrtronium/warden/auth"
	"github.com/zephyrtronium/warden/metrics"
	"github.com/zephyrtronium/warden/permit"
	"github.com/zephyrtronium/warden/settings"
	"github.com/zephyrtronium/warden/throttle"
)

var app = cli.Command{
	Name:  "warden",
	Usage: "Moderation and utility chat bot",

	Flags: []cli.Flag{
		&flagConfig,
		&flagLog,
		&flagLogFormat,
	},
	Commands: []*cli.Command{
		{
			Name:   "init",
			Usage:  "Initialize the grants database",
			Action: cliInit,
		},
		{
			Name:  "backup",
			Usage: "Write a settings backup to a file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "out",
					Usage:    "File to write the backup to",
					Required: true,
				},
			},
			Action: cliBackup,
		},
		{
			Name:  "restore",
			Usage: "Load a settings backup from a file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "in",
					Usage:    "Backup file to load",
					Required: true,
				},
			},
			Action: cliRestore,
		},
	},
	Action: cliRun,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	go func() {
		<-ctx.Done()
		stop()
	}()
	err := app.Run(ctx, os.Args)
	if err != nil {
		fmt.Println(err)
	}
}

func cliRun(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, md, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	kv, grants, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defaults, err := commandDefaults(cfg.Commands)
	if err != nil {
		return err
	}
	permits, err := permit.Open(ctx, grants, permit.Options{
		Owner:    cfg.Owner.ID,
		Defaults: defaults,
		CacheTTL: 5 * time.Minute,
		Log:      slog.Default(),
	})
	if err != nil {
		return err
	}
	limits := throttle.New(throttleProfiles(cfg.Throttle), slog.Default())
	store := settings.New(kv)

	w := New(permits, limits, store, newMetrics(), cfg.Backup.Dir, runtime.GOMAXPROCS(0))
	w.SetOwner(cfg.Owner.Name, cfg.Owner.Contact)
	if err := w.SetSecrets(cfg.SecretFile); err != nil {
		return err
	}

	if md.IsDefined("tmi") {
		t := cfg.TMI
		t.endpoint = oauth2.Endpoint{
			DeviceAuthURL: "https://id.twitch.tv/oauth2/device",
			TokenURL:      "https://id.twitch.tv/oauth2/token",
		}
		hc := &http.Client{Timeout: 30 * time.Second}
		tc, err := loadTMI(t, hc, *w.secrets.twitch)
		if err != nil {
			return err
		}
		w.tmi = tc
		if err := w.SetTwitchGuilds(ctx, cfg.Global, cfg.Twitch); err != nil {
			return err
		}
	}
	if md.IsDefined("discord") {
		if err := w.NewDiscord(ctx, cfg.Discord, cfg.Global, cfg.Guilds); err != nil {
			return err
		}
	}

	return w.Run(ctx, cfg.HTTP.Listen)
}

func loadTMI(t ClientCfg, hc *http.Client, key [auth.KeySize]byte) (*client[*tmi.Message, *tmi.Message], error) {
	return loadClient(
		t,
		make(chan *tmi.Message, 1),
		make(chan *tmi.Message, 8), // 8 is enough for on-connect msgs
		func(c oauth2.Config, s auth.Storage) auth.TokenSource {
			return auth.DeviceCodeFlow(c, s, hc, deviceCodePrompt)
		},
		key,
		"chat:read", "chat:edit",
	)
}

// deviceCodePrompt asks the operator to authorize the bot's chat account.
func deviceCodePrompt(userCode, verURI, verURIComplete string) {
	if verURIComplete != "" {
		fmt.Printf("Go to %s to authorize me!\n", verURIComplete)
		return
	}
	fmt.Printf("Go to %s and enter code %s to authorize me!\n", verURI, userCode)
}

func cliInit(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, _, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	_, grants, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer grants.Close()
	if err := permit.Init(ctx, grants); err != nil {
		return fmt.Errorf("couldn't initialize grants db: %w", err)
	}
	slog.InfoContext(ctx, "initialized", slog.String("grants", cfg.DB.Grants))
	return nil
}

func cliBackup(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, _, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	kv, _, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer kv.Close()
	store := settings.New(kv)
	f, err := os.Create(cmd.String("out"))
	if err != nil {
		return fmt.Errorf("couldn't create backup file: %w", err)
	}
	v, err := store.Backup(ctx, f, 0)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "backed up", slog.String("file", cmd.String("out")), slog.Uint64("version", v))
	return nil
}

func cliRestore(ctx context.Context, cmd *cli.Command) error {
	slog.SetDefault(loggerFromFlags(cmd))
	cfg, _, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	kv, _, err := loadDBs(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer kv.Close()
	store := settings.New(kv)
	f, err := os.Open(cmd.String("in"))
	if err != nil {
		return fmt.Errorf("couldn't open backup file: %w", err)
	}
	defer f.Close()
	if err := store.Restore(ctx, f); err != nil {
		return err
	}
	slog.InfoContext(ctx, "restored", slog.String("file", cmd.String("in")))
	return nil
}

func loadConfig(ctx context.Context, cmd *cli.Command) (*Config, *toml.MetaData, error) {
	r, err := os.Open(cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't open config file: %w", err)
	}
	defer r.Close()
	cfg, md, err := Load(ctx, r)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't load config: %w", err)
	}
	return cfg, md, nil
}

var (
	flagConfig = cli.StringFlag{
		Name:       "config",
		Required:   true,
		Usage:      "TOML config file",
		Persistent: true,
		Action: func(ctx context.Context, cmd *cli.Command, s string) error {
			i, err := os.Stat(s)
			if err != nil {
				return err
			}
			if !i.Mode().IsRegular() {
				return errors.New("config must be a regular file")
			}
			return nil
		},
	}

	flagLog = cli.StringFlag{
		Name:       "log",
		Usage:      "Logging level, one of debug, info, warn, error",
		Value:      "info",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			var l slog.Level
			return l.UnmarshalText([]byte(s))
		},
	}

	flagLogFormat = cli.StringFlag{
		Name:       "log-format",
		Usage:      "Logging format, either text or json",
		Value:      "text",
		Persistent: true,
		Action: func(ctx context.Context, c *cli.Command, s string) error {
			switch strings.ToLower(s) {
			case "text", "json":
				return nil
			default:
				return errors.New("unknown logging format")
			}
		},
	}
)

func loggerFromFlags(cmd *cli.Command) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(cmd.String("log"))); err != nil {
		panic(err)
	}
	var h slog.Handler
	switch strings.ToLower(cmd.String("log-format")) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	case "json":
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})
	}
	return slog.New(h)
}

// metrics configuration
func newMetrics() *metrics.Metrics {
	return &metrics.Metrics{
		MessagesCount: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "warden",
					Subsystem: "chat",
					Name:      "messages",
					Help:      "Number of messages received from chat services.",
				},
			),
		),
		CommandCount: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "warden",
					Subsystem: "chat",
					Name:      "commands",
					Help:      "Number of command invocations that reached a handler.",
				},
			),
		),
		DeniedCount: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "warden",
					Subsystem: "permit",
					Name:      "denied",
					Help:      "Number of interactions rejected by the permission gate.",
				},
			),
		),
		ThrottledCount: metrics.NewPromCounter(
			prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "warden",
					Subsystem: "throttle",
					Name:      "throttled",
					Help:      "Number of interactions rejected by the interaction limiter.",
				},
			),
		),
		FilteredCount: metrics.NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "warden",
					Subsystem: "moderate",
					Name:      "filtered",
					Help:      "Number of messages rejected by moderation filters.",
				},
				[]string{"filter"},
			),
		),
		CheckLatency: metrics.NewPromHistogram(
			prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
					Namespace: "warden",
					Subsystem: "permit",
					Name:      "check_latency",
					Help:      "How long permission checks take in seconds.",
				},
			),
		),
	}
}
