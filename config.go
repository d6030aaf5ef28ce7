package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"gitlab.com/zephyrtronium/pick"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/zephyrtronium/warden/auth"
	"github.com/zephyrtronium/warden/guild"
	"github.com/zephyrtronium/warden/message"
	"github.com/zephyrtronium/warden/permit"
	"github.com/zephyrtronium/warden/settings"
	"github.com/zephyrtronium/warden/throttle"
)

// Load loads Warden from a TOML configuration.
func Load(ctx context.Context, r io.Reader) (*Config, *toml.MetaData, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't decode config: %w", err)
	}
	expandcfg(&cfg, os.Getenv)
	return &cfg, &md, nil
}

// SetOwner sets owner metadata used in self-description commands.
func (w *Warden) SetOwner(ownerName, ownerContact string) {
	w.owner = ownerName
	w.ownerContact = ownerContact
}

// SetSecrets loads the bot's fixed secret and initializes derived secrets.
func (w *Warden) SetSecrets(file string) error {
	k, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("couldn't read secret key: %w", err)
	}
	tk := domainkey(make([]byte, auth.KeySize), k, []byte("oauth2.twitch"))
	w.secrets = &keys{
		twitch: (*[auth.KeySize]byte)(tk),
	}
	return nil
}

// SetTwitchGuilds initializes Twitch channel configuration. Each configured
// channel becomes a guild keyed by its channel name.
func (w *Warden) SetTwitchGuilds(ctx context.Context, global Global, channels map[string]*GuildCfg) error {
	for nm, ch := range channels {
		gs, err := w.makeGuilds(ctx, global, ch, "twitch."+nm)
		if err != nil {
			return err
		}
		for _, v := range gs {
			v := v
			v.Message = func(ctx context.Context, msg message.Sent) {
				w.sendTMI(ctx, w.tmi.send, msg)
			}
			w.guilds.Store(v.ID, v)
		}
	}
	return nil
}

// makeGuilds builds the guilds for one config table, restoring persisted
// settings for each.
func (w *Warden) makeGuilds(ctx context.Context, global Global, ch *GuildCfg, where string) ([]*guild.Guild, error) {
	blk, err := blockRegexp(global.Block, ch.Block)
	if err != nil {
		return nil, fmt.Errorf("bad global or guild block expression for %s: %w", where, err)
	}
	var link *regexp.Regexp
	if ch.Link != "" {
		link, err = regexp.Compile(ch.Link)
		if err != nil {
			return nil, fmt.Errorf("bad link expression for %s: %w", where, err)
		}
	}
	emotes := pick.New(pick.FromMap(mergemaps(global.Emotes, ch.Emotes)))
	var ign, mod map[string]bool
	for _, p := range ch.Privileges {
		switch {
		case strings.EqualFold(p.Level, "ignore"):
			if ign == nil {
				ign = make(map[string]bool)
			}
			ign[p.ID] = true
		case strings.EqualFold(p.Level, "moderator"):
			if mod == nil {
				mod = make(map[string]bool)
			}
			mod[p.ID] = true
		}
	}
	r := make([]*guild.Guild, 0, len(ch.Guilds))
	for _, p := range ch.Guilds {
		v := &guild.Guild{
			ID:      p,
			Name:    p,
			Block:   blk,
			Link:    link,
			Rate:    rate.NewLimiter(rate.Every(fseconds(ch.Rate.Every)), ch.Rate.Num),
			Ignore:  ign,
			Mod:     mod,
			Emotes:  emotes,
			History: guild.NewHistory(),
		}
		v.SetWelcome(ch.Welcome)
		if err := w.restoreGuild(ctx, v); err != nil {
			return nil, err
		}
		r = append(r, v)
	}
	return r, nil
}

// blockRegexp compiles the merged block expression from the global and guild
// configs. Blocking nothing yields nil rather than an expression matching
// everything; matched messages get deleted, so the distinction matters.
func blockRegexp(global, guild string) (*regexp.Regexp, error) {
	switch {
	case global == "" && guild == "":
		return nil, nil
	case global == "":
		return regexp.Compile(guild)
	case guild == "":
		return regexp.Compile(global)
	default:
		return regexp.Compile("(" + global + ")|(" + guild + ")")
	}
}

// restoreGuild applies a guild's persisted settings over its config.
func (w *Warden) restoreGuild(ctx context.Context, v *guild.Guild) error {
	var welcome string
	ok, err := w.settings.Get(ctx, v.ID, settings.Welcome, &welcome)
	if err != nil {
		return fmt.Errorf("couldn't restore welcome for %s: %w", v.ID, err)
	}
	if ok {
		v.SetWelcome(welcome)
	}
	var links bool
	ok, err = w.settings.Get(ctx, v.ID, settings.Links, &links)
	if err != nil {
		return fmt.Errorf("couldn't restore link filter for %s: %w", v.ID, err)
	}
	if ok {
		v.Links.Store(links)
	}
	var until int64
	ok, err = w.settings.Get(ctx, v.ID, settings.Lockdown, &until)
	if err != nil {
		return fmt.Errorf("couldn't restore lockdown for %s: %w", v.ID, err)
	}
	if ok && time.UnixMilli(until).After(time.Now()) {
		v.Locked.Store(time.UnixMilli(until).UnixNano())
	}
	return nil
}

// loadDBs opens the settings and grants databases from their configured
// locations.
func loadDBs(ctx context.Context, cfg DBCfg) (kv *badger.DB, grants *sqlitex.Pool, err error) {
	if cfg.Settings == "" {
		return nil, nil, fmt.Errorf("no settings db configured")
	}
	if cfg.Grants == "" {
		return nil, nil, fmt.Errorf("no grants db configured")
	}
	slog.DebugContext(ctx, "settings db", slog.String("path", cfg.Settings), slog.String("flags", cfg.KVFlag))
	opts := badger.DefaultOptions(cfg.Settings)
	opts = opts.WithLogger(nil)
	opts = opts.WithCompression(options.None)
	opts = opts.WithBloomFalsePositive(0)
	kv, err = badger.Open(opts.FromSuperFlag(cfg.KVFlag))
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't open settings db: %w", err)
	}
	slog.DebugContext(ctx, "grants db", slog.String("path", cfg.Grants))
	grants, err = sqlitex.NewPool(cfg.Grants, sqlitex.PoolOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("couldn't open grants db: %w", err)
	}
	return kv, grants, nil
}

// throttleProfiles builds the throttle profile registry, applying config
// overrides to the defaults.
func throttleProfiles(cfg map[string]ThrottleCfg) map[throttle.Action]throttle.Profile {
	r := throttle.Profiles()
	for a, t := range cfg {
		r[throttle.Action(a)] = throttle.Profile{
			Points: t.Points,
			Window: fseconds(t.Window),
		}
	}
	return r
}

// commandDefaults builds the default tier per command, applying config
// overrides to the command table's defaults.
func commandDefaults(cfg map[string]string) (map[string]permit.Level, error) {
	r := make(map[string]permit.Level, len(chatCommands))
	for i := range chatCommands {
		c := &chatCommands[i]
		r[c.name] = c.tier
	}
	for name, tier := range cfg {
		l, err := permit.ParseLevel(tier)
		if err != nil {
			return nil, fmt.Errorf("bad tier for command %s: %w", name, err)
		}
		r[name] = l
	}
	return r, nil
}

func mergemaps(ms ...map[string]int) map[string]int {
	u := make(map[string]int)
	for _, m := range ms {
		for k, v := range m {
			u[k] += v
		}
	}
	return u
}

func fseconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// loadClient loads client configuration from unmarshaled TOML.
func loadClient[Send, Receive any](
	t ClientCfg,
	send chan Send,
	recv chan Receive,
	tokens func(oauth2.Config, auth.Storage) auth.TokenSource,
	key [auth.KeySize]byte,
	scopes ...string,
) (*client[Send, Receive], error) {
	secret, err := os.ReadFile(t.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read client secret: %w", err)
	}
	stor, err := auth.NewFileAt(t.TokenFile, key)
	if err != nil {
		return nil, fmt.Errorf("couldn't use token storage: %w", err)
	}
	cfg := oauth2.Config{
		ClientID:     t.CID,
		ClientSecret: strings.TrimSpace(string(secret)),
		Endpoint:     t.endpoint,
		RedirectURL:  t.RedirectURL,
		Scopes:       scopes,
	}
	return &client[Send, Receive]{
		send:   send,
		recv:   recv,
		me:     strings.ToLower(t.User),
		owner:  t.Owner.ID,
		rate:   rate.NewLimiter(rate.Every(fseconds(t.Rate.Every)), t.Rate.Num),
		tokens: tokens(cfg, stor),
	}, nil
}

type keys struct {
	// twitch is the key for Twitch OAuth2 token storage.
	twitch *[auth.KeySize]byte
}

// domainkey fills o with a key derived from k for the given domain. Panics if
// a key cannot be expanded.
func domainkey(o, k, domain []byte) []byte {
	kr := hkdf.Expand(sha3.New224, k, domain)
	if _, err := io.ReadFull(kr, o); err != nil {
		panic(err)
	}
	return o
}

// Config is the marshaled structure of Warden's configuration.
type Config struct {
	// SecretFile is the path to a file containing a secret key used to
	// encrypt durable secrets like OAuth2 refresh tokens.
	SecretFile string `toml:"secret"`
	// Owner is the table of metadata about the owner.
	Owner Owner `toml:"owner"`
	// DB is the table of database locations.
	DB DBCfg `toml:"db"`
	// HTTP is the HTTP API configuration.
	HTTP HTTPCfg `toml:"http"`
	// Backup is the settings backup configuration.
	Backup BackupCfg `toml:"backup"`
	// Global is the table of global settings.
	Global Global `toml:"global"`
	// Throttle is the table of interaction budget overrides, keyed by action
	// class.
	Throttle map[string]ThrottleCfg `toml:"throttle"`
	// Commands is the table of default tier overrides, keyed by command name.
	Commands map[string]string `toml:"commands"`
	// TMI is the configuration for connecting to Twitch chat.
	TMI ClientCfg `toml:"tmi"`
	// Discord is the configuration for connecting to Discord.
	Discord DiscordCfg `toml:"discord"`
	// Twitch is the set of guild configurations for Twitch. Each key
	// represents a group of one or more channels sharing a config.
	Twitch map[string]*GuildCfg `toml:"twitch"`
	// Guilds is the set of guild configurations for Discord.
	Guilds map[string]*GuildCfg `toml:"guild"`
}

// GuildCfg is the configuration for a guild.
type GuildCfg struct {
	// Guilds is the list of guild IDs or channel names using this config.
	Guilds []string `toml:"guilds"`
	// Block is a regular expression of messages to remove on sight.
	Block string `toml:"block"`
	// Link is a regular expression matching links for the link filter.
	Link string `toml:"link"`
	// Welcome is the default welcome message template. "%s" stands for the
	// new user's name. Empty disables welcomes.
	Welcome string `toml:"welcome"`
	// Rate is the rate limit for messages the bot sends to the guild.
	Rate Rate `toml:"rate"`
	// Emotes is the emotes and their weights for the guild.
	Emotes map[string]int `toml:"emotes"`
	// Privileges is the static user access controls for the guild.
	Privileges []Privilege `toml:"privileges"`
	// Channel is the ID of the channel in which the bot speaks. It is only
	// meaningful for Discord guilds.
	Channel string `toml:"channel"`
}

// Global is the configuration for globally applied options.
type Global struct {
	// Block is a regular expression of messages to remove everywhere.
	Block string `toml:"block"`
	// Emotes is the emotes and their weights to use everywhere.
	Emotes map[string]int `toml:"emotes"`
}

// Owner is metadata about the bot owner.
type Owner struct {
	// Name is the name of the owner. It does not need to be a username.
	Name string `toml:"name"`
	// Contact describes owner contact information.
	Contact string `toml:"contact"`
	// ID is the platform user ID of the owner. The owner bypasses all
	// permission checks.
	ID string `toml:"id"`
}

// ClientCfg is the configuration for connecting to an OAuth2 interface.
type ClientCfg struct {
	// CID is the client ID.
	CID string `toml:"cid"`
	// SecretFile is the path to a file containing the client secret.
	SecretFile string `toml:"secret"`
	// RedirectURL is the redirect URL for OAuth2 flows. For clients that
	// don't use authorization code grant flow, it may be unused but still
	// must match the configuration on the platform.
	RedirectURL string `toml:"redirect"`
	// TokenFile is the path to a file in which the bot will persist its
	// OAuth2 token. It is encrypted with a key derived from the
	// Config.Secret key.
	TokenFile string `toml:"token"`
	// User is the login name of the bot's account.
	User string `toml:"user"`
	// Owner is the user ID of the owner on this platform.
	Owner Privilege `toml:"owner"`
	// Rate is the global send rate limit for this client.
	Rate Rate `toml:"rate"`

	endpoint oauth2.Endpoint `toml:"-"`
}

// DiscordCfg is the configuration for connecting to Discord.
type DiscordCfg struct {
	// TokenFile is the path to a file containing the bot token.
	TokenFile string `toml:"token"`
}

type Privilege struct {
	// ID is the user ID.
	ID string `toml:"id"`
	// Name is the user name or login name (not display name).
	Name string `toml:"name"`
	// Level is the access level granted to the user.
	// Valid values are the empty string as the default capability,
	// "ignore" to disable access to all commands,
	// or "moderator" to grant moderator standing.
	Level string `toml:"level"`
}

// DBCfg is the configuration of databases.
type DBCfg struct {
	// Grants is the DSN of the permission grants database.
	Grants string `toml:"grants"`
	// Settings is the directory of the settings database.
	Settings string `toml:"settings"`
	// KVFlag is a badger superflag applied to the settings database.
	KVFlag string `toml:"kvflag"`
}

// HTTPCfg is the HTTP API configuration.
type HTTPCfg struct {
	// Listen is the address on which to serve the API. Empty disables it.
	Listen string `toml:"listen"`
}

// BackupCfg is the settings backup configuration.
type BackupCfg struct {
	// Dir is the directory in which the backup command writes backups.
	// Empty disables the command.
	Dir string `toml:"dir"`
}

// Rate is a rate limit configuration.
type Rate struct {
	Every float64 `toml:"every"`
	Num   int     `toml:"num"`
}

// ThrottleCfg is an interaction budget configuration.
type ThrottleCfg struct {
	// Points is the number of interactions allowed per window.
	Points int `toml:"points"`
	// Window is the budget window in seconds.
	Window float64 `toml:"window"`
}

func expandcfg(cfg *Config, expand func(s string) string) {
	fields := []*string{
		&cfg.SecretFile,
		&cfg.Owner.Name,
		&cfg.Owner.Contact,
		&cfg.Owner.ID,
		&cfg.DB.Grants,
		&cfg.DB.Settings,
		&cfg.DB.KVFlag,
		&cfg.Backup.Dir,
		&cfg.TMI.CID,
		&cfg.TMI.SecretFile,
		&cfg.TMI.TokenFile,
		&cfg.TMI.User,
		&cfg.TMI.Owner.Name,
		&cfg.TMI.Owner.ID,
		&cfg.Discord.TokenFile,
	}
	for _, f := range fields {
		*f = os.Expand(*f, expand)
	}
	for _, v := range cfg.Twitch {
		for i, s := range v.Guilds {
			v.Guilds[i] = os.Expand(s, expand)
		}
	}
	for _, v := range cfg.Guilds {
		for i, s := range v.Guilds {
			v.Guilds[i] = os.Expand(s, expand)
		}
		v.Channel = os.Expand(v.Channel, expand)
	}
}
