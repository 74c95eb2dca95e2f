// Package config loads the server configuration into an immutable snapshot.
// Consumers hold the snapshot returned by Manager.Current; a config file
// change builds a fresh snapshot and swaps it atomically.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Ensemble/internal/domain"
	"github.com/dkeye/Ensemble/internal/ratelimit"
)

type UsersConfig struct {
	DefaultName         string `mapstructure:"default_name"`
	IDGeneration        string `mapstructure:"id_generation"`
	ColorGeneration     string `mapstructure:"color_generation"`
	Salt                string `mapstructure:"salt"`
	ColorSalt           string `mapstructure:"color_salt"`
	EnableColorChanging bool   `mapstructure:"enable_color_changing"`
	EnableTags          bool   `mapstructure:"enable_tags"`
}

type ChannelsConfig struct {
	ForceLoad       []string               `mapstructure:"force_load"`
	LobbySettings   domain.ChannelSettings `mapstructure:"lobby_settings"`
	DefaultSettings domain.ChannelSettings `mapstructure:"default_settings"`
	LobbyRegexes    []string               `mapstructure:"lobby_regexes"`
	LobbyBackdoor   string                 `mapstructure:"lobby_backdoor"`
	FullChannel     string                 `mapstructure:"full_channel"`
	ChownOnRejoin   bool                   `mapstructure:"chown_on_rejoin"`
	DisableCrown    bool                   `mapstructure:"disable_crown"`
	DestroyDelay    time.Duration          `mapstructure:"destroy_delay"`
	MaxBanDuration  time.Duration          `mapstructure:"max_ban_duration"`
	ListInterval    time.Duration          `mapstructure:"list_interval"`
}

type RateLimitsConfig struct {
	User  ratelimit.TableSpec `mapstructure:"user"`
	Crown ratelimit.TableSpec `mapstructure:"crown"`
	Admin ratelimit.TableSpec `mapstructure:"admin"`
}

type Config struct {
	Mode         string           `mapstructure:"mode"`
	Port         int              `mapstructure:"port"`
	LogLevel     string           `mapstructure:"log_level"`
	StaticPath   string           `mapstructure:"static_path"`
	DatabasePath string           `mapstructure:"database_path"`
	Secret       string           `mapstructure:"secret"`
	MOTD         string           `mapstructure:"motd"`
	Users        UsersConfig      `mapstructure:"users"`
	Channels     ChannelsConfig   `mapstructure:"channels"`
	RateLimits   RateLimitsConfig `mapstructure:"rate_limits"`

	lobbyPatterns []*regexp.Regexp
	trueLobby     *regexp.Regexp
}

// IsLobby reports whether a channel ID matches any configured lobby pattern.
func (c *Config) IsLobby(id string) bool {
	for _, re := range c.lobbyPatterns {
		if re.MatchString(id) {
			return true
		}
	}
	return false
}

// IsTrueLobby reports whether a channel ID is a genuine numbered lobby,
// subject to the 20-participant cap and auto-numbered overflow.
func (c *Config) IsTrueLobby(id string) bool {
	return c.trueLobby.MatchString(id)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./public")
	v.SetDefault("database_path", "ensemble.db")
	v.SetDefault("motd", "")

	v.SetDefault("users.default_name", "Anonymous")
	v.SetDefault("users.id_generation", "random")
	v.SetDefault("users.color_generation", "random")
	v.SetDefault("users.enable_color_changing", true)
	v.SetDefault("users.enable_tags", false)

	v.SetDefault("channels.force_load", []string{"lobby", "test/awkward"})
	v.SetDefault("channels.lobby_settings", map[string]any{
		"lobby":   true,
		"chat":    true,
		"visible": true,
		"color":   "#73b3cc",
		"color2":  "#273546",
	})
	v.SetDefault("channels.default_settings", map[string]any{
		"chat":    true,
		"visible": true,
		"color":   "#3b5054",
		"color2":  "#001014",
	})
	v.SetDefault("channels.lobby_regexes", []string{
		"^lobby[0-9][0-9]$",
		"^lobby[0-9]$",
		"^lobby$",
		"^test/.+$",
	})
	v.SetDefault("channels.lobby_backdoor", "lolwutsecretlobbybackdoor")
	v.SetDefault("channels.full_channel", "test/awkward")
	v.SetDefault("channels.chown_on_rejoin", true)
	v.SetDefault("channels.disable_crown", false)
	v.SetDefault("channels.destroy_delay", "1s")
	v.SetDefault("channels.max_ban_duration", "60m")
	v.SetDefault("channels.list_interval", "5s")

	userNormal := map[string]any{
		"a": "250ms", "m": "40ms", "ch": "100ms",
		"kickban": "50ms", "unban": "50ms", "t": "10ms",
		"+ls": "15ms", "-ls": "15ms", "chown": "500ms",
		"+custom": "10ms", "-custom": "10ms",
		"hi": "100ms", "bye": "100ms", "devices": "100ms",
	}
	userChains := map[string]any{
		"userset": map[string]any{"num": 1000, "interval": "60s"},
		"chset":   map[string]any{"num": 1024, "interval": "60s"},
		"n":       map[string]any{"num": 2000, "interval": "1s"},
		"custom":  map[string]any{"num": 1024, "interval": "1s"},
	}
	v.SetDefault("rate_limits.user.normal", userNormal)
	v.SetDefault("rate_limits.user.chains", userChains)

	crownNormal := map[string]any{}
	for k, val := range userNormal {
		crownNormal[k] = val
	}
	crownNormal["a"] = "50ms"
	v.SetDefault("rate_limits.crown.normal", crownNormal)
	v.SetDefault("rate_limits.crown.chains", userChains)

	adminNormal := map[string]any{}
	for k := range userNormal {
		adminNormal[k] = "10ms"
	}
	v.SetDefault("rate_limits.admin.normal", adminNormal)
	v.SetDefault("rate_limits.admin.chains", map[string]any{
		"userset": map[string]any{"num": 100000, "interval": "500ms"},
		"chset":   map[string]any{"num": 1024, "interval": "60s"},
		"n":       map[string]any{"num": 2400000, "interval": "50ms"},
		"custom":  map[string]any{"num": 2000000, "interval": "60s"},
	})
}

func fromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for _, expr := range cfg.Channels.LobbyRegexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bad lobby regex %q: %w", expr, err)
		}
		cfg.lobbyPatterns = append(cfg.lobbyPatterns, re)
	}
	cfg.trueLobby = regexp.MustCompile(`^lobby[0-9]*$`)

	return &cfg, nil
}

// Manager owns the current snapshot and the viper instance watching it.
type Manager struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
}

// Load reads the config file (optional; defaults apply when absent) and
// returns a manager holding the initial snapshot.
func Load() (*Manager, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}

	m := &Manager{v: v}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the live snapshot. The returned value is immutable.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Watch rebuilds and swaps the snapshot whenever the config file changes,
// then invokes onChange with the fresh snapshot.
func (m *Manager) Watch(onChange func(*Config)) {
	m.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := fromViper(m.v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("config reload failed, keeping old snapshot")
			return
		}
		m.current.Store(cfg)
		log.Info().Str("module", "config").Msg("config reloaded")
		if onChange != nil {
			onChange(cfg)
		}
	})
	m.v.WatchConfig()
}

// Default builds a snapshot from defaults only. Used by tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		panic(err)
	}
	return cfg
}
