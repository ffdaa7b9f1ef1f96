// Package config loads the TOML configuration file the CLI entrypoint hands
// to the client: known servers, saved accounts, scripting/plugin settings,
// and the top-level reconnect flag.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

// Server is one entry under [servers.<name>].
type Server struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Account is one entry under [accounts.<name>].
type Account struct {
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Character string `toml:"character"` // optional
}

// Scripting holds the plugin host's settings.
type Scripting struct {
	Enabled             bool              `toml:"enabled"`
	ScriptDir           string            `toml:"script_dir"`
	HotReload           bool              `toml:"hot_reload"`
	HotReloadIntervalMs uint64            `toml:"hot_reload_interval_ms"`
	Config              map[string]string `toml:"config"`
}

// Config is the root document of config.toml (spec §6 "Persisted state
// layout"). Load reads it from the path it is given; no platform config
// directory such as $XDG_CONFIG_HOME is searched.
type Config struct {
	LogLevel  string             `toml:"log_level"`
	Reconnect bool               `toml:"reconnect"`
	Servers   map[string]Server  `toml:"servers"`
	Accounts  map[string]Account `toml:"accounts"`
	Scripting Scripting          `toml:"scripting"`
}

// Default returns Config with sensible defaults; Load overlays a TOML file
// on top of this rather than starting from a zero value.
func Default() Config {
	return Config{
		LogLevel:  "info",
		Reconnect: true,
		Servers: map[string]Server{
			"default": {Host: "127.0.0.1", Port: 9000},
		},
		Accounts: map[string]Account{},
		Scripting: Scripting{
			Enabled:             false,
			ScriptDir:           "",
			HotReload:           true,
			HotReloadIntervalMs: 1000,
			Config:              map[string]string{},
		},
	}
}

// Load reads and parses a TOML config file at path, overlaying it onto
// Default(). A missing file is not an error: callers run with defaults
// until one is written.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	return cfg, nil
}

// ServerAddr resolves a named server entry; the CLI passes this straight
// into the client's dialer.
func (c Config) ServerAddr(name string) (Server, error) {
	s, ok := c.Servers[name]
	if !ok {
		return Server{}, fmt.Errorf("config: unknown server %q", name)
	}
	return s, nil
}

// AccountCredentials resolves a named saved account.
func (c Config) AccountCredentials(name string) (Account, error) {
	a, ok := c.Accounts[name]
	if !ok {
		return Account{}, fmt.Errorf("config: unknown account %q", name)
	}
	return a, nil
}
