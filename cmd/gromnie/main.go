package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoeba/gromnie/internal/client"
	"github.com/amoeba/gromnie/internal/config"
	"github.com/amoeba/gromnie/internal/pluginhost"
	"github.com/amoeba/gromnie/internal/session"
)

const defaultConfigPath = "config.toml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	rescan := make(chan struct{}, 1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				slog.Info("received reload signal, requesting plugin rescan")
				select {
				case rescan <- struct{}{}:
				default:
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			return
		}
	}()

	if err := run(ctx, rescan); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rescan <-chan struct{}) error {
	configPath := flag.String("config", defaultConfigPath, "path to config.toml")
	serverName := flag.String("server", "default", "server entry from config to connect to")
	accountName := flag.String("account", "", "account entry from config to authenticate with")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("gromnie starting", "config", *configPath, "log_level", cfg.LogLevel)

	server, err := cfg.ServerAddr(*serverName)
	if err != nil {
		return fmt.Errorf("resolving server: %w", err)
	}

	account, password, err := resolveAccount(cfg, *accountName)
	if err != nil {
		return fmt.Errorf("resolving account: %w", err)
	}

	reconnect := session.DefaultReconnectPolicy()
	reconnect.Enabled = cfg.Reconnect

	opts := client.Options{
		ServerHost:     server.Host,
		LoginPort:      server.Port,
		WorldPort:      server.Port + 1,
		Account:        account,
		Password:       password,
		Reconnect:      reconnect,
		PluginsEnabled: cfg.Scripting.Enabled,
		Plugins: pluginhost.Options{
			ScriptDir:        cfg.Scripting.ScriptDir,
			ScanInterval:     time.Duration(cfg.Scripting.HotReloadIntervalMs) * time.Millisecond,
			DisableHotReload: !cfg.Scripting.HotReload,
		},
	}

	c, err := client.New(ctx, slog.Default(), opts)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	go forwardRescans(ctx, rescan, c)

	return c.Run(ctx)
}

// resolveAccount picks the named account from config, or falls back to the
// lone configured account when name is empty and exactly one exists.
func resolveAccount(cfg config.Config, name string) (account, password string, err error) {
	if name != "" {
		a, err := cfg.AccountCredentials(name)
		if err != nil {
			return "", "", err
		}
		return a.Username, a.Password, nil
	}
	if len(cfg.Accounts) == 1 {
		for _, a := range cfg.Accounts {
			return a.Username, a.Password, nil
		}
	}
	return "", "", fmt.Errorf("no account specified and config does not have exactly one account")
}

// forwardRescans publishes a RescanRequested event onto the client's bus
// whenever SIGUSR1 arrives, until ctx is cancelled.
func forwardRescans(ctx context.Context, rescan <-chan struct{}, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rescan:
			c.RequestPluginRescan()
		}
	}
}

// parseLogLevel converts a config log level string to slog.Level,
// defaulting to Info when empty or unrecognized.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
