package main

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/relay"
	"github.com/hupe1980/taskmesh/resilience"
	"github.com/hupe1980/taskmesh/session"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "taskmesh",
		Short:         "Orchestrate workflows across remote task-execution peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newPeersCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadConfig resolves the effective configuration: the file when given,
// defaults otherwise, with CLI overrides applied last.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) logging.Logger {
	level := logging.LogLevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = logging.LogLevelDebug
	case "warn":
		level = logging.LogLevelWarn
	case "error":
		level = logging.LogLevelError
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
}

// buildMesh assembles a TaskMesh from the configuration and registers the
// configured peers.
func buildMesh(cfg *config.Config, logger logging.Logger) (*taskmesh.TaskMesh, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var sessions session.Store
	switch cfg.Session.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.RedisAddr,
			Password: cfg.Session.RedisPassword,
			DB:       cfg.Session.RedisDB,
		})
		cleanups = append(cleanups, func() { _ = client.Close() })
		sessions = session.NewRedisStore(client)
	default:
		store := session.NewInMemoryStore(func(o *session.InMemoryOptions) {
			o.IdleTimeout = cfg.Session.IdleTimeout
		})
		cleanups = append(cleanups, store.Close)
		sessions = store
	}

	var forwarder relay.Forwarder
	if cfg.Relay.NATSURL != "" {
		nf, err := relay.NewNATSForwarder(cfg.Relay.NATSURL, cfg.Relay.NATSSubjectPrefix)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect relay forwarder: %w", err)
		}
		cleanups = append(cleanups, func() { _ = nf.Close() })
		forwarder = nf
	}

	mesh := taskmesh.New(func(o *taskmesh.Options) {
		o.Dispatch = dispatch.Options{
			MaxParallel:         cfg.Dispatch.MaxParallel,
			UnitTimeout:         cfg.Dispatch.UnitTimeout,
			MinSuccessFraction:  cfg.Dispatch.MinSuccessFraction,
			ContinueOnError:     cfg.Dispatch.ContinueOnError,
			CooldownOnRateLimit: cfg.Dispatch.CooldownOnRateLimit,
		}
		o.Retry = resilience.RetryPolicy{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
		}
		o.Dial = resilience.DialPolicy{ColdStartTimeout: cfg.Retry.ColdStartTimeout}
		o.Relay = relay.Options{
			BufferSize:        cfg.Relay.BufferSize,
			KeepaliveInterval: cfg.Relay.KeepaliveInterval,
		}
		o.SessionStore = sessions
		o.Forwarder = forwarder
		o.Logger = logger
	})
	cleanups = append(cleanups, mesh.Close)

	for _, p := range cfg.Peers {
		mesh.RegisterPeer(registry.Descriptor{
			Name:         p.Name,
			URL:          p.URL,
			FallbackURL:  p.FallbackURL,
			Capabilities: p.Capabilities,
			Color:        p.Color,
			Streaming:    p.Streaming,
		})
	}

	return mesh, cleanup, nil
}

func fmtDuration(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}
