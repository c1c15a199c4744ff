// Command agentserver runs the Agent Protocol server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agent-protocol-go/agentserver/config"
	"github.com/agent-protocol-go/agentserver/engine"
	"github.com/agent-protocol-go/agentserver/eventlog"
	"github.com/agent-protocol-go/agentserver/lease"
	"github.com/agent-protocol-go/agentserver/runs"
	"github.com/agent-protocol-go/agentserver/server"
	"github.com/agent-protocol-go/agentserver/store"
	"github.com/agent-protocol-go/agentserver/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentserver",
		Short: "Agent Protocol server over a graph execution engine",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	reg := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		var err error
		reg, err = telemetry.New(ctx, &telemetry.Config{
			ServiceName:        cfg.Telemetry.ServiceName,
			Environment:        cfg.Telemetry.Environment,
			EnableTracing:      true,
			EnableMetrics:      true,
			SampleRate:         cfg.Telemetry.SampleRate,
			OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
			UseConsoleExporter: cfg.Telemetry.Console,
		})
		if err != nil {
			return fmt.Errorf("telemetry init failed: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			reg.Shutdown(shutdownCtx)
		}()
	}

	st, log, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer log.Close()

	leaser, err := openLeaser(cfg, st)
	if err != nil {
		return err
	}

	eng := engine.NewLocalEngine()
	notifier := runs.NewNotifier()
	driver := runs.NewDriver(st, log, leaser, eng, notifier, reg, logger)
	gateway := runs.NewGateway(st, log, notifier, reg, logger)
	controller := runs.NewController(st, log, driver, gateway, eng, notifier, logger)
	defer controller.Close()

	if cfg.Retention.MaxAge > 0 {
		sweeper := eventlog.NewSweeper(log, st, cfg.Retention.MaxAge.Std(), cfg.Retention.SweepInterval.Std(), logger)
		go sweeper.Run(ctx)
	}

	srv := server.New(controller, &server.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		AuthToken: cfg.Server.AuthToken,
	}, reg, logger)
	return srv.Start(ctx)
}

// openBackends builds the store and event log from the configured driver.
// SQL backends share one database: the sqlite file or the postgres pool.
func openBackends(ctx context.Context, cfg *config.Config) (store.Store, eventlog.Log, error) {
	switch cfg.Database.Driver {
	case "memory":
		return store.NewMemoryStore(), eventlog.NewMemoryLog(), nil
	case "sqlite":
		st, err := store.NewSqliteStore(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		log, err := eventlog.NewSqliteLog(cfg.Database.DSN)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, log, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		log, err := eventlog.NewPostgresLogWithPool(ctx, st.Pool())
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, log, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func openLeaser(cfg *config.Config, st store.Store) (lease.Leaser, error) {
	switch cfg.Lease.Backend {
	case "memory":
		return lease.NewMemoryLeaser(), nil
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, fmt.Errorf("postgres lease backend requires the postgres database driver")
		}
		return lease.NewPostgresLeaser(pg.Pool()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lease.RedisAddr,
			Password: cfg.Lease.RedisPassword,
			DB:       cfg.Lease.RedisDB,
		})
		return lease.NewRedisLeaser(client, cfg.Lease.TTL.Std()), nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", cfg.Lease.Backend)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
