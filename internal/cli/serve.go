package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextsight-ai/conveyor/internal/agents"
	"github.com/nextsight-ai/conveyor/internal/cluster"
	"github.com/nextsight-ai/conveyor/internal/config"
	"github.com/nextsight-ai/conveyor/internal/engine"
	"github.com/nextsight-ai/conveyor/internal/logging"
	"github.com/nextsight-ai/conveyor/internal/logsink"
	"github.com/nextsight-ai/conveyor/internal/registry"
	"github.com/nextsight-ai/conveyor/internal/sched"
	"github.com/nextsight-ai/conveyor/internal/store"
	"github.com/nextsight-ai/conveyor/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server",
	Long: `Start the engine with its HTTP API, webhook ingestion, cron scheduler,
and live log streaming. Configuration is read from ./conveyor.yaml or
~/.conveyor/config.yaml unless --config points elsewhere.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		var cfg *config.Config
		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Server.Port = port
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "config: %v\n", e)
			}
			return fmt.Errorf("invalid configuration (%d errors)", len(errs))
		}

		log := logging.New(cfg.Logging)
		defer log.Sync()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var clusterRunner cluster.Runner
		if cfg.Cluster.Enabled {
			runner, err := cluster.NewDockerRunner(ctx)
			if err != nil {
				log.Warnw("cluster backend unavailable, cluster_job runs will be simulated", "error", err)
			} else {
				clusterRunner = runner
				defer runner.Close()
			}
		}

		sink := logsink.New(st, log)
		reg := registry.New()
		eng := engine.New(st, sink, reg, agents.NewHTTPClient(10*time.Second), clusterRunner, engine.Options{
			ApprovalPoll:    config.Duration(cfg.Engine.ApprovalPoll, 5*time.Second),
			ApprovalTimeout: config.Duration(cfg.Engine.ApprovalTimeout, time.Hour),
			AgentPoll:       config.Duration(cfg.Engine.AgentPoll, 2*time.Second),
			AgentTimeout:    config.Duration(cfg.Engine.AgentTimeout, time.Hour),
			Workdir:         cfg.Engine.Workdir,
			JobImage:        cfg.Cluster.Image,
			WorkspaceRoot:   cfg.Engine.WorkspaceRoot,
		}, log)

		scheduler := sched.New(eng, st, log)
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}

		srv := web.NewServer(eng, st, sink, cfg.Server.Port, log)
		if err := srv.Start(ctx); err != nil {
			return err
		}

		// Signal received: stop accepting work, then drain live runs.
		log.Infow("shutting down")
		scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http shutdown", "error", err)
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Warnw("engine shutdown", "error", err)
		}
		return nil
	},
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		return store.NewMemStore(), nil
	}
	dsn := cfg.Database.DSN
	if dsn == "" && cfg.Database.Driver == "sqlite3" {
		path, err := store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("db path: %w", err)
		}
		dsn = path
	}
	db, err := store.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func init() {
	serveCmd.Flags().String("config", "", "Path to the server config file")
	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
}
