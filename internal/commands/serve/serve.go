// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serve implements the serve command.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/vantage/internal/api"
	"github.com/tombee/vantage/internal/audit"
	"github.com/tombee/vantage/internal/commands/shared"
	"github.com/tombee/vantage/internal/config"
	"github.com/tombee/vantage/internal/engine"
	"github.com/tombee/vantage/internal/log"
)

type options struct {
	addr    string
	persist bool
	watch   bool

	// ready receives the bound address once the listener is up.
	ready func(addr string)
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP API",
		Long: `Start the engine and serve the HTTP API and Prometheus metrics.

Budgets and alert rules come from the config file and are re-applied
whenever it changes. With --persist, experiments, assignments and alert
events are kept in a SQLite database under the data directory so that
assignments stay sticky across restarts.`,
		Example: `  # Serve on the configured address
  vantage serve

  # Serve on all interfaces and keep state across restarts
  vantage serve --addr 0.0.0.0:8080 --persist`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "Store state in the data directory unless storage.path is set")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Re-apply budgets and rules when the config file changes")

	return cmd
}

func run(ctx context.Context, opts options) error {
	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.persist && cfg.Storage.Path == "" {
		dir, err := config.DataDir()
		if err != nil {
			return fmt.Errorf("failed to determine data directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		cfg.Storage.Path = filepath.Join(dir, config.DatabaseFile)
	}

	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = shared.Build().Version
	}

	logger := log.New(&log.Config{
		Level:     shared.LogLevel(cfg.Log.Level),
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Warn("engine shutdown incomplete", log.Error(err))
		}
	}()

	auditLog, err := audit.NewLoggerFromDestination(cfg.Server.Audit.Destination, cfg.Server.Audit.FilePath)
	if err != nil {
		return shared.NewConfigError("failed to open audit log", err)
	}
	defer auditLog.Close()

	router := api.NewRouter(api.Config{
		Engine:         eng,
		Logger:         logger,
		MetricsPath:    cfg.Server.MetricsPath,
		Version:        shared.Build().Version,
		Audit:          auditLog,
		TrustedProxies: cfg.Server.Audit.TrustedProxies,
	})
	srv := &http.Server{
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if path != "" && opts.watch {
		w, err := config.NewWatcher(config.WatcherConfig{
			Path:   path,
			Logger: logger,
			OnChange: func(next *config.Config) {
				if err := eng.ApplyConfig(gctx, next); err != nil {
					logger.Warn("config partially applied", log.Error(err))
					return
				}
				logger.Info("config reloaded", slog.String("path", path))
			},
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer w.Close()
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("vantage serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("config", path),
		slog.String("storage", cfg.Storage.Path))
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	return g.Wait()
}
