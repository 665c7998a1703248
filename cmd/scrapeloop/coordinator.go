package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/scrapeloop/coordinator"
	"github.com/hazyhaar/scrapeloop/dbopen"
	"github.com/hazyhaar/scrapeloop/sink"
)

func newCoordinatorCmd() *cobra.Command {
	var (
		configPath  string
		listen      string
		dbPath      string
		journalPath string
		markdownDir string
	)
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Serve queued jobs to page loops and collect their documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}

			cfg := &coordinator.Config{}
			if configPath != "" {
				if cfg, err = coordinator.LoadConfigFile(configPath); err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if cfg.DBPath == "" {
				cfg.DBPath = dataPath("coordinator.db")
			}

			var sinks []sink.Sink
			if journalPath != "" {
				j, err := sink.OpenJournal(journalPath)
				if err != nil {
					return err
				}
				sinks = append(sinks, j)
			}
			if markdownDir != "" {
				m, err := sink.NewMarkdown(markdownDir)
				if err != nil {
					return err
				}
				sinks = append(sinks, m)
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serveCoordinator(ctx, cfg, sinks, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to coordinator YAML config")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "job queue database (default: XDG data dir)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "record responses in a SQLite journal")
	cmd.Flags().StringVar(&markdownDir, "markdown", "", "archive responses as markdown files")
	return cmd
}

func serveCoordinator(ctx context.Context, cfg *coordinator.Config, sinks []sink.Sink, logger *slog.Logger) error {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	c, err := coordinator.New(cfg, db, logger, sinks)
	if err != nil {
		return err
	}
	defer c.Close()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("coordinator: listening", "addr", ln.Addr().String(), "db", cfg.DBPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case res := <-c.Results():
				logger.Info("coordinator: result",
					"job", res.JobID, "token", res.Token, "action", res.Action, "size", len(res.Snapshot))
			}
		}
	})
	return g.Wait()
}
