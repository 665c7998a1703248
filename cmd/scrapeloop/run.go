package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrapeloop/pageloop"
)

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the seed page and run the poll/respond loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := pageloop.LoadConfigFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			sinks, err := pageloop.BuildSinks(cfg.Sinks, dataPath("journal.db"), logger)
			if err != nil {
				return err
			}
			if len(sinks) == 0 {
				sinks = append(sinks, pageloop.NewStdoutSink(os.Stdout))
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			r := pageloop.New(cfg, logger, sinks...)
			defer r.Close()

			err = r.Run(ctx)
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				logger.Info("scrapeloop: stopped")
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to page loop YAML config")
	cmd.MarkFlagRequired("config")
	return cmd
}
