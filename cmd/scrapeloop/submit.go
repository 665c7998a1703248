package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/scrapeloop/action"
	"github.com/hazyhaar/scrapeloop/coordinator"
	"github.com/hazyhaar/scrapeloop/dbopen"
)

func newSubmitCmd() *cobra.Command {
	var (
		dbPath   string
		bodyPath string
		id       string
		actions  []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a page body and its follow-up actions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			body, err := os.ReadFile(bodyPath)
			if err != nil {
				return err
			}
			// Instruction headers are checked here; legacy script
			// headers are passed through as given.
			for i, a := range actions {
				if _, err := action.Parse(a, action.ParseOptions{AllowScripts: true}); err != nil {
					return fmt.Errorf("action %d: %w", i, err)
				}
			}

			if dbPath == "" {
				dbPath = dataPath("coordinator.db")
			}
			db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
			if err != nil {
				return err
			}
			defer db.Close()

			c, err := coordinator.New(&coordinator.Config{}, db, logger, nil)
			if err != nil {
				return err
			}
			jobID, err := c.Submit(cmd.Context(), coordinator.Job{ID: id, Body: string(body), Actions: actions})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "job queue database (default: XDG data dir)")
	cmd.Flags().StringVar(&bodyPath, "body", "", "file holding the fragment to serve")
	cmd.Flags().StringVar(&id, "id", "", "job ID (default: generated)")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "follow-up action header, repeatable, sent in order")
	cmd.MarkFlagRequired("body")
	return cmd
}
