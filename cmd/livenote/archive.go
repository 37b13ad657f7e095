package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"livenote/internal/archive"
	"livenote/internal/config"
)

func newArchiveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Browse archived sessions",
	}
	cmd.AddCommand(newArchiveListCmd(configPath))
	cmd.AddCommand(newArchiveShowCmd(configPath))
	return cmd
}

func newArchiveListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArchive(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTEMPLATE\tSTATE\tSTARTED\tDURATION\tSEGMENTS\tALERTS")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.ID, s.Template, s.State,
					s.StartedAt.Local().Format(time.DateTime),
					formatDuration(s.StartedAt, s.EndedAt),
					s.Segments, s.Alerts)
			}
			return w.Flush()
		},
	}
}

func newArchiveShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print an archived session export as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openArchive(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			export, err := store.Load(cmd.Context(), args[0])
			if errors.Is(err, archive.ErrNotFound) {
				return fmt.Errorf("no archived session %q", args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(export)
		},
	}
}

func openArchive(configPath string) (*archive.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if !cfg.Archive.Enabled {
		return nil, errors.New("session archive is disabled")
	}
	return archive.Open(cfg.Archive.Path)
}

func formatDuration(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(time.Second).String()
}
