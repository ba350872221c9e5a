package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/chapterd/internal/download"
	localstorage "github.com/JakeFAU/chapterd/internal/storage/local"
)

// openStore reads the downloads root without validating the rest of the
// config, so inspection works without credentials.
func openStore(cmd *cobra.Command) (*localstorage.ProgressStore, error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	store, err := localstorage.NewProgressStore(localstorage.Config{BaseDir: e.v.GetString("downloads.root")})
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	return store, nil
}

func newProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <work>",
		Short: "Print the stored progress record of a work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			work, err := download.SanitizeWorkName(args[0])
			if err != nil {
				return err
			}
			snap, err := store.Load(cmd.Context(), work)
			if err != nil {
				return fmt.Errorf("load progress: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <work>",
		Short: "Delete the progress record of a work, keeping its images",
		Long: `forget removes <work>'s progress record so the next download starts
at the URL it is given. Downloaded images stay on disk and are reused.
Do not run it against a work that a running server is downloading.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			work, err := download.SanitizeWorkName(args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), work); err != nil {
				return fmt.Errorf("forget %s: %w", work, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", work)
			return nil
		},
	}
}

func newWorksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "works",
		Short: "List works that have a progress record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			works, err := store.ListWorks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list works: %w", err)
			}
			for _, w := range works {
				snap, err := store.Load(cmd.Context(), w)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t(unreadable: %v)\n", w, err)
					continue
				}
				state := "in progress"
				if snap.Finished {
					state = "finished"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tlast chapter %d\t%s\n", w, snap.LastCompletedChapter, state)
			}
			return nil
		},
	}
}
