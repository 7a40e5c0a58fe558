package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/danielpgross/rmate-launcher/internal/core"
	"github.com/danielpgross/rmate-launcher/internal/daemon"
)

// NewRootCommand builds the single command this binary exposes: no
// subcommands, no flags beyond --help/-h, per spec.md §6. Configuration
// comes entirely from the environment via core.Load.
func NewRootCommand() *cobra.Command {
	var cfg core.Config

	rootCmd := &cobra.Command{
		Use:           "rmate_launcher",
		Short:         "A local daemon that serves the rmate remote-editing protocol",
		Long:          "rmate_launcher listens for rmate connections and opens the files they send in a local editor, writing changes back on save.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(
				tint.NewHandler(os.Stderr, &tint.Options{
					Level:      slog.LevelInfo,
					TimeFormat: time.DateTime,
				}),
			))

			loaded, err := core.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.New(cfg).Run(cmd.Context())
		},
	}

	return rootCmd
}
