package commands

import (
	"log/slog"

	"itchgrab/lib/cliutil"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(refreshLibraryCmd)
}

var refreshLibraryCmd = &cobra.Command{
	Use:   "refresh-library",
	Short: "Re-enumerates the account's owned items and replaces the stored set.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cliutil.SignalContext()
		cfg := loadConfig()
		sess, err := login(ctx, cfg, mustNewClient(ctx))
		if err != nil {
			cliutil.Fatal("failed to log in to itch.io", err)
		}

		count, err := sess.RefreshLibrary(ctx)
		if err != nil {
			cliutil.Fatal("failed to refresh library", err)
		}
		slog.Info("library refreshed", "owned", count)
	},
}
