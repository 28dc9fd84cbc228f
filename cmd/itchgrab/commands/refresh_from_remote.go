package commands

import (
	"log/slog"

	"itchgrab/lib/cliutil"
	"itchgrab/services/discovery"

	"github.com/spf13/cobra"
)

var remoteUrl *string

func init() {
	remoteUrl = refreshFromRemoteCmd.Flags().String("url", "", "The snapshot url of the remote instance, e.g. https://example.org/api/active.json.")
	refreshFromRemoteCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(refreshFromRemoteCmd)
}

var refreshFromRemoteCmd = &cobra.Command{
	Use:   "refresh-from-remote-cache --url <snapshot url>",
	Short: "Imports the exported cache of another itchgrab instance instead of scanning.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cliutil.SignalContext()
		cfg := loadConfig()
		store := mustOpenStore(cfg)
		engine := discovery.NewEngine(mustNewClient(ctx), store, cfg.Discovery)

		report, err := engine.ImportSnapshot(ctx, *remoteUrl)
		if err != nil {
			cliutil.Fatal("failed to import remote cache", err)
		}
		slog.Info("remote cache imported",
			"imported", report.Imported,
			"skipped", report.Skipped,
			"pruned", report.Pruned,
			"frontier", report.Frontier)
	},
}
