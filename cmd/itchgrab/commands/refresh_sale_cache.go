package commands

import (
	"log/slog"

	"itchgrab/lib/cliutil"
	"itchgrab/services/discovery"

	"github.com/spf13/cobra"
)

var refreshSales *[]int64

func init() {
	refreshSales = refreshSaleCacheCmd.Flags().Int64Slice("sales", nil, "Re-scrape only these sale IDs instead of scanning forward.")
	rootCmd.AddCommand(refreshSaleCacheCmd)
}

var refreshSaleCacheCmd = &cobra.Command{
	Use:   "refresh-sale-cache [--sales <id>,<id>,...]",
	Short: "Scans the sale pages forward from the last checkpoint and caches free promotions.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cliutil.SignalContext()
		cfg := loadConfig()
		store := mustOpenStore(cfg)
		engine := discovery.NewEngine(mustNewClient(ctx), store, cfg.Discovery)

		var report discovery.RunReport
		var err error
		if len(*refreshSales) > 0 {
			report, err = engine.RefreshSales(ctx, *refreshSales)
		} else {
			report, err = engine.Run(ctx)
		}
		if err != nil {
			cliutil.Fatal("sale scan failed", err)
		}

		slog.Info("sale scan finished",
			"scanned", report.Scanned,
			"discovered", report.Discovered,
			"missed", report.Missed,
			"last_id", report.LastID,
			"termination", report.Termination)
		if report.Termination == discovery.TerminationAborted {
			cliutil.Fatal("sale scan aborted before reaching the frontier", nil)
		}
	},
}
