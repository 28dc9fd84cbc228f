package commands

import (
	"context"
	"fmt"
	"log/slog"

	"itchgrab/lib/cliutil"
	"itchgrab/services/claimer"
	"itchgrab/services/discovery"

	"github.com/spf13/cobra"
)

var claimRemote *string

func init() {
	claimRemote = claimCmd.Flags().String("url", "", "Refresh the cache from this remote snapshot before claiming.")
	rootCmd.AddCommand(claimCmd)
}

var claimCmd = &cobra.Command{
	Use:   "claim [--url <snapshot url>]",
	Short: "Claims every cached free promotion that is not already in the account's library.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cliutil.SignalContext()
		cfg := loadConfig()

		if *claimRemote != "" {
			engine := discovery.NewEngine(mustNewClient(ctx), mustOpenStore(cfg), cfg.Discovery)
			if _, err := engine.ImportSnapshot(ctx, *claimRemote); err != nil {
				cliutil.Fatal("failed to refresh from remote cache", err)
			}
		}

		report, err := runClaim(ctx, cfg)
		if err != nil {
			cliutil.Fatal("claim run aborted", err)
		}
		slog.Info("claim run finished", "summary", claimSummary(report))
	},
}

// runClaim is the whole claim pipeline: log in, sync the library, then walk
// the claimable set. Shared with the scheduler.
func runClaim(ctx context.Context, cfg Config) (claimer.Report, error) {
	client, err := newClient(ctx)
	if err != nil {
		return claimer.Report{}, err
	}
	sess, err := login(ctx, cfg, client)
	if err != nil {
		return claimer.Report{}, fmt.Errorf("log in to itch.io: %w", err)
	}
	if _, err := sess.RefreshLibrary(ctx); err != nil {
		return claimer.Report{}, fmt.Errorf("refresh library: %w", err)
	}

	history, err := claimer.OpenHistory(cfg.History)
	if err != nil {
		return claimer.Report{}, fmt.Errorf("open claim history: %w", err)
	}
	defer history.Close()

	store, err := openStore(cfg)
	if err != nil {
		return claimer.Report{}, err
	}
	engine := claimer.NewEngine(sess, store, history, cfg.Retry)
	return engine.ClaimAll(ctx)
}

func claimSummary(report claimer.Report) string {
	summary := fmt.Sprintf("attempted %d, claimed %d, already owned %d, skipped %d",
		report.Attempted, report.Claimed, report.AlreadyOwned, len(report.Skipped))
	for _, skip := range report.Skipped {
		summary += fmt.Sprintf("\n  skipped %s: %s", skip.URL, skip.Reason)
	}
	return summary
}
