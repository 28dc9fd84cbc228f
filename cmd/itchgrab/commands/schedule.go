package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"itchgrab/lib/cliutil"
	"itchgrab/lib/notify"
	"itchgrab/lib/telemetry"
	"itchgrab/services/discovery"
	"itchgrab/services/webexport"

	random "github.com/mazen160/go-random"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var scheduleCron *string
var scheduleJitter *time.Duration
var scheduleWeb *string

func init() {
	scheduleCron = scheduleCmd.Flags().String("cron", "0 */6 * * *", "The cron expression to run the cycle on.")
	scheduleJitter = scheduleCmd.Flags().Duration("jitter", 5*time.Minute, "Random delay added to every cycle so instances do not hit the storefront in lockstep.")
	scheduleWeb = scheduleCmd.Flags().String("web", "", "Also regenerate the static site into this directory after every cycle.")
	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule [--cron <expr>] [--jitter <duration>] [--web <dir>]",
	Short: "Runs the scan and claim cycle on a cron schedule until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cliutil.SignalContext()
		cfg := loadConfig()
		mailer := notify.New(cfg.Notify)
		telemetry.InstrumentPerfStats(ctx)

		scheduler := cron.New()
		_, err := scheduler.AddFunc(*scheduleCron, func() {
			runCycle(ctx, cfg, mailer)
		})
		if err != nil {
			cliutil.Fatal("invalid cron expression", err)
		}

		slog.Info("scheduler started", "cron", *scheduleCron, "jitter", *scheduleJitter)
		scheduler.Start()
		<-ctx.Done()

		stopped := scheduler.Stop()
		<-stopped.Done()
	},
}

func runCycle(ctx context.Context, cfg Config, mailer *notify.Mailer) {
	if err := sleepJitter(ctx, *scheduleJitter); err != nil {
		return
	}

	started := time.Now()
	store, err := openStore(cfg)
	if err != nil {
		failCycle(mailer, "sale scan failed", err)
		return
	}
	client, err := newClient(ctx)
	if err != nil {
		failCycle(mailer, "sale scan failed", err)
		return
	}
	engine := discovery.NewEngine(client, store, cfg.Discovery)

	scan, err := engine.Run(ctx)
	if err != nil {
		failCycle(mailer, "sale scan failed", err)
		return
	}

	report, err := runClaim(ctx, cfg)
	if err != nil {
		failCycle(mailer, "claim run failed", err)
		return
	}

	if *scheduleWeb != "" {
		entries, err := store.All()
		if err == nil {
			cp, _, cperr := store.LoadCheckpoint()
			if cperr == nil {
				err = webexport.Generate(entries, cp.LastIDScanned, *scheduleWeb)
			} else {
				err = cperr
			}
		}
		if err != nil {
			slog.Error("failed to regenerate site", "err", err)
		}
	}

	body := fmt.Sprintf(
		"scanned %d sales (%d new promotions, frontier at %d)\n%s\ncycle took %s\n",
		scan.Scanned, scan.Discovered, scan.LastID,
		claimSummary(report), time.Since(started).Round(time.Second))
	slog.Info("cycle finished", "claimed", report.Claimed, "scanned", scan.Scanned)

	subject := fmt.Sprintf("itchgrab: claimed %d new games", report.Claimed)
	if err := mailer.SendRunSummary(subject, body); err != nil {
		slog.Error("failed to send run summary", "err", err)
	}
}

func failCycle(mailer *notify.Mailer, message string, err error) {
	slog.Error(message, "err", err)
	mailErr := mailer.SendRunSummary("itchgrab: cycle failed", message+": "+err.Error())
	if mailErr != nil {
		slog.Error("failed to send failure notice", "err", mailErr)
	}
}

// sleepJitter waits a random slice of max so several instances sharing a
// cron expression spread their load.
func sleepJitter(ctx context.Context, max time.Duration) error {
	if max <= 0 {
		return ctx.Err()
	}
	seconds, err := random.IntRange(0, int(max.Seconds())+1)
	if err != nil {
		return err
	}
	timer := time.NewTimer(time.Duration(seconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
