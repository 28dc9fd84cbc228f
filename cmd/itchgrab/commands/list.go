package commands

import (
	"time"

	"itchgrab/lib/cliutil"
	"itchgrab/services/claimer"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var listHistory *int

func init() {
	listHistory = listCmd.Flags().Int("history", 0, "Show the last N claim attempts instead of the cache.")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:   "list [--history <n>]",
	Short: "Lists the cached promotions, or recent claim attempts with --history.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if *listHistory > 0 {
			listAttempts(cfg, *listHistory)
			return
		}
		listEntries(cfg)
	},
}

func listEntries(cfg Config) {
	store := mustOpenStore(cfg)
	entries, err := store.All()
	if err != nil {
		cliutil.Fatal("failed to read cache", err)
	}

	now := time.Now()
	t := cliutil.NewTable()
	t.AppendHeader(table.Row{"ID", "Title", "Author", "Status", "Sale", "Expires"})
	for _, entry := range entries {
		expires := "unknown"
		if entry.ExpiresAt != nil {
			expires = entry.ExpiresAt.Format("2006-01-02 15:04")
			if entry.Expired(now) {
				expires += " (expired)"
			}
		}
		status := string(entry.Status)
		if entry.Upcoming(now) {
			status += " (upcoming)"
		}
		t.AppendRow(table.Row{
			entry.ID, entry.Title, entry.Author, status, entry.SaleID, expires,
		})
	}
	t.Render()
}

func listAttempts(cfg Config, limit int) {
	history, err := claimer.OpenHistory(cfg.History)
	if err != nil {
		cliutil.Fatal("failed to open claim history", err)
	}
	defer history.Close()

	attempts, err := history.Recent(cliutil.SignalContext(), limit)
	if err != nil {
		cliutil.Fatal("failed to read claim history", err)
	}

	t := cliutil.NewTable()
	t.AppendHeader(table.Row{"At", "Entry", "Outcome", "Detail", "URL"})
	for _, a := range attempts {
		t.AppendRow(table.Row{
			a.At.Format("2006-01-02 15:04"), a.EntryID, a.Outcome, a.Detail, a.URL,
		})
	}
	t.Render()
}
