package commands

import (
	"log/slog"

	"itchgrab/lib/cliutil"
	"itchgrab/services/webexport"

	"github.com/spf13/cobra"
)

var generateWebOut *string

func init() {
	generateWebOut = generateWebCmd.Flags().String("out", "web", "The directory to write the static site into.")
	rootCmd.AddCommand(generateWebCmd)
}

var generateWebCmd = &cobra.Command{
	Use:   "generate-web [--out <dir>]",
	Short: "Renders the cache into a static site with json snapshots other instances can import.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := mustOpenStore(cfg)

		entries, err := store.All()
		if err != nil {
			cliutil.Fatal("failed to read cache", err)
		}
		cp, _, err := store.LoadCheckpoint()
		if err != nil {
			cliutil.Fatal("failed to read checkpoint", err)
		}

		if err := webexport.Generate(entries, cp.LastIDScanned, *generateWebOut); err != nil {
			cliutil.Fatal("failed to generate site", err)
		}
		slog.Info("site generated", "out", *generateWebOut, "entries", len(entries))
	},
}
