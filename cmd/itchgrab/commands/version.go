package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the itchgrab version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}
