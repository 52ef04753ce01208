package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmgilman/buildrun/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display the version, commit, and build date of buildrun.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), version.String("buildrun"))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
