package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

// SetVersion records the build information shown by the version command.
func SetVersion(version, commit, date string) {
	buildVersion, buildCommit, buildDate = version, commit, date
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "elemta-queue %s (commit: %s, built: %s, %s)\n",
				buildVersion, buildCommit, buildDate, runtime.Version())
		},
	}
}
