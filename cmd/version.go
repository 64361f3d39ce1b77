package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goloop/internal/checkpoint"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goloop %s (checkpoint format v%d, %s %s/%s)\n",
				Version, checkpoint.EnvelopeVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
