package cmd

import (
	"github.com/spf13/cobra"

	"mdmd.sh/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.GetVersion())
		},
	}
}
