package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/hiqbridge/cmd/gen"
	"github.com/luma/hiqbridge/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "hiqbridge",
	Short: "HiQnet to WebSocket bridge",
	Long: `hiqbridge connects HiQnet audio devices to web clients.

It keeps a session with every configured node, listens for HiQnet
broadcasts and serves parameter updates to authenticated WebSocket clients.`,
	Version:       meta.ReleaseVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the command line and exits non zero on failure
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
