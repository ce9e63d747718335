package main

import (
	"errors"

	"github.com/spf13/cobra"
)

// newRootCommand assembles the idsctl command tree: discover, connect,
// send, tail. The --config/--debug flags are persistent so every
// subcommand's App.Initialize sees the same overrides.
func newRootCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idsctl",
		Short: "Host-side CLI for the IDS-CAN RV automation bus bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("please select a command")
		},
	}

	cmd.PersistentFlags().String("config", "", "bridge config ini path (default /etc/idsctl/bridge.ini)")
	cmd.PersistentFlags().BoolVarP(&app.Debug, "debug", "v", false, "enable debug logging")

	cmd.AddCommand(newDiscoverCommand(app))
	cmd.AddCommand(newConnectCommand(app))
	cmd.AddCommand(newSendCommand(app))
	cmd.AddCommand(newTailCommand(app))

	return cmd
}
