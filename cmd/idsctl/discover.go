package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscan/controller/pkg/discovery"
)

// newDiscoverCommand listens for gateway announcement beacons. By default
// it waits for the first admitted beacon and prints it; --watch instead
// listens until the first SIGINT/SIGTERM, then prints the live registry
// once and exits, so it doubles as a quick beacon-health check.
func newDiscoverCommand(app *App) *cobra.Command {
	var timeout time.Duration
	var watch bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Listen for IDS CAN-to-Ethernet gateway announcement beacons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}

			svc := discovery.New(app.Logger)
			if err := svc.Start(); err != nil {
				return fmt.Errorf("idsctl: starting discovery listener: %w", err)
			}
			defer svc.Close()

			if !watch {
				gw, err := svc.WaitForGateway(timeout)
				if err != nil {
					return err
				}
				fmt.Printf("%s:%d name=%q\n", gw.IP, gw.Port, gw.Name)
				return nil
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			fmt.Fprintln(os.Stderr, "listening for gateways, press Ctrl+C to stop")
			<-sigCh

			for _, gw := range svc.Gateways() {
				fmt.Printf("%s:%d name=%q last_seen=%s\n", gw.IP, gw.Port, gw.Name, gw.LastSeen.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "how long to wait for a beacon")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "listen until interrupted instead of exiting on first beacon")

	return cmd
}
