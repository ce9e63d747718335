package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscan/controller/pkg/bridge"
)

// newConnectCommand brings a bridge online against the configured
// transport and blocks until interrupted, printing lockout transitions
// and a periodic error-counter summary. This is the "run the daemon in
// the foreground" entrypoint; a real deployment would wrap this in a
// service unit rather than a terminal session.
func newConnectCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bring the bridge online and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}

			notify := make(chan bridge.StateChange, 16)
			b, err := app.newBridge(notify)
			if err != nil {
				return err
			}
			defer b.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()

			fmt.Fprintf(os.Stderr, "idsctl: connecting as source=%d, press Ctrl+C to stop\n", b.Source())
			for {
				select {
				case <-sigCh:
					return nil
				case sc := <-notify:
					fmt.Printf("%s addr=%d %s=%v\n", time.Now().Format(time.RFC3339), sc.Address, sc.Channel, sc.Value)
				case <-ticker.C:
					framing, protocol := b.Stats().Snapshot()
					fmt.Fprintf(os.Stderr, "idsctl: connected=%v framing_errors=%d protocol_errors=%d lockout=%d\n",
						b.IsConnected(), framing, protocol, b.Lockout.Level())
				}
			}
		},
	}

	return cmd
}
