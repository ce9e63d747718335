package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscan/controller/pkg/bridge"
	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/device"
)

// parseDeviceSpec parses "kind:address[:variant]", e.g. "dimmer:10" or
// "relay:20:type2". variant only matters for the two-hardware-generation
// families (relay, hbridge) and defaults to their type 1 wire format.
func parseDeviceSpec(spec string) (kind string, addr uint8, variant string, err error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("idsctl: bad --device %q, want kind:address[:variant]", spec)
	}
	a, err := mustHexOrDecimal(parts[1])
	if err != nil {
		return "", 0, "", err
	}
	variant = "type1"
	if len(parts) >= 3 {
		variant = parts[2]
	}
	return parts[0], a, variant, nil
}

// newDeviceRuntime builds the pkg/device runtime named by kind, wired to
// b.Send and b.Lockout, and registers it with the bridge so inbound
// status/response traffic for addr reaches it.
func newDeviceRuntime(app *App, b *bridge.Bridge, kind string, addr uint8, variant string, notify chan<- device.StateChange) error {
	logger := app.Logger
	source := b.Source()
	target := canframe.Address(addr)

	var rt bridge.DeviceRuntime
	switch kind {
	case "dimmer":
		rt = device.NewDimmer(source, target, b.Send, notify, b.Lockout, logger)
	case "rgb":
		rt = device.NewRgb(source, target, b.Send, notify, b.Lockout, logger)
	case "relay":
		kindEnum := device.RelayKindType1
		if variant == "type2" {
			kindEnum = device.RelayKindType2
		}
		rt = device.NewRelay(source, target, kindEnum, b.Send, notify, b.Lockout, logger)
	case "hbridge":
		kindEnum := device.HBridgeKindType1
		if variant == "type2" {
			kindEnum = device.HBridgeKindType2
		}
		rt = device.NewHBridge(source, target, kindEnum, b.Send, notify, b.Lockout, logger)
	case "hvac":
		rt = device.NewHvac(source, target, b.Send, notify, b.Lockout, logger)
	case "tank":
		rt = device.NewTank(source, target, b.Send, notify, b.Lockout, logger)
	default:
		return fmt.Errorf("idsctl: unknown device kind %q", kind)
	}

	app.applyIdleTimeout(rt)
	b.RegisterDevice(target, rt)
	return nil
}

// newTailCommand connects the bridge, registers one runtime per --device
// spec, and prints every state-change notification (device-level status
// updates and bridge-level lockout transitions) until interrupted.
func newTailCommand(app *App) *cobra.Command {
	var devices []string

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Connect and print state-change notifications for one or more devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}

			bridgeNotify := make(chan bridge.StateChange, 16)
			deviceNotify := make(chan device.StateChange, 64)

			b, err := app.newBridge(bridgeNotify)
			if err != nil {
				return err
			}
			defer b.Close()

			for _, spec := range devices {
				kind, addr, variant, err := parseDeviceSpec(spec)
				if err != nil {
					return err
				}
				if err := newDeviceRuntime(app, b, kind, addr, variant, deviceNotify); err != nil {
					return err
				}
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			fmt.Fprintf(os.Stderr, "idsctl: tailing %d device(s), press Ctrl+C to stop\n", len(devices))
			for {
				select {
				case <-sigCh:
					return nil
				case sc := <-bridgeNotify:
					fmt.Printf("%s bridge addr=%d %s=%v\n", time.Now().Format(time.RFC3339), sc.Address, sc.Channel, sc.Value)
				case sc := <-deviceNotify:
					fmt.Printf("%s device addr=%d %s=%v\n", time.Now().Format(time.RFC3339), sc.Address, sc.Channel, sc.Value)
				}
			}
		},
	}

	cmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "kind:address[:variant] to tail, repeatable (kinds: dimmer, rgb, relay, hbridge, hvac, tank)")
	return cmd
}
