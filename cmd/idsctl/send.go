package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/idscan/controller/pkg/bridge"
	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/command"
	"github.com/idscan/controller/pkg/device"
)

// settleDelay is how long send subcommands linger after issuing a command
// before tearing the bridge down, giving a DeviceStatus echo time to
// arrive for the operator to see on stderr via --debug.
const settleDelay = 2 * time.Second

// newSendCommand groups the per-family ad-hoc command subcommands, same
// shape as the teacher pack's "speed set"/"speed get" nesting.
func newSendCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a one-off command to a device and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSendDimmerCommand(app))
	cmd.AddCommand(newSendRelayCommand(app))
	cmd.AddCommand(newSendRgbCommand(app))
	cmd.AddCommand(newSendHBridgeCommand(app))
	cmd.AddCommand(newSendHvacCommand(app))

	return cmd
}

// runSend connects an ephemeral bridge, invokes fn with the bridge and the
// target device address, waits settleDelay for an async status response,
// then tears the bridge down. Shared by every send subcommand.
func runSend(app *App, addr uint8, fn func(b *bridge.Bridge, target canframe.Address) error) error {
	b, err := app.newBridge(nil)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := fn(b, canframe.Address(addr)); err != nil {
		return err
	}
	time.Sleep(settleDelay)
	return nil
}

func newSendDimmerCommand(app *App) *cobra.Command {
	var addrStr string
	var on bool
	var brightness int
	var autoOff int
	var cycle1, cycle2 int

	cmd := &cobra.Command{
		Use:   "dimmer",
		Short: "Command a dimmable light",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}
			addr, err := mustHexOrDecimal(addrStr)
			if err != nil {
				return err
			}

			return runSend(app, addr, func(b *bridge.Bridge, target canframe.Address) error {
				d := device.NewDimmer(b.Source(), target, b.Send, nil, b.Lockout, app.Logger)
				app.applyIdleTimeout(d)
				mode := command.DimmerOff
				if on {
					mode = command.DimmerOn
				}
				return d.HandleCommand(mode, brightness, uint8(autoOff), uint16(cycle1), uint16(cycle2))
			})
		},
	}

	cmd.Flags().StringVarP(&addrStr, "address", "a", "", "device bus address (required)")
	cmd.Flags().BoolVar(&on, "on", false, "turn on (default: off)")
	cmd.Flags().IntVar(&brightness, "brightness", 100, "brightness percent, 0..100")
	cmd.Flags().IntVar(&autoOff, "auto-off", 0, "auto-off seconds, 0 disables")
	cmd.Flags().IntVar(&cycle1, "cycle1-ms", 0, "cycle time 1, milliseconds")
	cmd.Flags().IntVar(&cycle2, "cycle2-ms", 0, "cycle time 2, milliseconds")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newSendRelayCommand(app *App) *cobra.Command {
	var addrStr, variant string
	var on, clearFault bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Command a latching relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}
			addr, err := mustHexOrDecimal(addrStr)
			if err != nil {
				return err
			}

			kind := device.RelayKindType1
			if variant == "type2" {
				kind = device.RelayKindType2
			}

			return runSend(app, addr, func(b *bridge.Bridge, target canframe.Address) error {
				r := device.NewRelay(b.Source(), target, kind, b.Send, nil, b.Lockout, app.Logger)
				app.applyIdleTimeout(r)
				return r.HandleCommand(on, clearFault)
			})
		},
	}

	cmd.Flags().StringVarP(&addrStr, "address", "a", "", "device bus address (required)")
	cmd.Flags().StringVar(&variant, "variant", "type1", "hardware generation: type1 or type2")
	cmd.Flags().BoolVar(&on, "on", false, "close the relay (default: open)")
	cmd.Flags().BoolVar(&clearFault, "clear-fault", false, "clear a latched fault")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newSendRgbCommand(app *App) *cobra.Command {
	var addrStr string
	var mode uint8
	var hue float64
	var saturation, value int
	var autoOff int
	var intervalMs int
	var onMs, offMs int

	cmd := &cobra.Command{
		Use:   "rgb",
		Short: "Command an RGB light",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}
			addr, err := mustHexOrDecimal(addrStr)
			if err != nil {
				return err
			}

			return runSend(app, addr, func(b *bridge.Bridge, target canframe.Address) error {
				x := device.NewRgb(b.Source(), target, b.Send, nil, b.Lockout, app.Logger)
				app.applyIdleTimeout(x)
				return x.HandleCommand(command.RgbMode(mode), hue, float64(saturation)/100, float64(value)/100, uint8(autoOff), uint16(intervalMs), onMs, offMs)
			})
		},
	}

	cmd.Flags().StringVarP(&addrStr, "address", "a", "", "device bus address (required)")
	cmd.Flags().Uint8Var(&mode, "mode", uint8(command.RgbOn), "RGB mode byte")
	cmd.Flags().Float64Var(&hue, "hue", 0, "hue, degrees 0..360")
	cmd.Flags().IntVar(&saturation, "saturation", 100, "saturation percent, 0..100")
	cmd.Flags().IntVar(&value, "value", 100, "value percent, 0..100")
	cmd.Flags().IntVar(&autoOff, "auto-off", 0, "auto-off seconds, 0 disables")
	cmd.Flags().IntVar(&intervalMs, "interval-ms", 0, "transition interval, milliseconds")
	cmd.Flags().IntVar(&onMs, "on-ms", 0, "blink on interval, milliseconds")
	cmd.Flags().IntVar(&offMs, "off-ms", 0, "blink off interval, milliseconds")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newSendHBridgeCommand(app *App) *cobra.Command {
	var addrStr, variant, direction string

	cmd := &cobra.Command{
		Use:   "hbridge",
		Short: "Command an H-bridge actuator (awning, slide, leveling jack)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}
			addr, err := mustHexOrDecimal(addrStr)
			if err != nil {
				return err
			}

			kind := device.HBridgeKindType1
			if variant == "type2" {
				kind = device.HBridgeKindType2
			}

			var dir device.HBridgeDirection
			switch direction {
			case "forward":
				dir = device.HBridgeForward
			case "reverse":
				dir = device.HBridgeReverse
			case "stop":
				dir = device.HBridgeStop
			default:
				return fmt.Errorf("idsctl: --direction must be forward, reverse, or stop")
			}

			return runSend(app, addr, func(b *bridge.Bridge, target canframe.Address) error {
				h := device.NewHBridge(b.Source(), target, kind, b.Send, nil, b.Lockout, app.Logger)
				app.applyIdleTimeout(h)
				return h.HandleCommand(dir)
			})
		},
	}

	cmd.Flags().StringVarP(&addrStr, "address", "a", "", "device bus address (required)")
	cmd.Flags().StringVar(&variant, "variant", "type1", "hardware generation: type1 or type2")
	cmd.Flags().StringVar(&direction, "direction", "stop", "forward, reverse, or stop")
	cmd.MarkFlagRequired("address")

	return cmd
}

func newSendHvacCommand(app *App) *cobra.Command {
	var addrStr string
	var mode, source, fan uint8
	var low, high uint8

	cmd := &cobra.Command{
		Use:   "hvac",
		Short: "Command the HVAC thermostat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Initialize(cmd); err != nil {
				return err
			}
			addr, err := mustHexOrDecimal(addrStr)
			if err != nil {
				return err
			}

			return runSend(app, addr, func(b *bridge.Bridge, target canframe.Address) error {
				h := device.NewHvac(b.Source(), target, b.Send, nil, b.Lockout, app.Logger)
				app.applyIdleTimeout(h)
				return h.HandleCommand(command.HvacMode(mode), command.HeatSource(source), command.FanMode(fan), low, high)
			})
		},
	}

	cmd.Flags().StringVarP(&addrStr, "address", "a", "", "device bus address (required)")
	cmd.Flags().Uint8Var(&mode, "mode", uint8(command.HvacOff), "HVAC mode byte")
	cmd.Flags().Uint8Var(&source, "heat-source", uint8(command.HeatSourceGas), "heat source byte")
	cmd.Flags().Uint8Var(&fan, "fan", uint8(command.FanAuto), "fan mode byte")
	cmd.Flags().Uint8Var(&low, "low-trip", 0, "low trip temperature")
	cmd.Flags().Uint8Var(&high, "high-trip", 0, "high trip temperature")
	cmd.MarkFlagRequired("address")

	return cmd
}
