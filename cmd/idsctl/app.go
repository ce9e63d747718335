// Command idsctl is the host-side CLI for the IDS-CAN bridge: it builds a
// transport from a bridge config file (optionally overridden by flags or
// IDSCTL_* environment variables, layered the way cmd/canopen_http layers
// its own flags), then connects, discovers gateways, sends ad-hoc device
// commands, or tails state-change notifications.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/idscan/controller/pkg/bridge"
	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/config"
	"github.com/idscan/controller/pkg/transport"
	"github.com/idscan/controller/pkg/transport/socketcan"
	"github.com/idscan/controller/pkg/transport/tcp"
)

const defaultConfigPath = "/etc/idsctl/bridge.ini"

// App is the controller-level object every subcommand's RunE drives: it
// owns the resolved configuration and is the single place that knows how
// to build a transport and a bridge from it. Mirrors the teacher pack's
// LocoApp shape (Initialize, then per-action methods), adapted to this
// domain.
type App struct {
	v      *viper.Viper
	Config *config.Config
	Logger *slog.Logger
	Debug  bool
}

// Initialize loads the bridge config named by the command's --config flag
// (env override IDSCTL_CONFIG, default /etc/idsctl/bridge.ini), and sets
// the CLI's log level. Must run before any action method.
func (a *App) Initialize(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if a.Debug {
		level = slog.LevelDebug
	}
	a.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a.v = viper.New()
	a.v.SetEnvPrefix("IDSCTL")
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	path := a.v.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("idsctl: loading %s: %w", path, err)
	}
	a.Config = cfg
	a.Logger.Debug("configuration loaded", "path", path, "bridge", cfg.String())
	return nil
}

// buildTransport constructs the transport named by the loaded config's
// connection_type, wiring its framing-error counter into stats so the
// bridge's Stats() reports both layers through one view.
func (a *App) buildTransport(stats *bridge.Stats) (transport.Transport, error) {
	switch a.Config.ConnectionType {
	case config.ConnectionTCP:
		return tcp.NewClient(a.Config.IPAddress, a.Config.TCPPort, a.Logger, stats.IncFramingError), nil
	case config.ConnectionSocketCAN:
		return socketcan.NewClient(a.Config.CANInterface, a.Logger), nil
	default:
		return nil, fmt.Errorf("idsctl: unknown connection_type %q", a.Config.ConnectionType)
	}
}

// newBridge builds and starts a bridge over the configured transport,
// sharing notify (if non-nil) for lockout state-change notifications.
func (a *App) newBridge(notify chan<- bridge.StateChange) (*bridge.Bridge, error) {
	stats := bridge.NewStats()
	tr, err := a.buildTransport(stats)
	if err != nil {
		return nil, err
	}
	b := bridge.New(tr, canframe.Address(a.Config.SourceAddress), a.Logger, a.Config.Verbose, notify, stats)
	if err := b.Start(); err != nil {
		return nil, err
	}
	return b, nil
}

// applyIdleTimeout pushes the configured per-session idle timeout onto a
// freshly built device runtime.
func (a *App) applyIdleTimeout(rt bridge.DeviceRuntime) {
	if s, ok := rt.(interface{ SetIdleTimeout(time.Duration) }); ok {
		s.SetIdleTimeout(time.Duration(a.Config.IdleTimeoutSec) * time.Second)
	}
}

func mustHexOrDecimal(s string) (uint8, error) {
	var v uint8
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}
	var dec uint16
	if _, err := fmt.Sscanf(s, "%d", &dec); err != nil || dec > 255 {
		return 0, fmt.Errorf("idsctl: invalid device address %q", s)
	}
	return uint8(dec), nil
}
