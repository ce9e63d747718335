// Package config loads the bridge's configuration surface from an .ini
// file, the same structured-text format the teacher's pkg/od parser uses
// for CANopen EDS files (gopkg.in/ini.v1), restructured here for a single
// flat [bridge] section instead of per-object-dictionary-entry sections.
package config

import (
	"errors"
	"fmt"
	"net"

	"gopkg.in/ini.v1"
)

// ConnectionType selects which pkg/transport implementation the bridge
// uses.
type ConnectionType string

const (
	ConnectionTCP       ConnectionType = "tcp"
	ConnectionSocketCAN ConnectionType = "socketcan"
)

// defaultSourceAddress and defaultIdleTimeoutSecs are the config loader's
// fallbacks when a key is absent from the ini file; the idle timeout
// mirrors session.DefaultIdleTimeout (30 s).
const (
	defaultSourceAddress   = 1
	defaultIdleTimeoutSecs = 30
	section                = "bridge"
)

// Errors surfaced at bridge initialization (ConfigError in the error
// handling taxonomy): a bad config means the bridge stays offline, it
// never starts reconnect attempts against a transport it can't build.
var (
	ErrMissingConnectionType = errors.New("config: connection_type is required")
	ErrUnknownConnectionType = errors.New("config: connection_type must be \"tcp\" or \"socketcan\"")
	ErrMissingIPAddress      = errors.New("config: ip_address is required for connection_type=tcp")
	ErrInvalidIPAddress      = errors.New("config: ip_address is not a valid IPv4 address")
	ErrInvalidTCPPort        = errors.New("config: tcp_port must be in 1..65535")
	ErrMissingCANInterface   = errors.New("config: can_interface is required for connection_type=socketcan")
	ErrInvalidSourceAddress  = errors.New("config: source_address must be in 0..255")
	ErrInvalidIdleTimeout    = errors.New("config: idle_timeout_s must be > 0")
)

// Config is the bridge's fully-validated configuration surface, per §6.
type Config struct {
	ConnectionType ConnectionType

	IPAddress string
	TCPPort   int

	CANInterface string

	SourceAddress  uint8
	Verbose        bool
	IdleTimeoutSec int
}

// Load reads path as an ini file, expecting a [bridge] section with the
// documented keys, and validates every field.
func Load(path string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	return fromFile(file)
}

func fromFile(file *ini.File) (*Config, error) {
	sec := file.Section(section)

	cfg := &Config{
		SourceAddress:  defaultSourceAddress,
		IdleTimeoutSec: defaultIdleTimeoutSecs,
	}

	connType := sec.Key("connection_type").String()
	if connType == "" {
		return nil, ErrMissingConnectionType
	}
	switch ConnectionType(connType) {
	case ConnectionTCP, ConnectionSocketCAN:
		cfg.ConnectionType = ConnectionType(connType)
	default:
		return nil, ErrUnknownConnectionType
	}

	if cfg.ConnectionType == ConnectionTCP {
		cfg.IPAddress = sec.Key("ip_address").String()
		if cfg.IPAddress == "" {
			return nil, ErrMissingIPAddress
		}
		if ip := net.ParseIP(cfg.IPAddress); ip == nil || ip.To4() == nil {
			return nil, ErrInvalidIPAddress
		}

		port, err := sec.Key("tcp_port").Int()
		if err != nil || port < 1 || port > 65535 {
			return nil, ErrInvalidTCPPort
		}
		cfg.TCPPort = port
	} else {
		cfg.CANInterface = sec.Key("can_interface").String()
		if cfg.CANInterface == "" {
			return nil, ErrMissingCANInterface
		}
	}

	if sec.HasKey("source_address") {
		addr, err := sec.Key("source_address").Int()
		if err != nil || addr < 0 || addr > 255 {
			return nil, ErrInvalidSourceAddress
		}
		cfg.SourceAddress = uint8(addr)
	}

	cfg.Verbose = sec.Key("verbose").MustBool(false)

	if sec.HasKey("idle_timeout_s") {
		timeout, err := sec.Key("idle_timeout_s").Int()
		if err != nil || timeout <= 0 {
			return nil, ErrInvalidIdleTimeout
		}
		cfg.IdleTimeoutSec = timeout
	}

	return cfg, nil
}

func (c *Config) String() string {
	if c.ConnectionType == ConnectionTCP {
		return fmt.Sprintf("tcp %s:%d source=%d verbose=%v idle=%ds", c.IPAddress, c.TCPPort, c.SourceAddress, c.Verbose, c.IdleTimeoutSec)
	}
	return fmt.Sprintf("socketcan %s source=%d verbose=%v idle=%ds", c.CANInterface, c.SourceAddress, c.Verbose, c.IdleTimeoutSec)
}
