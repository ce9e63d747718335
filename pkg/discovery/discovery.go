// Package discovery implements the gateway announcement listener: a UDP
// socket that watches for IDS CAN-to-Ethernet gateways beaconing their
// presence as small JSON datagrams, and a small registry with TTL
// eviction so the host stops trusting beacons it hasn't heard in a
// while. WaitForGateway is a bounded wait that polls the registry every
// 100 ms; eviction follows the general "eviction on cyclic tick" idiom
// used by the teacher's pkg/heartbeat consumer.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// ListenAddr is the fixed UDP discovery port per the gateway announcement
// protocol.
const ListenAddr = "0.0.0.0:47664"

const (
	receiveTimeout  = time.Second
	evictionAge     = 5 * time.Second
	cleanupInterval = time.Second
	pollInterval    = 100 * time.Millisecond

	expectedManufacturer = "IDS"
	expectedProduct      = "CAN_TO_ETHERNET_GATEWAY"
)

// ErrTimeout is returned by WaitForGateway when no admitted beacon
// arrives before the deadline.
var ErrTimeout = errors.New("discovery: no gateway found before deadline")

// Gateway is a discovered CAN-to-Ethernet gateway, keyed internally by
// its source IP. Id correlates log lines across the gateway's lifetime
// in the registry; it is assigned locally and never appears on the wire.
type Gateway struct {
	Id           string
	IP           string
	Port         int
	Name         string
	Manufacturer string
	Product      string
	LastSeen     time.Time
}

// Service listens for gateway beacons and maintains the live registry.
// Safe for concurrent use.
type Service struct {
	logger *slog.Logger

	mu       sync.Mutex
	gateways map[string]Gateway

	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an unstarted discovery service.
func New(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		logger:   logger.With("service", "[discovery]"),
		gateways: make(map[string]Gateway),
	}
}

// Start binds the discovery socket with SO_REUSEADDR and launches the
// receive and cleanup tasks.
func (s *Service) Start() error {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp", ListenAddr)
	if err != nil {
		return err
	}
	s.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.receiveLoop(ctx)
	go s.cleanupLoop(ctx)

	s.logger.Info("listening", "addr", ListenAddr)
	return nil
}

// Close stops both background tasks and closes the socket.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.wg.Wait()
	return err
}

// Gateways returns a snapshot of the currently live registry.
func (s *Service) Gateways() []Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Gateway, 0, len(s.gateways))
	for _, gw := range s.gateways {
		out = append(out, gw)
	}
	return out
}

// WaitForGateway polls the registry every 100 ms until any gateway is
// present or timeout elapses.
func (s *Service) WaitForGateway(timeout time.Duration) (Gateway, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		for _, gw := range s.gateways {
			s.mu.Unlock()
			return gw, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return Gateway{}, ErrTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (s *Service) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("read failed", "err", err)
				return
			}
		}

		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Service) handleDatagram(payload []byte, addr net.Addr) {
	mfg, ok := extractJSONString(payload, "mfg")
	if !ok || mfg != expectedManufacturer {
		return
	}
	product, ok := extractJSONString(payload, "product")
	if !ok || product != expectedProduct {
		return
	}
	name, _ := extractJSONString(payload, "name")
	portStr, _ := extractJSONString(payload, "port")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.logger.Warn("beacon has non-numeric port, dropping", "port", portStr)
		return
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	gw := Gateway{
		IP:           host,
		Port:         port,
		Name:         name,
		Manufacturer: mfg,
		Product:      product,
		LastSeen:     time.Now(),
	}

	s.mu.Lock()
	if prev, ok := s.gateways[host]; ok {
		gw.Id = prev.Id
	} else {
		gw.Id = uuid.NewString()
	}
	s.gateways[host] = gw
	s.mu.Unlock()

	s.logger.Debug("beacon", "id", gw.Id, "name", gw.Name, "ip", gw.IP, "port", gw.Port)
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.evictStale(now)
		}
	}
}

// evictStale removes every gateway whose lastSeen is older than
// evictionAge as of now; split out from cleanupLoop so tests can drive
// eviction without waiting on a real clock.
func (s *Service) evictStale(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ip, gw := range s.gateways {
		if now.Sub(gw.LastSeen) > evictionAge {
			delete(s.gateways, ip)
		}
	}
}

// extractJSONString is a shallow, single-pass extractor for a top-level
// string value by key — not a general JSON parser. It tolerates
// whitespace around the colon and skips escaped quotes within the value.
func extractJSONString(data []byte, key string) (string, bool) {
	needle := []byte(`"` + key + `"`)
	idx := indexOf(data, needle)
	if idx < 0 {
		return "", false
	}
	rest := data[idx+len(needle):]

	i := 0
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	if i >= len(rest) || rest[i] != ':' {
		return "", false
	}
	i++
	for i < len(rest) && (rest[i] == ' ' || rest[i] == '\t') {
		i++
	}
	if i >= len(rest) || rest[i] != '"' {
		return "", false
	}
	i++

	start := i
	for i < len(rest) {
		if rest[i] == '\\' {
			i += 2
			continue
		}
		if rest[i] == '"' {
			return string(rest[start:i]), true
		}
		i++
	}
	return "", false
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
