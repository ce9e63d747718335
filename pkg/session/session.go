// Package session implements the per-target IDS-CAN session manager: the
// seed-challenge-response handshake for session 4 ("remote control"),
// its heartbeat and idle-timeout bookkeeping, and teardown.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
)

// State is one of the four session lifecycle states.
type State uint8

const (
	Closed State = iota
	SeedRequested
	KeyTransmitted
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case SeedRequested:
		return "SeedRequested"
	case KeyTransmitted:
		return "KeyTransmitted"
	case Open:
		return "Open"
	default:
		return "Unknown"
	}
}

// SessionId is the only session id this controller speaks: "remote control".
const SessionId uint16 = 4

// messageData values for the Request/Response exchange that drive the
// session state machine.
const (
	mdRequestSeed  = 66
	mdTransmitKey  = 67
	mdHeartbeat    = 68
	mdCloseSession = 69
)

var (
	// ErrNotOpen is returned by SendHeartbeat when the session is not open.
	ErrNotOpen = errors.New("session: not open")
)

const heartbeatInterval = 4 * time.Second
const DefaultIdleTimeout = 30 * time.Second

// SendFunc delivers an outbound message to the transport via the bridge;
// injected so the session manager never talks to the transport directly.
type SendFunc func(ids.Message) error

// Manager owns the session state for exactly one (source, target) pair.
// All public methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	source, target canframe.Address
	send           SendFunc
	logger         *slog.Logger

	state        State
	seed         uint32
	lastActivity time.Time
	idleTimeout  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a session manager for (source, target). send is
// called to deliver every Request this manager issues.
func NewManager(source, target canframe.Address, send SendFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:      source,
		target:      target,
		send:        send,
		logger:      logger.With("service", "[session]", "target", target),
		idleTimeout: DefaultIdleTimeout,
	}
}

// Target returns the device address this session authenticates to.
func (m *Manager) Target() canframe.Address {
	return m.target
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether the session is in state Open.
func (m *Manager) IsOpen() bool {
	return m.State() == Open
}

// SetIdleTimeout overrides the default 30s idle timeout.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

// UpdateActivity refreshes the idle-timeout clock. Call this whenever a
// command is sent, a heartbeat is acknowledged, or a status is processed.
func (m *Manager) UpdateActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

func sessionIdPayload() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, SessionId)
	return buf
}

// RequestSeed starts the handshake: sends Request/RequestSeed and moves to
// SeedRequested. It does not block for the device's answer; the caller
// feeds the Response back through ProcessResponse.
func (m *Manager) RequestSeed() error {
	m.mu.Lock()
	m.state = SeedRequested
	source, target := m.source, m.target
	m.mu.Unlock()

	msg, err := ids.NewP2P(ids.Request, source, target, mdRequestSeed, sessionIdPayload())
	if err != nil {
		return err
	}
	if err := m.send(msg); err != nil {
		return err
	}
	m.UpdateActivity()
	return nil
}

// transmitKey computes the key for seed and sends Request/TransmitKey.
func (m *Manager) transmitKey(seed uint32) error {
	key := encrypt(seed)

	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, SessionId)
	binary.BigEndian.PutUint32(payload[2:], key)

	m.mu.Lock()
	m.state = KeyTransmitted
	m.seed = seed
	source, target := m.source, m.target
	m.mu.Unlock()

	msg, err := ids.NewP2P(ids.Request, source, target, mdTransmitKey, payload)
	if err != nil {
		return err
	}
	if err := m.send(msg); err != nil {
		return err
	}
	m.UpdateActivity()
	return nil
}

// SendHeartbeat sends Request/Heartbeat. Returns ErrNotOpen if the session
// isn't currently Open, per the invariant that a closed session refuses
// heartbeats.
func (m *Manager) SendHeartbeat() error {
	m.mu.Lock()
	if m.state != Open {
		m.mu.Unlock()
		return ErrNotOpen
	}
	source, target := m.source, m.target
	m.mu.Unlock()

	msg, err := ids.NewP2P(ids.Request, source, target, mdHeartbeat, sessionIdPayload())
	if err != nil {
		return err
	}
	return m.send(msg)
}

// Close sends a best-effort close message and transitions to Closed,
// cancelling the heartbeat task. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	wasOpen := m.state != Closed
	source, target := m.source, m.target
	m.state = Closed
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	m.wg.Wait()

	if !wasOpen {
		return nil
	}
	msg, err := ids.NewP2P(ids.Request, source, target, mdCloseSession, sessionIdPayload())
	if err != nil {
		return err
	}
	return m.send(msg)
}

// ProcessResponse consumes a Response message. Per the routing contract,
// only the messageData the session manager recognizes are acted on; the
// Response's target must equal this session's source, but its Source is
// not required to equal Target (intermediate nodes may relay).
func (m *Manager) ProcessResponse(msg ids.Message) {
	if msg.Type != ids.Response || msg.Target != m.source {
		return
	}

	switch msg.MessageData {
	case mdRequestSeed:
		m.handleSeedResponse(msg.Payload)
	case mdTransmitKey:
		m.handleKeyResponse(msg.Payload)
	case mdHeartbeat:
		m.handleHeartbeatResponse(msg.Payload)
	default:
		// Not a session messageData; ignore.
	}
}

func (m *Manager) handleSeedResponse(payload []byte) {
	m.mu.Lock()
	inProgress := m.state == SeedRequested
	m.mu.Unlock()
	if !inProgress || len(payload) != 6 {
		return
	}
	seed := binary.BigEndian.Uint32(payload[2:])
	if err := m.transmitKey(seed); err != nil {
		m.logger.Error("failed to transmit key", "err", err)
	}
}

func (m *Manager) handleKeyResponse(payload []byte) {
	m.mu.Lock()
	inProgress := m.state == KeyTransmitted
	m.mu.Unlock()
	if !inProgress {
		return
	}

	switch len(payload) {
	case 2:
		m.mu.Lock()
		m.state = Open
		m.lastActivity = time.Now()
		m.mu.Unlock()
		m.startHeartbeatLoop()
		m.logger.Info("session open")
	case 1:
		m.logger.Warn("handshake rejected", "code", ErrorCode(payload[0]))
		m.mu.Lock()
		m.state = Closed
		m.mu.Unlock()
	default:
		m.logger.Warn("malformed key response, treating as failure", "len", len(payload))
		m.mu.Lock()
		m.state = Closed
		m.mu.Unlock()
	}
}

func (m *Manager) handleHeartbeatResponse(payload []byte) {
	m.UpdateActivity()

	switch {
	case len(payload) == 2:
		// Bare sessionId echo: positive acknowledgement.
		return
	case len(payload) >= 3 && ErrorCode(payload[2]) == SessionNotOpen:
		m.closeLocally("heartbeat reported session not open")
	case len(payload) == 1 && ErrorCode(payload[0]) != Success:
		m.closeLocally("heartbeat reported error code")
	case len(payload) >= 3 && ErrorCode(payload[2]) != Success:
		m.closeLocally("heartbeat reported error code")
	}
}

func (m *Manager) closeLocally(reason string) {
	m.logger.Warn("closing session locally", "reason", reason)
	m.mu.Lock()
	m.state = Closed
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

// startHeartbeatLoop launches the background heartbeat/idle-timeout task.
// The loop's context is stored in m.cancel; cancelling it (Close,
// closeLocally, or a later startHeartbeatLoop) guarantees the loop never
// runs again.
func (m *Manager) startHeartbeatLoop() {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(ctx)
	}()
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			state := m.state
			idle := time.Since(m.lastActivity)
			timeout := m.idleTimeout
			m.mu.Unlock()

			if state != Open {
				return
			}
			if idle >= timeout {
				m.closeLocally("idle timeout")
				return
			}
			if err := m.SendHeartbeat(); err != nil {
				m.logger.Warn("heartbeat send failed", "err", err)
			}
		}
	}
}
