// Package device implements one runtime per IDS-CAN device thing: the
// common session/command-timeout plumbing shared by every family, plus a
// file per family (dimmer, rgb, relay, hbridge, hvac, tank) with its own
// command translation and status parsing.
package device

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
	"github.com/idscan/controller/pkg/session"
)

// ErrLockedOut is returned by HBridge.HandleCommand when the in-motion
// lockout latch blocks the requested class of command.
var ErrLockedOut = errors.New("device: blocked by in-motion lockout")

// ErrSessionTimeout is returned by ensureSession when the deadline elapses
// without the session reaching Open.
var ErrSessionTimeout = errors.New("device: session did not open before deadline")

// sessionPollInterval is how often ensureSession polls for Open.
const sessionPollInterval = 100 * time.Millisecond

// StateChange is an observable state transition emitted by a device
// runtime. Host adapters subscribe to a channel of these; the exact
// downstream transport is not this package's concern.
type StateChange struct {
	Address canframe.Address
	Channel string
	Value   any
}

// base holds the state and helpers every family's runtime embeds:
// addressing, the send callback, the session manager, the command-timeout
// timer, and the notification sink.
type base struct {
	mu sync.Mutex

	source canframe.Address
	target canframe.Address
	send   session.SendFunc
	notify chan<- StateChange
	lock   *lockout.Latch
	logger *slog.Logger

	sess           *session.Manager
	idleTimeout    time.Duration
	awaitingStatus bool
	commandTimeout *time.Timer
}

func newBase(source, target canframe.Address, send session.SendFunc, notify chan<- StateChange, lock *lockout.Latch, logger *slog.Logger, service string) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		source:      source,
		target:      target,
		send:        send,
		notify:      notify,
		lock:        lock,
		logger:      logger.With("service", service, "target", target),
		idleTimeout: session.DefaultIdleTimeout,
	}
}

// SetIdleTimeout overrides the idle timeout applied to this runtime's
// sessions, including the one currently open.
func (b *base) SetIdleTimeout(d time.Duration) {
	b.mu.Lock()
	b.idleTimeout = d
	sess := b.sess
	b.mu.Unlock()
	if sess != nil {
		sess.SetIdleTimeout(d)
	}
}

// ensureSession opens a session to target if one isn't already Open,
// waiting up to deadline with a 100 ms poll. If an existing session
// targets a different address, it is closed and replaced first. If
// already Open, a single heartbeat is sent to reactivate and refresh
// activity.
func (b *base) ensureSession(target canframe.Address, deadline time.Duration) error {
	b.mu.Lock()
	sess := b.sess
	if sess != nil && sess.Target() != target {
		b.mu.Unlock()
		_ = sess.Close()
		b.mu.Lock()
		sess = nil
	}
	if sess == nil {
		sess = session.NewManager(b.source, target, b.send, b.logger)
		sess.SetIdleTimeout(b.idleTimeout)
		b.sess = sess
		b.mu.Unlock()
		if err := sess.RequestSeed(); err != nil {
			return err
		}
	} else {
		b.mu.Unlock()
	}

	if sess.IsOpen() {
		return sess.SendHeartbeat()
	}

	deadlineAt := time.Now().Add(deadline)
	for {
		if sess.IsOpen() {
			return nil
		}
		if time.Now().After(deadlineAt) {
			return ErrSessionTimeout
		}
		time.Sleep(sessionPollInterval)
	}
}

// sendCommand ensures a session to b.target, transmits payload as a
// Command message (messageData 0), refreshes session activity, and arms
// the command-timeout task that clears awaitingStatus after timeout.
func (b *base) sendCommand(payload []byte, deadline, timeout time.Duration) error {
	if err := b.ensureSession(b.target, deadline); err != nil {
		return err
	}

	msg, err := ids.NewP2P(ids.Command, b.source, b.target, 0, payload)
	if err != nil {
		return err
	}
	if err := b.send(msg); err != nil {
		return err
	}

	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess != nil {
		sess.UpdateActivity()
	}

	b.armCommandTimeout(timeout)
	return nil
}

// armCommandTimeout sets awaitingStatus and schedules it to clear after
// timeout, cancelling any previously armed timer first.
func (b *base) armCommandTimeout(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.commandTimeout != nil {
		b.commandTimeout.Stop()
	}
	b.awaitingStatus = true
	b.commandTimeout = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.awaitingStatus = false
		b.mu.Unlock()
	})
}

// AwaitingStatus reports whether a command-timeout is currently armed.
func (b *base) AwaitingStatus() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awaitingStatus
}

// routeResponse forwards msg to the session manager if it is a Response
// addressed to our source. Returns true if it was handled here.
func (b *base) routeResponse(msg ids.Message) bool {
	if msg.Type != ids.Response || msg.Target != b.source {
		return false
	}
	b.mu.Lock()
	sess := b.sess
	b.mu.Unlock()
	if sess == nil {
		return true
	}
	sess.ProcessResponse(msg)
	return true
}

// emit publishes a state change on the notification channel, if one is
// registered. Never blocks indefinitely: a full channel drops the update.
func (b *base) emit(channel string, value any) {
	if b.notify == nil {
		return
	}
	select {
	case b.notify <- StateChange{Address: b.target, Channel: channel, Value: value}:
	default:
		b.logger.Warn("state change dropped, notification channel full", "channel", channel)
	}
}

// Close tears down the runtime's session, if any, and cancels its
// command-timeout timer.
func (b *base) Close() error {
	b.mu.Lock()
	sess := b.sess
	if b.commandTimeout != nil {
		b.commandTimeout.Stop()
		b.commandTimeout = nil
	}
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
