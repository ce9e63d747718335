package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/lockout"
)

func TestHBridgeHeldForwardRepeatsUntilReleased(t *testing.T) {
	link := &fakeLink{}
	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, link.send, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.HandleCommand(HBridgeForward)
	}()
	driveHandshake(t, link, h.HandleIdsMessage, canframe.Address(1), canframe.Address(92))
	require.NoError(t, <-done)

	waitForCount(t, link, 3, 2*time.Second)
	assert.Equal(t, []byte{0x01}, link.at(2).Payload)

	// A host holding the button keeps invoking HandleCommand faster than
	// the 200ms auto-stop guard; the direction must stay active throughout,
	// and the 500ms repeater fires independently of that cadence.
	holdUntil := time.Now().Add(650 * time.Millisecond)
	for time.Now().Before(holdUntil) {
		require.NoError(t, h.HandleCommand(HBridgeForward))
		time.Sleep(50 * time.Millisecond)
	}

	h.mu.Lock()
	dir := h.direction
	h.mu.Unlock()
	assert.Equal(t, HBridgeForward, dir, "direction must still be active while host keeps holding")
	assert.GreaterOrEqual(t, link.count(), 4, "the repeater or host cadence must have produced further sends")

	require.NoError(t, h.HandleCommand(HBridgeStop))
	n := link.count()
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, n, link.count(), "STOP must cancel the repeat timer")
}

func TestHBridgeReleasedButtonAutoStopsWithoutExplicitStop(t *testing.T) {
	link := &fakeLink{}
	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, link.send, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.HandleCommand(HBridgeForward)
	}()
	driveHandshake(t, link, h.HandleIdsMessage, canframe.Address(1), canframe.Address(92))
	require.NoError(t, <-done)

	waitForCount(t, link, 3, 2*time.Second)

	// Host holds briefly then releases (stops calling HandleCommand
	// entirely, never sending an explicit STOP). The 200ms guard must
	// bring the direction back to Stop on its own.
	time.Sleep(350 * time.Millisecond)

	h.mu.Lock()
	dir := h.direction
	h.mu.Unlock()
	assert.Equal(t, HBridgeStop, dir)
}

func TestHBridgeStopSendsSingleStopFrame(t *testing.T) {
	link := &fakeLink{}
	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, link.send, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.HandleCommand(HBridgeStop)
	}()
	driveHandshake(t, link, h.HandleIdsMessage, canframe.Address(1), canframe.Address(92))
	require.NoError(t, <-done)

	waitForCount(t, link, 3, 2*time.Second)
	assert.Equal(t, []byte{0x00}, link.at(2).Payload)
}

func TestHBridgeBlockedByHazardousLockout(t *testing.T) {
	lock := lockout.New()
	lock.Observe(2)

	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, nil, nil, lock, nil)
	err := h.HandleCommand(HBridgeForward)
	assert.ErrorIs(t, err, ErrLockedOut)
}

func TestHBridgeStopAlwaysAllowedUnderLockout(t *testing.T) {
	link := &fakeLink{}
	lock := lockout.New()
	lock.Observe(2)
	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, link.send, nil, lock, nil)

	done := make(chan error, 1)
	go func() {
		done <- h.HandleCommand(HBridgeStop)
	}()
	driveHandshake(t, link, h.HandleIdsMessage, canframe.Address(1), canframe.Address(92))
	require.NoError(t, <-done)
}

func TestHBridgeParseStatusFault(t *testing.T) {
	h := NewHBridge(canframe.Address(1), canframe.Address(92), HBridgeKindType1, nil, nil, nil, nil)
	status, err := ids.NewBroadcast(ids.DeviceStatus, canframe.Address(92), []byte{0x41}) // forward + fault
	require.NoError(t, err)
	h.HandleIdsMessage(status)

	st := h.State()
	assert.True(t, st.Forward)
	assert.True(t, st.Fault)
}
