package device

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/command"
	"github.com/idscan/controller/pkg/ids"
)

type fakeLink struct {
	mu   sync.Mutex
	sent []ids.Message
}

func (f *fakeLink) send(msg ids.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeLink) at(i int) ids.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

func waitForCount(t *testing.T, f *fakeLink, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, f.count())
}

// driveHandshake completes a session handshake against a runtime's target
// device (source=1, target=92) by feeding synthetic Responses once the
// runtime's RequestSeed/TransmitKey frames appear on the fake link.
func driveHandshake(t *testing.T, link *fakeLink, deliver func(ids.Message), source, target canframe.Address) {
	t.Helper()
	waitForCount(t, link, 1, time.Second)

	seedPayload := make([]byte, 6)
	binary.BigEndian.PutUint16(seedPayload, 4)
	binary.BigEndian.PutUint32(seedPayload[2:], 0xDEADBEEF)
	seedResp, err := ids.NewP2P(ids.Response, target, source, 66, seedPayload)
	require.NoError(t, err)
	deliver(seedResp)

	waitForCount(t, link, 2, time.Second)

	keyPayload := make([]byte, 2)
	binary.BigEndian.PutUint16(keyPayload, 4)
	keyResp, err := ids.NewP2P(ids.Response, target, source, 67, keyPayload)
	require.NoError(t, err)
	deliver(keyResp)
}

func TestDimmerHandleCommandCompletesHandshakeThenSendsCommand(t *testing.T) {
	link := &fakeLink{}
	notify := make(chan StateChange, 8)
	d := NewDimmer(canframe.Address(1), canframe.Address(92), link.send, notify, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- d.HandleCommand(command.DimmerOn, 50, 0, 0, 0)
	}()

	driveHandshake(t, link, d.HandleIdsMessage, canframe.Address(1), canframe.Address(92))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleCommand did not return")
	}

	waitForCount(t, link, 3, time.Second)
	cmdMsg := link.at(2)
	assert.Equal(t, ids.Command, cmdMsg.Type)
	assert.Equal(t, []byte{uint8(command.DimmerOn), 0x7F, 0, 0, 0, 0, 0, 0}, cmdMsg.Payload)
	assert.True(t, d.AwaitingStatus())
}

func TestDimmerParseStatusModeOnly(t *testing.T) {
	d := NewDimmer(canframe.Address(1), canframe.Address(92), nil, nil, nil, nil)
	d.parseStatus([]byte{0x01})
	assert.True(t, d.State().On)
}

func TestDimmerParseStatusFull(t *testing.T) {
	d := NewDimmer(canframe.Address(1), canframe.Address(92), nil, nil, nil, nil)
	// mode on, maxBrightness 200, duration 10, brightness raw 128, cycles 300/600
	d.parseStatus([]byte{0x01, 200, 10, 128, 0x01, 0x2C, 0x02, 0x58})

	st := d.State()
	assert.True(t, st.On)
	assert.Equal(t, uint8(200), st.MaxBrightness)
	assert.Equal(t, uint8(10), st.DurationSeconds)
	assert.Equal(t, command.UnscaleBrightness(128), st.BrightnessPct)
	assert.EqualValues(t, 300, st.CycleTime1Ms)
	assert.EqualValues(t, 600, st.CycleTime2Ms)
}

func TestDimmerParseStatusOffMode(t *testing.T) {
	d := NewDimmer(canframe.Address(1), canframe.Address(92), nil, nil, nil, nil)
	d.parseStatus([]byte{0x00, 0, 0, 0})
	assert.False(t, d.State().On)
}
