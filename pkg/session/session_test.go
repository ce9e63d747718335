package session

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
)

func newTestManager(t *testing.T) (*Manager, *[]ids.Message) {
	t.Helper()
	var sent []ids.Message
	m := NewManager(canframe.Address(1), canframe.Address(92), func(msg ids.Message) error {
		sent = append(sent, msg)
		return nil
	}, nil)
	return m, &sent
}

func seedResponse(source, target canframe.Address, seed uint32) ids.Message {
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload, SessionId)
	binary.BigEndian.PutUint32(payload[2:], seed)
	msg, _ := ids.NewP2P(ids.Response, source, target, mdRequestSeed, payload)
	return msg
}

func keyResponse(source, target canframe.Address) ids.Message {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, SessionId)
	msg, _ := ids.NewP2P(ids.Response, source, target, mdTransmitKey, payload)
	return msg
}

// TestHandshakeScenarioS2 walks the full seed/key exchange per scenario S2.
func TestHandshakeScenarioS2(t *testing.T) {
	m, sent := newTestManager(t)

	require.NoError(t, m.RequestSeed())
	require.Len(t, *sent, 1)
	assert.Equal(t, ids.Request, (*sent)[0].Type)
	assert.EqualValues(t, mdRequestSeed, (*sent)[0].MessageData)
	assert.Equal(t, []byte{0x00, 0x04}, (*sent)[0].Payload)

	// Device responds with a seed; the response's Source is the device
	// (target), and its Target must equal our source to be routed here.
	resp := seedResponse(canframe.Address(92), canframe.Address(1), 0xDEADBEEF)
	m.ProcessResponse(resp)

	require.Len(t, *sent, 2)
	assert.EqualValues(t, mdTransmitKey, (*sent)[1].MessageData)
	wantKey := encrypt(0xDEADBEEF)
	gotKey := binary.BigEndian.Uint32((*sent)[1].Payload[2:])
	assert.Equal(t, wantKey, gotKey)

	m.ProcessResponse(keyResponse(canframe.Address(92), canframe.Address(1)))
	assert.True(t, m.IsOpen())

	m.Close()
}

func TestClosedSessionRefusesHeartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.SendHeartbeat()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestHeartbeatErrorClosesSession(t *testing.T) {
	m, sent := newTestManager(t)
	require.NoError(t, m.RequestSeed())
	m.ProcessResponse(seedResponse(canframe.Address(92), canframe.Address(1), 1))
	m.ProcessResponse(keyResponse(canframe.Address(92), canframe.Address(1)))
	require.True(t, m.IsOpen())

	hbResp, _ := ids.NewP2P(ids.Response, canframe.Address(92), canframe.Address(1), mdHeartbeat, []byte{0x00, 0x04, 0x0E})
	m.ProcessResponse(hbResp)

	assert.False(t, m.IsOpen())
	_ = sent
	m.Close()
}

func TestResponseRoutingIgnoresWrongTarget(t *testing.T) {
	m, sent := newTestManager(t)
	require.NoError(t, m.RequestSeed())

	// Response addressed to a different controller: must be ignored.
	wrongTarget := seedResponse(canframe.Address(92), canframe.Address(99), 0x1)
	m.ProcessResponse(wrongTarget)

	assert.Len(t, *sent, 1)
	assert.Equal(t, SeedRequested, m.State())
}

func TestResponseRoutingIgnoresSourceMismatch(t *testing.T) {
	// Per the spec, Response.Source need not equal the session's target;
	// only Target == session.source is checked. A relayed response from a
	// different source must still be accepted.
	m, sent := newTestManager(t)
	require.NoError(t, m.RequestSeed())

	relayed := seedResponse(canframe.Address(7), canframe.Address(1), 0x42)
	m.ProcessResponse(relayed)

	assert.Len(t, *sent, 2)
}

func TestHandshakeRejectionClosesSession(t *testing.T) {
	m, sent := newTestManager(t)
	require.NoError(t, m.RequestSeed())
	m.ProcessResponse(seedResponse(canframe.Address(92), canframe.Address(1), 0x1))

	rejected, _ := ids.NewP2P(ids.Response, canframe.Address(92), canframe.Address(1), mdTransmitKey, []byte{0x0D})
	m.ProcessResponse(rejected)

	assert.Equal(t, Closed, m.State())
	_ = sent
}

func TestIdleTimeoutClosesSession(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetIdleTimeout(10 * time.Millisecond)
	require.NoError(t, m.RequestSeed())
	m.ProcessResponse(seedResponse(canframe.Address(92), canframe.Address(1), 1))
	m.ProcessResponse(keyResponse(canframe.Address(92), canframe.Address(1)))
	require.True(t, m.IsOpen())

	time.Sleep(20 * time.Millisecond)
	m.mu.Lock()
	idle := time.Since(m.lastActivity) >= m.idleTimeout
	m.mu.Unlock()
	assert.True(t, idle)

	// The heartbeat loop checks idleness on its next tick and closes.
	assert.Eventually(t, func() bool { return !m.IsOpen() },
		heartbeatInterval+2*time.Second, 50*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
