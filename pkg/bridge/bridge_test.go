package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idscan/controller/pkg/canframe"
	"github.com/idscan/controller/pkg/ids"
	"github.com/idscan/controller/pkg/transport"
)

// fakeTransport is an in-memory transport.Transport double: Connect
// always succeeds synchronously and Send records frames instead of
// writing to a socket.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sink      transport.FrameSink
	sent      []canframe.CanFrame
	sendErr   error
}

func (f *fakeTransport) Connect(sink transport.FrameSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.connected = true
	return nil
}

func (f *fakeTransport) Send(frame canframe.CanFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) deliver(t *testing.T, msg ids.Message) {
	frame, err := msg.Frame()
	require.NoError(t, err)
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	require.NotNil(t, sink, "transport not connected yet")
	sink(frame)
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingRuntime struct {
	mu       sync.Mutex
	received []ids.Message
}

func (r *recordingRuntime) HandleIdsMessage(msg ids.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
}

func (r *recordingRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func TestStartConnectsAndSendRoundTrips(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	assert.True(t, b.IsConnected())

	msg, err := ids.NewBroadcast(ids.DeviceStatus, canframe.Address(1), []byte{0x01})
	require.NoError(t, err)
	require.NoError(t, b.Send(msg))
	assert.Equal(t, 1, ft.sentCount())
}

func TestDispatchRoutesDeviceStatusBySource(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	rt := &recordingRuntime{}
	b.RegisterDevice(canframe.Address(42), rt)

	msg, err := ids.NewBroadcast(ids.DeviceStatus, canframe.Address(42), []byte{0x01})
	require.NoError(t, err)
	ft.deliver(t, msg)

	assert.Equal(t, 1, rt.count())
}

func TestDispatchIgnoresUnregisteredSource(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	rt := &recordingRuntime{}
	b.RegisterDevice(canframe.Address(42), rt)

	msg, err := ids.NewBroadcast(ids.DeviceStatus, canframe.Address(99), []byte{0x01})
	require.NoError(t, err)
	ft.deliver(t, msg)

	assert.Equal(t, 0, rt.count())
}

func TestResponseFromRelayNodeReachesRuntimes(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	rt := &recordingRuntime{}
	b.RegisterDevice(canframe.Address(92), rt)

	// A Response relayed by an intermediate node: source 7, not the
	// session's target 92. Routing is by the Response's target, so the
	// registered runtime must still see it.
	msg, err := ids.NewP2P(ids.Response, canframe.Address(7), canframe.Address(1), 66, []byte{0x00, 0x04})
	require.NoError(t, err)
	ft.deliver(t, msg)

	assert.Equal(t, 1, rt.count())
}

func TestResponseForOtherControllerIsDropped(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	rt := &recordingRuntime{}
	b.RegisterDevice(canframe.Address(92), rt)

	msg, err := ids.NewP2P(ids.Response, canframe.Address(92), canframe.Address(2), 66, []byte{0x00, 0x04})
	require.NoError(t, err)
	ft.deliver(t, msg)

	assert.Equal(t, 0, rt.count())
}

func TestNetworkBroadcastObservedByLockout(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	msg, err := ids.NewBroadcast(ids.Network, canframe.Address(5), []byte{0x02})
	require.NoError(t, err)
	ft.deliver(t, msg)

	assert.EqualValues(t, 2, b.Lockout.Level())
}

func TestProtocolErrorCountedOnBadFrame(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	// A standard frame whose declared type bits don't land in the known
	// broadcast set is an undecodable IdsMessage (ProtocolError), not a
	// CAN framing error.
	bad := canframe.CanFrame{Id: canframe.Standard(uint16(5) << 8), Data: []byte{0x00}}
	ft.mu.Lock()
	sink := ft.sink
	ft.mu.Unlock()
	sink(bad)

	_, protocolErrors := b.Stats().Snapshot()
	assert.EqualValues(t, 1, protocolErrors)
}

func TestSendFailsFastWhenTransportRejects(t *testing.T) {
	ft := &fakeTransport{sendErr: transport.ErrNotConnected}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()

	msg, err := ids.NewBroadcast(ids.DeviceStatus, canframe.Address(1), nil)
	require.NoError(t, err)
	err = b.Send(msg)
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestSharedStatsCountsTransportFramingErrors(t *testing.T) {
	stats := NewStats()
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, stats)
	require.NoError(t, b.Start())
	defer b.Close()

	stats.IncFramingError()
	framingErrors, _ := b.Stats().Snapshot()
	assert.EqualValues(t, 1, framingErrors)
}

func TestMonitorSchedulesReconnectOnDrop(t *testing.T) {
	ft := &fakeTransport{}
	b := New(ft, canframe.Address(1), nil, false, nil, nil)
	require.NoError(t, b.Start())
	defer b.Close()
	require.True(t, b.IsConnected())

	ft.mu.Lock()
	ft.connected = false
	ft.mu.Unlock()

	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return !b.connected && b.reconnectTimer != nil
	}, 3*time.Second, 50*time.Millisecond)
}
