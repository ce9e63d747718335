package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONStringFindsTopLevelKey(t *testing.T) {
	payload := []byte(`{"mfg":"IDS","product":"CAN_TO_ETHERNET_GATEWAY","name":"Gateway-1","port":"8080"}`)

	v, ok := extractJSONString(payload, "mfg")
	require.True(t, ok)
	assert.Equal(t, "IDS", v)

	v, ok = extractJSONString(payload, "port")
	require.True(t, ok)
	assert.Equal(t, "8080", v)
}

func TestExtractJSONStringToleratesWhitespace(t *testing.T) {
	payload := []byte(`{ "mfg"  :   "IDS" , "product" : "CAN_TO_ETHERNET_GATEWAY" }`)
	v, ok := extractJSONString(payload, "product")
	require.True(t, ok)
	assert.Equal(t, "CAN_TO_ETHERNET_GATEWAY", v)
}

func TestExtractJSONStringMissingKey(t *testing.T) {
	_, ok := extractJSONString([]byte(`{"mfg":"IDS"}`), "port")
	assert.False(t, ok)
}

func TestHandleDatagramAdmitsOnlyIdsGateway(t *testing.T) {
	s := New(nil)

	other := []byte(`{"mfg":"ACME","product":"CAN_TO_ETHERNET_GATEWAY","name":"x","port":"1"}`)
	s.handleDatagram(other, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999})
	assert.Len(t, s.Gateways(), 0)

	wrongProduct := []byte(`{"mfg":"IDS","product":"SOMETHING_ELSE","name":"x","port":"1"}`)
	s.handleDatagram(wrongProduct, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999})
	assert.Len(t, s.Gateways(), 0)

	good := []byte(`{"mfg":"IDS","product":"CAN_TO_ETHERNET_GATEWAY","name":"Gateway-1","port":"47665"}`)
	s.handleDatagram(good, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999})
	gws := s.Gateways()
	require.Len(t, gws, 1)
	assert.Equal(t, "10.0.0.5", gws[0].IP)
	assert.Equal(t, 47665, gws[0].Port)
	assert.Equal(t, "Gateway-1", gws[0].Name)
}

func TestHandleDatagramRejectsNonNumericPort(t *testing.T) {
	s := New(nil)
	bad := []byte(`{"mfg":"IDS","product":"CAN_TO_ETHERNET_GATEWAY","name":"x","port":"not-a-number"}`)
	s.handleDatagram(bad, &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 9999})
	assert.Len(t, s.Gateways(), 0)
}

func TestEvictStaleRemovesExpiredEntries(t *testing.T) {
	s := New(nil)
	base := time.Now()

	s.mu.Lock()
	s.gateways["10.0.0.1"] = Gateway{IP: "10.0.0.1", LastSeen: base}
	s.gateways["10.0.0.2"] = Gateway{IP: "10.0.0.2", LastSeen: base.Add(4 * time.Second)}
	s.mu.Unlock()

	s.evictStale(base.Add(6 * time.Second))

	gws := s.Gateways()
	require.Len(t, gws, 1)
	assert.Equal(t, "10.0.0.2", gws[0].IP)
}

func TestWaitForGatewayReturnsImmediatelyWhenPresent(t *testing.T) {
	s := New(nil)
	s.mu.Lock()
	s.gateways["10.0.0.1"] = Gateway{IP: "10.0.0.1", LastSeen: time.Now()}
	s.mu.Unlock()

	gw, err := s.WaitForGateway(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", gw.IP)
}

func TestWaitForGatewayTimesOutWhenNoneFound(t *testing.T) {
	s := New(nil)
	_, err := s.WaitForGateway(150 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
