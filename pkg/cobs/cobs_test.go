package cobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S1 scenario: standard id 0x123, payload [0x11 0x22 0x33] -> wire bytes
// per canframe encoding (length|echo byte 0x03, id 0x01 0x23, data).
var s1Wire = []byte{0x03, 0x01, 0x23, 0x11, 0x22, 0x33}

func TestEncodeKnownStream(t *testing.T) {
	// Seven non-zero bytes (wire + CRC8 0x5C) and one zero-unit for the
	// trailing overhead byte: code 0x47 = 7 | 1<<6.
	got := Encode(s1Wire)
	want := []byte{0x47, 0x03, 0x01, 0x23, 0x11, 0x22, 0x33, 0x5C, 0x00}
	assert.Equal(t, want, got)
}

func roundTrip(t *testing.T, payload []byte) []byte {
	t.Helper()
	stream := Encode(payload)
	var got []byte
	d := NewDecoder(func(frame []byte) {
		got = frame
	})
	d.Write(stream)
	return got
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	got := roundTrip(t, s1Wire)
	require.NotNil(t, got)
	assert.Equal(t, s1Wire, got)
}

func TestDecoderToleratesLeadingDelimiters(t *testing.T) {
	stream := append([]byte{0x00, 0x00, 0x00}, Encode(s1Wire)...)

	var frames [][]byte
	d := NewDecoder(func(frame []byte) {
		frames = append(frames, frame)
	})
	d.Write(stream)

	require.Len(t, frames, 1)
	assert.Equal(t, s1Wire, frames[0])
}

func TestDecoderHandlesByteAtATime(t *testing.T) {
	stream := Encode(s1Wire)

	var got []byte
	d := NewDecoder(func(frame []byte) {
		got = frame
	})
	for _, b := range stream {
		d.WriteByte(b)
	}

	require.NotNil(t, got)
	assert.Equal(t, s1Wire, got)
}

func TestDecoderDiscardsCorruptedFrame(t *testing.T) {
	stream := Encode(s1Wire)
	// Flip a data byte so the trailing CRC8 no longer matches.
	stream[3] ^= 0xFF

	var called bool
	d := NewDecoder(func(frame []byte) {
		called = true
	})
	d.Write(stream)

	assert.False(t, called)
}

func TestDecoderRecoversAfterCorruptedFrame(t *testing.T) {
	bad := Encode(s1Wire)
	bad[3] ^= 0xFF
	good := Encode(s1Wire)

	var frames [][]byte
	d := NewDecoder(func(frame []byte) {
		frames = append(frames, frame)
	})
	d.Write(bad)
	d.Write(good)

	require.Len(t, frames, 1)
	assert.Equal(t, s1Wire, frames[0])
}

func TestDecoderDiscardsTruncatedRun(t *testing.T) {
	good := Encode(s1Wire)
	// Cut a frame short so its code byte promises more data than arrives
	// before the delimiter, then follow with an intact frame.
	truncated := append(append([]byte{}, good[:4]...), 0x00)

	var frames [][]byte
	d := NewDecoder(func(frame []byte) {
		frames = append(frames, frame)
	})
	d.Write(truncated)
	d.Write(good)

	require.Len(t, frames, 1)
	assert.Equal(t, s1Wire, frames[0])
}

func TestDecoderHandlesInterleavedDelimiterRuns(t *testing.T) {
	stream := Encode(s1Wire)
	stream = append(stream, 0x00, 0x00)
	stream = append(stream, Encode(s1Wire)...)
	stream = append(stream, 0x00)

	var frames [][]byte
	d := NewDecoder(func(frame []byte) {
		frames = append(frames, frame)
	})
	d.Write(stream)

	require.Len(t, frames, 2)
}

func TestEncodeHandlesLongPayloadWithoutEmbeddedZero(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i%254 + 1)
	}

	got := roundTrip(t, payload)
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}

func TestEncodeHandlesPayloadWithEmbeddedZero(t *testing.T) {
	payload := []byte{0x01, 0x00, 0x02, 0x03}

	got := roundTrip(t, payload)
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}

func TestEncodeHandlesAllZeroPayload(t *testing.T) {
	payload := make([]byte, 10)

	got := roundTrip(t, payload)
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}

func TestEncodeHandlesEmptyPayload(t *testing.T) {
	got := roundTrip(t, []byte{})
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestEncodeHandlesExactMaxBlockRun(t *testing.T) {
	payload := make([]byte, 254)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	got := roundTrip(t, payload)
	require.NotNil(t, got)
	assert.Equal(t, payload, got)
}
