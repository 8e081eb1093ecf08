package cipherstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philsphicas/p2pcam/internal/protocol"
)

const pad = byte(protocol.ChannelPadding)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestSessionIV(t *testing.T) {
	iv := SessionIV()
	require.Len(t, iv, 16)
	assert.Equal(t, byte(0xC1), iv[0], "first character encodes as ISO-8859-5")
	assert.Equal(t, byte('0'), iv[15])
}

func TestNewAESRejectsBadKey(t *testing.T) {
	_, _, err := NewAES([]byte("short"), SessionIV())
	require.ErrorIs(t, err, ErrCipherInitFailed)

	_, _, err = NewAES(testKey(), []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCipherInitFailed)
}

func TestCheckKey(t *testing.T) {
	require.NoError(t, CheckKey(make([]byte, 32)))
	require.ErrorIs(t, CheckKey([]byte("not-a-key")), ErrCipherInitFailed)
}

func TestFramesRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w, r, err := NewSessionPair(testKey(), &wire, &wire, pad)
	require.NoError(t, err)

	frames := []protocol.Frame{
		protocol.Control(protocol.CmdFlashlight, protocol.FlashlightOn.Payload()),
		protocol.Media(bytes.Repeat([]byte{3}, 100)),
		protocol.Control(protocol.CmdCaps, nil),
	}
	for _, f := range frames {
		require.NoError(t, protocol.WriteFrame(w, f))
		require.NoError(t, w.Flush())
		require.Zero(t, wire.Len()%16, "flush leaves the stream block aligned")
	}

	for i, want := range frames {
		got, err := protocol.ReadFrame(r, protocol.FromCamera)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want.Channel, got.Channel)
		assert.Equal(t, want.Aux, got.Aux)
		assert.Equal(t, len(want.Payload), len(got.Payload))
		assert.True(t, bytes.Equal(want.Payload, got.Payload), "frame %d payload", i)
	}

	_, err = protocol.ReadFrame(r, protocol.FromCamera)
	require.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestFlushPadding(t *testing.T) {
	tests := []struct {
		written int
		want    int
	}{
		{0, 16},
		{1, 16},
		{15, 16},
		{16, 32},
		{17, 32},
	}
	for _, tt := range tests {
		var wire bytes.Buffer
		enc, _, err := NewAES(testKey(), SessionIV())
		require.NoError(t, err)
		w := NewWriter(&wire, enc, pad)
		_, err = w.Write(make([]byte, tt.written))
		require.NoError(t, err)
		require.NoError(t, w.Flush())
		assert.Equal(t, tt.want, wire.Len(), "after writing %d bytes", tt.written)
	}
}

func TestWriterHoldsPartialBlock(t *testing.T) {
	var wire bytes.Buffer
	enc, _, err := NewAES(testKey(), SessionIV())
	require.NoError(t, err)
	w := NewWriter(&wire, enc, pad)

	_, err = w.Write(make([]byte, 20))
	require.NoError(t, err)
	assert.Equal(t, 16, wire.Len(), "only whole blocks are written through")
}

func TestFlushFlushesSink(t *testing.T) {
	var wire bytes.Buffer
	bw := bufio.NewWriter(&wire)
	w, _, err := NewSessionPair(testKey(), bw, &wire, pad)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(w, protocol.Media([]byte("x"))))
	assert.Zero(t, wire.Len())
	require.NoError(t, w.Flush())
	assert.Equal(t, 16, wire.Len())
}

type closeCounter struct {
	bytes.Buffer
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestCloseIdempotent(t *testing.T) {
	sink := &closeCounter{}
	enc, _, err := NewAES(testKey(), SessionIV())
	require.NoError(t, err)
	w := NewWriter(sink, enc, pad)

	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, 16, sink.Len(), "close pads the pending block")

	_, err = w.Write([]byte("more"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestCloseAlignedAddsNoBlock(t *testing.T) {
	sink := &closeCounter{}
	enc, _, err := NewAES(testKey(), SessionIV())
	require.NoError(t, err)
	w := NewWriter(sink, enc, pad)

	_, err = w.Write(make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, 32, sink.Len(), "no trailing pad block on an aligned stream")
	assert.Equal(t, 1, sink.closes)
}

func TestReaderTruncatedBlock(t *testing.T) {
	var wire bytes.Buffer
	w, _, err := NewSessionPair(testKey(), &wire, nil, pad)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(w, protocol.Media([]byte("hello"))))
	require.NoError(t, w.Flush())

	_, dec, err := NewAES(testKey(), SessionIV())
	require.NoError(t, err)
	r := NewReader(bytes.NewReader(wire.Bytes()[:8]), dec)
	_, err = io.ReadAll(r)
	require.True(t, errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

// A payload that starts with the pad byte value survives because padding
// is only skipped where a channel byte is expected.
func TestPadValueInsidePayload(t *testing.T) {
	var wire bytes.Buffer
	w, r, err := NewSessionPair(testKey(), &wire, &wire, pad)
	require.NoError(t, err)

	payload := []byte{pad, pad, pad, 1}
	require.NoError(t, protocol.WriteFrame(w, protocol.Media(payload)))
	require.NoError(t, w.Flush())

	got, err := protocol.ReadFrame(r, protocol.FromCamera)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}
