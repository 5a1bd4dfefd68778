package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := newFrameWriter(&buf, 0)
	require.NoError(t, w.writeFrame([]byte(`{"hello":"world"}`)))

	r := newFrameReader(&buf, 0)
	payload, err := r.readFrame()
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(payload))
}

func TestFrameAtExactlyMaxFrameAccepted(t *testing.T) {
	const maxFrame = 64
	payload := bytes.Repeat([]byte("a"), maxFrame)

	var buf bytes.Buffer
	w := newFrameWriter(&buf, maxFrame)
	require.NoError(t, w.writeFrame(payload))

	r := newFrameReader(&buf, maxFrame)
	got, err := r.readFrame()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrameOverMaxFrameRejected(t *testing.T) {
	const maxFrame = 64
	payload := bytes.Repeat([]byte("a"), maxFrame+1)

	var buf bytes.Buffer
	w := newFrameWriter(&buf, maxFrame)
	err := w.writeFrame(payload)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameReaderRejectsOversizedIncomingLength(t *testing.T) {
	const maxFrame = 64
	// Hand-craft a frame whose length prefix exceeds maxFrame, as if a
	// peer on the other end of the pipe sent one.
	var buf bytes.Buffer
	oversized := newFrameWriter(&buf, maxFrame+1)
	require.NoError(t, oversized.writeFrame(bytes.Repeat([]byte("b"), int(maxFrame+1))))

	r := newFrameReader(&buf, maxFrame)
	_, err := r.readFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameReaderEOF(t *testing.T) {
	r := newFrameReader(bytes.NewReader(nil), 0)
	_, err := r.readFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderMalformedTruncated(t *testing.T) {
	// A length prefix claiming more bytes than are actually present.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10})
	buf.Write([]byte("short"))

	r := newFrameReader(&buf, 0)
	_, err := r.readFrame()
	require.ErrorIs(t, err, ErrMalformedFrame)
}
