// Package ipc implements the length-framed, JSON-encoded bidirectional
// message stream between the coordinator and exactly one worker subprocess
// over its stdio. A third stream (stderr) carries human logs
// and is never framed.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/taskmill/corerunner/core"
)

var (
	ErrMalformedFrame = core.ErrMalformedFrame
	ErrFrameTooLarge  = core.ErrFrameTooLarge
)

// DefaultMaxFrame is the default MAX_FRAME: 16 MiB.
const DefaultMaxFrame uint32 = 16 << 20

// frameReader reads length-prefixed frames from r, rejecting anything
// longer than maxFrame. Any malformed length, oversized payload, or
// non-UTF-8/undecodable JSON is fatal to the channel.
type frameReader struct {
	r        *bufio.Reader
	maxFrame uint32
}

func newFrameReader(r io.Reader, maxFrame uint32) *frameReader {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &frameReader{r: bufio.NewReaderSize(r, 64*1024), maxFrame: maxFrame}
}

func (f *frameReader) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading length prefix: %v", ErrMalformedFrame, err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > f.maxFrame {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrFrameTooLarge, n, f.maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrMalformedFrame, err)
	}
	if !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}

	return payload, nil
}

// frameWriter writes length-prefixed frames to w.
type frameWriter struct {
	w        io.Writer
	maxFrame uint32
	mu       writerMutex
}

// writerMutex serializes concurrent Send calls onto one stream; frames must
// never interleave.
type writerMutex chan struct{}

func newWriterMutex() writerMutex {
	c := make(writerMutex, 1)
	c <- struct{}{}
	return c
}

func (m writerMutex) Lock()   { <-m }
func (m writerMutex) Unlock() { m <- struct{}{} }

func newFrameWriter(w io.Writer, maxFrame uint32) *frameWriter {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	return &frameWriter{w: w, maxFrame: maxFrame, mu: newWriterMutex()}
}

func (f *frameWriter) writeFrame(payload []byte) error {
	if uint32(len(payload)) > f.maxFrame {
		return fmt.Errorf("%w: frame of %d bytes exceeds max %d", ErrFrameTooLarge, len(payload), f.maxFrame)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: writing length prefix: %v", ErrMalformedFrame, err)
	}
	if _, err := f.w.Write(payload); err != nil {
		return fmt.Errorf("%w: writing payload: %v", ErrMalformedFrame, err)
	}
	return nil
}
