package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport provides ordered, reliable, framed, bidirectional message
// delivery over a paired byte stream — one worker's stdin/stdout from the
// coordinator's side, or os.Stdin/os.Stdout from the worker's side.
//
// Every request MUST carry a fresh correlation_id; the responding message
// MUST echo it. Transport itself does not
// enforce correlation matching — that's the caller's job (coordinator: the
// pool's pending-correlation table; worker: echo the inbound id) — it only
// guarantees frames arrive whole, in order, and decode into a known
// Message.
type Transport struct {
	reader *frameReader
	writer *frameWriter

	closeOnce sync.Once
	closer    io.Closer
	closed    chan struct{}
}

// New wraps r and w as a Transport. closer's Close (if non-nil) is
// invoked by Close.
func New(r io.Reader, w io.Writer, closer io.Closer, maxFrame uint32) *Transport {
	return &Transport{
		reader: newFrameReader(r, maxFrame),
		writer: newFrameWriter(w, maxFrame),
		closer: closer,
		closed: make(chan struct{}),
	}
}

// Send writes one envelope carrying msg, tagged with correlationID.
func (t *Transport) Send(correlationID uuid.UUID, msg Message) error {
	body, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	env := Envelope{CorrelationID: correlationID, Timestamp: time.Now().UTC(), Message: body}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	return t.writer.writeFrame(payload)
}

// SendRequest is a convenience that generates a fresh correlation id,
// satisfying the "every request MUST carry a fresh correlation_id" rule.
func (t *Transport) SendRequest(msg Message) (uuid.UUID, error) {
	id := uuid.New()
	return id, t.Send(id, msg)
}

// Recv blocks for the next frame, decodes its envelope, and returns the
// correlation id and decoded message. Any malformed length, oversized
// payload, or undecodable JSON is returned as an error and is fatal to the
// channel — the caller must treat the Transport as dead.
func (t *Transport) Recv() (uuid.UUID, Message, error) {
	payload, err := t.reader.readFrame()
	if err != nil {
		return uuid.Nil, nil, err
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}

	msg, err := UnmarshalMessage(env.Message)
	if err != nil {
		return env.CorrelationID, nil, err
	}

	return env.CorrelationID, msg, nil
}

// Close closes the underlying stream, if any, exactly once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.closer != nil {
			err = t.closer.Close()
		}
	})
	return err
}

// Done reports a channel closed when Close has been called.
func (t *Transport) Done() <-chan struct{} { return t.closed }
