package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/p2panda/p2panda-sub000/logsync"
	"github.com/p2panda/p2panda-sub000/topicsync"
)

// zeroTime clears a stream deadline, matching net.Conn.SetDeadline's
// zero-value convention.
var zeroTime time.Time

// maxFrameSize bounds a single length-prefixed frame; a peer asking for
// more than this is misbehaving, not merely slow.
const maxFrameSize = 16 << 20

// streamCodec frames logsync/topicsync messages as a 4-byte big-endian
// length prefix followed by a CBOR payload, directly over a libp2p
// stream. It implements logsync.Sink/Stream and topicsync.LiveSink/
// LiveStream so one physical stream serves both halves of a session.
type streamCodec struct {
	s network.Stream
}

// newStreamCodec wraps s for framed CBOR exchange.
func newStreamCodec(s network.Stream) *streamCodec {
	return &streamCodec{s: s}
}

func (c *streamCodec) writeFrame(v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("network: encoding frame: %w", err)
	}
	if len(b) > maxFrameSize {
		return fmt.Errorf("network: frame of %d bytes exceeds limit", len(b))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := c.s.Write(hdr[:]); err != nil {
		return fmt.Errorf("network: writing frame header: %w", err)
	}
	if _, err := c.s.Write(b); err != nil {
		return fmt.Errorf("network: writing frame body: %w", err)
	}
	return nil
}

func (c *streamCodec) readFrame(v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.s, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("network: incoming frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.s, buf); err != nil {
		return err
	}
	if err := cbor.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("network: decoding frame: %w", err)
	}
	return nil
}

// Send implements logsync.Sink.
func (c *streamCodec) Send(ctx context.Context, msg logsync.Message) error {
	return withDeadline(ctx, c.s, func() error { return c.writeFrame(&msg) })
}

// Next implements logsync.Stream.
func (c *streamCodec) Next(ctx context.Context) (logsync.Message, error) {
	var msg logsync.Message
	err := withDeadline(ctx, c.s, func() error { return c.readFrame(&msg) })
	return msg, err
}

// SendLive implements topicsync.LiveSink.
func (c *streamCodec) SendLive(ctx context.Context, m topicsync.LiveMessage) error {
	return withDeadline(ctx, c.s, func() error { return c.writeFrame(&m) })
}

// NextLive implements topicsync.LiveStream.
func (c *streamCodec) NextLive(ctx context.Context) (topicsync.LiveMessage, error) {
	var m topicsync.LiveMessage
	err := withDeadline(ctx, c.s, func() error { return c.readFrame(&m) })
	return m, err
}

// withDeadline propagates ctx's deadline (if any) onto the stream
// before running fn, since libp2p streams don't take a context directly.
func withDeadline(ctx context.Context, s network.Stream, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	} else {
		_ = s.SetDeadline(zeroTime)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		_ = s.Reset()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
