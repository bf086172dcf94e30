package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds a single session frame. Program and data artifacts
// travel inside one frame, so this is also the artifact size limit.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when a peer announces a frame larger than
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Conn exchanges length-prefixed CBOR frames over a stream connection.
// Each frame is a 4-byte big-endian length followed by one CBOR value.
//
// Reads and writes are independently serialised, so one goroutine may
// read while another writes.
type Conn struct {
	conn net.Conn

	readMu sync.Mutex
	reader *bufio.Reader

	writeMu sync.Mutex
}

// NewConn wraps conn.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: bufio.NewReader(conn)}
}

// Read decodes the next frame into v. A deadline of zero leaves the
// connection's current read deadline untouched. io.EOF is returned
// unwrapped when the peer closed the connection between frames.
func (c *Conn) Read(v any, deadline time.Time) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if !deadline.IsZero() {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
	}

	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return fmt.Errorf("read frame body: %w", err)
	}
	if err := Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// Write encodes v as one frame.
func (c *Conn) Write(v any, deadline time.Time) error {
	body, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// SetReadDeadline changes the read deadline of the underlying
// connection. Used to wake a goroutine blocked in Read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// NetConn returns the wrapped connection.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
