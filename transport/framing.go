package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize bounds a single framed message to guard against a
// corrupt/hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64MiB

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload. Every TCP-based socket in the plain and secure
// backends uses this framing so message boundaries survive TCP's stream
// semantics.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame written by WriteFrame. If conn
// supports deadlines and timeout is non-zero, the read is bounded by it.
func ReadFrame(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, translateTimeout(err, "recv")
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, translateTimeout(err, "recv")
	}
	return payload, nil
}

func translateTimeout(err error, op string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &TimeoutError{Op: op}
	}
	return err
}
