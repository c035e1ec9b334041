package impl

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/exp/slog"

	"obsws/client/internal"
)

const (
	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second

	// readProbe bounds how long a poll-driven read may touch the socket.
	readProbe = time.Millisecond
)

var _ internal.Transport = (*TCP)(nil)

// TCP carries the websocket stream over a plaintext connection. Incoming
// bytes are staged in an internal buffer so the poll loop can ask how much
// is ready without ever blocking on the socket.
type TCP struct {
	logger  *slog.Logger
	conn    net.Conn
	buf     []byte
	scratch [4096]byte
}

func NewTCP(logger *slog.Logger) *TCP {
	return &TCP{logger: logger}
}

func (t *TCP) Connect(host string, port int) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %v:%v: %w", host, port, err)
	}

	t.conn = conn
	t.buf = t.buf[:0]
	return nil
}

func (t *TCP) Connected() bool {
	return t.conn != nil
}

func (t *TCP) Available() int {
	t.fill()
	return len(t.buf)
}

// Read hands out buffered bytes only. A drained buffer yields n == 0 with a
// nil error rather than blocking.
func (t *TCP) Read(p []byte) (int, error) {
	t.fill()

	n := copy(p, t.buf)
	t.buf = append(t.buf[:0], t.buf[n:]...)
	return n, nil
}

func (t *TCP) Write(p []byte) (int, error) {
	if t.conn == nil {
		return 0, net.ErrClosed
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	n, err := t.conn.Write(p)
	if err != nil {
		t.drop(err)
		return n, err
	}

	return n, nil
}

// Flush is a no-op, net.Conn writes are not buffered on our side.
func (t *TCP) Flush() error {
	return nil
}

func (t *TCP) Stop() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}

	t.buf = nil
}

// fill moves whatever the socket has pending into the staging buffer. The
// short read deadline turns the blocking net.Conn API into a probe.
func (t *TCP) fill() {
	for t.conn != nil {
		_ = t.conn.SetReadDeadline(time.Now().Add(readProbe))

		n, err := t.conn.Read(t.scratch[:])
		if n > 0 {
			t.buf = append(t.buf, t.scratch[:n]...)
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}

			t.drop(err)
			return
		}
	}
}

func (t *TCP) drop(err error) {
	if t.logger != nil {
		t.logger.Debug("connection lost", slog.String("reason", err.Error()))
	}

	_ = t.conn.Close()
	t.conn = nil
}
