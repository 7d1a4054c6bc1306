package hardware

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/dbpe/kiosk/internal/port"
)

// SerialChannel owns the single physical serial link. One mutex serializes
// every wire access; Exchange holds it for the whole command/response round
// trip. The port is opened lazily on first use, and when no device is
// present the channel degrades to a no-op so the kiosk software still runs
// without hardware attached.
type SerialChannel struct {
	log  *slog.Logger
	open func() (io.ReadWriteCloser, error)

	mu       sync.Mutex
	conn     io.ReadWriteCloser
	degraded bool
	lines    chan string
}

func NewSerialChannel(portName string, baudRate int, log *slog.Logger) *SerialChannel {
	return &SerialChannel{
		log: log,
		open: func() (io.ReadWriteCloser, error) {
			return serial.Open(portName, &serial.Mode{BaudRate: baudRate})
		},
		lines: make(chan string, 16),
	}
}

// newSerialChannelWithOpener is the test seam for injecting a fake device.
func newSerialChannelWithOpener(open func() (io.ReadWriteCloser, error), log *slog.Logger) *SerialChannel {
	return &SerialChannel{
		log:   log,
		open:  open,
		lines: make(chan string, 16),
	}
}

// ensureOpen must be called with mu held. A failed open marks the channel
// degraded; it is not retried.
func (c *SerialChannel) ensureOpen() bool {
	if c.conn != nil {
		return true
	}
	if c.degraded {
		return false
	}
	conn, err := c.open()
	if err != nil {
		c.degraded = true
		c.log.Warn("serial device unavailable, channel degraded to no-op", "error", err)
		return false
	}
	c.conn = conn
	go c.readLoop(conn)
	c.log.Info("serial device opened")
	return true
}

// readLoop owns the read side of the port. Decoded lines are buffered so
// Exchange can consume them without blocking the device.
func (c *SerialChannel) readLoop(conn io.Reader) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case c.lines <- line:
		default:
			c.log.Warn("serial line buffer full, dropping", "line", line)
		}
	}
}

// Send writes a one-way command. On a missing device it is a no-op.
func (c *SerialChannel) Send(cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureOpen() {
		return nil
	}
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("serial write %q: %w", cmd, err)
	}
	return nil
}

// Exchange writes cmd and waits for an accepted response line. The mutex is
// held for the entire wait so no other command can interleave with the
// in-flight exchange. Lines outside the accepted set are discarded. On a
// missing device the exchange waits out the timeout, mirroring a silent
// device.
func (c *SerialChannel) Exchange(ctx context.Context, cmd string, timeout time.Duration, accept ...string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if !c.ensureOpen() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", port.ErrSerialTimeout
		}
	}

	c.drainStale()
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("serial write %q: %w", cmd, err)
	}

	for {
		select {
		case line := <-c.lines:
			if accepted(line, accept) {
				return line, nil
			}
			c.log.Warn("unexpected serial response, still waiting", "command", cmd, "line", line)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", port.ErrSerialTimeout
		}
	}
}

// drainStale discards responses left over from a previous exchange.
// Must be called with mu held.
func (c *SerialChannel) drainStale() {
	for {
		select {
		case line := <-c.lines:
			c.log.Warn("discarding stale serial line", "line", line)
		default:
			return
		}
	}
}

func (c *SerialChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.degraded = true
	return err
}

func accepted(line string, accept []string) bool {
	if len(accept) == 0 {
		return true
	}
	for _, a := range accept {
		if line == a {
			return true
		}
	}
	return false
}
