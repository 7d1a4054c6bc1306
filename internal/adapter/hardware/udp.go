package hardware

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	udpMaxRetries = 3
	udpRetryDelay = time.Second
)

// UDPNotifier sends datagrams to the companion device. Sends are
// best-effort: socket errors trigger a reinit and bounded retries, and a
// permanent failure is logged and swallowed.
type UDPNotifier struct {
	addr string
	log  *slog.Logger

	mu   sync.Mutex
	conn net.Conn

	maxRetries int
	retryDelay time.Duration
}

func NewUDPNotifier(addr string, log *slog.Logger) *UDPNotifier {
	return &UDPNotifier{
		addr:       addr,
		log:        log,
		maxRetries: udpMaxRetries,
		retryDelay: udpRetryDelay,
	}
}

func (n *UDPNotifier) Send(msg string) bool {
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		err := n.trySend(msg)
		if err == nil {
			n.log.Debug("udp message sent", "message", msg, "addr", n.addr)
			return true
		}
		n.log.Warn("udp send failed", "message", msg, "attempt", attempt, "error", err)
		n.reset()
		if attempt < n.maxRetries {
			time.Sleep(n.retryDelay)
		}
	}
	n.log.Error("udp retries exhausted", "message", msg, "addr", n.addr)
	return false
}

// SendWithConfirmation retries Send with linearly increasing backoff. Used
// where the companion device's receipt materially affects physical state.
func (n *UDPNotifier) SendWithConfirmation(msg string, maxAttempts int) bool {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if n.Send(msg) {
			return true
		}
		if attempt < maxAttempts {
			time.Sleep(n.retryDelay * time.Duration(attempt))
		}
	}
	n.log.Error("udp confirmation attempts exhausted", "message", msg, "max_attempts", maxAttempts)
	return false
}

func (n *UDPNotifier) trySend(msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		conn, err := net.Dial("udp", n.addr)
		if err != nil {
			return err
		}
		n.conn = conn
	}
	_, err := n.conn.Write([]byte(msg))
	return err
}

func (n *UDPNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
}

func (n *UDPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		return nil
	}
	err := n.conn.Close()
	n.conn = nil
	return err
}
