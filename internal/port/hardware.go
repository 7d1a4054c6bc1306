package port

import (
	"context"
	"errors"
	"time"
)

// ErrSerialTimeout is returned by SerialPort.Exchange when the device did
// not answer within the deadline.
var ErrSerialTimeout = errors.New("serial response timeout")

// SerialPort is the exclusive channel to the dispensing hardware. All
// access is serialized internally; an Exchange holds the channel for the
// whole command/response round trip so two logical operations can never
// interleave bytes on the wire.
type SerialPort interface {
	// Send writes a one-way command. No response is expected.
	Send(cmd string) error

	// Exchange writes cmd and waits for one of the accepted response lines
	// (any non-empty line when accept is empty). Returns ErrSerialTimeout
	// when the deadline passes without an accepted response.
	Exchange(ctx context.Context, cmd string, timeout time.Duration, accept ...string) (string, error)
}

// Notifier sends datagrams to the companion device. Failures never
// propagate to callers; delivery is best-effort.
type Notifier interface {
	// Send fires one message, retrying a bounded number of times on socket
	// errors. Reports whether a send succeeded.
	Send(msg string) bool

	// SendWithConfirmation calls Send up to maxAttempts times with
	// linearly increasing backoff until one attempt succeeds.
	SendWithConfirmation(msg string, maxAttempts int) bool
}

// ShortLinker binds a long URL to an externally issued short link.
type ShortLinker interface {
	CreateShortLink(ctx context.Context, longURL, name string) (slug, shortURL string, err error)
}
