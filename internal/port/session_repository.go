package port

import (
	"context"

	"github.com/dbpe/kiosk/internal/core/domain"
)

// SessionRepository owns all session records. The Try* operations are
// compare-and-swap transitions: the predicate check and the mutation are
// applied as one atomic operation, so concurrent callers racing on the same
// session see exactly one success.
type SessionRepository interface {
	// Create stores a fresh session. Records expire after a bounded
	// retention window, they are never deleted explicitly.
	Create(ctx context.Context, sess domain.Session) error

	// Get returns the session, or (nil, nil) when unknown or expired.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// TryMarkFormOpened succeeds only if the session is still pending and
	// retire_sent is unset. Returns (nil, nil) when the condition failed.
	TryMarkFormOpened(ctx context.Context, id string) (*domain.Session, error)

	// TryStartProcessing succeeds only if slug matches, the session is
	// pending or form_shown, and no processing is in flight. Returns
	// (nil, nil) when the condition failed.
	TryStartProcessing(ctx context.Context, id, slug string) (*domain.Session, error)

	// Finalize unconditionally moves the session to a terminal status and
	// clears the processing flag.
	Finalize(ctx context.Context, id string, status domain.SessionStatus) error
}
