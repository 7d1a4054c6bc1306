package domain

import "time"

type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusFormShown  SessionStatus = "form_shown"
	StatusProcessing SessionStatus = "processing"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusAborted    SessionStatus = "aborted"
)

// Terminal reports whether no further transition is allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Session is one user's end-to-end kiosk interaction, from QR issuance to
// terminal completion or failure. Status and flags are only mutated through
// the session store's conditional updates.
type Session struct {
	ID                  string
	Slug                string
	ShortURL            string
	Status              SessionStatus
	RetireSent          bool
	Processing          bool
	CreatedAt           time.Time
	FormOpenedAt        time.Time
	ProcessingStartedAt time.Time
	CompletedAt         time.Time
}
