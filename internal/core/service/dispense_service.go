package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbpe/kiosk/internal/core/domain"
	"github.com/dbpe/kiosk/internal/metrics"
	"github.com/dbpe/kiosk/internal/port"
)

var (
	ErrSessionNotFound = errors.New("session invalid or expired")
	ErrSlugMismatch    = errors.New("slug does not match session")
	ErrSessionConflict = errors.New("session already processing or closed")
)

const (
	defaultDropTimeout   = 20 * time.Second
	defaultWarmUpTimeout = 10 * time.Second
	notifyAttempts       = 3
)

// advanceSignals maps a session-advance step to its one-way hardware
// trigger and the companion-device display signal.
var advanceSignals = map[string]struct {
	serial string
	udp    string
}{
	"instructions": {serial: "start", udp: "INSTRUCOES"},
	"capture":      {serial: "capture", udp: "CAPTURA"},
	"approve":      {serial: "approve", udp: "VALIDACAO"},
}

// Config tunes the orchestrator. Zero timeouts fall back to the hardware
// protocol defaults (20 s drop, 10 s warm-up).
type Config struct {
	RegistrationBaseURL string
	DropTimeout         time.Duration
	WarmUpTimeout       time.Duration
}

// DispenseService coordinates one irrevocable physical dispense per session:
// it reserves the session through the store's compare-and-swap, drives the
// serial command/response protocol under the exclusive hardware lock,
// mutates the inventory ledger only on a confirmed drop, notifies the
// companion device, and always finalizes the session.
type DispenseService struct {
	sessions  port.SessionRepository
	inventory port.InventoryRepository
	serial    port.SerialPort
	notifier  port.Notifier
	links     port.ShortLinker
	log       *slog.Logger

	registrationBaseURL string
	dropTimeout         time.Duration
	warmUpTimeout       time.Duration
}

func NewDispenseService(
	cfg Config,
	sessions port.SessionRepository,
	inventory port.InventoryRepository,
	serial port.SerialPort,
	notifier port.Notifier,
	links port.ShortLinker,
	log *slog.Logger,
) *DispenseService {
	if cfg.DropTimeout <= 0 {
		cfg.DropTimeout = defaultDropTimeout
	}
	if cfg.WarmUpTimeout <= 0 {
		cfg.WarmUpTimeout = defaultWarmUpTimeout
	}
	return &DispenseService{
		sessions:            sessions,
		inventory:           inventory,
		serial:              serial,
		notifier:            notifier,
		links:               links,
		log:                 log,
		registrationBaseURL: cfg.RegistrationBaseURL,
		dropTimeout:         cfg.DropTimeout,
		warmUpTimeout:       cfg.WarmUpTimeout,
	}
}

// CreateSession allocates a fresh pending session and binds it to an
// externally issued short link.
func (s *DispenseService) CreateSession(ctx context.Context) (*domain.Session, error) {
	id := uuid.NewString()
	longURL := fmt.Sprintf("%s?sid=%s", strings.TrimRight(s.registrationBaseURL, "/"), id)

	slug, shortURL, err := s.links.CreateShortLink(ctx, longURL, "kiosk session "+id)
	if err != nil {
		return nil, fmt.Errorf("create short link: %w", err)
	}

	sess := domain.Session{
		ID:        id,
		Slug:      slug,
		ShortURL:  shortURL,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	metrics.SessionsCreated.Inc()
	s.log.Info("session created", "session_id", id, "slug", slug, "short_url", shortURL)
	return &sess, nil
}

// GetSession returns the session projection, or ErrSessionNotFound.
func (s *DispenseService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// OpenForm runs the one-time form gate. The first caller wins the
// compare-and-swap and triggers the companion "retire" signal; every later
// caller gets opened=false with no side effects.
func (s *DispenseService) OpenForm(ctx context.Context, id string) (opened bool, err error) {
	sess, err := s.sessions.TryMarkFormOpened(ctx, id)
	if err != nil {
		return false, fmt.Errorf("mark form opened: %w", err)
	}
	if sess == nil {
		return false, nil
	}

	s.notifier.Send("retire")
	s.log.Info("form opened", "session_id", id)
	return true, nil
}

// Complete runs one dispense attempt for the session. Reservation failures
// return before any hardware interaction; every outcome after a successful
// reservation finalizes the session exactly once, including on error.
func (s *DispenseService) Complete(ctx context.Context, id, slug string) (err error) {
	sess, err := s.sessions.TryStartProcessing(ctx, id, slug)
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	if sess == nil {
		return s.diagnoseReservationFailure(ctx, id, slug)
	}

	final := domain.StatusFailed
	defer func() {
		if ferr := s.sessions.Finalize(ctx, id, final); ferr != nil {
			// The session may be stuck in processing; operator attention
			// is required, there is no automatic repair.
			s.log.Error("finalize failed", "session_id", id, "status", final, "error", ferr)
			return
		}
		s.log.Info("session finalized", "session_id", id, "status", final)
	}()

	resp, xerr := s.serial.Exchange(ctx, "drop", s.dropTimeout, "dropped", "hand_timeout", "out_of_stock")
	switch {
	case xerr == nil && resp == "dropped":
		s.notify("cta")
		if oldQty, newQty, total, ierr := s.inventory.RecordDispense(ctx); ierr != nil {
			s.log.Error("inventory update failed after dispense", "session_id", id, "error", ierr)
		} else {
			s.log.Info("product dispensed", "session_id", id,
				"old_quantity", oldQty, "new_quantity", newQty, "total_dispensed", total)
		}
		metrics.DispensesTotal.WithLabelValues("dispensed").Inc()
		final = domain.StatusCompleted

	case xerr == nil:
		s.log.Error("device reported fault", "session_id", id, "response", resp)
		metrics.DispensesTotal.WithLabelValues("device_fault").Inc()
		s.notify("cta")

	case errors.Is(xerr, port.ErrSerialTimeout):
		s.log.Error("timeout waiting for drop confirmation", "session_id", id, "slug", slug)
		metrics.DispensesTotal.WithLabelValues("timeout").Inc()
		s.notify("cta")

	default:
		s.log.Error("drop exchange failed", "session_id", id, "error", xerr)
		metrics.DispensesTotal.WithLabelValues("error").Inc()
		s.notify("cta")
		return fmt.Errorf("drop exchange: %w", xerr)
	}

	return nil
}

// diagnoseReservationFailure tells a rejected caller why the
// compare-and-swap did not admit it.
func (s *DispenseService) diagnoseReservationFailure(ctx context.Context, id, slug string) error {
	cur, err := s.sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if cur == nil {
		return ErrSessionNotFound
	}
	if cur.Slug != slug {
		return ErrSlugMismatch
	}
	return ErrSessionConflict
}

// WarmUp triggers the heater and waits for the device's start
// acknowledgement, signalling the companion display on success.
func (s *DispenseService) WarmUp(ctx context.Context) (bool, error) {
	resp, err := s.serial.Exchange(ctx, "on", s.warmUpTimeout, "start")
	if errors.Is(err, port.ErrSerialTimeout) {
		s.log.Error("timeout waiting for start acknowledgement")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("warm-up exchange: %w", err)
	}

	s.notify("calor")
	s.log.Info("machine warmed up", "response", resp)
	return true, nil
}

// PowerOff sends the one-way shutdown trigger.
func (s *DispenseService) PowerOff(ctx context.Context) error {
	if err := s.serial.Send("off"); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	s.log.Info("machine turned off")
	return nil
}

// Advance fires the one-way hardware trigger and companion signal for a
// session-advance step. These bypass the reservation machinery since they
// are not tied to inventory.
func (s *DispenseService) Advance(ctx context.Context, id, step string) error {
	if sig, ok := advanceSignals[step]; ok {
		if err := s.serial.Send(sig.serial); err != nil {
			s.log.Warn("advance trigger failed", "session_id", id, "step", step, "error", err)
		}
		s.notifier.Send(sig.udp)
	}
	s.log.Info("session advanced", "session_id", id, "step", step)
	return nil
}

// GetInventory returns the current ledger record.
func (s *DispenseService) GetInventory(ctx context.Context) (*domain.InventoryRecord, error) {
	rec, err := s.inventory.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	if rec == nil {
		rec = &domain.InventoryRecord{}
	}
	return rec, nil
}

// AdminDispense is the operator side door: it records a dispense and fires
// the hand trigger without any session reservation.
func (s *DispenseService) AdminDispense(ctx context.Context) error {
	oldQty, newQty, total, err := s.inventory.RecordDispense(ctx)
	if err != nil {
		return fmt.Errorf("record dispense: %w", err)
	}
	if err := s.serial.Send("hand"); err != nil {
		s.log.Warn("hand trigger failed", "error", err)
	}

	metrics.DispensesTotal.WithLabelValues("admin").Inc()
	s.log.Info("admin dispense", "old_quantity", oldQty, "new_quantity", newQty, "total_dispensed", total)
	return nil
}

// AdminUpdateInventory merges an operator override into the ledger. A
// restock (quantity change) also resets the hardware counter.
func (s *DispenseService) AdminUpdateInventory(ctx context.Context, upd domain.InventoryUpdate) (*domain.InventoryRecord, error) {
	rec, err := s.inventory.ApplyExternalUpdate(ctx, upd)
	if err != nil {
		return nil, fmt.Errorf("apply inventory update: %w", err)
	}

	if upd.CurrentQuantity != nil {
		if err := s.serial.Send("reset"); err != nil {
			s.log.Warn("reset trigger failed", "error", err)
		}
		s.log.Info("inventory updated",
			"old_quantity", rec.PreviousQuantity,
			"new_quantity", rec.CurrentQuantity,
			"quantity_change", rec.QuantityChange,
			"total_dispensed", rec.TotalDispensed)
	}
	return rec, nil
}

func (s *DispenseService) notify(msg string) {
	if !s.notifier.SendWithConfirmation(msg, notifyAttempts) {
		metrics.NotifyFailures.Inc()
		s.log.Error("notification not confirmed", "message", msg)
	}
}
