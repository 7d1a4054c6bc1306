package port

import (
	"context"

	"github.com/dbpe/kiosk/internal/core/domain"
)

// InventoryRepository owns the singleton stock record.
type InventoryRepository interface {
	// Get returns the current record, or (nil, nil) when none exists yet.
	Get(ctx context.Context) (*domain.InventoryRecord, error)

	// RecordDispense decrements stock by one (floored at zero) and
	// increments the dispense total, returning before/after quantities for
	// logging. Implementations serialize the read-modify-write internally;
	// callers need no external lock.
	RecordDispense(ctx context.Context) (oldQty, newQty, total int, err error)

	// ApplyExternalUpdate merges an administrative override into the
	// record, recomputing the derived quantity change.
	ApplyExternalUpdate(ctx context.Context, upd domain.InventoryUpdate) (*domain.InventoryRecord, error)
}
