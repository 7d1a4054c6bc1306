package domain

import "time"

// InventoryRecord is the kiosk's singleton stock record. It is read and
// written whole on every change.
type InventoryRecord struct {
	CurrentQuantity  int
	TotalDispensed   int
	PreviousQuantity int
	QuantityChange   int
	LastUpdated      time.Time
}

// InventoryUpdate carries the fields of an administrative override. Nil
// fields are left untouched.
type InventoryUpdate struct {
	CurrentQuantity *int
	TotalDispensed  *int
}
