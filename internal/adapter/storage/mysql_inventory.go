package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dbpe/kiosk/internal/core/domain"
)

// The ledger is a single row read and written whole inside a transaction.
const inventoryRowID = 1

// MySQLInventory persists the kiosk's singleton inventory record.
type MySQLInventory struct {
	db *sql.DB
}

func NewMySQLInventory(db *sql.DB) *MySQLInventory {
	return &MySQLInventory{db: db}
}

// Init creates the inventory table if needed and seeds the singleton row.
func (m *MySQLInventory) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS inventory (
			id INT PRIMARY KEY,
			current_quantity INT NOT NULL DEFAULT 0,
			total_dispensed INT NOT NULL DEFAULT 0,
			previous_quantity INT NOT NULL DEFAULT 0,
			quantity_change INT NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create inventory table: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT IGNORE INTO inventory (id, current_quantity, total_dispensed)
		VALUES (?, 0, 0)`, inventoryRowID)
	if err != nil {
		return fmt.Errorf("seed inventory row: %w", err)
	}
	return nil
}

func (m *MySQLInventory) Get(ctx context.Context) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := m.db.QueryRowContext(ctx, `
		SELECT current_quantity, total_dispensed, previous_quantity, quantity_change, last_updated
		FROM inventory WHERE id = ?`, inventoryRowID,
	).Scan(&rec.CurrentQuantity, &rec.TotalDispensed, &rec.PreviousQuantity, &rec.QuantityChange, &rec.LastUpdated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &rec, nil
}

func (m *MySQLInventory) RecordDispense(ctx context.Context) (oldQty, newQty, total int, err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT current_quantity, total_dispensed
		FROM inventory WHERE id = ? FOR UPDATE`, inventoryRowID,
	).Scan(&oldQty, &total)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read inventory: %w", err)
	}

	newQty = oldQty - 1
	if newQty < 0 {
		newQty = 0
	}
	total++

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET current_quantity = ?, total_dispensed = ?, previous_quantity = ?,
		    quantity_change = ?, last_updated = NOW()
		WHERE id = ?`,
		newQty, total, oldQty, newQty-oldQty, inventoryRowID,
	)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("update inventory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit: %w", err)
	}
	return oldQty, newQty, total, nil
}

func (m *MySQLInventory) ApplyExternalUpdate(ctx context.Context, upd domain.InventoryUpdate) (*domain.InventoryRecord, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rec domain.InventoryRecord
	err = tx.QueryRowContext(ctx, `
		SELECT current_quantity, total_dispensed
		FROM inventory WHERE id = ? FOR UPDATE`, inventoryRowID,
	).Scan(&rec.CurrentQuantity, &rec.TotalDispensed)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	rec.PreviousQuantity = rec.CurrentQuantity
	if upd.CurrentQuantity != nil {
		rec.CurrentQuantity = *upd.CurrentQuantity
	}
	if upd.TotalDispensed != nil {
		rec.TotalDispensed = *upd.TotalDispensed
	}
	rec.QuantityChange = rec.CurrentQuantity - rec.PreviousQuantity

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET current_quantity = ?, total_dispensed = ?, previous_quantity = ?,
		    quantity_change = ?, last_updated = NOW()
		WHERE id = ?`,
		rec.CurrentQuantity, rec.TotalDispensed, rec.PreviousQuantity,
		rec.QuantityChange, inventoryRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("update inventory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rec, nil
}
