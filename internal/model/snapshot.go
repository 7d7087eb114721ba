package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is an immutable, point-in-time archive of a calculation.
//
// Everything in a snapshot is copied BY VALUE: the line rows carry the
// item name and price as they stood at freeze time, with no foreign key
// back to the catalog. Repricing or deleting the source item later must
// never change what a snapshot says. That is the whole point of it.
type Snapshot struct {
	ID                         string          `json:"id"                         db:"id"`
	CalculationID              string          `json:"calculationId"              db:"calculation_id"`
	CalculationTitle           string          `json:"calculationTitle,omitempty" db:"-"` // joined for display
	FrozenTotalPrice           decimal.Decimal `json:"frozenTotalPrice"           db:"frozen_total_price"`
	FrozenTotalPriceWithMarkup decimal.Decimal `json:"frozenTotalPriceWithMarkup" db:"frozen_total_price_with_markup"`
	CreatedAt                  time.Time       `json:"createdAt"                  db:"created_at"`
	CreatedBy                  string          `json:"createdBy,omitempty"        db:"created_by"`

	Lines []SnapshotLine `json:"lines,omitempty" db:"-"`
}

// SnapshotLine is one frozen line item copy.
type SnapshotLine struct {
	ID         string          `json:"id"         db:"id"`
	SnapshotID string          `json:"snapshotId" db:"snapshot_id"`
	ItemName   string          `json:"itemName"   db:"item_name"`
	ItemPrice  decimal.Decimal `json:"itemPrice"  db:"item_price"`
	Quantity   int             `json:"quantity"   db:"quantity"`
	LineTotal  decimal.Decimal `json:"lineTotal"  db:"line_total"`
}
