// Package model defines the data structures used throughout the application.
// Everything here is a plain struct with JSON and db tags; behaviour
// lives in the service layer, not on the models.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is one catalog entry: a named component with a current price.
//
// Price is a decimal.Decimal, not a float64. Money must never be stored
// or summed in binary floating point (0.1 + 0.2 != 0.3 there). The
// shopspring decimal type gives exact base-10 arithmetic and carries
// its own SQL Scanner/Valuer, so it round-trips through a TEXT column
// without precision loss.
//
// Name is unique case-insensitively: "Bolt m6" and "bolt M6" are the
// same catalog entry. The service layer normalises names (trim, first
// letter capitalised) before they ever reach storage.
type Item struct {
	ID        string          `json:"id"        db:"id"`
	Name      string          `json:"name"      db:"name"`
	Price     decimal.Decimal `json:"price"     db:"price"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// PriceChange is one immutable entry in the price-change log.
// Rows are append-only: never updated or deleted while the item lives.
// ChangedBy is empty for changes made by system jobs (e.g. file import).
type PriceChange struct {
	ID        string          `json:"id"        db:"id"`
	ItemID    string          `json:"itemId"    db:"item_id"`
	ItemName  string          `json:"itemName"  db:"-"` // joined for display, not stored
	OldPrice  decimal.Decimal `json:"oldPrice"  db:"old_price"`
	NewPrice  decimal.Decimal `json:"newPrice"  db:"new_price"`
	ChangedAt time.Time       `json:"changedAt" db:"changed_at"`
	ChangedBy string          `json:"changedBy,omitempty" db:"changed_by"`
}
