package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Calculation is a quote: a titled set of priced line items plus a
// markup percentage.
//
// TotalPrice and TotalPriceWithMarkup are DERIVED values, cached on the
// row so lists don't have to re-join lines on every page load. They are
// only ever written by the recompute transaction; nothing else may
// touch them, which is what keeps them consistent with the lines.
//
// OwnerID may be empty: legacy rows created before calculations were
// bound to users have no owner, and deleting a user orphans (rather
// than deletes) their calculations.
type Calculation struct {
	ID                   string          `json:"id"                   db:"id"`
	OwnerID              string          `json:"ownerId,omitempty"    db:"owner_id"`
	OwnerName            string          `json:"ownerName,omitempty"  db:"-"` // joined for display
	Title                string          `json:"title"                db:"title"`
	Markup               decimal.Decimal `json:"markup"               db:"markup"`
	TotalPrice           decimal.Decimal `json:"totalPrice"           db:"total_price"`
	TotalPriceWithMarkup decimal.Decimal `json:"totalPriceWithMarkup" db:"total_price_with_markup"`
	CreatedAt            time.Time       `json:"createdAt"            db:"created_at"`

	// Lines is populated on detail reads; list queries only carry LineCount.
	Lines     []CalculationLine `json:"lines,omitempty" db:"-"`
	LineCount int               `json:"lineCount"       db:"-"`
}

// CalculationLine pairs one catalog item with a quantity inside a
// calculation. It belongs to exactly one calculation and references
// exactly one item; deleting either cascades onto the line.
//
// ItemName and ItemPrice are joined from the items table for display;
// the line itself stores only the reference. A line's value lives in
// the catalog until a snapshot freezes it by copy.
type CalculationLine struct {
	ID            string          `json:"id"            db:"id"`
	CalculationID string          `json:"calculationId" db:"calculation_id"`
	ItemID        string          `json:"itemId"        db:"item_id"`
	Quantity      int             `json:"quantity"      db:"quantity"`
	ItemName      string          `json:"itemName"      db:"-"`
	ItemPrice     decimal.Decimal `json:"itemPrice"     db:"-"`
}

// LineTotal returns quantity × current item price.
func (l CalculationLine) LineTotal() decimal.Decimal {
	return l.ItemPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
