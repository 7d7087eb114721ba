package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

func TestFreezeSnapshot_CopiesTotalsAndLines(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bolt := createTestItem(t, db, "Bolt", "10.00")
	nut := createTestItem(t, db, "Nut", "10.00")
	calc := createTestCalculation(t, db, "Fasteners", "10", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 2},
		{ItemID: nut.ID, Quantity: 1},
	})

	snap, err := db.FreezeSnapshot(ctx, calc.ID, "")
	if err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}
	assertDecimal(t, snap.FrozenTotalPrice, "30.00")
	assertDecimal(t, snap.FrozenTotalPriceWithMarkup, "33.00")
	if len(snap.Lines) != 2 {
		t.Fatalf("snapshot has %d lines, want 2", len(snap.Lines))
	}

	// FreezeSnapshot recomputes inside the same transaction, so the
	// calculation's cached totals match the frozen ones.
	stored, err := db.GetCalculationByID(ctx, calc.ID)
	if err != nil {
		t.Fatalf("GetCalculationByID() error = %v", err)
	}
	assertDecimal(t, stored.TotalPrice, "30.00")
}

func TestFreezeSnapshot_ImmuneToLaterPriceChanges(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bolt := createTestItem(t, db, "Bolt", "10.00")
	calc := createTestCalculation(t, db, "Fasteners", "0", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 3},
	})

	snap, err := db.FreezeSnapshot(ctx, calc.ID, "")
	if err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}

	// Reprice the item and recompute the live calculation.
	bolt.Price = mustDecimal(t, "99.00")
	if err := db.UpdateItem(ctx, bolt); err != nil {
		t.Fatalf("UpdateItem() error = %v", err)
	}
	if _, _, err := db.RecomputeTotals(ctx, calc.ID); err != nil {
		t.Fatalf("RecomputeTotals() error = %v", err)
	}

	// The archive keeps the old world.
	reloaded, err := db.GetSnapshotByID(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshotByID() error = %v", err)
	}
	assertDecimal(t, reloaded.FrozenTotalPrice, "30.00")
	if len(reloaded.Lines) != 1 {
		t.Fatalf("snapshot has %d lines, want 1", len(reloaded.Lines))
	}
	assertDecimal(t, reloaded.Lines[0].ItemPrice, "10.00")
	assertDecimal(t, reloaded.Lines[0].LineTotal, "30.00")
	if reloaded.CalculationTitle != "Fasteners" {
		t.Errorf("calculation title not joined: %q", reloaded.CalculationTitle)
	}
}

func TestFreezeSnapshot_SurvivesItemDeletion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bolt := createTestItem(t, db, "Bolt", "10.00")
	calc := createTestCalculation(t, db, "Fasteners", "0", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 2},
	})

	snap, err := db.FreezeSnapshot(ctx, calc.ID, "")
	if err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}

	if err := db.DeleteItem(ctx, bolt.ID); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}

	// Snapshot lines hold copies, not references.
	reloaded, err := db.GetSnapshotByID(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshotByID() error = %v", err)
	}
	if len(reloaded.Lines) != 1 || reloaded.Lines[0].ItemName != "Bolt" {
		t.Errorf("snapshot lines lost after item delete: %+v", reloaded.Lines)
	}
}

func TestFreezeSnapshot_MissingCalculation(t *testing.T) {
	db := newTestDB(t)

	_, err := db.FreezeSnapshot(context.Background(), "missing", "")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("FreezeSnapshot() on missing calculation: got %v, want ErrNotFound", err)
	}
}

func TestListSnapshots_NewestFirstAndSearch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bolt := createTestItem(t, db, "Bolt", "10.00")
	fasteners := createTestCalculation(t, db, "Fasteners", "0", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 1},
	})
	plumbing := createTestCalculation(t, db, "Plumbing", "0", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 1},
	})

	if _, err := db.FreezeSnapshot(ctx, fasteners.ID, ""); err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}
	if _, err := db.FreezeSnapshot(ctx, plumbing.ID, ""); err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}

	all, err := db.ListSnapshots(ctx, repository.ListOptions{})
	if err != nil {
		t.Fatalf("ListSnapshots() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListSnapshots() returned %d rows, want 2", len(all))
	}

	filtered, err := db.ListSnapshots(ctx, repository.ListOptions{Search: "Plumb"})
	if err != nil {
		t.Fatalf("ListSnapshots(search) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].CalculationID != plumbing.ID {
		t.Errorf("ListSnapshots(search) = %+v, want just the plumbing snapshot", filtered)
	}
}

func TestDeleteCalculation_CascadesSnapshots(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bolt := createTestItem(t, db, "Bolt", "10.00")
	calc := createTestCalculation(t, db, "Doomed", "0", []model.CalculationLine{
		{ItemID: bolt.ID, Quantity: 1},
	})
	snap, err := db.FreezeSnapshot(ctx, calc.ID, "")
	if err != nil {
		t.Fatalf("FreezeSnapshot() error = %v", err)
	}

	if err := db.DeleteCalculation(ctx, calc.ID); err != nil {
		t.Fatalf("DeleteCalculation() error = %v", err)
	}

	if _, err := db.GetSnapshotByID(ctx, snap.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("snapshot survived calculation delete: err = %v", err)
	}
}
