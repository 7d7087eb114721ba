package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

// mockStore is an in-memory stand-in for every repository interface, so
// service tests exercise pure business logic. On top of storage it
// counts recompute calls and can be told to fail the next N recomputes
// with a lock conflict, which is how the retry paths are tested.
type mockStore struct {
	items     map[string]*model.Item
	calcs     map[string]*model.Calculation
	lines     map[string][]model.CalculationLine // calculation id → lines
	snapshots map[string]*model.Snapshot
	history   []model.PriceChange
	nextID    int

	recomputeCalls map[string]int
	failRecompute  map[string]int // id → remaining conflicts to inject
	failFreeze     int            // remaining freeze failures to inject
}

func newMockStore() *mockStore {
	return &mockStore{
		items:          make(map[string]*model.Item),
		calcs:          make(map[string]*model.Calculation),
		lines:          make(map[string][]model.CalculationLine),
		snapshots:      make(map[string]*model.Snapshot),
		recomputeCalls: make(map[string]int),
		failRecompute:  make(map[string]int),
	}
}

func (m *mockStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

// --- ItemRepository ---

func (m *mockStore) CreateItem(_ context.Context, item *model.Item) error {
	for _, existing := range m.items {
		if strings.EqualFold(existing.Name, item.Name) {
			return apperror.Conflict("item", "name already exists")
		}
	}
	item.ID = m.id("item")
	stored := *item
	m.items[item.ID] = &stored
	return nil
}

func (m *mockStore) GetItemByID(_ context.Context, id string) (*model.Item, error) {
	item, ok := m.items[id]
	if !ok {
		return nil, apperror.NotFound("item", id)
	}
	result := *item
	return &result, nil
}

func (m *mockStore) GetItemByName(_ context.Context, name string) (*model.Item, error) {
	for _, item := range m.items {
		if strings.EqualFold(item.Name, name) {
			result := *item
			return &result, nil
		}
	}
	return nil, apperror.NotFound("item", name)
}

func (m *mockStore) ListItems(_ context.Context, _ repository.ListOptions) ([]model.Item, error) {
	result := make([]model.Item, 0, len(m.items))
	for _, item := range m.items {
		result = append(result, *item)
	}
	return result, nil
}

func (m *mockStore) ItemStats(_ context.Context, _ string) (repository.ItemStats, error) {
	stats := repository.ItemStats{}
	for _, item := range m.items {
		stats.Count++
		stats.TotalPrice = stats.TotalPrice.Add(item.Price)
	}
	if stats.Count > 0 {
		stats.AvgPrice = stats.TotalPrice.DivRound(decimal.NewFromInt(int64(stats.Count)), 2)
	}
	return stats, nil
}

func (m *mockStore) UpdateItem(_ context.Context, item *model.Item) error {
	if _, ok := m.items[item.ID]; !ok {
		return apperror.NotFound("item", item.ID)
	}
	stored := *item
	m.items[item.ID] = &stored
	return nil
}

func (m *mockStore) DeleteItem(_ context.Context, id string) error {
	if _, ok := m.items[id]; !ok {
		return apperror.NotFound("item", id)
	}
	delete(m.items, id)
	// Cascade: drop lines referencing the item, as the schema does.
	for calcID, lines := range m.lines {
		kept := lines[:0]
		for _, l := range lines {
			if l.ItemID != id {
				kept = append(kept, l)
			}
		}
		m.lines[calcID] = kept
	}
	return nil
}

// --- CalculationRepository ---

func (m *mockStore) CreateCalculation(_ context.Context, calc *model.Calculation, lines []model.CalculationLine) error {
	calc.ID = m.id("calc")
	calc.TotalPrice = decimal.Zero
	calc.TotalPriceWithMarkup = decimal.Zero
	stored := *calc
	m.calcs[calc.ID] = &stored
	m.lines[calc.ID] = append([]model.CalculationLine(nil), lines...)
	return nil
}

func (m *mockStore) GetCalculationByID(_ context.Context, id string) (*model.Calculation, error) {
	calc, ok := m.calcs[id]
	if !ok {
		return nil, apperror.NotFound("calculation", id)
	}
	result := *calc
	result.Lines = nil
	for _, l := range m.lines[id] {
		if item, ok := m.items[l.ItemID]; ok {
			l.ItemName = item.Name
			l.ItemPrice = item.Price
		}
		result.Lines = append(result.Lines, l)
	}
	result.LineCount = len(result.Lines)
	return &result, nil
}

func (m *mockStore) ListCalculations(_ context.Context, _ repository.ListOptions, ownerID string) ([]model.Calculation, error) {
	result := make([]model.Calculation, 0, len(m.calcs))
	for _, calc := range m.calcs {
		if ownerID != "" && calc.OwnerID != ownerID {
			continue
		}
		result = append(result, *calc)
	}
	return result, nil
}

func (m *mockStore) ReplaceCalculationLines(_ context.Context, calc *model.Calculation, lines []model.CalculationLine) error {
	stored, ok := m.calcs[calc.ID]
	if !ok {
		return apperror.NotFound("calculation", calc.ID)
	}
	stored.Title = calc.Title
	stored.Markup = calc.Markup
	m.lines[calc.ID] = append([]model.CalculationLine(nil), lines...)
	return nil
}

func (m *mockStore) DeleteCalculation(_ context.Context, id string) error {
	if _, ok := m.calcs[id]; !ok {
		return apperror.NotFound("calculation", id)
	}
	delete(m.calcs, id)
	delete(m.lines, id)
	return nil
}

func (m *mockStore) RecomputeTotals(_ context.Context, id string) (decimal.Decimal, decimal.Decimal, error) {
	m.recomputeCalls[id]++
	if m.failRecompute[id] > 0 {
		m.failRecompute[id]--
		return decimal.Zero, decimal.Zero, apperror.Conflict("calculation", "row is locked, retry")
	}

	calc, ok := m.calcs[id]
	if !ok {
		return decimal.Zero, decimal.Zero, apperror.NotFound("calculation", id)
	}

	subtotal := decimal.Zero
	for _, l := range m.lines[id] {
		item, ok := m.items[l.ItemID]
		if !ok {
			continue
		}
		subtotal = subtotal.Add(item.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	subtotal = subtotal.Round(2)
	withMarkup := subtotal.Mul(decimal.NewFromInt(100).Add(calc.Markup)).
		Div(decimal.NewFromInt(100)).Round(2)

	calc.TotalPrice = subtotal
	calc.TotalPriceWithMarkup = withMarkup
	return subtotal, withMarkup, nil
}

func (m *mockStore) IDsReferencingItem(_ context.Context, itemID string) ([]string, error) {
	var ids []string
	for calcID, lines := range m.lines {
		for _, l := range lines {
			if l.ItemID == itemID {
				ids = append(ids, calcID)
				break
			}
		}
	}
	return ids, nil
}

// --- SnapshotRepository ---

func (m *mockStore) FreezeSnapshot(ctx context.Context, calculationID, actorID string) (*model.Snapshot, error) {
	if m.failFreeze > 0 {
		m.failFreeze--
		return nil, apperror.Conflict("snapshot", "row is locked, retry")
	}
	total, withMarkup, err := m.RecomputeTotals(ctx, calculationID)
	if err != nil {
		return nil, err
	}
	calc := m.calcs[calculationID]
	snap := &model.Snapshot{
		ID:                         m.id("snap"),
		CalculationID:              calculationID,
		CalculationTitle:           calc.Title,
		FrozenTotalPrice:           total,
		FrozenTotalPriceWithMarkup: withMarkup,
		CreatedBy:                  actorID,
	}
	for _, l := range m.lines[calculationID] {
		if item, ok := m.items[l.ItemID]; ok {
			snap.Lines = append(snap.Lines, model.SnapshotLine{
				ID:         m.id("snapline"),
				SnapshotID: snap.ID,
				ItemName:   item.Name,
				ItemPrice:  item.Price,
				Quantity:   l.Quantity,
				LineTotal:  item.Price.Mul(decimal.NewFromInt(int64(l.Quantity))),
			})
		}
	}
	stored := *snap
	m.snapshots[snap.ID] = &stored
	return snap, nil
}

func (m *mockStore) GetSnapshotByID(_ context.Context, id string) (*model.Snapshot, error) {
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, apperror.NotFound("snapshot", id)
	}
	result := *snap
	return &result, nil
}

func (m *mockStore) ListSnapshots(_ context.Context, _ repository.ListOptions) ([]model.Snapshot, error) {
	result := make([]model.Snapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		result = append(result, *snap)
	}
	return result, nil
}

// --- PriceHistoryRepository ---

func (m *mockStore) RecordPriceChange(_ context.Context, change *model.PriceChange) error {
	change.ID = m.id("change")
	m.history = append(m.history, *change)
	return nil
}

func (m *mockStore) ListPriceChanges(_ context.Context, _ repository.ListOptions) ([]model.PriceChange, error) {
	return append([]model.PriceChange(nil), m.history...), nil
}

var (
	_ repository.ItemRepository         = (*mockStore)(nil)
	_ repository.CalculationRepository  = (*mockStore)(nil)
	_ repository.SnapshotRepository     = (*mockStore)(nil)
	_ repository.PriceHistoryRepository = (*mockStore)(nil)
)

func listOpts() repository.ListOptions {
	return repository.ListOptions{}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return d
}
