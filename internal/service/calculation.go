// Package service contains the business logic layer of the application.
//
// Handlers parse HTTP and write responses; repositories run SQL. This
// layer owns everything in between: validation, ownership rules, and
// above all the total-consistency trigger contract:
// every operation that can change what a calculation is worth ends with
// a recompute of its cached totals, inside the same logical operation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

const (
	MaxTitleLength = 255

	// Lock contention (apperror.ErrConflict) is the one failure class
	// that is safe to retry automatically: it signals a transient
	// writer collision, not a data problem.
	maxRecomputeAttempts = 3
	recomputeBackoff     = 25 * time.Millisecond
)

var (
	minMarkup = decimal.Zero
	maxMarkup = decimal.NewFromInt(1000)
)

// LineInput is one requested (item, quantity) pairing.
type LineInput struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

// CalculationService handles quotes: CRUD, copying, snapshots, and the
// recompute triggers that keep cached totals truthful.
type CalculationService struct {
	calcs  repository.CalculationRepository
	snaps  repository.SnapshotRepository
	items  repository.ItemRepository
	logger *slog.Logger
}

func NewCalculationService(
	calcs repository.CalculationRepository,
	snaps repository.SnapshotRepository,
	items repository.ItemRepository,
	logger *slog.Logger,
) *CalculationService {
	return &CalculationService{
		calcs:  calcs,
		snaps:  snaps,
		items:  items,
		logger: logger,
	}
}

// recomputeWithRetry invokes the repository recompute, retrying a
// bounded number of times on lock contention. Any other error, and
// exhaustion itself, propagates to fail the operation that triggered it.
func recomputeWithRetry(ctx context.Context, calcs repository.CalculationRepository, id string) (decimal.Decimal, decimal.Decimal, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRecomputeAttempts; attempt++ {
		total, withMarkup, err := calcs.RecomputeTotals(ctx, id)
		if err == nil {
			return total, withMarkup, nil
		}
		if !errors.Is(err, apperror.ErrConflict) {
			return decimal.Zero, decimal.Zero, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return decimal.Zero, decimal.Zero, ctx.Err()
		case <-time.After(recomputeBackoff * time.Duration(attempt)):
		}
	}
	return decimal.Zero, decimal.Zero, lastErr
}

// validateLines rejects bad input BEFORE any write happens: a quantity
// of zero or less must never reach the store, let alone a recompute.
func validateLines(lines []LineInput) error {
	if len(lines) == 0 {
		return apperror.ValidationFailed("lines", "select at least one item")
	}
	seen := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l.ItemID) == "" {
			return apperror.ValidationFailed("itemId", "item id is required")
		}
		if l.Quantity < 1 {
			return apperror.ValidationFailed("quantity",
				fmt.Sprintf("quantity for item %s must be at least 1", l.ItemID))
		}
		if _, dup := seen[l.ItemID]; dup {
			return apperror.ValidationFailed("itemId",
				fmt.Sprintf("item %s listed more than once", l.ItemID))
		}
		seen[l.ItemID] = struct{}{}
	}
	return nil
}

func validateMarkup(markup decimal.Decimal) error {
	if markup.LessThan(minMarkup) || markup.GreaterThan(maxMarkup) {
		return apperror.ValidationFailed("markup", "markup must be between 0 and 1000 percent")
	}
	return nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", apperror.ValidationFailed("title", "title is required")
	}
	if len(title) > MaxTitleLength {
		return "", apperror.ValidationFailed("title",
			fmt.Sprintf("title must be %d characters or less", MaxTitleLength))
	}
	return title, nil
}

// truncateTitle cuts a title down to MaxTitleLength bytes, backing off
// to the previous rune start so the cut never leaves invalid UTF-8.
func truncateTitle(title string) string {
	if len(title) <= MaxTitleLength {
		return title
	}
	cut := MaxTitleLength
	for cut > 0 && !utf8.RuneStart(title[cut]) {
		cut--
	}
	return title[:cut]
}

// canTouch reports whether the actor may modify or delete the
// calculation: its owner, or any admin. Ownerless legacy rows are
// admin-only.
func canTouch(calc *model.Calculation, actorID string, admin bool) bool {
	if admin {
		return true
	}
	return calc.OwnerID != "" && calc.OwnerID == actorID
}

// Create validates and persists a new calculation, recomputes its
// totals, and freezes the initial snapshot as one logical operation.
func (s *CalculationService) Create(ctx context.Context, ownerID, title string, markup decimal.Decimal, lines []LineInput) (*model.Calculation, error) {
	title, err := validateTitle(title)
	if err != nil {
		return nil, err
	}
	if err := validateMarkup(markup); err != nil {
		return nil, err
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	calc := &model.Calculation{
		OwnerID: ownerID,
		Title:   title,
		Markup:  markup,
	}
	calcLines := make([]model.CalculationLine, len(lines))
	for i, l := range lines {
		calcLines[i] = model.CalculationLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}

	if err := s.calcs.CreateCalculation(ctx, calc, calcLines); err != nil {
		s.logger.Error("failed to create calculation",
			slog.String("title", title),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if _, _, err := recomputeWithRetry(ctx, s.calcs, calc.ID); err != nil {
		// The totals never left zero; remove the half-born calculation
		// so an overflowing create doesn't linger as a broken quote.
		if delErr := s.calcs.DeleteCalculation(ctx, calc.ID); delErr != nil {
			s.logger.Error("failed to clean up calculation after recompute failure",
				slog.String("id", calc.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}

	if _, err := s.snaps.FreezeSnapshot(ctx, calc.ID, ownerID); err != nil {
		// Same cleanup as the recompute branch: a create that could not
		// freeze its initial snapshot must not leave the calculation behind.
		if delErr := s.calcs.DeleteCalculation(ctx, calc.ID); delErr != nil {
			s.logger.Error("failed to clean up calculation after snapshot failure",
				slog.String("id", calc.ID),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, fmt.Errorf("freezing initial snapshot: %w", err)
	}

	created, err := s.calcs.GetCalculationByID(ctx, calc.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("calculation created",
		slog.String("id", created.ID),
		slog.String("title", created.Title),
		slog.Int("lines", created.LineCount),
	)
	return created, nil
}

// Get returns one calculation with its lines. Non-admins can only read
// their own.
func (s *CalculationService) Get(ctx context.Context, id, actorID string, admin bool) (*model.Calculation, error) {
	calc, err := s.calcs.GetCalculationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTouch(calc, actorID, admin) {
		return nil, apperror.Forbidden("you do not have access to this calculation")
	}
	return calc, nil
}

// List returns calculations visible to the actor: everything for
// admins, their own for everyone else.
func (s *CalculationService) List(ctx context.Context, opts repository.ListOptions, actorID string, admin bool) ([]model.Calculation, error) {
	ownerFilter := actorID
	if admin {
		ownerFilter = ""
	}
	calcs, err := s.calcs.ListCalculations(ctx, opts, ownerFilter)
	if err != nil {
		s.logger.Error("failed to list calculations", slog.String("error", err.Error()))
		return nil, err
	}
	return calcs, nil
}

// Update replaces the calculation's title, markup and line set, then
// recomputes. The add-line / change-quantity / remove-line triggers
// all funnel through here as one line-set swap followed by one
// recompute.
func (s *CalculationService) Update(ctx context.Context, id, actorID string, admin bool, title string, markup decimal.Decimal, lines []LineInput) (*model.Calculation, error) {
	calc, err := s.calcs.GetCalculationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTouch(calc, actorID, admin) {
		return nil, apperror.Forbidden("you cannot modify this calculation")
	}

	title, err = validateTitle(title)
	if err != nil {
		return nil, err
	}
	if err := validateMarkup(markup); err != nil {
		return nil, err
	}
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	calc.Title = title
	calc.Markup = markup
	calcLines := make([]model.CalculationLine, len(lines))
	for i, l := range lines {
		calcLines[i] = model.CalculationLine{ItemID: l.ItemID, Quantity: l.Quantity}
	}

	if err := s.calcs.ReplaceCalculationLines(ctx, calc, calcLines); err != nil {
		return nil, err
	}
	if _, _, err := recomputeWithRetry(ctx, s.calcs, id); err != nil {
		return nil, err
	}

	updated, err := s.calcs.GetCalculationByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("calculation updated",
		slog.String("id", id),
		slog.Int("lines", updated.LineCount),
	)
	return updated, nil
}

// Delete removes a calculation and (via cascade) its lines. Snapshots
// of it are removed too; they archive the calculation, not the other
// way round.
func (s *CalculationService) Delete(ctx context.Context, id, actorID string, admin bool) error {
	calc, err := s.calcs.GetCalculationByID(ctx, id)
	if err != nil {
		return err
	}
	if !canTouch(calc, actorID, admin) {
		return apperror.Forbidden("you cannot delete this calculation")
	}
	if err := s.calcs.DeleteCalculation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("calculation deleted", slog.String("id", id))
	return nil
}

// Copy clones a calculation (same markup and lines, fresh totals
// recompute) under the acting user, titled "<original> (copy)".
func (s *CalculationService) Copy(ctx context.Context, id, actorID string, admin bool) (*model.Calculation, error) {
	original, err := s.Get(ctx, id, actorID, admin)
	if err != nil {
		return nil, err
	}

	lines := make([]LineInput, len(original.Lines))
	for i, l := range original.Lines {
		lines[i] = LineInput{ItemID: l.ItemID, Quantity: l.Quantity}
	}

	title := truncateTitle(original.Title + " (copy)")
	return s.Create(ctx, actorID, title, original.Markup, lines)
}

// Freeze archives the calculation's current state as an immutable
// snapshot. The repository runs recompute-then-copy in one transaction.
func (s *CalculationService) Freeze(ctx context.Context, id, actorID string, admin bool) (*model.Snapshot, error) {
	if _, err := s.Get(ctx, id, actorID, admin); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxRecomputeAttempts; attempt++ {
		snap, err := s.snaps.FreezeSnapshot(ctx, id, actorID)
		if err == nil {
			s.logger.Info("snapshot frozen",
				slog.String("snapshotId", snap.ID),
				slog.String("calculationId", id),
			)
			return snap, nil
		}
		if !errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(recomputeBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

// ListSnapshots and GetSnapshot are read-only views over the archive.
func (s *CalculationService) ListSnapshots(ctx context.Context, opts repository.ListOptions) ([]model.Snapshot, error) {
	return s.snaps.ListSnapshots(ctx, opts)
}

func (s *CalculationService) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "snapshot ID is required")
	}
	return s.snaps.GetSnapshotByID(ctx, id)
}
