// Package graph owns the lifecycle of state records: insertion with parent
// and orphan linking, the functional/reachable flags, child counters and the
// two tip indices.
package graph

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/metrics"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Errors.
var (
	ErrDuplicateState    = errors.New("duplicate state")
	ErrAlreadyFunctional = errors.New("state already functional")
	ErrNotFunctional     = errors.New("state not functional")
	ErrCannotDelete      = errors.New("state cannot be deleted")
	ErrActive            = errors.New("state is active")
	ErrBadLink           = errors.New("header does not extend its parent")
	ErrNotFound          = statedb.ErrNotFound

	// ErrConsistencyViolation marks a broken graph invariant. It is never
	// recoverable: the transaction must be discarded and the process halted.
	ErrConsistencyViolation = errors.New("consistency violation")
)

// Graph mutates the state graph inside a caller-provided transaction.
type Graph struct {
	mmr *history.MountainRange
}

// New returns a Graph that maintains mmr as rows become reachable.
func New(mmr *history.MountainRange) *Graph {
	return &Graph{mmr: mmr}
}

// MountainRange returns the accumulator the graph maintains.
func (g *Graph) MountainRange() *history.MountainRange { return g.mmr }

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistencyViolation, fmt.Sprintf(format, args...))
}

// Insert adds header h. Its parent, if known, gains a child; orphans that
// name h as parent are linked to it when they extend it, and rejected
// otherwise.
func (g *Graph) Insert(tx *statedb.Tx, h *header.Header) (types.RowID, error) {
	rec := statedb.NewRecord(h)
	if _, err := tx.Find(h.Height, rec.Hash); err == nil {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateState, rec.ID())
	} else if !errors.Is(err, statedb.ErrNotFound) {
		return 0, err
	}

	row, err := tx.NewRowID()
	if err != nil {
		return 0, err
	}

	if h.Height > 0 {
		prow, err := tx.Find(h.Height-1, h.PrevHash)
		switch {
		case err == nil:
			prec, err := tx.Record(prow)
			if err != nil {
				return 0, err
			}
			if err := h.ValidateChild(&prec.Header); err != nil {
				return 0, fmt.Errorf("%w: %s: %w", ErrBadLink, rec.ID(), err)
			}
			if prec.NumChildren == 0 {
				if err := tx.DelTip(prow, prec); err != nil {
					return 0, err
				}
			}
			prec.NumChildren++
			if err := tx.PutRecord(prow, prec); err != nil {
				return 0, err
			}
			rec.Prev = prow
		case !errors.Is(err, statedb.ErrNotFound):
			return 0, err
		}
	}

	orphans, err := tx.LinkedTo(h.Height+1, rec.Hash)
	if err != nil {
		return 0, err
	}
	for _, o := range orphans {
		orec, err := tx.Record(o)
		if err != nil {
			return 0, err
		}
		if !orec.Prev.IsZero() {
			return 0, violation("orphan %d already linked to %d", o, orec.Prev)
		}
		if err := orec.Header.ValidateChild(h); err != nil {
			if err := g.rejectOrphan(tx, o, orec, err); err != nil {
				return 0, err
			}
			continue
		}
		orec.Prev = row
		if err := tx.PutRecord(o, orec); err != nil {
			return 0, err
		}
		rec.NumChildren++
		if orec.Functional() {
			rec.NumFunctionalChildren++
		}
	}

	if err := tx.InsertRecord(row, rec); err != nil {
		return 0, err
	}
	if rec.NumChildren == 0 {
		if err := tx.AddTip(row, rec); err != nil {
			return 0, err
		}
	}

	metrics.RowsInserted.Inc()
	log.Graph.Debug().
		Uint64("height", h.Height).
		Str("hash", rec.Hash.Short()).
		Uint64("row", uint64(row)).
		Bool("orphan", rec.Prev.IsZero() && h.Height > 0).
		Int("children", len(orphans)).
		Msg("State inserted")
	return row, nil
}

// rejectOrphan keeps an orphan that does not extend its newly arrived parent
// unlinked for good: its body is dropped, it leaves the functional set and
// its identity is marked invalid.
func (g *Graph) rejectOrphan(tx *statedb.Tx, row types.RowID, rec *statedb.Record, cause error) error {
	if err := tx.DelBody(row); err != nil {
		return err
	}
	if rec.Functional() {
		if err := g.UnmarkFunctional(tx, row); err != nil {
			return err
		}
	}
	if err := tx.Quarantine(rec.Height(), rec.Hash, cause.Error()); err != nil {
		return err
	}
	log.Graph.Warn().
		Uint64("height", rec.Height()).
		Str("hash", rec.Hash.Short()).
		Err(cause).
		Msg("Orphan does not extend its parent, left unlinked")
	return nil
}

// MarkFunctional records that row's body passed context-free checks. The
// row becomes reachable when it is genesis or its parent is reachable, and
// reachability then spreads to its functional descendants.
func (g *Graph) MarkFunctional(tx *statedb.Tx, row types.RowID) error {
	rec, err := tx.Record(row)
	if err != nil {
		return err
	}
	if rec.Functional() {
		return fmt.Errorf("%w: %s", ErrAlreadyFunctional, rec.ID())
	}
	rec.Set(statedb.FlagFunctional, true)

	reachable := rec.Height() == 0
	if !rec.Prev.IsZero() {
		prec, err := tx.Record(rec.Prev)
		if err != nil {
			return err
		}
		if prec.NumFunctionalChildren == 0 && prec.Reachable() {
			if err := tx.DelReachableTip(rec.Prev, prec); err != nil {
				return err
			}
		}
		prec.NumFunctionalChildren++
		if prec.NumFunctionalChildren > prec.NumChildren {
			return violation("row %d has %d functional of %d children", rec.Prev, prec.NumFunctionalChildren, prec.NumChildren)
		}
		if err := tx.PutRecord(rec.Prev, prec); err != nil {
			return err
		}
		reachable = prec.Reachable()
	}
	if err := tx.PutRecord(row, rec); err != nil {
		return err
	}
	if !reachable {
		return nil
	}
	return g.propagate(tx, row, true)
}

// UnmarkFunctional is the inverse of MarkFunctional: row and every
// descendant reachable through it lose reachability.
func (g *Graph) UnmarkFunctional(tx *statedb.Tx, row types.RowID) error {
	rec, err := tx.Record(row)
	if err != nil {
		return err
	}
	if !rec.Functional() {
		return fmt.Errorf("%w: %s", ErrNotFunctional, rec.ID())
	}
	if rec.Active() {
		return fmt.Errorf("%w: %s", ErrActive, rec.ID())
	}
	rec.Set(statedb.FlagFunctional, false)

	if !rec.Prev.IsZero() {
		prec, err := tx.Record(rec.Prev)
		if err != nil {
			return err
		}
		if prec.NumFunctionalChildren == 0 {
			return violation("row %d functional child count underflow", rec.Prev)
		}
		prec.NumFunctionalChildren--
		if prec.NumFunctionalChildren == 0 && prec.Reachable() {
			if err := tx.AddReachableTip(rec.Prev, prec); err != nil {
				return err
			}
		}
		if err := tx.PutRecord(rec.Prev, prec); err != nil {
			return err
		}
	}
	if err := tx.PutRecord(row, rec); err != nil {
		return err
	}
	if !rec.Reachable() {
		return nil
	}
	return g.propagate(tx, row, false)
}

// Delete removes a row that has no children and is not active. cause labels
// the deletion in metrics.
func (g *Graph) Delete(tx *statedb.Tx, row types.RowID, cause string) error {
	rec, err := tx.Record(row)
	if err != nil {
		return err
	}
	if rec.Active() {
		return fmt.Errorf("%w: %s is active", ErrCannotDelete, rec.ID())
	}
	if rec.NumChildren > 0 {
		return fmt.Errorf("%w: %s has %d children", ErrCannotDelete, rec.ID(), rec.NumChildren)
	}

	if !rec.Prev.IsZero() {
		prec, err := tx.Record(rec.Prev)
		if err != nil {
			return err
		}
		if prec.NumChildren == 0 {
			return violation("row %d child count underflow", rec.Prev)
		}
		prec.NumChildren--
		if prec.NumChildren == 0 {
			if err := tx.AddTip(rec.Prev, prec); err != nil {
				return err
			}
		}
		if rec.Functional() {
			if prec.NumFunctionalChildren == 0 {
				return violation("row %d functional child count underflow", rec.Prev)
			}
			prec.NumFunctionalChildren--
			if prec.NumFunctionalChildren == 0 && prec.Reachable() {
				if err := tx.AddReachableTip(rec.Prev, prec); err != nil {
					return err
				}
			}
		}
		if err := tx.PutRecord(rec.Prev, prec); err != nil {
			return err
		}
	}

	if err := tx.DelTip(row, rec); err != nil {
		return err
	}
	if rec.Reachable() {
		if err := tx.DelReachableTip(row, rec); err != nil {
			return err
		}
	}
	if err := tx.DeleteRecord(row, rec); err != nil {
		return err
	}
	if err := tx.ErasePayloads(row); err != nil {
		return err
	}
	g.mmr.Forget(row)

	metrics.RowsDeleted.WithLabelValues(cause).Inc()
	log.Graph.Debug().
		Uint64("height", rec.Height()).
		Str("hash", rec.Hash.Short()).
		Str("cause", cause).
		Msg("State deleted")
	return nil
}

// FunctionalChildren returns the children of row that are functional.
// Rejected orphans naming row as parent are not children.
func (g *Graph) FunctionalChildren(tx *statedb.Tx, row types.RowID, rec *statedb.Record) ([]types.RowID, error) {
	linked, err := tx.LinkedTo(rec.Height()+1, rec.Hash)
	if err != nil {
		return nil, err
	}
	var out []types.RowID
	for _, c := range linked {
		crec, err := tx.Record(c)
		if err != nil {
			return nil, err
		}
		if crec.Functional() && crec.Prev == row {
			out = append(out, c)
		}
	}
	return out, nil
}
