package graph

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Check audits every graph invariant against the stored records. It is a
// full scan meant for tests and the check command. All violations found are
// reported together, wrapped in ErrConsistencyViolation.
func (g *Graph) Check(tx *statedb.Tx) error {
	recs := make(map[types.RowID]*statedb.Record)
	var order []types.RowID
	if err := tx.Rows(func(row types.RowID, rec *statedb.Record) error {
		recs[row] = rec
		order = append(order, row)
		return nil
	}); err != nil {
		return err
	}

	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	children := make(map[types.RowID]uint32)
	functional := make(map[types.RowID]uint32)
	activeAt := make(map[uint64]types.RowID)
	var nTips, nReachableTips int

	for _, row := range order {
		rec := recs[row]
		if !rec.Prev.IsZero() {
			children[rec.Prev]++
			if rec.Functional() {
				functional[rec.Prev]++
			}
		}
		if rec.Active() {
			if other, ok := activeAt[rec.Height()]; ok {
				fail("rows %d and %d both active at height %d", other, row, rec.Height())
			}
			activeAt[rec.Height()] = row
		}
	}

	for _, row := range order {
		rec := recs[row]

		var parent *statedb.Record
		if !rec.Prev.IsZero() {
			parent = recs[rec.Prev]
			switch {
			case parent == nil:
				fail("row %d links to missing row %d", row, rec.Prev)
			default:
				if err := rec.Header.ValidateChild(&parent.Header); err != nil {
					fail("row %d does not extend row %d: %v", row, rec.Prev, err)
				}
			}
		} else if rec.Height() > 0 {
			prow, err := tx.Find(rec.Height()-1, rec.Header.PrevHash)
			switch {
			case err == nil:
				// Only an orphan that failed to extend its parent stays unlinked.
				if prec := recs[prow]; prec != nil && rec.Header.ValidateChild(&prec.Header) == nil {
					fail("orphan row %d has a stored parent %d", row, prow)
				}
			case !errors.Is(err, statedb.ErrNotFound):
				return err
			}
		}

		if rec.NumChildren != children[row] {
			fail("row %d counts %d children, found %d", row, rec.NumChildren, children[row])
		}
		if rec.NumFunctionalChildren != functional[row] {
			fail("row %d counts %d functional children, found %d", row, rec.NumFunctionalChildren, functional[row])
		}

		wantReachable := rec.Functional() &&
			(rec.Height() == 0 || (parent != nil && parent.Reachable()))
		if rec.Reachable() != wantReachable {
			fail("row %d reachable=%t, want %t", row, rec.Reachable(), wantReachable)
		}
		if rec.Active() && !rec.Reachable() {
			fail("active row %d is not reachable", row)
		}
		if rec.Active() && rec.Height() > 0 && (parent == nil || !parent.Active()) {
			fail("active row %d has an inactive parent", row)
		}

		isTip, err := tx.HasTip(row, rec)
		if err != nil {
			return err
		}
		if isTip != (rec.NumChildren == 0) {
			fail("row %d tip=%t with %d children", row, isTip, rec.NumChildren)
		}
		if isTip {
			nTips++
		}

		isReachableTip, err := tx.HasReachableTip(row, rec)
		if err != nil {
			return err
		}
		if want := rec.Reachable() && rec.NumFunctionalChildren == 0; isReachableTip != want {
			fail("row %d reachable tip=%t, want %t", row, isReachableTip, want)
		}
		if isReachableTip {
			nReachableTips++
		}

		if err := g.mmr.CheckRow(tx, row, rec); err != nil {
			fail("%v", err)
		}
	}

	tips, err := tx.Tips()
	if err != nil {
		return err
	}
	if len(tips) != nTips {
		fail("tip index holds %d entries, %d rows are tips", len(tips), nTips)
	}
	rtips, err := tx.ReachableTips()
	if err != nil {
		return err
	}
	if len(rtips) != nReachableTips {
		fail("reachable tip index holds %d entries, %d rows are reachable tips", len(rtips), nReachableTips)
	}

	cursor, err := tx.Cursor()
	if err != nil {
		return err
	}
	switch {
	case cursor.IsZero() && len(activeAt) > 0:
		fail("%d active rows without a cursor", len(activeAt))
	case !cursor.IsZero():
		if rec := recs[cursor.Row]; rec == nil || !rec.Active() {
			fail("cursor row %d is not active", cursor.Row)
		} else if rec.Height() != cursor.Height || rec.Hash != cursor.Hash {
			fail("cursor %d:%s disagrees with row %d", cursor.Height, cursor.Hash.Short(), cursor.Row)
		}
		if uint64(len(activeAt)) != cursor.Height+1 {
			fail("%d active rows below cursor height %d", len(activeAt), cursor.Height)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrConsistencyViolation, err)
	}
	return nil
}
