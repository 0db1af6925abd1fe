// Package forkchoice moves the cursor to the best reachable tip, reverting
// and applying bodies through a BodyApplier.
package forkchoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/chainstate/internal/events"
	"github.com/Klingon-tech/chainstate/internal/graph"
	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/metrics"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/merkle"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// ErrInvalid is returned by a BodyApplier for a body that must never be
// applied. The state carrying it is quarantined.
var ErrInvalid = errors.New("invalid state")

// BodyApplier materializes state bodies. Both calls write into txn, the
// transaction that also moves the cursor.
type BodyApplier interface {
	// Apply applies body on top of the parent of rec and returns the blob
	// needed to revert it. Errors wrapping ErrInvalid quarantine rec; any
	// other error aborts the transaction.
	Apply(ctx context.Context, txn storage.Txn, rec *statedb.Record, body []byte) ([]byte, error)
	// Revert undoes an Apply given the blob it returned. It must not fail
	// for such a blob.
	Revert(ctx context.Context, txn storage.Txn, rec *statedb.Record, rollback []byte) error
}

// Outcome summarizes one TryAdvance run. Events are meant to be published
// once the transaction commits.
type Outcome struct {
	From, To statedb.Cursor
	Reverted int
	Applied  int
	Invalid  int
	Events   []events.Event
}

// Moved reports whether the cursor changed.
func (o *Outcome) Moved() bool { return o.From.Row != o.To.Row }

// ForkChoice owns the cursor.
type ForkChoice struct {
	graph   *graph.Graph
	applier BodyApplier
}

// New returns a ForkChoice applying bodies with applier.
func New(g *graph.Graph, applier BodyApplier) *ForkChoice {
	return &ForkChoice{graph: g, applier: applier}
}

// Outranks reports whether (aWork, aHash) is preferred over (bWork, bHash):
// more work wins and equal work prefers the bytewise smaller hash.
func Outranks(aWork types.Work, aHash types.Hash, bWork types.Work, bHash types.Hash) bool {
	if c := aWork.Cmp(bWork); c != 0 {
		return c > 0
	}
	return aHash.Compare(bHash) < 0
}

// BestReachableTip returns the preferred reachable tip the cursor can move
// to. Tips forking below the fossil height are skipped because the states
// above their fork point can no longer be reverted.
func (fc *ForkChoice) BestReachableTip(tx *statedb.Tx) (types.RowID, *statedb.Record, bool, error) {
	tips, err := tx.ReachableTips()
	if err != nil {
		return 0, nil, false, err
	}
	cursor, err := tx.Cursor()
	if err != nil {
		return 0, nil, false, err
	}
	fossil, hasFossil, err := tx.Fossil()
	if err != nil {
		return 0, nil, false, err
	}

	for _, row := range tips {
		rec, err := tx.Record(row)
		if err != nil {
			return 0, nil, false, err
		}
		if !hasFossil || cursor.IsZero() || row == cursor.Row {
			return row, rec, true, nil
		}
		lca, err := fc.LCA(tx, cursor.Row, row)
		if err != nil {
			return 0, nil, false, err
		}
		if !lca.IsZero() {
			lrec, err := tx.Record(lca)
			if err != nil {
				return 0, nil, false, err
			}
			if lrec.Height() >= fossil {
				return row, rec, true, nil
			}
		}
		log.Fork.Debug().
			Uint64("height", rec.Height()).
			Str("hash", rec.Hash.Short()).
			Uint64("fossil", fossil).
			Msg("Skipping tip forking below fossil height")
	}
	return 0, nil, false, nil
}

// LCA returns the latest common ancestor of a and b, or zero when they
// share none. A zero argument stands for the empty chain.
func (fc *ForkChoice) LCA(tx *statedb.Tx, a, b types.RowID) (types.RowID, error) {
	if a.IsZero() || b.IsZero() {
		return 0, nil
	}
	ra, err := tx.Record(a)
	if err != nil {
		return 0, err
	}
	rb, err := tx.Record(b)
	if err != nil {
		return 0, err
	}

	step := func(rec *statedb.Record) (types.RowID, *statedb.Record, error) {
		if rec.Prev.IsZero() {
			return 0, nil, nil
		}
		prec, err := tx.Record(rec.Prev)
		return rec.Prev, prec, err
	}

	for ra.Height() > rb.Height() {
		if a, ra, err = step(ra); err != nil || a.IsZero() {
			return 0, err
		}
	}
	for rb.Height() > ra.Height() {
		if b, rb, err = step(rb); err != nil || b.IsZero() {
			return 0, err
		}
	}
	for a != b {
		if a, ra, err = step(ra); err != nil || a.IsZero() {
			return 0, err
		}
		if b, rb, err = step(rb); err != nil || b.IsZero() {
			return 0, err
		}
	}
	return a, nil
}

// TryAdvance moves the cursor to the best reachable tip. It reverts the
// active states above the common ancestor, newest first, then applies the
// new branch oldest first. A state that fails its header checks or whose
// body is rejected is quarantined and the choice starts over.
func (fc *ForkChoice) TryAdvance(ctx context.Context, tx *statedb.Tx) (*Outcome, error) {
	from, err := tx.Cursor()
	if err != nil {
		return nil, err
	}
	out := &Outcome{From: from, To: from}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cursor, err := tx.Cursor()
		if err != nil {
			return nil, err
		}
		best, brec, ok, err := fc.BestReachableTip(tx)
		if err != nil {
			return nil, err
		}
		if !ok || best == cursor.Row {
			break
		}
		if !cursor.IsZero() && !Outranks(brec.Work(), brec.Hash, cursor.Work, cursor.Hash) {
			break
		}

		lca, err := fc.LCA(tx, cursor.Row, best)
		if err != nil {
			return nil, err
		}
		if err := fc.rollbackTo(ctx, tx, lca, out); err != nil {
			return nil, err
		}
		if err := fc.advanceTo(ctx, tx, lca, best, out); err != nil {
			return nil, err
		}
	}

	if out.To, err = tx.Cursor(); err != nil {
		return nil, err
	}
	if out.Reverted > 0 {
		metrics.ReorgDepth.Observe(float64(out.Reverted))
	}
	if out.Moved() {
		to := out.To
		metrics.CursorHeight.Set(float64(to.Height))
		out.Events = append(out.Events, events.NewTip{Row: to.Row, Height: to.Height, Hash: to.Hash, Work: to.Work})
		log.Fork.Info().
			Uint64("height", to.Height).
			Str("hash", to.Hash.Short()).
			Str("work", to.Work.String()).
			Int("reverted", out.Reverted).
			Int("applied", out.Applied).
			Msg("Cursor moved")
	}
	return out, nil
}

// rollbackTo reverts active states until the cursor sits on lca.
func (fc *ForkChoice) rollbackTo(ctx context.Context, tx *statedb.Tx, lca types.RowID, out *Outcome) error {
	for {
		cursor, err := tx.Cursor()
		if err != nil {
			return err
		}
		if cursor.Row == lca {
			return nil
		}
		if cursor.IsZero() {
			return fmt.Errorf("%w: rollback passed ancestor %d", graph.ErrConsistencyViolation, lca)
		}
		if err := fc.revert(ctx, tx, cursor.Row, out); err != nil {
			return err
		}
	}
}

func (fc *ForkChoice) revert(ctx context.Context, tx *statedb.Tx, row types.RowID, out *Outcome) error {
	rec, err := tx.Record(row)
	if err != nil {
		return err
	}
	blob, ok, err := tx.Rollback(row)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: active %s has no rollback data", graph.ErrConsistencyViolation, rec.ID())
	}
	if err := fc.applier.Revert(ctx, tx.Txn(), rec, blob); err != nil {
		return fmt.Errorf("%w: revert %s: %w", graph.ErrConsistencyViolation, rec.ID(), err)
	}

	rec.Set(statedb.FlagActive, false)
	if err := tx.PutRecord(row, rec); err != nil {
		return err
	}
	if err := tx.DelRollback(row); err != nil {
		return err
	}

	var next statedb.Cursor
	if !rec.Prev.IsZero() {
		prec, err := tx.Record(rec.Prev)
		if err != nil {
			return err
		}
		next = statedb.CursorAt(rec.Prev, prec)
	}
	if err := tx.SetCursor(next); err != nil {
		return err
	}

	out.Reverted++
	out.Events = append(out.Events, events.RolledBack{Row: row, Height: rec.Height(), Hash: rec.Hash, ToHeight: next.Height})
	metrics.RolledBack.Inc()
	log.Fork.Debug().Uint64("height", rec.Height()).Str("hash", rec.Hash.Short()).Msg("State reverted")
	return nil
}

// advanceTo applies the states above lca up to target. It stops early when
// a state on the way is quarantined.
func (fc *ForkChoice) advanceTo(ctx context.Context, tx *statedb.Tx, lca, target types.RowID, out *Outcome) error {
	var path []types.RowID
	for row := target; row != lca; {
		path = append(path, row)
		rec, err := tx.Record(row)
		if err != nil {
			return err
		}
		if rec.Prev.IsZero() {
			if !lca.IsZero() {
				return fmt.Errorf("%w: %d does not descend from %d", graph.ErrConsistencyViolation, target, lca)
			}
			break
		}
		row = rec.Prev
	}

	for i := len(path) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := path[i]
		rec, err := tx.Record(row)
		if err != nil {
			return err
		}

		reason, err := fc.checkHeader(tx, row, rec)
		if err != nil {
			return fmt.Errorf("check %s: %w", rec.ID(), err)
		}
		if reason != "" {
			return fc.quarantine(tx, row, rec, reason, out)
		}

		body, ok, err := tx.Body(row)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: functional %s has no body", graph.ErrConsistencyViolation, rec.ID())
		}
		blob, err := fc.applier.Apply(ctx, tx.Txn(), rec, body)
		if errors.Is(err, ErrInvalid) {
			return fc.quarantine(tx, row, rec, err.Error(), out)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", rec.ID(), err)
		}

		if err := tx.SetRollback(row, blob); err != nil {
			return err
		}
		rec.Set(statedb.FlagActive, true)
		if err := tx.PutRecord(row, rec); err != nil {
			return err
		}
		if err := tx.SetCursor(statedb.CursorAt(row, rec)); err != nil {
			return err
		}
		out.Applied++
		metrics.Applied.Inc()
		log.Fork.Debug().Uint64("height", rec.Height()).Str("hash", rec.Hash.Short()).Msg("State applied")
	}
	return nil
}

// checkHeader validates rec against its parent and the history it commits
// to. It returns a non-empty reason when rec must be quarantined; storage
// failures are returned as errors and never turn into a reason.
func (fc *ForkChoice) checkHeader(tx *statedb.Tx, row types.RowID, rec *statedb.Record) (string, error) {
	if err := rec.Header.Validate(); err != nil {
		return err.Error(), nil
	}
	mmr := fc.graph.MountainRange()
	if rec.Height() == 0 {
		def, err := mmr.Definition(tx, row, rec)
		if err != nil {
			return "", historyError(err)
		}
		if def != rec.Header.Definition {
			return "definition mismatch", nil
		}
		return "", nil
	}

	prec, err := tx.Record(rec.Prev)
	if err != nil {
		return "", err
	}
	if err := rec.Header.ValidateChild(&prec.Header); err != nil {
		return err.Error(), nil
	}
	want, err := mmr.PredictedHash(tx, rec.Prev, prec, rec.Header.KernelsRoot)
	if err != nil {
		return "", historyError(err)
	}
	if want != rec.Header.Definition {
		return "definition mismatch", nil
	}
	return "", nil
}

// historyError flags a mountain range that cannot be read on the reachable
// path as a broken graph.
func historyError(err error) error {
	if errors.Is(err, history.ErrMissingBuffer) || errors.Is(err, history.ErrUnreachable) ||
		errors.Is(err, merkle.ErrCorruptBuffer) {
		return fmt.Errorf("%w: %w", graph.ErrConsistencyViolation, err)
	}
	return err
}

// quarantine erases the body of row, withdraws it from the functional set
// and remembers its identity so it is never accepted again.
func (fc *ForkChoice) quarantine(tx *statedb.Tx, row types.RowID, rec *statedb.Record, reason string, out *Outcome) error {
	if err := Quarantine(tx, fc.graph, row, reason); err != nil {
		return err
	}
	out.Invalid++
	out.Events = append(out.Events, events.StateInvalid{Row: row, Height: rec.Height(), Hash: rec.Hash, Reason: reason})
	return nil
}

// Quarantine marks row invalid outside of a cursor move.
func Quarantine(tx *statedb.Tx, g *graph.Graph, row types.RowID, reason string) error {
	rec, err := tx.Record(row)
	if err != nil {
		return err
	}
	if rec.Active() {
		return fmt.Errorf("%w: cannot quarantine active %s", graph.ErrActive, rec.ID())
	}
	if err := tx.DelBody(row); err != nil {
		return err
	}
	if rec.Functional() {
		if err := g.UnmarkFunctional(tx, row); err != nil {
			return err
		}
	}
	if err := tx.Quarantine(rec.Height(), rec.Hash, reason); err != nil {
		return err
	}

	metrics.Invalid.Inc()
	log.Fork.Warn().
		Uint64("height", rec.Height()).
		Str("hash", rec.Hash.Short()).
		Str("reason", reason).
		Msg("State quarantined")
	return nil
}
