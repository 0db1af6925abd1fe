package chain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/chainstate/internal/events"
	"github.com/Klingon-tech/chainstate/internal/forkchoice"
	"github.com/Klingon-tech/chainstate/internal/graph"
	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/retention"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

func invalid(err error) error {
	return fmt.Errorf("%w: %w", forkchoice.ErrInvalid, err)
}

// OnState accepts a header. Headers failing sanity checks, below the lower
// horizon, previously quarantined, or inconsistent with a known parent are
// rejected before they touch the graph.
func (p *Processor) OnState(h *header.Header, peer string) (types.RowID, error) {
	if err := h.Validate(); err != nil {
		return 0, invalid(err)
	}

	var row types.RowID
	err := p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		lo, err := tx.LoHorizon()
		if err != nil {
			return nil, err
		}
		if h.Height < lo {
			return nil, fmt.Errorf("%w: height %d below %d", history.ErrHorizonExceeded, h.Height, lo)
		}
		hash := h.Hash()
		if reason, ok, err := tx.Quarantined(h.Height, hash); err != nil {
			return nil, err
		} else if ok {
			return nil, fmt.Errorf("%w: %d:%s quarantined: %s", forkchoice.ErrInvalid, h.Height, hash.Short(), reason)
		}
		if err := p.checkParent(tx, h); err != nil {
			return nil, err
		}

		if row, err = p.graph.Insert(tx, h); err != nil {
			return nil, err
		}
		if peer != "" {
			if err := tx.SetPeer(row, peer); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	return row, nil
}

// checkParent validates h against its parent when the parent is known. The
// Definition can only be predicted from a reachable parent.
func (p *Processor) checkParent(tx *statedb.Tx, h *header.Header) error {
	if h.Height == 0 {
		return nil
	}
	prow, err := tx.Find(h.Height-1, h.PrevHash)
	if errors.Is(err, statedb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	prec, err := tx.Record(prow)
	if err != nil {
		return err
	}
	if err := h.ValidateChild(&prec.Header); err != nil {
		return invalid(err)
	}
	if !prec.Reachable() {
		return nil
	}
	want, err := p.graph.MountainRange().PredictedHash(tx, prow, prec, h.KernelsRoot)
	if err != nil {
		return err
	}
	if want != h.Definition {
		return fmt.Errorf("%w: definition %s, want %s", forkchoice.ErrInvalid, h.Definition.Short(), want.Short())
	}
	return nil
}

// OnBlock accepts the body of a known header. The state becomes functional,
// the cursor moves if a better tip appeared, and retention runs.
func (p *Processor) OnBlock(ctx context.Context, id header.ID, body []byte, peer string) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return nil, err
		}
		if reason, ok, err := tx.Quarantined(id.Height, id.Hash); err != nil {
			return nil, err
		} else if ok {
			return nil, fmt.Errorf("%w: %s quarantined: %s", forkchoice.ErrInvalid, id, reason)
		}
		rec, err := tx.Record(row)
		if err != nil {
			return nil, err
		}
		if rec.Functional() {
			return nil, fmt.Errorf("%w: %s", graph.ErrAlreadyFunctional, id)
		}
		fossil, ok, err := tx.Fossil()
		if err != nil {
			return nil, err
		}
		if ok && id.Height <= fossil {
			return nil, fmt.Errorf("%w: body for %s at or below fossil height %d", history.ErrHorizonExceeded, id, fossil)
		}
		if err := rec.Header.VerifyBody(body); err != nil {
			return nil, invalid(err)
		}

		if err := tx.SetBody(row, body); err != nil {
			return nil, err
		}
		if peer != "" {
			if err := tx.SetPeer(row, peer); err != nil {
				return nil, err
			}
		}
		if err := p.graph.MarkFunctional(tx, row); err != nil {
			return nil, err
		}
		return p.advance(ctx, tx)
	})
}

// advance moves the cursor and applies retention relative to its new
// height.
func (p *Processor) advance(ctx context.Context, tx *statedb.Tx) ([]events.Event, error) {
	out, err := p.fork.TryAdvance(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := p.retention.Prune(tx, out.To.Height); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Advance re-runs fork choice without new input, e.g. after a restart.
func (p *Processor) Advance(ctx context.Context) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		return p.advance(ctx, tx)
	})
}

// Evict deletes a state that has no children and is not active.
func (p *Processor) Evict(id header.ID) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return nil, err
		}
		return nil, p.graph.Delete(tx, row, "evicted")
	})
}

// Invalidate quarantines a known state that is not active, as if its body
// had been rejected.
func (p *Processor) Invalidate(ctx context.Context, id header.ID, reason string) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return nil, err
		}
		if err := forkchoice.Quarantine(tx, p.graph, row, reason); err != nil {
			return nil, err
		}
		evs, err := p.advance(ctx, tx)
		if err != nil {
			return nil, err
		}
		inv := events.StateInvalid{Row: row, Height: id.Height, Hash: id.Hash, Reason: reason}
		return append([]events.Event{inv}, evs...), nil
	})
}

// Prune applies retention at the current cursor and reports what it did.
func (p *Processor) Prune() (*retention.Report, error) {
	var r *retention.Report
	err := p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		c, err := tx.Cursor()
		if err != nil {
			return nil, err
		}
		r, err = p.retention.Prune(tx, c.Height)
		return nil, err
	})
	return r, err
}

// SetHorizon changes the retention horizon and applies it immediately.
func (p *Processor) SetHorizon(h retention.Horizon) (*retention.Report, error) {
	p.retention.SetHorizon(h)
	log.Retention.Info().
		Uint64("branching", h.Branching).
		Uint64("schwarzschild", p.retention.Horizon().Schwarzschild).
		Msg("Horizon changed")
	return p.Prune()
}

// AttachRange stores a macroblock covering [lo, hi].
func (p *Processor) AttachRange(lo, hi uint64, blob []byte) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		return nil, p.retention.AttachRange(tx, lo, hi, blob)
	})
}

// DetachRange removes the macroblock attached for [lo, hi].
func (p *Processor) DetachRange(lo, hi uint64) error {
	return p.update(func(tx *statedb.Tx) ([]events.Event, error) {
		return nil, p.retention.DetachRange(tx, lo, hi)
	})
}

// Item is one entry of an import batch. A nil Body imports only the header.
type Item struct {
	Header *header.Header `json:"header"`
	Body   []byte         `json:"body,omitempty"`
	Peer   string         `json:"peer,omitempty"`
}

// ImportResult counts the outcome of ImportBatch.
type ImportResult struct {
	Headers    int `json:"headers"`
	Duplicates int `json:"duplicates"`
	Bodies     int `json:"bodies"`
	Rejected   int `json:"rejected"`
}

// ImportBatch feeds items through OnState and OnBlock in height order.
// Context-free checks and hashing run in parallel first. Rejected items are
// counted and skipped; any other error stops the import.
func (p *Processor) ImportBatch(ctx context.Context, items []Item) (*ImportResult, error) {
	checked := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			it := items[i]
			if it.Header == nil {
				checked[i] = invalid(header.ErrNilHeader)
				return nil
			}
			if err := it.Header.Validate(); err != nil {
				checked[i] = invalid(err)
				return nil
			}
			if it.Body != nil {
				if err := it.Header.VerifyBody(it.Body); err != nil {
					checked[i] = invalid(err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ha, hb := items[order[a]].Header, items[order[b]].Header
		if ha == nil || hb == nil {
			return hb != nil
		}
		return ha.Height < hb.Height
	})

	res := &ImportResult{}
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		it := items[i]
		if checked[i] != nil {
			res.Rejected++
			log.Chain.Debug().Err(checked[i]).Int("item", i).Msg("Import item rejected")
			continue
		}
		_, err := p.OnState(it.Header, it.Peer)
		switch {
		case err == nil:
			res.Headers++
		case errors.Is(err, graph.ErrDuplicateState):
			res.Duplicates++
		case errors.Is(err, forkchoice.ErrInvalid), errors.Is(err, graph.ErrBadLink), errors.Is(err, history.ErrHorizonExceeded):
			res.Rejected++
			continue
		default:
			return res, fmt.Errorf("import %s: %w", it.Header.ID(), err)
		}
		if it.Body == nil {
			continue
		}
		err = p.OnBlock(ctx, it.Header.ID(), it.Body, it.Peer)
		switch {
		case err == nil:
			res.Bodies++
		case errors.Is(err, graph.ErrAlreadyFunctional):
		case errors.Is(err, forkchoice.ErrInvalid), errors.Is(err, history.ErrHorizonExceeded):
			res.Rejected++
		default:
			return res, fmt.Errorf("import body %s: %w", it.Header.ID(), err)
		}
	}

	log.Chain.Info().
		Int("headers", res.Headers).
		Int("bodies", res.Bodies).
		Int("duplicates", res.Duplicates).
		Int("rejected", res.Rejected).
		Msg("Batch imported")
	return res, nil
}
