// Package retention bounds the state graph behind the cursor: forks deeper
// than the branching horizon are pruned and perishable data deeper than the
// Schwarzschild horizon is erased.
package retention

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/chainstate/internal/graph"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/metrics"
	"github.com/Klingon-tech/chainstate/internal/statedb"
)

// Errors.
var (
	ErrRangeOverlap  = errors.New("macroblock range overlaps an attached range")
	ErrRangeNotFound = errors.New("macroblock range not found")
	ErrBadRange      = errors.New("invalid macroblock range")
)

// Default horizons, in states.
const (
	DefaultBranching     = 1440
	DefaultSchwarzschild = 10080
)

// Horizon holds the two retention depths below the cursor.
type Horizon struct {
	// Branching is the deepest fork still considered. Headers below
	// cursor-Branching are rejected and branches ending there are pruned.
	Branching uint64 `json:"branching"`
	// Schwarzschild is the depth past which bodies and rollback data are
	// erased.
	Schwarzschild uint64 `json:"schwarzschild"`
}

// Normalize raises Schwarzschild to at least Branching.
func (h Horizon) Normalize() Horizon {
	if h.Schwarzschild < h.Branching {
		h.Schwarzschild = h.Branching
	}
	return h
}

// Report summarizes one Prune.
type Report struct {
	Pruned     int
	Erased     int
	Unmarked   int
	Quarantine int
	Fossil     uint64
	HasFossil  bool
	LoHorizon  uint64
}

// Manager applies the retention policy.
type Manager struct {
	graph *graph.Graph

	mu      sync.RWMutex
	horizon Horizon
}

// New returns a Manager for g. The horizon is normalized.
func New(g *graph.Graph, h Horizon) *Manager {
	return &Manager{graph: g, horizon: h.Normalize()}
}

// Horizon returns the active horizon.
func (m *Manager) Horizon() Horizon {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.horizon
}

// SetHorizon replaces the horizon. It takes effect on the next Prune.
func (m *Manager) SetHorizon(h Horizon) {
	m.mu.Lock()
	m.horizon = h.Normalize()
	m.mu.Unlock()
}

// Prune enforces both horizons relative to cursorHeight.
func (m *Manager) Prune(tx *statedb.Tx, cursorHeight uint64) (*Report, error) {
	hz := m.Horizon()
	r := &Report{}
	var err error

	if cursorHeight > hz.Branching {
		cutoff := cursorHeight - hz.Branching
		if r.Pruned, err = m.pruneBranches(tx, cutoff); err != nil {
			return nil, err
		}
		if r.Quarantine, err = tx.DropQuarantineBelow(cutoff); err != nil {
			return nil, err
		}
		lo, err := tx.LoHorizon()
		if err != nil {
			return nil, err
		}
		if cutoff > lo {
			if err := tx.SetLoHorizon(cutoff); err != nil {
				return nil, err
			}
			lo = cutoff
		}
		r.LoHorizon = lo
	} else if r.LoHorizon, err = tx.LoHorizon(); err != nil {
		return nil, err
	}

	if cursorHeight >= hz.Schwarzschild {
		if err := m.raiseFossil(tx, cursorHeight-hz.Schwarzschild, r); err != nil {
			return nil, err
		}
	}
	if r.Fossil, r.HasFossil, err = tx.Fossil(); err != nil {
		return nil, err
	}

	if r.Pruned > 0 || r.Erased > 0 {
		log.Retention.Debug().
			Uint64("cursor", cursorHeight).
			Int("pruned", r.Pruned).
			Int("erased", r.Erased).
			Uint64("lo_horizon", r.LoHorizon).
			Msg("Retention applied")
	}
	return r, nil
}

// pruneBranches deletes tips below cutoff together with every ancestor left
// childless by the deletion.
func (m *Manager) pruneBranches(tx *statedb.Tx, cutoff uint64) (int, error) {
	pruned := 0
	for {
		tip, ok, err := tx.LowestTip()
		if err != nil {
			return pruned, err
		}
		if !ok || tip.Height >= cutoff {
			return pruned, nil
		}

		for row := tip.Row; !row.IsZero(); {
			rec, err := tx.Record(row)
			if err != nil {
				return pruned, err
			}
			if rec.Active() || rec.NumChildren > 0 {
				if row == tip.Row {
					return pruned, fmt.Errorf("%w: tip %s below horizon cannot be pruned", graph.ErrConsistencyViolation, rec.ID())
				}
				break
			}
			if err := m.graph.Delete(tx, row, "pruned"); err != nil {
				return pruned, err
			}
			pruned++
			row = rec.Prev
		}
	}
}

// raiseFossil erases perishable data of every height in (fossil, to].
// Active states keep their header but lose body and rollback data;
// other states also lose their functional flag and origin peer.
func (m *Manager) raiseFossil(tx *statedb.Tx, to uint64, r *Report) error {
	fossil, ok, err := tx.Fossil()
	if err != nil {
		return err
	}
	from := uint64(0)
	if ok {
		if fossil >= to {
			return nil
		}
		from = fossil + 1
	}

	for h := from; h <= to; h++ {
		rows, err := tx.StatesAt(h)
		if err != nil {
			return err
		}
		for _, row := range rows {
			rec, err := tx.Record(row)
			if err != nil {
				return err
			}
			if !rec.Active() {
				if rec.Functional() {
					if err := m.graph.UnmarkFunctional(tx, row); err != nil {
						return err
					}
					r.Unmarked++
				}
				if err := tx.DelPeer(row); err != nil {
					return err
				}
			} else if err := tx.DelRollback(row); err != nil {
				return err
			}
			has, err := tx.HasBody(row)
			if err != nil {
				return err
			}
			if has {
				if err := tx.DelBody(row); err != nil {
					return err
				}
				r.Erased++
				metrics.BodiesErased.Inc()
			}
		}
	}

	if err := tx.SetFossil(to); err != nil {
		return err
	}
	metrics.FossilHeight.Set(float64(to))
	return nil
}

// AttachRange stores a macroblock covering heights [lo, hi].
func (m *Manager) AttachRange(tx *statedb.Tx, lo, hi uint64, blob []byte) error {
	nr := statedb.Range{Lo: lo, Hi: hi}
	if lo > hi || len(blob) == 0 {
		return fmt.Errorf("%w: [%d, %d] with %d bytes", ErrBadRange, lo, hi, len(blob))
	}
	ranges, err := tx.Ranges()
	if err != nil {
		return err
	}
	for _, r := range ranges {
		if r.Overlaps(nr) {
			return fmt.Errorf("%w: [%d, %d] overlaps [%d, %d]", ErrRangeOverlap, lo, hi, r.Lo, r.Hi)
		}
	}
	if err := tx.PutRange(nr, blob); err != nil {
		return err
	}
	log.Retention.Info().Uint64("lo", lo).Uint64("hi", hi).Int("size", len(blob)).Msg("Macroblock attached")
	return nil
}

// DetachRange removes the macroblock attached for exactly [lo, hi].
func (m *Manager) DetachRange(tx *statedb.Tx, lo, hi uint64) error {
	r := statedb.Range{Lo: lo, Hi: hi}
	_, ok, err := tx.RangeBlob(r)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: [%d, %d]", ErrRangeNotFound, lo, hi)
	}
	if err := tx.DelRange(r); err != nil {
		return err
	}
	log.Retention.Info().Uint64("lo", lo).Uint64("hi", hi).Msg("Macroblock detached")
	return nil
}

// Macroblock returns the macroblock covering height h.
func (m *Manager) Macroblock(tx *statedb.Tx, h uint64) (statedb.Range, []byte, error) {
	ranges, err := tx.Ranges()
	if err != nil {
		return statedb.Range{}, nil, err
	}
	for _, r := range ranges {
		if !r.Contains(h) {
			continue
		}
		blob, ok, err := tx.RangeBlob(r)
		if err != nil {
			return r, nil, err
		}
		if ok {
			return r, blob, nil
		}
	}
	return statedb.Range{}, nil, fmt.Errorf("%w: height %d", ErrRangeNotFound, h)
}
