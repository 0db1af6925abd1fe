package chain

import (
	"fmt"

	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/merkle"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Entry is a stored state with its row.
type Entry struct {
	Row    types.RowID     `json:"row"`
	Record *statedb.Record `json:"record"`
}

// Status summarizes the engine.
type Status struct {
	Cursor        statedb.Cursor `json:"cursor"`
	Tips          int            `json:"tips"`
	ReachableTips int            `json:"reachable_tips"`
	Fossil        uint64         `json:"fossil"`
	HasFossil     bool           `json:"has_fossil"`
	LoHorizon     uint64         `json:"lo_horizon"`
	Ranges        int            `json:"ranges"`
}

// Cursor returns the materialized tip.
func (p *Processor) Cursor() (statedb.Cursor, error) {
	var c statedb.Cursor
	err := p.view(func(tx *statedb.Tx) error {
		var err error
		c, err = tx.Cursor()
		return err
	})
	return c, err
}

// Status returns a snapshot of the engine's bookkeeping.
func (p *Processor) Status() (*Status, error) {
	s := &Status{}
	err := p.view(func(tx *statedb.Tx) error {
		var err error
		if s.Cursor, err = tx.Cursor(); err != nil {
			return err
		}
		tips, err := tx.Tips()
		if err != nil {
			return err
		}
		s.Tips = len(tips)
		rtips, err := tx.ReachableTips()
		if err != nil {
			return err
		}
		s.ReachableTips = len(rtips)
		if s.Fossil, s.HasFossil, err = tx.Fossil(); err != nil {
			return err
		}
		if s.LoHorizon, err = tx.LoHorizon(); err != nil {
			return err
		}
		ranges, err := tx.Ranges()
		s.Ranges = len(ranges)
		return err
	})
	return s, err
}

func entries(tx *statedb.Tx, rows []types.RowID) ([]Entry, error) {
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		rec, err := tx.Record(row)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Row: row, Record: rec})
	}
	return out, nil
}

// Tips returns every state without children, lowest first.
func (p *Processor) Tips() ([]Entry, error) {
	var out []Entry
	err := p.view(func(tx *statedb.Tx) error {
		tips, err := tx.Tips()
		if err != nil {
			return err
		}
		rows := make([]types.RowID, len(tips))
		for i, t := range tips {
			rows[i] = t.Row
		}
		out, err = entries(tx, rows)
		return err
	})
	return out, err
}

// ReachableTips returns every reachable state without functional children,
// preferred first.
func (p *Processor) ReachableTips() ([]Entry, error) {
	var out []Entry
	err := p.view(func(tx *statedb.Tx) error {
		rows, err := tx.ReachableTips()
		if err != nil {
			return err
		}
		out, err = entries(tx, rows)
		return err
	})
	return out, err
}

// Record returns the state id.
func (p *Processor) Record(id header.ID) (Entry, error) {
	var e Entry
	err := p.view(func(tx *statedb.Tx) error {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return err
		}
		rec, err := tx.Record(row)
		e = Entry{Row: row, Record: rec}
		return err
	})
	return e, err
}

// Body returns the stored body of id.
func (p *Processor) Body(id header.ID) ([]byte, bool, error) {
	var (
		body []byte
		ok   bool
	)
	err := p.view(func(tx *statedb.Tx) error {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return err
		}
		body, ok, err = tx.Body(row)
		return err
	})
	return body, ok, err
}

// Proof proves that the ancestor of from at target is committed by the
// Definition of from. States off the active chain deeper than the
// branching horizon are refused since their ancestry may be pruned.
func (p *Processor) Proof(from header.ID, target uint64) (merkle.Proof, error) {
	var proof merkle.Proof
	err := p.view(func(tx *statedb.Tx) error {
		row, err := tx.Find(from.Height, from.Hash)
		if err != nil {
			return err
		}
		rec, err := tx.Record(row)
		if err != nil {
			return err
		}
		if !rec.Active() {
			c, err := tx.Cursor()
			if err != nil {
				return err
			}
			if b := p.retention.Horizon().Branching; rec.Height()+b < c.Height {
				return fmt.Errorf("%w: %s is %d below cursor", history.ErrHorizonExceeded, from, c.Height-rec.Height())
			}
		}
		proof, err = p.graph.MountainRange().Proof(tx, row, rec, target)
		return err
	})
	return proof, err
}

// PredictedHash returns the Definition a child of id committing to
// kernelsRoot must carry.
func (p *Processor) PredictedHash(id header.ID, kernelsRoot types.Hash) (types.Hash, error) {
	var h types.Hash
	err := p.view(func(tx *statedb.Tx) error {
		row, err := tx.Find(id.Height, id.Hash)
		if err != nil {
			return err
		}
		rec, err := tx.Record(row)
		if err != nil {
			return err
		}
		h, err = p.graph.MountainRange().PredictedHash(tx, row, rec, kernelsRoot)
		return err
	})
	return h, err
}

// Macroblock returns the macroblock covering height h.
func (p *Processor) Macroblock(h uint64) (statedb.Range, []byte, error) {
	var (
		r    statedb.Range
		blob []byte
	)
	err := p.view(func(tx *statedb.Tx) error {
		var err error
		r, blob, err = p.retention.Macroblock(tx, h)
		return err
	})
	return r, blob, err
}

// Ranges lists the attached macroblock ranges.
func (p *Processor) Ranges() ([]statedb.Range, error) {
	var out []statedb.Range
	err := p.view(func(tx *statedb.Tx) error {
		var err error
		out, err = tx.Ranges()
		return err
	})
	return out, err
}

// Check audits every graph invariant.
func (p *Processor) Check() error {
	return p.view(p.graph.Check)
}
