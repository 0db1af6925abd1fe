package graph

import (
	"github.com/ef-ds/deque"

	"github.com/Klingon-tech/chainstate/internal/metrics"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

// propagate sets the reachable flag of row to reachable and carries it to
// every functional descendant, breadth first. Rows becoming reachable get
// their mountain range buffer; rows left without functional children enter
// or leave the reachable tip set.
func (g *Graph) propagate(tx *statedb.Tx, row types.RowID, reachable bool) error {
	var queue deque.Deque
	queue.PushBack(row)
	visited := 0

	for queue.Len() > 0 {
		v, _ := queue.PopFront()
		r := v.(types.RowID)
		visited++

		rec, err := tx.Record(r)
		if err != nil {
			return err
		}
		if reachable && !rec.Functional() {
			return violation("row %d made reachable without being functional", r)
		}
		if rec.Reachable() != reachable {
			rec.Set(statedb.FlagReachable, reachable)
			if err := tx.PutRecord(r, rec); err != nil {
				return err
			}
		}
		if reachable {
			if err := g.mmr.Append(tx, r, rec); err != nil {
				return err
			}
		}

		children, err := g.FunctionalChildren(tx, r, rec)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			if reachable {
				err = tx.AddReachableTip(r, rec)
			} else {
				err = tx.DelReachableTip(r, rec)
			}
			if err != nil {
				return err
			}
			continue
		}
		for _, c := range children {
			queue.PushBack(c)
		}
	}

	metrics.PropagationSize.Observe(float64(visited))
	return nil
}
