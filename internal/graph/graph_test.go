package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

type harness struct {
	t     require.TestingT
	store *statedb.Store
	g     *Graph
}

func newHarness(t require.TestingT) *harness {
	s, err := statedb.Open(storage.NewMemory())
	require.NoError(t, err)
	mr, err := history.New(64)
	require.NoError(t, err)
	return &harness{t: t, store: s, g: New(mr)}
}

func (h *harness) insert(hdr *header.Header) types.RowID {
	var row types.RowID
	require.NoError(h.t, h.store.Update(func(tx *statedb.Tx) error {
		var err error
		row, err = h.g.Insert(tx, hdr)
		return err
	}))
	return row
}

func (h *harness) update(fn func(tx *statedb.Tx) error) error {
	return h.store.Update(fn)
}

func (h *harness) markFunctional(row types.RowID) {
	require.NoError(h.t, h.update(func(tx *statedb.Tx) error {
		return h.g.MarkFunctional(tx, row)
	}))
}

func (h *harness) record(row types.RowID) *statedb.Record {
	var rec *statedb.Record
	require.NoError(h.t, h.store.View(func(tx *statedb.Tx) error {
		var err error
		rec, err = tx.Record(row)
		return err
	}))
	return rec
}

func (h *harness) tips() []types.RowID {
	var rows []types.RowID
	require.NoError(h.t, h.store.View(func(tx *statedb.Tx) error {
		tips, err := tx.Tips()
		for _, tip := range tips {
			rows = append(rows, tip.Row)
		}
		return err
	}))
	return rows
}

func (h *harness) reachableTips() []types.RowID {
	var rows []types.RowID
	require.NoError(h.t, h.store.View(func(tx *statedb.Tx) error {
		var err error
		rows, err = tx.ReachableTips()
		return err
	}))
	return rows
}

func (h *harness) check() {
	require.NoError(h.t, h.store.View(func(tx *statedb.Tx) error {
		return h.g.Check(tx)
	}))
}

func linearHeaders(n int) []*header.Header {
	b := header.NewBuilder()
	out := make([]*header.Header, n)
	for i := range out {
		out[i] = b.Next(1, []byte{byte(i)})
	}
	return out
}

func TestInsert_Linear(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(5)
	var rows []types.RowID
	for _, hdr := range hdrs {
		rows = append(rows, h.insert(hdr))
	}

	assert.Equal(t, []types.RowID{rows[4]}, h.tips())
	assert.Empty(t, h.reachableTips())
	for i := 1; i < 5; i++ {
		rec := h.record(rows[i])
		assert.Equal(t, rows[i-1], rec.Prev)
		assert.False(t, rec.Functional())
	}
	assert.Equal(t, uint32(1), h.record(rows[0]).NumChildren)
	h.check()
}

func TestInsert_ReverseOrderLinksOrphans(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(6)
	rows := make([]types.RowID, len(hdrs))
	for i := len(hdrs) - 1; i >= 0; i-- {
		rows[i] = h.insert(hdrs[i])
		h.check()
	}

	for i := 1; i < len(rows); i++ {
		assert.Equal(t, rows[i-1], h.record(rows[i]).Prev)
	}
	assert.Equal(t, []types.RowID{rows[5]}, h.tips())
}

func TestInsert_Duplicate(t *testing.T) {
	h := newHarness(t)
	hdr := linearHeaders(1)[0]
	h.insert(hdr)

	err := h.update(func(tx *statedb.Tx) error {
		_, err := h.g.Insert(tx, hdr)
		return err
	})
	assert.ErrorIs(t, err, ErrDuplicateState)
}

func TestInsert_CountsFunctionalOrphans(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(2)
	child := h.insert(hdrs[1])
	h.markFunctional(child)
	assert.False(t, h.record(child).Reachable())

	parent := h.insert(hdrs[0])
	rec := h.record(parent)
	assert.Equal(t, uint32(1), rec.NumChildren)
	assert.Equal(t, uint32(1), rec.NumFunctionalChildren)
	h.check()

	h.markFunctional(parent)
	assert.True(t, h.record(child).Reachable())
	assert.Equal(t, []types.RowID{child}, h.reachableTips())
	h.check()
}

// forgedChild returns a successor of b's tip whose work does not extend
// the parent.
func forgedChild(b *header.Builder) *header.Header {
	forged := *b.Next(1, []byte("forged"))
	forged.ChainWork = types.WorkFromUint64(1)
	return &forged
}

func TestInsert_RejectsOrphanNotExtendingParent(t *testing.T) {
	h := newHarness(t)
	b := header.NewBuilder()
	genesis := b.Next(1, []byte("g"))
	parent := b.Next(10, []byte("p"))
	forged := forgedChild(b)

	g := h.insert(genesis)
	h.markFunctional(g)
	orphan := h.insert(forged)
	h.markFunctional(orphan)

	prow := h.insert(parent)
	h.markFunctional(prow)

	rec := h.record(orphan)
	assert.True(t, rec.Prev.IsZero())
	assert.False(t, rec.Functional())
	assert.False(t, rec.Reachable())
	prec := h.record(prow)
	assert.Zero(t, prec.NumChildren)
	assert.Equal(t, []types.RowID{prow}, h.reachableTips())
	h.check()

	require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
		reason, ok, err := tx.Quarantined(forged.Height, forged.Hash())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Contains(t, reason, "chain work")
		return nil
	}))
}

func TestInsert_RejectsChildNotExtendingParent(t *testing.T) {
	h := newHarness(t)
	b := header.NewBuilder()
	h.insert(b.Next(1, []byte("g")))
	h.insert(b.Next(10, []byte("p")))

	err := h.update(func(tx *statedb.Tx) error {
		_, err := h.g.Insert(tx, forgedChild(b))
		return err
	})
	assert.ErrorIs(t, err, ErrBadLink)
	h.check()
}

func TestCheck_DetectsBadLink(t *testing.T) {
	h := newHarness(t)
	b := header.NewBuilder()
	h.insert(b.Next(1, []byte("g")))
	parent := b.Next(10, []byte("p"))
	forged := h.insert(forgedChild(b))
	prow := h.insert(parent)
	h.check()

	// Force the link Insert refused.
	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		rec, err := tx.Record(forged)
		require.NoError(t, err)
		rec.Prev = prow
		require.NoError(t, tx.PutRecord(forged, rec))
		prec, err := tx.Record(prow)
		require.NoError(t, err)
		require.NoError(t, tx.DelTip(prow, prec))
		prec.NumChildren++
		return tx.PutRecord(prow, prec)
	}))
	require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
		err := h.g.Check(tx)
		assert.ErrorIs(t, err, ErrConsistencyViolation)
		assert.Contains(t, err.Error(), "does not extend")
		return nil
	}))
}

func TestMarkFunctional_PropagatesOutOfOrder(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(5)
	var rows []types.RowID
	for _, hdr := range hdrs {
		rows = append(rows, h.insert(hdr))
	}
	for i := len(rows) - 1; i >= 1; i-- {
		h.markFunctional(rows[i])
		assert.False(t, h.record(rows[i]).Reachable())
	}
	assert.Empty(t, h.reachableTips())

	h.markFunctional(rows[0])
	for _, row := range rows {
		assert.True(t, h.record(row).Reachable())
	}
	assert.Equal(t, []types.RowID{rows[4]}, h.reachableTips())
	h.check()

	require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
		for i, row := range rows {
			rec, err := tx.Record(row)
			require.NoError(t, err)
			def, err := h.g.MountainRange().Definition(tx, row, rec)
			require.NoError(t, err)
			assert.Equal(t, hdrs[i].Definition, def, "height %d", i)
		}
		return nil
	}))
}

func TestMarkFunctional_Twice(t *testing.T) {
	h := newHarness(t)
	row := h.insert(linearHeaders(1)[0])
	h.markFunctional(row)

	err := h.update(func(tx *statedb.Tx) error {
		return h.g.MarkFunctional(tx, row)
	})
	assert.ErrorIs(t, err, ErrAlreadyFunctional)
}

func TestUnmarkFunctional_CutsDescendants(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(5)
	var rows []types.RowID
	for _, hdr := range hdrs {
		row := h.insert(hdr)
		h.markFunctional(row)
		rows = append(rows, row)
	}

	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		return h.g.UnmarkFunctional(tx, rows[2])
	}))
	assert.True(t, h.record(rows[1]).Reachable())
	for _, row := range rows[2:] {
		assert.False(t, h.record(row).Reachable())
	}
	assert.True(t, h.record(rows[3]).Functional())
	assert.Equal(t, []types.RowID{rows[1]}, h.reachableTips())
	h.check()

	h.markFunctional(rows[2])
	assert.Equal(t, []types.RowID{rows[4]}, h.reachableTips())
	h.check()
}

func TestUnmarkFunctional_Active(t *testing.T) {
	h := newHarness(t)
	row := h.insert(linearHeaders(1)[0])
	h.markFunctional(row)
	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		rec, err := tx.Record(row)
		require.NoError(t, err)
		rec.Set(statedb.FlagActive, true)
		return tx.PutRecord(row, rec)
	}))

	err := h.update(func(tx *statedb.Tx) error {
		return h.g.UnmarkFunctional(tx, row)
	})
	assert.ErrorIs(t, err, ErrActive)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(3)
	var rows []types.RowID
	for _, hdr := range hdrs {
		row := h.insert(hdr)
		h.markFunctional(row)
		rows = append(rows, row)
	}

	err := h.update(func(tx *statedb.Tx) error {
		return h.g.Delete(tx, rows[1], "test")
	})
	assert.ErrorIs(t, err, ErrCannotDelete)

	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		return h.g.Delete(tx, rows[2], "test")
	}))
	assert.Equal(t, []types.RowID{rows[1]}, h.tips())
	assert.Equal(t, []types.RowID{rows[1]}, h.reachableTips())
	h.check()

	require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
		_, err := tx.Record(rows[2])
		assert.ErrorIs(t, err, ErrNotFound)
		_, ok, err := tx.MMR(rows[2])
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))

	// Re-inserting the deleted header is allowed and gets a fresh row.
	again := h.insert(hdrs[2])
	assert.NotEqual(t, rows[2], again)
	h.check()
}

func TestDelete_Active(t *testing.T) {
	h := newHarness(t)
	row := h.insert(linearHeaders(1)[0])
	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		rec, err := tx.Record(row)
		require.NoError(t, err)
		rec.Set(statedb.FlagActive, true)
		return tx.PutRecord(row, rec)
	}))
	err := h.update(func(tx *statedb.Tx) error {
		return h.g.Delete(tx, row, "test")
	})
	assert.ErrorIs(t, err, ErrCannotDelete)
}

func TestReachableTips_Order(t *testing.T) {
	h := newHarness(t)
	base := header.NewBuilder()
	g := base.Next(1, []byte("g"))
	light := base.Fork()
	heavy := base.Fork()

	l1 := light.Next(1, []byte("l1"))
	l2 := light.Next(1, []byte("l2"))
	h1 := heavy.Next(5, []byte("h1"))

	gr := h.insert(g)
	h.markFunctional(gr)
	var lrow, hrow types.RowID
	for _, hdr := range []*header.Header{l1, l2} {
		lrow = h.insert(hdr)
		h.markFunctional(lrow)
	}
	hrow = h.insert(h1)
	h.markFunctional(hrow)

	assert.Equal(t, []types.RowID{hrow, lrow}, h.reachableTips())
	h.check()
}

func TestCheck_DetectsCorruption(t *testing.T) {
	h := newHarness(t)
	hdrs := linearHeaders(2)
	parent := h.insert(hdrs[0])
	h.insert(hdrs[1])

	require.NoError(t, h.update(func(tx *statedb.Tx) error {
		rec, err := tx.Record(parent)
		require.NoError(t, err)
		rec.NumChildren = 3
		return tx.PutRecord(parent, rec)
	}))
	require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
		err := h.g.Check(tx)
		assert.ErrorIs(t, err, ErrConsistencyViolation)
		return nil
	}))
}

// TestGraph_AnyOrder builds a random tree, inserts and marks it in random
// order, and checks the reachable set and history roots against a model.
func TestGraph_AnyOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 24).Draw(t, "n")
		parents := make([]int, n)
		functional := make([]bool, n)
		builders := make([]*header.Builder, n)
		hdrs := make([]*header.Header, n)
		for i := 0; i < n; i++ {
			functional[i] = rapid.IntRange(0, 4).Draw(t, "functional") > 0
			if i == 0 {
				builders[i] = header.NewBuilder()
			} else {
				parents[i] = rapid.IntRange(0, i-1).Draw(t, "parent")
				builders[i] = builders[parents[i]].Fork()
			}
			hdrs[i] = builders[i].Next(uint64(1+i%3), []byte{byte(i)})
		}

		type step struct {
			node int
			mark bool
		}
		var steps []step
		for i := 0; i < n; i++ {
			steps = append(steps, step{node: i})
			if functional[i] {
				steps = append(steps, step{node: i, mark: true})
			}
		}
		steps = rapid.Permutation(steps).Draw(t, "steps")

		h := newHarness(t)
		rows := make([]types.RowID, n)
		var pendingMarks []int
		for _, s := range steps {
			switch {
			case !s.mark:
				rows[s.node] = h.insert(hdrs[s.node])
			case rows[s.node].IsZero():
				pendingMarks = append(pendingMarks, s.node)
				continue
			default:
				h.markFunctional(rows[s.node])
			}
			for _, p := range pendingMarks {
				if p == s.node && !s.mark {
					h.markFunctional(rows[p])
				}
			}
			h.check()
		}

		reachable := make([]bool, n)
		for i := 0; i < n; i++ {
			reachable[i] = functional[i] && (i == 0 || reachable[parents[i]])
			assert.Equal(t, reachable[i], h.record(rows[i]).Reachable(), "node %d", i)
		}

		require.NoError(t, h.store.View(func(tx *statedb.Tx) error {
			for i, row := range rows {
				if !reachable[i] {
					continue
				}
				rec, err := tx.Record(row)
				require.NoError(t, err)
				def, err := h.g.MountainRange().Definition(tx, row, rec)
				require.NoError(t, err)
				assert.Equal(t, hdrs[i].Definition, def, "node %d", i)
			}
			return nil
		}))
	})
}
