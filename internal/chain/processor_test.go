package chain

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Klingon-tech/chainstate/internal/events"
	"github.com/Klingon-tech/chainstate/internal/forkchoice"
	"github.com/Klingon-tech/chainstate/internal/graph"
	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/ledger"
	"github.com/Klingon-tech/chainstate/internal/retention"
	"github.com/Klingon-tech/chainstate/internal/statedb"
	"github.com/Klingon-tech/chainstate/internal/storage"
	"github.com/Klingon-tech/chainstate/pkg/header"
	"github.com/Klingon-tech/chainstate/pkg/types"
)

func ledgerBody(tag string, i int) []byte {
	b, err := ledger.EncodeBody([]ledger.Op{
		{Op: ledger.OpPut, Key: fmt.Sprintf("slot-%d", i%3), Value: fmt.Sprintf("%s-%d", tag, i)},
		{Op: ledger.OpPut, Key: "last-" + tag, Value: fmt.Sprint(i)},
	})
	if err != nil {
		panic(err)
	}
	return b
}

// segment builds n states on b with ledger bodies.
func segment(b *header.Builder, n int, difficulty uint64, tag string) ([]*header.Header, [][]byte) {
	hdrs := make([]*header.Header, n)
	bodies := make([][]byte, n)
	for i := range hdrs {
		bodies[i] = ledgerBody(tag, i)
		hdrs[i] = b.Next(difficulty, bodies[i])
	}
	return hdrs, bodies
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CheckInvariants = true
	opts.CacheSize = 64
	return opts
}

func newProcessor(t *testing.T, db storage.DB, opts Options) *Processor {
	t.Helper()
	s, err := statedb.Open(db)
	require.NoError(t, err)
	if opts.Halt == nil {
		opts.Halt = func(err error) { t.Fatalf("unexpected halt: %v", err) }
	}
	p, err := New(s, ledger.New(), opts)
	require.NoError(t, err)
	return p
}

func feed(t *testing.T, p *Processor, hdrs []*header.Header, bodies [][]byte) {
	t.Helper()
	for i, h := range hdrs {
		_, err := p.OnState(h, "peer")
		require.NoError(t, err)
		require.NoError(t, p.OnBlock(context.Background(), h.ID(), bodies[i], "peer"))
	}
}

type ledgerState struct {
	Commitment types.Hash
	Entries    int
	Digest     types.Hash
}

func snapshotLedger(t *testing.T, p *Processor) ledgerState {
	t.Helper()
	var s ledgerState
	require.NoError(t, p.store.DB().View(func(r storage.Reader) error {
		ns := ledger.View(r)
		var err error
		if s.Commitment, s.Entries, err = ledger.Commitment(ns); err != nil {
			return err
		}
		s.Digest, err = ledger.Digest(ns)
		return err
	}))
	return s
}

func TestProcessor_ReverseImport(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	_, sub := p.Subscribe(64)
	hdrs, bodies := segment(header.NewBuilder(), 11, 1, "main")

	for i := len(hdrs) - 1; i >= 0; i-- {
		_, err := p.OnState(hdrs[i], "peer")
		require.NoError(t, err)
	}
	c, err := p.Cursor()
	require.NoError(t, err)
	assert.True(t, c.IsZero())

	for _, i := range rand.New(rand.NewSource(7)).Perm(len(hdrs)) {
		require.NoError(t, p.OnBlock(context.Background(), hdrs[i].ID(), bodies[i], "peer"))
	}

	c, err = p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Height)
	assert.Equal(t, hdrs[10].Hash(), c.Hash)

	rtips, err := p.ReachableTips()
	require.NoError(t, err)
	require.Len(t, rtips, 1)
	assert.Equal(t, hdrs[10].Hash(), rtips[0].Record.Hash)

	proof, err := p.Proof(hdrs[10].ID(), 3)
	require.NoError(t, err)
	assert.True(t, proof.Verify(hdrs[3].Hash(), hdrs[10].Definition))

	forged := *hdrs[3]
	forged.Nonce++
	assert.False(t, proof.Verify(forged.Hash(), hdrs[10].Definition))

	var last events.Event
	for len(sub) > 0 {
		last = <-sub
	}
	require.NotNil(t, last)
	assert.Equal(t, events.TypeNewTip, last.Type())
	assert.Equal(t, uint64(10), last.(events.NewTip).Height)
	require.NoError(t, p.Check())
}

func TestProcessor_ReorgRestoresLedger(t *testing.T) {
	b := header.NewBuilder()
	common, commonBodies := segment(b, 16, 1, "common")
	fork := b.Fork()
	branchA, bodiesA := segment(b, 5, 1, "a")
	branchB, bodiesB := segment(fork, 3, 3, "b")

	p := newProcessor(t, storage.NewMemory(), testOptions())
	_, sub := p.Subscribe(256)
	feed(t, p, common, commonBodies)
	feed(t, p, branchA, bodiesA)
	c, err := p.Cursor()
	require.NoError(t, err)
	require.Equal(t, uint64(20), c.Height)
	for len(sub) > 0 {
		<-sub
	}

	feed(t, p, branchB, bodiesB)
	c, err = p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, branchB[2].Hash(), c.Hash)

	var rolled []uint64
	for len(sub) > 0 {
		if rb, ok := (<-sub).(events.RolledBack); ok {
			rolled = append(rolled, rb.Height)
		}
	}
	assert.Equal(t, []uint64{20, 19, 18, 17, 16}, rolled)

	ref := newProcessor(t, storage.NewMemory(), testOptions())
	feed(t, ref, common, commonBodies)
	feed(t, ref, branchB, bodiesB)
	assert.Equal(t, snapshotLedger(t, ref), snapshotLedger(t, p))
}

func TestProcessor_InvalidBodyQuarantine(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	b := header.NewBuilder()
	hdrs, bodies := segment(b, 3, 1, "main")
	feed(t, p, hdrs, bodies)

	badBody, err := ledger.EncodeBody([]ledger.Op{{Op: ledger.OpDel, Key: "missing"}})
	require.NoError(t, err)
	bad := b.Next(1, badBody)
	_, sub := p.Subscribe(8)

	_, err = p.OnState(bad, "peer")
	require.NoError(t, err)
	require.NoError(t, p.OnBlock(context.Background(), bad.ID(), badBody, "peer"))

	c, err := p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, hdrs[2].Hash(), c.Hash)
	ev := <-sub
	require.Equal(t, events.TypeStateInvalid, ev.Type())
	assert.Contains(t, ev.(events.StateInvalid).Reason, "missing")

	err = p.OnBlock(context.Background(), bad.ID(), badBody, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	require.NoError(t, p.Evict(bad.ID()))
	_, err = p.OnState(bad, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)
}

func TestProcessor_OnStateChecks(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	b := header.NewBuilder()
	hdrs, bodies := segment(b, 2, 1, "main")
	feed(t, p, hdrs, bodies)

	_, err := p.OnState(hdrs[1], "peer")
	assert.ErrorIs(t, err, graph.ErrDuplicateState)

	next := *b.Next(1, []byte("x"))
	badDef := next
	badDef.Definition[5] ^= 1
	_, err = p.OnState(&badDef, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	badWork := next
	badWork.ChainWork, _ = badWork.ChainWork.Add(1)
	_, err = p.OnState(&badWork, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	zero := next
	zero.Difficulty = 0
	_, err = p.OnState(&zero, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	_, err = p.OnState(&next, "peer")
	require.NoError(t, err)
	err = p.OnBlock(context.Background(), next.ID(), []byte("y"), "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	err = p.OnBlock(context.Background(), header.ID{Height: 9, Hash: types.Hash{9}}, []byte("x"), "peer")
	assert.ErrorIs(t, err, statedb.ErrNotFound)

	err = p.OnBlock(context.Background(), hdrs[0].ID(), bodies[0], "peer")
	assert.ErrorIs(t, err, graph.ErrAlreadyFunctional)
}

func TestProcessor_OrphanNotExtendingParent(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	b := header.NewBuilder()
	common, commonBodies := segment(b, 2, 1, "main")
	feed(t, p, common, commonBodies)

	parentBody := ledgerBody("main", 2)
	parent := b.Next(10, parentBody)
	forgedBody := ledgerBody("forged", 3)
	forged := *b.Next(1, forgedBody)
	forged.ChainWork = types.WorkFromUint64(1)

	_, err := p.OnState(&forged, "peer")
	require.NoError(t, err)
	require.NoError(t, p.OnBlock(context.Background(), forged.ID(), forgedBody, "peer"))
	_, err = p.OnState(parent, "peer")
	require.NoError(t, err)
	require.NoError(t, p.OnBlock(context.Background(), parent.ID(), parentBody, "peer"))

	err = p.OnBlock(context.Background(), forged.ID(), forgedBody, "peer")
	assert.ErrorIs(t, err, forkchoice.ErrInvalid)

	e, err := p.Record(forged.ID())
	require.NoError(t, err)
	assert.True(t, e.Record.Prev.IsZero())
	assert.False(t, e.Record.Reachable())

	c, err := p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, parent.Hash(), c.Hash)
	require.NoError(t, p.Check())
}

func TestProcessor_Horizon(t *testing.T) {
	opts := testOptions()
	opts.Horizon = retention.Horizon{Branching: 5, Schwarzschild: 8}
	p := newProcessor(t, storage.NewMemory(), opts)

	b := header.NewBuilder()
	early, earlyBodies := segment(b, 4, 1, "early")
	oldFork := b.Fork()
	late, lateBodies := segment(b, 17, 1, "late")
	feed(t, p, early, earlyBodies)

	side, sideBodies := segment(oldFork, 1, 1, "side")
	feed(t, p, side, sideBodies)
	feed(t, p, late, lateBodies)

	st, err := p.Status()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), st.Cursor.Height)
	assert.Equal(t, uint64(15), st.LoHorizon)
	assert.True(t, st.HasFossil)
	assert.Equal(t, uint64(12), st.Fossil)
	assert.Equal(t, 1, st.Tips)

	_, err = p.Record(side[0].ID())
	assert.ErrorIs(t, err, statedb.ErrNotFound)

	_, err = p.OnState(side[0], "peer")
	assert.ErrorIs(t, err, history.ErrHorizonExceeded)

	body, ok, err := p.Body(late[0].ID())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, body)

	proof, err := p.Proof(late[len(late)-1].ID(), 2)
	require.NoError(t, err)
	assert.True(t, proof.Verify(early[2].Hash(), late[len(late)-1].Definition))

	report, err := p.SetHorizon(retention.Horizon{Branching: 3, Schwarzschild: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(17), report.LoHorizon)
	assert.Equal(t, uint64(17), report.Fossil)
	assert.Equal(t, retention.Horizon{Branching: 3, Schwarzschild: 3}, p.Horizon())
}

func TestProcessor_ProofBeyondHorizon(t *testing.T) {
	opts := testOptions()
	opts.Horizon = retention.Horizon{Branching: 4, Schwarzschild: 100}
	p := newProcessor(t, storage.NewMemory(), opts)

	b := header.NewBuilder()
	common, commonBodies := segment(b, 3, 1, "common")
	fork := b.Fork()
	main, mainBodies := segment(b, 6, 1, "main")
	side, sideBodies := segment(fork, 2, 1, "side")

	feed(t, p, common, commonBodies)
	feed(t, p, side, sideBodies)
	feed(t, p, main[:4], mainBodies[:4])

	proof, err := p.Proof(side[1].ID(), 1)
	require.NoError(t, err)
	assert.True(t, proof.Verify(common[1].Hash(), side[1].Definition))

	feed(t, p, main[4:], mainBodies[4:])
	_, err = p.Proof(side[0].ID(), 1)
	assert.ErrorIs(t, err, history.ErrHorizonExceeded)

	_, err = p.Proof(main[4].ID(), main[4].Height)
	assert.ErrorIs(t, err, history.ErrUnreachable)

	pred, err := p.PredictedHash(main[4].ID(), types.Hash{1})
	require.NoError(t, err)
	assert.False(t, pred.IsZero())
}

// failingApplier reverts nothing.
type failingApplier struct {
	*ledger.Ledger
}

func (failingApplier) Revert(context.Context, storage.Txn, *statedb.Record, []byte) error {
	return errors.New("disk on fire")
}

func TestProcessor_HaltOnViolation(t *testing.T) {
	s, err := statedb.Open(storage.NewMemory())
	require.NoError(t, err)
	var halted error
	opts := testOptions()
	opts.Halt = func(err error) { halted = err }
	p, err := New(s, failingApplier{ledger.New()}, opts)
	require.NoError(t, err)

	b := header.NewBuilder()
	common, commonBodies := segment(b, 2, 1, "common")
	fork := b.Fork()
	main, mainBodies := segment(b, 1, 1, "main")
	heavy, heavyBodies := segment(fork, 1, 5, "heavy")
	feed(t, p, common, commonBodies)
	feed(t, p, main, mainBodies)

	_, err = p.OnState(heavy[0], "peer")
	require.NoError(t, err)
	err = p.OnBlock(context.Background(), heavy[0].ID(), heavyBodies[0], "peer")
	assert.ErrorIs(t, err, graph.ErrConsistencyViolation)
	assert.ErrorIs(t, halted, graph.ErrConsistencyViolation)

	c, err := p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, main[0].Hash(), c.Hash)
	e, err := p.Record(heavy[0].ID())
	require.NoError(t, err)
	assert.False(t, e.Record.Functional())
	require.NoError(t, p.Check())
}

func TestProcessor_ImportBatch(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	b := header.NewBuilder()
	hdrs, bodies := segment(b, 8, 1, "main")

	var items []Item
	for i := range hdrs {
		items = append(items, Item{Header: hdrs[i], Body: bodies[i], Peer: "file"})
	}
	items = append(items,
		Item{Header: hdrs[3]},
		Item{Header: nil},
		Item{Header: b.Next(1, []byte("real")), Body: []byte("fake")},
	)
	rand.New(rand.NewSource(3)).Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })

	res, err := p.ImportBatch(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, &ImportResult{Headers: 8, Duplicates: 1, Bodies: 8, Rejected: 2}, res)

	c, err := p.Cursor()
	require.NoError(t, err)
	assert.Equal(t, hdrs[7].Hash(), c.Hash)
}

func TestProcessor_Recovery(t *testing.T) {
	db := storage.NewMemory()
	p := newProcessor(t, db, testOptions())
	hdrs, bodies := segment(header.NewBuilder(), 5, 1, "main")
	feed(t, p, hdrs, bodies)
	before := snapshotLedger(t, p)

	again := newProcessor(t, db, testOptions())
	c, err := again.Cursor()
	require.NoError(t, err)
	assert.Equal(t, hdrs[4].Hash(), c.Hash)
	assert.Equal(t, before, snapshotLedger(t, again))
	require.NoError(t, again.Advance(context.Background()))

	s, err := statedb.Open(db)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *statedb.Tx) error {
		c.Hash = types.Hash{0xee}
		return tx.SetCursor(c)
	}))
	_, err = New(s, ledger.New(), testOptions())
	assert.ErrorIs(t, err, graph.ErrConsistencyViolation)
}

func TestProcessor_Ranges(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	require.NoError(t, p.AttachRange(0, 9, []byte("macro")))
	assert.ErrorIs(t, p.AttachRange(5, 20, []byte("x")), retention.ErrRangeOverlap)

	r, blob, err := p.Macroblock(4)
	require.NoError(t, err)
	assert.Equal(t, statedb.Range{Lo: 0, Hi: 9}, r)
	assert.Equal(t, []byte("macro"), blob)

	ranges, err := p.Ranges()
	require.NoError(t, err)
	assert.Len(t, ranges, 1)

	require.NoError(t, p.DetachRange(0, 9))
	assert.ErrorIs(t, p.DetachRange(0, 9), retention.ErrRangeNotFound)
}

func TestProcessor_Invalidate(t *testing.T) {
	p := newProcessor(t, storage.NewMemory(), testOptions())
	b := header.NewBuilder()
	common, commonBodies := segment(b, 2, 1, "common")
	fork := b.Fork()
	main, mainBodies := segment(b, 2, 1, "main")
	side, sideBodies := segment(fork, 1, 1, "side")
	feed(t, p, common, commonBodies)
	feed(t, p, side, sideBodies)
	feed(t, p, main, mainBodies)

	assert.ErrorIs(t, p.Invalidate(context.Background(), main[1].ID(), "operator"), graph.ErrActive)
	require.NoError(t, p.Evict(side[0].ID()))
	feed(t, p, side, sideBodies)
	require.NoError(t, p.Invalidate(context.Background(), side[0].ID(), "operator"))

	tips, err := p.ReachableTips()
	require.NoError(t, err)
	require.Len(t, tips, 1)
	assert.Equal(t, main[1].Hash(), tips[0].Record.Hash)
}

func TestProcessor_Badger(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewBadger(dir)
	require.NoError(t, err)
	p := newProcessor(t, db, testOptions())

	b := header.NewBuilder()
	common, commonBodies := segment(b, 4, 1, "common")
	fork := b.Fork()
	main, mainBodies := segment(b, 3, 1, "main")
	heavy, heavyBodies := segment(fork, 2, 4, "heavy")
	feed(t, p, common, commonBodies)
	feed(t, p, main, mainBodies)
	feed(t, p, heavy, heavyBodies)
	want := snapshotLedger(t, p)
	require.NoError(t, db.Close())

	db, err = storage.NewBadger(dir)
	require.NoError(t, err)
	defer db.Close()
	again := newProcessor(t, db, testOptions())
	c, err := again.Cursor()
	require.NoError(t, err)
	assert.Equal(t, heavy[1].Hash(), c.Hash)
	assert.Equal(t, want, snapshotLedger(t, again))
	require.NoError(t, again.Check())
}
