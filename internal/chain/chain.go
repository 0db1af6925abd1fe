// Package chain is the single-writer front of the chain-state engine. It
// accepts headers and bodies, keeps the state graph, cursor and retention
// consistent, and publishes events after every committed change.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/chainstate/internal/events"
	"github.com/Klingon-tech/chainstate/internal/forkchoice"
	"github.com/Klingon-tech/chainstate/internal/graph"
	"github.com/Klingon-tech/chainstate/internal/history"
	"github.com/Klingon-tech/chainstate/internal/log"
	"github.com/Klingon-tech/chainstate/internal/metrics"
	"github.com/Klingon-tech/chainstate/internal/retention"
	"github.com/Klingon-tech/chainstate/internal/statedb"
)

// HaltFunc is called with a consistency violation after its transaction was
// discarded. The default logs at fatal level, which exits the process.
type HaltFunc func(err error)

func defaultHalt(err error) {
	log.Chain.Fatal().Err(err).Msg("State graph consistency violated, halting")
}

// Options configures a Processor.
type Options struct {
	Horizon retention.Horizon
	// CacheSize bounds the mountain range buffer cache, in rows.
	CacheSize int
	// CheckInvariants audits the whole graph inside every write
	// transaction. Slow; meant for tests and debugging.
	CheckInvariants bool
	Halt            HaltFunc
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Horizon: retention.Horizon{
			Branching:     retention.DefaultBranching,
			Schwarzschild: retention.DefaultSchwarzschild,
		},
		CacheSize: history.DefaultCacheSize,
	}
}

// Processor serializes every mutation of the engine.
type Processor struct {
	mu        sync.Mutex // Protects all state mutations.
	store     *statedb.Store
	graph     *graph.Graph
	fork      *forkchoice.ForkChoice
	retention *retention.Manager
	bus       *events.Bus

	checkInvariants bool
	halt            HaltFunc
}

// New opens a processor over store. The persisted cursor is validated
// against the graph before the processor is returned.
func New(store *statedb.Store, applier forkchoice.BodyApplier, opts Options) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("body applier is nil")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = history.DefaultCacheSize
	}
	if opts.Halt == nil {
		opts.Halt = defaultHalt
	}

	mmr, err := history.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	g := graph.New(mmr)
	p := &Processor{
		store:           store,
		graph:           g,
		fork:            forkchoice.New(g, applier),
		retention:       retention.New(g, opts.Horizon),
		bus:             events.NewBus(),
		checkInvariants: opts.CheckInvariants,
		halt:            opts.Halt,
	}
	if err := p.recover(); err != nil {
		return nil, fmt.Errorf("recover cursor: %w", err)
	}
	return p, nil
}

// recover checks that the persisted cursor names an active state.
func (p *Processor) recover() error {
	return p.store.View(func(tx *statedb.Tx) error {
		c, err := tx.Cursor()
		if err != nil {
			return err
		}
		if tips, err := tx.ReachableTips(); err == nil {
			metrics.ReachableTips.Set(float64(len(tips)))
		}
		if c.IsZero() {
			log.Chain.Info().Msg("Opened empty state graph")
			return nil
		}
		rec, err := tx.Record(c.Row)
		if err != nil {
			return fmt.Errorf("%w: cursor row %d: %w", graph.ErrConsistencyViolation, c.Row, err)
		}
		if !rec.Active() || rec.Hash != c.Hash || rec.Height() != c.Height {
			return fmt.Errorf("%w: cursor %d:%s does not match its row", graph.ErrConsistencyViolation, c.Height, c.Hash.Short())
		}
		metrics.CursorHeight.Set(float64(c.Height))
		log.Chain.Info().
			Uint64("height", c.Height).
			Str("hash", c.Hash.Short()).
			Str("work", c.Work.String()).
			Msg("Recovered cursor")
		return nil
	})
}

// update runs fn in one write transaction and publishes the events it
// returns once the transaction has committed.
func (p *Processor) update(fn func(tx *statedb.Tx) ([]events.Event, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evs []events.Event
	err := p.store.Update(func(tx *statedb.Tx) error {
		var err error
		if evs, err = fn(tx); err != nil {
			return err
		}
		if p.checkInvariants {
			if err := p.graph.Check(tx); err != nil {
				return err
			}
		}
		tips, err := tx.ReachableTips()
		if err != nil {
			return err
		}
		metrics.ReachableTips.Set(float64(len(tips)))
		return nil
	})
	if errors.Is(err, graph.ErrConsistencyViolation) {
		p.halt(err)
		return err
	}
	if err != nil {
		return err
	}
	if len(evs) > 0 {
		p.bus.Publish(evs...)
	}
	return nil
}

// view runs fn against a read snapshot.
func (p *Processor) view(fn func(tx *statedb.Tx) error) error {
	return p.store.View(fn)
}

// Subscribe registers an event subscriber.
func (p *Processor) Subscribe(buffer int) (events.SubscriberID, <-chan events.Event) {
	return p.bus.Subscribe(buffer)
}

// Unsubscribe removes an event subscriber.
func (p *Processor) Unsubscribe(id events.SubscriberID) bool {
	return p.bus.Unsubscribe(id)
}

// Horizon returns the retention horizon in effect.
func (p *Processor) Horizon() retention.Horizon {
	return p.retention.Horizon()
}
