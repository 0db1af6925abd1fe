// Package events delivers chain-state notifications to subscribers.
package events

import (
	"fmt"

	"github.com/Klingon-tech/chainstate/pkg/types"
)

// Type names an event kind.
type Type string

// Event types.
const (
	TypeNewTip       Type = "new_tip"
	TypeRolledBack   Type = "rolled_back"
	TypeStateInvalid Type = "state_invalid"
)

// Event is a notification published after a committed change.
type Event interface {
	Type() Type
	String() string
}

// NewTip reports that the cursor settled on a new state.
type NewTip struct {
	Row    types.RowID `json:"row"`
	Height uint64      `json:"height"`
	Hash   types.Hash  `json:"hash"`
	Work   types.Work  `json:"chain_work"`
}

func (NewTip) Type() Type { return TypeNewTip }

func (e NewTip) String() string {
	return fmt.Sprintf("new tip %d:%s work=%s", e.Height, e.Hash.Short(), e.Work)
}

// RolledBack reports that a state was reverted. ToHeight is the height of
// the cursor after the revert.
type RolledBack struct {
	Row      types.RowID `json:"row"`
	Height   uint64      `json:"height"`
	Hash     types.Hash  `json:"hash"`
	ToHeight uint64      `json:"to_height"`
}

func (RolledBack) Type() Type { return TypeRolledBack }

func (e RolledBack) String() string {
	return fmt.Sprintf("rolled back %d:%s", e.Height, e.Hash.Short())
}

// StateInvalid reports that a state was quarantined.
type StateInvalid struct {
	Row    types.RowID `json:"row"`
	Height uint64      `json:"height"`
	Hash   types.Hash  `json:"hash"`
	Reason string      `json:"reason"`
}

func (StateInvalid) Type() Type { return TypeStateInvalid }

func (e StateInvalid) String() string {
	return fmt.Sprintf("invalid %d:%s: %s", e.Height, e.Hash.Short(), e.Reason)
}
