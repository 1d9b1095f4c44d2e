package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TriggerKind is the category of chain activity a trigger represents.
type TriggerKind string

const (
	TriggerKindBlock TriggerKind = "block"
	TriggerKindCall  TriggerKind = "call"
	TriggerKindLog   TriggerKind = "log"
)

// BlockTriggerType refines block triggers.
type BlockTriggerType string

const (
	BlockTriggerEvery      BlockTriggerType = "every"
	BlockTriggerWithCallTo BlockTriggerType = "with_call_to"
)

// Trigger is a unit of chain activity delivered to a mapping executor.
// Only the fields relevant to Kind are set.
type Trigger struct {
	Kind      TriggerKind      `json:"kind"`
	Ptr       BlockPtr         `json:"ptr"`
	BlockType BlockTriggerType `json:"block_type,omitempty"`
	Address   common.Address   `json:"address,omitempty"`
	Index     uint             `json:"index"`
}

// NewBlockTrigger builds a block trigger observed at ptr.
func NewBlockTrigger(ptr BlockPtr, typ BlockTriggerType) Trigger {
	return Trigger{Kind: TriggerKindBlock, Ptr: ptr, BlockType: typ}
}

// NewCallTrigger builds a call trigger for a call to address.
func NewCallTrigger(ptr BlockPtr, address common.Address, index uint) Trigger {
	return Trigger{Kind: TriggerKindCall, Ptr: ptr, Address: address, Index: index}
}

// NewLogTrigger builds a log trigger emitted by address.
func NewLogTrigger(ptr BlockPtr, address common.Address, index uint) Trigger {
	return Trigger{Kind: TriggerKindLog, Ptr: ptr, Address: address, Index: index}
}

// HasAddress reports whether the trigger kind carries an address.
func (t Trigger) HasAddress() bool {
	switch t.Kind {
	case TriggerKindCall, TriggerKindLog:
		return true
	case TriggerKindBlock:
		return t.BlockType == BlockTriggerWithCallTo
	}
	return false
}

func (t Trigger) String() string {
	switch t.Kind {
	case TriggerKindBlock:
		return fmt.Sprintf("block/%s@%d", t.BlockType, t.Ptr.Number)
	default:
		return fmt.Sprintf("%s/%s[%d]@%d", t.Kind, t.Address.Hex(), t.Index, t.Ptr.Number)
	}
}

// ParseTriggerKind validates a kind name coming from configuration.
func ParseTriggerKind(s string) (TriggerKind, error) {
	switch k := TriggerKind(s); k {
	case TriggerKindBlock, TriggerKindCall, TriggerKindLog:
		return k, nil
	}
	return "", fmt.Errorf("unknown trigger kind %q", s)
}

// Reversed returns a copy of triggers in reverse order.
func Reversed(triggers []Trigger) []Trigger {
	out := make([]Trigger, len(triggers))
	for i, t := range triggers {
		out[len(triggers)-1-i] = t
	}
	return out
}
