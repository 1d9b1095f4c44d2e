package reorg

import (
	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Outcome classifies a detection result.
type Outcome string

const (
	OutcomeNone   Outcome = "none"   // block already applied
	OutcomeExtend Outcome = "extend" // block is the child of last
	OutcomeReorg  Outcome = "reorg"  // revert to an ancestor, then apply
)

// Step is one unit of work: revert or apply exactly one block.
type Step struct {
	Kind  domain.StepKind
	Block *domain.BlockWithTriggers

	// Target is the deployment's pointer once the step is committed.
	Target *domain.BlockPtr
}

// Ptr returns the pointer of the block the step touches.
func (s Step) Ptr() domain.BlockPtr {
	return s.Block.Ptr()
}

// Plan is the ordered work needed to move from last to a delivered block.
type Plan struct {
	Outcome  Outcome
	Ancestor *domain.BlockPtr // common ancestor, nil for a fresh deployment
	Reverts  []Step           // descending heights, starting at last
	Applies  []Step           // ascending heights, ending at the delivered block
}

// Steps returns reverts followed by applies.
func (p *Plan) Steps() []Step {
	steps := make([]Step, 0, len(p.Reverts)+len(p.Applies))
	steps = append(steps, p.Reverts...)
	return append(steps, p.Applies...)
}

// Depth is the number of reverted blocks.
func (p *Plan) Depth() int {
	return len(p.Reverts)
}

// Final returns the pointer after every step has run.
func (p *Plan) Final() *domain.BlockPtr {
	if len(p.Applies) > 0 {
		return p.Applies[len(p.Applies)-1].Target
	}
	return p.Ancestor
}

func applyStep(b *domain.BlockWithTriggers) Step {
	ptr := b.Ptr()
	return Step{Kind: domain.StepApply, Block: b, Target: &ptr}
}

func revertStep(b *domain.BlockWithTriggers) Step {
	return Step{Kind: domain.StepRevert, Block: b, Target: b.ParentPtr()}
}
