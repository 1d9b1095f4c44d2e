package mapping

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vietddude/blockindexer/internal/core/domain"
)

// Op is one recorded executor call.
type Op struct {
	Kind     domain.StepKind
	Ptr      domain.BlockPtr
	Triggers []domain.Trigger
}

func (o Op) String() string {
	names := make([]string, 0, len(o.Triggers))
	for _, t := range o.Triggers {
		names = append(names, t.String())
	}
	return fmt.Sprintf("%s #%d %s [%s]", o.Kind, o.Ptr.Number, o.Ptr.Hash.Hex(), strings.Join(names, ", "))
}

// RecordingExecutor remembers every step it was given. Fail, when set, is
// consulted before recording and its error returned as is.
type RecordingExecutor struct {
	mu   sync.Mutex
	ops  []Op
	Fail func(op Op) error
}

var _ Executor = (*RecordingExecutor)(nil)

func NewRecordingExecutor() *RecordingExecutor {
	return &RecordingExecutor{}
}

func (e *RecordingExecutor) Apply(ctx context.Context, block *domain.BlockWithTriggers) error {
	return e.record(Op{Kind: domain.StepApply, Ptr: block.Ptr(), Triggers: clone(block.Triggers)})
}

func (e *RecordingExecutor) Revert(ctx context.Context, ptr domain.BlockPtr, triggers []domain.Trigger) error {
	return e.record(Op{Kind: domain.StepRevert, Ptr: ptr, Triggers: clone(triggers)})
}

func (e *RecordingExecutor) record(op Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Fail != nil {
		if err := e.Fail(op); err != nil {
			return err
		}
	}
	e.ops = append(e.ops, op)
	return nil
}

// Ops returns a copy of the recorded calls.
func (e *RecordingExecutor) Ops() []Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Op, len(e.ops))
	copy(out, e.ops)
	return out
}

// Count returns the number of recorded calls of a kind.
func (e *RecordingExecutor) Count(kind domain.StepKind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, op := range e.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Trace renders the recorded calls one per line.
func (e *RecordingExecutor) Trace() string {
	var b strings.Builder
	for _, op := range e.Ops() {
		b.WriteString(op.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func clone(triggers []domain.Trigger) []domain.Trigger {
	out := make([]domain.Trigger, len(triggers))
	copy(out, triggers)
	return out
}
