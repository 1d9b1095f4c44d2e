package reorg

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/testutil"
)

// =============================================================================
// Mock Block Source
// =============================================================================

type mockSource struct {
	blocks map[common.Hash]*domain.BlockWithTriggers
}

func newMockSource(blocks ...*domain.BlockWithTriggers) *mockSource {
	s := &mockSource{blocks: make(map[common.Hash]*domain.BlockWithTriggers)}
	for _, b := range blocks {
		s.add(b)
	}
	return s
}

func (s *mockSource) add(b *domain.BlockWithTriggers) {
	s.blocks[b.Block.Hash] = b
}

func (s *mockSource) Block(hash common.Hash) (*domain.BlockWithTriggers, bool) {
	b, ok := s.blocks[hash]
	return b, ok
}

// forked returns blocks 0..3 of the main chain plus a branch 2', 3', 4'
// forking off block 1. Branch block n has hash 100+n.
func forked() *mockSource {
	src := newMockSource(testutil.Chain(4)...)
	src.add(testutil.Block(2, 102, 1))
	src.add(testutil.Block(3, 103, 102))
	src.add(testutil.Block(4, 104, 103))
	return src
}

func stepNumbers(steps []Step) []uint64 {
	out := make([]uint64, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Ptr().Number)
	}
	return out
}

func equalNumbers(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Detect Tests
// =============================================================================

func TestDetect_Extend(t *testing.T) {
	src := newMockSource(testutil.Chain(3)...)
	detector := NewDetector(Config{}, src)

	plan, err := detector.Detect(testutil.PtrRef(1, 1), testutil.Block(2, 2, 1))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if plan.Outcome != OutcomeExtend {
		t.Errorf("expected extend, got %s", plan.Outcome)
	}
	if len(plan.Reverts) != 0 || len(plan.Applies) != 1 {
		t.Fatalf("expected 0 reverts and 1 apply, got %d and %d", len(plan.Reverts), len(plan.Applies))
	}
	if !domain.PtrEqual(plan.Final(), testutil.PtrRef(2, 2)) {
		t.Errorf("expected final #2, got %v", plan.Final())
	}
}

func TestDetect_AlreadyApplied(t *testing.T) {
	detector := NewDetector(Config{}, newMockSource(testutil.Chain(2)...))

	plan, err := detector.Detect(testutil.PtrRef(1, 1), testutil.Block(1, 1, 0))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if plan.Outcome != OutcomeNone || len(plan.Steps()) != 0 {
		t.Errorf("expected no work, got %s with %d steps", plan.Outcome, len(plan.Steps()))
	}
}

func TestDetect_FreshDeployment(t *testing.T) {
	detector := NewDetector(Config{}, newMockSource())

	plan, err := detector.Detect(nil, testutil.Genesis())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if plan.Outcome != OutcomeExtend || plan.Ancestor != nil {
		t.Errorf("expected extend without ancestor, got %s %v", plan.Outcome, plan.Ancestor)
	}
	if len(plan.Applies) != 1 || !plan.Applies[0].Ptr().IsGenesis() {
		t.Errorf("expected genesis apply, got %v", stepNumbers(plan.Applies))
	}

	_, err = detector.Detect(nil, testutil.Block(1, 1, 0))
	if !errors.Is(err, domain.ErrChainDiscontinuity) {
		t.Errorf("expected discontinuity for non-genesis start, got %v", err)
	}
}

func TestDetect_StartBlock(t *testing.T) {
	detector := NewDetector(Config{StartBlock: 5}, newMockSource())

	plan, err := detector.Detect(nil, testutil.Block(5, 5, 4))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(plan.Applies) != 1 || plan.Applies[0].Ptr().Number != 5 {
		t.Errorf("expected single apply of #5, got %v", stepNumbers(plan.Applies))
	}

	_, err = detector.Detect(nil, testutil.Block(6, 6, 5))
	if !errors.Is(err, domain.ErrChainDiscontinuity) {
		t.Errorf("expected discontinuity above the start block, got %v", err)
	}
}

func TestDetect_GenesisMismatch(t *testing.T) {
	genesis := testutil.Hash(0)
	detector := NewDetector(Config{GenesisHash: &genesis}, newMockSource())

	_, err := detector.Detect(nil, testutil.Block(0, 999, 0))
	if !errors.Is(err, domain.ErrChainDiscontinuity) {
		t.Errorf("expected discontinuity, got %v", err)
	}

	if _, err := detector.Detect(nil, testutil.Genesis()); err != nil {
		t.Errorf("expected configured genesis to pass, got %v", err)
	}
}

func TestDetect_SiblingReorg(t *testing.T) {
	src := newMockSource(testutil.Chain(2)...)
	detector := NewDetector(Config{}, src)

	sibling := testutil.Block(1, 101, 0)
	src.add(sibling)

	plan, err := detector.Detect(testutil.PtrRef(1, 1), sibling)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if plan.Outcome != OutcomeReorg || plan.Depth() != 1 {
		t.Fatalf("expected reorg of depth 1, got %s depth %d", plan.Outcome, plan.Depth())
	}
	if !plan.Ancestor.Equal(testutil.Ptr(0, 0)) {
		t.Errorf("expected ancestor #0, got %v", plan.Ancestor)
	}

	revert := plan.Reverts[0]
	if revert.Kind != domain.StepRevert || !revert.Ptr().Equal(testutil.Ptr(1, 1)) {
		t.Errorf("unexpected revert step: %s %v", revert.Kind, revert.Ptr())
	}
	if !revert.Target.Equal(testutil.Ptr(0, 0)) {
		t.Errorf("expected revert target #0, got %v", revert.Target)
	}

	apply := plan.Applies[0]
	if apply.Kind != domain.StepApply || !apply.Ptr().Equal(sibling.Ptr()) {
		t.Errorf("unexpected apply step: %s %v", apply.Kind, apply.Ptr())
	}
}

func TestDetect_Walk(t *testing.T) {
	tests := []struct {
		name        string
		last        domain.BlockPtr
		next        *domain.BlockWithTriggers
		wantOutcome Outcome
		wantReverts []uint64
		wantApplies []uint64
		wantAnc     domain.BlockPtr
	}{
		{
			name:        "branch longer than last",
			last:        testutil.Ptr(3, 3),
			next:        testutil.Block(4, 104, 103),
			wantOutcome: OutcomeReorg,
			wantReverts: []uint64{3, 2},
			wantApplies: []uint64{2, 3, 4},
			wantAnc:     testutil.Ptr(1, 1),
		},
		{
			name:        "branch shorter than last",
			last:        testutil.Ptr(3, 3),
			next:        testutil.Block(2, 102, 1),
			wantOutcome: OutcomeReorg,
			wantReverts: []uint64{3, 2},
			wantApplies: []uint64{2},
			wantAnc:     testutil.Ptr(1, 1),
		},
		{
			name:        "head ahead on same lineage",
			last:        testutil.Ptr(1, 1),
			next:        testutil.Block(3, 3, 2),
			wantOutcome: OutcomeExtend,
			wantReverts: []uint64{},
			wantApplies: []uint64{2, 3},
			wantAnc:     testutil.Ptr(1, 1),
		},
		{
			name:        "deployment on displaced branch",
			last:        testutil.Ptr(3, 103),
			next:        testutil.Block(3, 3, 2),
			wantOutcome: OutcomeReorg,
			wantReverts: []uint64{3, 2},
			wantApplies: []uint64{2, 3},
			wantAnc:     testutil.Ptr(1, 1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewDetector(Config{}, forked())

			plan, err := detector.Detect(&tt.last, tt.next)
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if plan.Outcome != tt.wantOutcome {
				t.Errorf("expected %s, got %s", tt.wantOutcome, plan.Outcome)
			}
			if got := stepNumbers(plan.Reverts); !equalNumbers(got, tt.wantReverts) {
				t.Errorf("expected reverts %v, got %v", tt.wantReverts, got)
			}
			if got := stepNumbers(plan.Applies); !equalNumbers(got, tt.wantApplies) {
				t.Errorf("expected applies %v, got %v", tt.wantApplies, got)
			}
			if plan.Ancestor == nil || !plan.Ancestor.Equal(tt.wantAnc) {
				t.Errorf("expected ancestor %v, got %v", tt.wantAnc, plan.Ancestor)
			}
			want := tt.next.Ptr()
			if !domain.PtrEqual(plan.Final(), &want) {
				t.Errorf("expected final %v, got %v", want, plan.Final())
			}
		})
	}
}

func TestDetect_RevertTargetsChain(t *testing.T) {
	detector := NewDetector(Config{}, forked())

	plan, err := detector.Detect(testutil.PtrRef(3, 3), testutil.Block(4, 104, 103))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Each step's target is the pointer the next step starts from
	current := testutil.Ptr(3, 3)
	for i, step := range plan.Steps() {
		switch step.Kind {
		case domain.StepRevert:
			if !step.Ptr().Equal(current) {
				t.Fatalf("step %d reverts %v, deployment at %v", i, step.Ptr(), current)
			}
		case domain.StepApply:
			parent := step.Block.ParentPtr()
			if parent == nil || !parent.Equal(current) {
				t.Fatalf("step %d applies %v on top of %v", i, step.Ptr(), current)
			}
		}
		current = *step.Target
	}
	if !current.Equal(testutil.Ptr(4, 104)) {
		t.Errorf("expected to end at #4', got %v", current)
	}
}

func TestDetect_Discontinuity(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		source *mockSource
		last   domain.BlockPtr
		next   *domain.BlockWithTriggers
	}{
		{
			name:   "gap above last",
			source: newMockSource(testutil.Chain(2)...),
			last:   testutil.Ptr(1, 1),
			next:   testutil.Block(5, 5, 4),
		},
		{
			name:   "last evicted from buffer",
			source: newMockSource(testutil.Genesis()),
			last:   testutil.Ptr(1, 1),
			next:   testutil.Block(1, 101, 0),
		},
		{
			name:   "new branch parent missing",
			source: newMockSource(testutil.Chain(2)...),
			last:   testutil.Ptr(1, 1),
			next:   testutil.Block(2, 102, 101),
		},
		{
			name:   "different genesis",
			source: newMockSource(testutil.Genesis(), testutil.Block(0, 500, 0)),
			last:   testutil.Ptr(0, 0),
			next:   testutil.Block(1, 501, 500),
		},
		{
			name:   "max depth exceeded",
			config: Config{MaxDepth: 1},
			source: forked(),
			last:   testutil.Ptr(3, 3),
			next:   testutil.Block(4, 104, 103),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := NewDetector(tt.config, tt.source)

			plan, err := detector.Detect(&tt.last, tt.next)
			if !errors.Is(err, domain.ErrChainDiscontinuity) {
				t.Fatalf("expected ErrChainDiscontinuity, got plan %+v err %v", plan, err)
			}
			if plan != nil {
				t.Errorf("expected no plan on discontinuity, got %+v", plan)
			}
		})
	}
}

func TestDetect_FinalBlockNotReverted(t *testing.T) {
	block1 := testutil.Final(testutil.Block(1, 1, 0))
	src := newMockSource(testutil.Final(testutil.Genesis()), block1)
	detector := NewDetector(Config{}, src)

	sibling := testutil.Block(1, 12, 0)
	src.add(sibling)

	plan, err := detector.Detect(testutil.PtrRef(1, 1), sibling)
	if !errors.Is(err, domain.ErrChainDiscontinuity) {
		t.Fatalf("expected ErrChainDiscontinuity, got plan %+v err %v", plan, err)
	}
	if !strings.Contains(err.Error(), "final block reorg") {
		t.Errorf("expected final block reorg error, got %v", err)
	}
	if plan != nil {
		t.Errorf("expected no plan, got %+v", plan)
	}
}

func TestDetect_FinalAncestor(t *testing.T) {
	// Only blocks above the ancestor are reverted, so a final ancestor is fine
	src := newMockSource(testutil.Final(testutil.Genesis()), testutil.Block(1, 1, 0))
	detector := NewDetector(Config{}, src)

	sibling := testutil.Block(1, 12, 0)
	src.add(sibling)

	plan, err := detector.Detect(testutil.PtrRef(1, 1), sibling)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if plan.Outcome != OutcomeReorg || plan.Depth() != 1 {
		t.Errorf("expected reorg of depth 1, got %s depth %d", plan.Outcome, plan.Depth())
	}
}

func TestNewDetector_DefaultDepth(t *testing.T) {
	detector := NewDetector(Config{}, newMockSource())
	if detector.config.MaxDepth != DefaultMaxDepth {
		t.Errorf("expected default depth %d, got %d", DefaultMaxDepth, detector.config.MaxDepth)
	}
}
