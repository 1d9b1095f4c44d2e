// Package driver runs one deployment: it follows the chain buffer, plans
// reverts and applies with the reorg detector, hands each step to the mapping
// executor and commits the new pointer before moving on.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
	"github.com/vietddude/blockindexer/internal/indexing/chainbuffer"
	"github.com/vietddude/blockindexer/internal/indexing/mapping"
	"github.com/vietddude/blockindexer/internal/indexing/metrics"
	"github.com/vietddude/blockindexer/internal/indexing/recovery"
	"github.com/vietddude/blockindexer/internal/indexing/reorg"
	"github.com/vietddude/blockindexer/internal/indexing/trigger"
)

const defaultHistorySize = 32

var (
	// errReplan means the stored pointer moved under the driver.
	errReplan = errors.New("stored pointer moved")

	// errStopped means a stop was requested between steps.
	errStopped = errors.New("driver stopped")
)

// Config wires a driver to one deployment.
type Config struct {
	DeploymentID string
	StopAt       *domain.BlockPtr // optional, stop once this block is committed

	Buffer   *chainbuffer.Buffer
	Progress progress.Manager
	Executor mapping.Executor
	Filter   trigger.Filter // nil accepts every trigger
	Reorg    reorg.Config
	Retrier  *recovery.Retrier
	Logger   *slog.Logger

	HistorySize int // transitions kept for Status (default: 32)
}

// Status is a snapshot of a driver.
type Status struct {
	DeploymentID string           `json:"deployment_id"`
	RunID        string           `json:"run_id"`
	State        State            `json:"state"`
	Health       domain.Health    `json:"health"`
	Ptr          *domain.BlockPtr `json:"ptr,omitempty"`
	StopAt       *domain.BlockPtr `json:"stop_at,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	ErrorKind    string           `json:"error_kind,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	Transitions  []Transition     `json:"transitions"`
}

// Driver is the per-deployment control loop. Run it once.
type Driver struct {
	cfg      Config
	detector *reorg.Detector
	runID    string
	log      *slog.Logger
	started  atomic.Bool

	mu        sync.RWMutex
	state     State
	health    domain.Health
	ptr       *domain.BlockPtr
	lastErr   error
	startedAt time.Time
	history   []Transition

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New validates cfg and creates an idle driver.
func New(cfg Config) (*Driver, error) {
	switch {
	case cfg.DeploymentID == "":
		return nil, fmt.Errorf("%w: deployment id is required", domain.ErrUsage)
	case cfg.Buffer == nil:
		return nil, fmt.Errorf("%w: chain buffer is required", domain.ErrUsage)
	case cfg.Progress == nil:
		return nil, fmt.Errorf("%w: progress manager is required", domain.ErrUsage)
	case cfg.Executor == nil:
		return nil, fmt.Errorf("%w: mapping executor is required", domain.ErrUsage)
	}
	if cfg.Retrier == nil {
		cfg.Retrier = recovery.NewRetrier(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}

	runID := uuid.NewString()
	return &Driver{
		cfg:      cfg,
		detector: reorg.NewDetector(cfg.Reorg, cfg.Buffer),
		runID:    runID,
		log:      cfg.Logger.With("deployment", cfg.DeploymentID, "run_id", runID),
		state:    StateIdle,
		health:   domain.HealthUnknown,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Run consumes the buffer until the driver stops or fails. It returns nil when
// stopped and the fatal error when failed.
func (d *Driver) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: driver for %s already ran", domain.ErrUsage, d.cfg.DeploymentID)
	}
	defer close(d.done)

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	if err := d.start(ctx); err != nil {
		return d.halt(ctx, err)
	}

	for {
		if d.stopRequested(ctx) {
			d.stop("stop requested")
			return nil
		}
		if d.reachedStop() {
			d.stop("stop block reached")
			return nil
		}

		changed := d.cfg.Buffer.Changed()
		next, ok := d.nextBlock()
		if !ok {
			d.transition(StateSteady, "caught up with buffer head")
			select {
			case <-changed:
			case <-d.stopCh:
			case <-ctx.Done():
			}
			continue
		}

		d.follow()
		if err := d.process(ctx, next); err != nil {
			if errors.Is(err, errReplan) {
				continue
			}
			return d.halt(ctx, err)
		}
	}
}

// Stop asks the driver to halt at the next step boundary. It does not wait.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Done is closed when Run returns.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// Pending reports whether the buffer holds a block the driver has not planned
// against yet.
func (d *Driver) Pending() bool {
	_, ok := d.nextBlock()
	return ok
}

// RunID identifies this run in logs.
func (d *Driver) RunID() string {
	return d.runID
}

// Status returns a snapshot of the driver.
func (d *Driver) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Status{
		DeploymentID: d.cfg.DeploymentID,
		RunID:        d.runID,
		State:        d.state,
		Health:       d.health,
		Ptr:          copyPtr(d.ptr),
		StopAt:       copyPtr(d.cfg.StopAt),
		StartedAt:    d.startedAt,
		Transitions:  append([]Transition(nil), d.history...),
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
		s.ErrorKind = domain.ErrorKind(d.lastErr)
	}
	return s
}

// -----------------------------------------------------------------------------
// Loop
// -----------------------------------------------------------------------------

// start reads the stored record and marks the deployment healthy.
func (d *Driver) start(ctx context.Context) error {
	var rec *progress.Record
	err := d.retry(ctx, domain.StepRead, func() error {
		var err error
		rec, err = d.cfg.Progress.Read(ctx, d.cfg.DeploymentID)
		return err
	})
	if err != nil {
		return &domain.StepError{Kind: domain.StepRead, Err: err}
	}

	d.setPtr(rec.Ptr)
	d.mu.Lock()
	d.health = domain.HealthHealthy
	d.mu.Unlock()

	if rec.Health != domain.HealthHealthy {
		if err := d.writeHealth(ctx, domain.HealthHealthy); err != nil {
			return &domain.StepError{Kind: domain.StepRead, Ptr: copyPtr(rec.Ptr), Err: err}
		}
	}

	d.log.Info("Driver started",
		"block", ptrString(rec.Ptr),
		"stored_health", rec.Health,
		"stop_at", ptrString(d.cfg.StopAt),
	)
	d.follow()
	return nil
}

// nextBlock picks the block to plan against. A fresh deployment with a start
// block waits for that height instead of genesis.
func (d *Driver) nextBlock() (*domain.BlockWithTriggers, bool) {
	last := d.pointer()
	if last == nil && d.cfg.Reorg.StartBlock > 0 {
		if b, ok := d.cfg.Buffer.Canonical(d.cfg.Reorg.StartBlock); ok {
			return b, true
		}
		head := d.cfg.Buffer.Head()
		if head == nil || head.Block.Number < d.cfg.Reorg.StartBlock {
			return nil, false
		}
		return head, true
	}
	return d.cfg.Buffer.Next(last)
}

// follow sets catching_up or steady from the distance to the buffer head.
func (d *Driver) follow() {
	head := d.cfg.Buffer.Head()
	last := d.pointer()
	if head != nil && (last == nil || head.Block.Number > last.Number+1) {
		d.transition(StateCatchingUp, "behind buffer head")
		return
	}
	d.transition(StateSteady, "at buffer head")
}

// process plans against next and runs every step, committing each one.
func (d *Driver) process(ctx context.Context, next *domain.BlockWithTriggers) error {
	plan, err := d.detector.Detect(d.pointer(), next)
	if err != nil {
		ptr := next.Ptr()
		return &domain.StepError{Kind: domain.StepPlan, Ptr: &ptr, Err: err}
	}

	if depth := plan.Depth(); depth > 0 {
		d.log.Warn("Reorg detected",
			"depth", depth,
			"ancestor", ptrString(plan.Ancestor),
			"from", ptrString(d.pointer()),
			"to", next.Ptr().String(),
		)
		metrics.ReorgsTotal.WithLabelValues(d.cfg.DeploymentID).Inc()
		metrics.ReorgDepth.Observe(float64(depth))
	}

	for _, step := range plan.Steps() {
		if d.stopRequested(ctx) {
			return errStopped
		}
		if err := d.execute(ctx, step); err != nil {
			return err
		}
		if d.reachedStop() {
			return nil
		}
	}
	return nil
}

// execute hands one step to the executor and commits its target pointer.
func (d *Driver) execute(ctx context.Context, step reorg.Step) error {
	ptr := step.Ptr()
	matched := trigger.Match(d.cfg.Filter, step.Block)

	var err error
	switch step.Kind {
	case domain.StepApply:
		err = d.cfg.Executor.Apply(ctx, step.Block.WithTriggers(matched))
	case domain.StepRevert:
		err = d.cfg.Executor.Revert(ctx, ptr, domain.Reversed(matched))
	}
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		return &domain.StepError{Kind: step.Kind, Ptr: &ptr, Err: fmt.Errorf("%w: %w", domain.ErrProcessing, err)}
	}

	if err := d.commit(ctx, step); err != nil {
		return err
	}

	metrics.StepsTotal.WithLabelValues(d.cfg.DeploymentID, string(step.Kind)).Inc()
	metrics.TriggersProcessed.WithLabelValues(d.cfg.DeploymentID, string(step.Kind)).Add(float64(len(matched)))
	d.log.Debug("Committed step", "kind", step.Kind, "block", ptr.String(), "triggers", len(matched))
	return nil
}

// commit writes step.Target with the pointer the step started from as prior.
// A conflict whose stored pointer already equals the target means an earlier
// attempt landed; any other stored pointer is adopted and planning restarts.
func (d *Driver) commit(ctx context.Context, step reorg.Step) error {
	prior := d.pointer()
	target := step.Target

	err := d.retry(ctx, step.Kind, func() error {
		err := d.cfg.Progress.Write(ctx, d.cfg.DeploymentID, prior, target, domain.HealthHealthy)
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		rec, rerr := d.cfg.Progress.Read(ctx, d.cfg.DeploymentID)
		if rerr != nil {
			return rerr
		}
		if domain.PtrEqual(rec.Ptr, target) {
			return nil
		}
		d.log.Warn("Stored pointer moved, replanning",
			"expected", ptrString(prior),
			"stored", ptrString(rec.Ptr),
		)
		d.setPtr(rec.Ptr)
		return errReplan
	})
	switch {
	case errors.Is(err, errReplan):
		d.cfg.Buffer.Advance(d.cfg.DeploymentID, d.pointer())
		return errReplan
	case err != nil:
		if ctx.Err() != nil {
			return errStopped
		}
		ptr := step.Ptr()
		return &domain.StepError{Kind: step.Kind, Ptr: &ptr, Err: err}
	}

	d.setPtr(target)
	d.cfg.Buffer.Advance(d.cfg.DeploymentID, target)
	return nil
}

// writeHealth records health at the current pointer, following the stored
// pointer on conflict.
func (d *Driver) writeHealth(ctx context.Context, health domain.Health) error {
	return d.retry(ctx, domain.StepRead, func() error {
		current := d.pointer()
		err := d.cfg.Progress.Write(ctx, d.cfg.DeploymentID, current, current, health)
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		rec, rerr := d.cfg.Progress.Read(ctx, d.cfg.DeploymentID)
		if rerr != nil {
			return rerr
		}
		d.setPtr(rec.Ptr)
		return err
	})
}

func (d *Driver) retry(ctx context.Context, kind domain.StepKind, op func() error) error {
	return d.cfg.Retrier.Do(ctx, op, func(attempt uint, err error) {
		metrics.StepRetries.WithLabelValues(d.cfg.DeploymentID, domain.ErrorKind(err)).Inc()
		d.log.Warn("Retrying store operation", "kind", kind, "attempt", attempt+1, "error", err)
	})
}

// halt turns a loop error into the final state.
func (d *Driver) halt(ctx context.Context, err error) error {
	if errors.Is(err, errStopped) || ctx.Err() != nil {
		d.stop("cancelled")
		return nil
	}

	kind := domain.ErrorKind(err)
	attrs := []any{"kind", kind, "error", err}
	var stepErr *domain.StepError
	if errors.As(err, &stepErr) {
		attrs = append(attrs, "step", stepErr.Kind, "block", ptrString(stepErr.Ptr))
	}
	d.log.Error("Deployment failed", attrs...)

	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	d.transition(StateFailed, kind)
	metrics.DeploymentFailures.WithLabelValues(d.cfg.DeploymentID, kind).Inc()

	if werr := d.writeHealth(ctx, domain.HealthFailed); werr != nil {
		d.log.Error("Failed to record failed health", "error", werr)
	}
	return err
}

func (d *Driver) stop(reason string) {
	d.transition(StateStopped, reason)
	d.log.Info("Driver stopped", "reason", reason, "block", ptrString(d.pointer()))
}

func (d *Driver) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// reachedStop reports whether the pointer is the stop block or lies above it
// on its branch. A sibling at the stop height is not the stop block; the
// driver keeps following the buffer until the reorg onto it arrives. A pointer
// above the stop height whose lineage is no longer buffered counts as past it.
func (d *Driver) reachedStop() bool {
	stop := d.cfg.StopAt
	ptr := d.pointer()
	switch {
	case stop == nil || ptr == nil || ptr.Number < stop.Number:
		return false
	case ptr.Number == stop.Number:
		return ptr.Equal(*stop)
	}
	hash, ok := d.ancestorAt(*ptr, stop.Number)
	return !ok || hash == stop.Hash
}

// ancestorAt walks the buffer back from ptr to the block at number.
func (d *Driver) ancestorAt(ptr domain.BlockPtr, number uint64) (common.Hash, bool) {
	cur := ptr
	for cur.Number > number {
		b, ok := d.cfg.Buffer.Block(cur.Hash)
		if !ok {
			return common.Hash{}, false
		}
		parent := b.ParentPtr()
		if parent == nil {
			return common.Hash{}, false
		}
		cur = *parent
	}
	return cur.Hash, true
}

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

func (d *Driver) transition(to State, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == to {
		return
	}
	t := NewTransition(d.state, to, reason)
	if !t.IsValid() {
		d.log.Warn("Ignoring invalid state transition", "from", d.state, "to", to)
		return
	}

	d.history = append(d.history, t)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[len(d.history)-d.cfg.HistorySize:]
	}
	d.state = to
	if h, ok := to.Health(); ok {
		d.health = h
	}
	d.log.Debug("State transition", "from", t.From, "to", t.To, "reason", reason)
}

func (d *Driver) pointer() *domain.BlockPtr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyPtr(d.ptr)
}

func (d *Driver) setPtr(ptr *domain.BlockPtr) {
	d.mu.Lock()
	d.ptr = copyPtr(ptr)
	d.mu.Unlock()

	if ptr != nil {
		metrics.DeploymentBlock.WithLabelValues(d.cfg.DeploymentID).Set(float64(ptr.Number))
	}
}

func copyPtr(p *domain.BlockPtr) *domain.BlockPtr {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func ptrString(p *domain.BlockPtr) string {
	if p == nil {
		return "none"
	}
	return p.String()
}
