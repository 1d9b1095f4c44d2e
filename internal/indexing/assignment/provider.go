// Package assignment starts and stops the drivers of assigned deployments.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
	"github.com/vietddude/blockindexer/internal/indexing/chainbuffer"
	"github.com/vietddude/blockindexer/internal/indexing/driver"
	"github.com/vietddude/blockindexer/internal/indexing/mapping"
	"github.com/vietddude/blockindexer/internal/indexing/recovery"
	"github.com/vietddude/blockindexer/internal/indexing/reorg"
	"github.com/vietddude/blockindexer/internal/indexing/trigger"
)

// Deployment is what a driver needs to know about a deployment beyond its id.
type Deployment struct {
	Executor   mapping.Executor
	Filter     trigger.Filter
	StartBlock uint64
}

// Resolver looks up an assigned deployment.
type Resolver interface {
	Resolve(ctx context.Context, deploymentID string) (*Deployment, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, deploymentID string) (*Deployment, error)

func (f ResolverFunc) Resolve(ctx context.Context, deploymentID string) (*Deployment, error) {
	return f(ctx, deploymentID)
}

// Config holds the shared collaborators of every driver.
type Config struct {
	Buffer   *chainbuffer.Buffer
	Progress progress.Manager
	Resolver Resolver
	Reorg    reorg.Config
	Backoff  *recovery.ExponentialBackoff
	Logger   *slog.Logger
}

// instance is one run of a deployment. driver is set under the provider lock
// before ready closes, and stays nil when the launch failed.
type instance struct {
	driver *driver.Driver
	ready  chan struct{}
	done   chan struct{}
	err    error
}

// launched waits for the launch to finish and reports whether it produced a
// driver.
func (i *instance) launched(ctx context.Context) (bool, error) {
	select {
	case <-i.ready:
		return i.driver != nil, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Provider runs at most one driver per deployment.
type Provider struct {
	cfg    Config
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  map[string]*instance // driver is nil while starting
	finished map[string]*instance // last exited run per deployment
	wg       sync.WaitGroup
}

// NewProvider creates a provider.
func NewProvider(cfg Config) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:      cfg,
		log:      cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*instance),
		finished: make(map[string]*instance),
	}
}

// Start creates the deployment's record if missing and runs its driver from
// the stored pointer. Starting a deployment that is already running is a usage
// error.
func (p *Provider) Start(ctx context.Context, deploymentID string, stopAt *domain.BlockPtr) error {
	p.mu.Lock()
	if _, ok := p.running[deploymentID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: deployment %s is already running", domain.ErrUsage, deploymentID)
	}
	inst := &instance{ready: make(chan struct{}), done: make(chan struct{})}
	p.running[deploymentID] = inst
	p.mu.Unlock()
	defer close(inst.ready)

	if err := p.launch(ctx, inst, deploymentID, stopAt); err != nil {
		p.mu.Lock()
		delete(p.running, deploymentID)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Provider) launch(ctx context.Context, inst *instance, deploymentID string, stopAt *domain.BlockPtr) error {
	dep, err := p.cfg.Resolver.Resolve(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to resolve deployment %s: %w", deploymentID, err)
	}

	rec, err := p.cfg.Progress.Create(ctx, deploymentID)
	if err != nil {
		return err
	}

	reorgCfg := p.cfg.Reorg
	reorgCfg.StartBlock = dep.StartBlock
	d, err := driver.New(driver.Config{
		DeploymentID: deploymentID,
		StopAt:       stopAt,
		Buffer:       p.cfg.Buffer,
		Progress:     p.cfg.Progress,
		Executor:     dep.Executor,
		Filter:       dep.Filter,
		Reorg:        reorgCfg,
		Retrier:      recovery.NewRetrier(p.cfg.Backoff),
		Logger:       p.log,
	})
	if err != nil {
		return err
	}

	p.cfg.Buffer.Attach(deploymentID, rec.Ptr)
	p.mu.Lock()
	inst.driver = d
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		inst.err = d.Run(p.ctx)
		p.cfg.Buffer.Detach(deploymentID)

		p.mu.Lock()
		delete(p.running, deploymentID)
		p.finished[deploymentID] = inst
		p.mu.Unlock()
		close(inst.done)
	}()

	p.log.Info("Deployment assigned", "deployment", deploymentID, "run_id", d.RunID())
	return nil
}

// Stop asks the deployment's driver to halt after its current step and waits
// for it. A deployment that is still starting is stopped once its launch
// finishes. Stopping a deployment that is not running is a usage error.
func (p *Provider) Stop(ctx context.Context, deploymentID string) error {
	p.mu.Lock()
	inst := p.running[deploymentID]
	p.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("%w: deployment %s is not running", domain.ErrUsage, deploymentID)
	}

	ok, err := inst.launched(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop deployment %s: %w", deploymentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: deployment %s failed to start", domain.ErrUsage, deploymentID)
	}

	inst.driver.Stop()
	select {
	case <-inst.done:
		p.log.Info("Deployment unassigned", "deployment", deploymentID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop deployment %s: %w", deploymentID, ctx.Err())
	}
}

// StopAll stops every running driver and waits for them.
func (p *Provider) StopAll(ctx context.Context) error {
	p.mu.Lock()
	insts := make([]*instance, 0, len(p.running))
	for _, inst := range p.running {
		insts = append(insts, inst)
	}
	p.mu.Unlock()

	for _, inst := range insts {
		ok, err := inst.launched(ctx)
		if err != nil {
			p.cancel()
			return fmt.Errorf("failed to stop deployments: %w", err)
		}
		if ok {
			inst.driver.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("failed to stop deployments: %w", ctx.Err())
	}
}

// Wait blocks until the deployment's driver exits and returns its result. A
// driver that already exited returns its result at once.
func (p *Provider) Wait(ctx context.Context, deploymentID string) error {
	p.mu.Lock()
	inst := p.running[deploymentID]
	if inst == nil {
		inst = p.finished[deploymentID]
	}
	p.mu.Unlock()
	if inst == nil {
		return fmt.Errorf("%w: deployment %s was never started", domain.ErrUsage, deploymentID)
	}
	ok, err := inst.launched(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: deployment %s failed to start", domain.ErrUsage, deploymentID)
	}
	select {
	case <-inst.done:
		return inst.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the ids of running deployments, sorted.
func (p *Provider) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id, inst := range p.running {
		if inst.driver != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Idle reports whether no running driver has buffered work left.
func (p *Provider) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.running {
		if inst.driver != nil && inst.driver.Pending() {
			return false
		}
	}
	return true
}

// Status returns the status of the running driver, or of the last one that
// exited for this deployment.
func (p *Provider) Status(deploymentID string) (driver.Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst := p.running[deploymentID]; inst != nil && inst.driver != nil {
		return inst.driver.Status(), true
	}
	if inst := p.finished[deploymentID]; inst != nil {
		return inst.driver.Status(), true
	}
	return driver.Status{}, false
}

// Statuses returns every known driver status, sorted by deployment.
func (p *Provider) Statuses() []driver.Status {
	p.mu.Lock()
	seen := make(map[string]driver.Status, len(p.running)+len(p.finished))
	for id, inst := range p.finished {
		seen[id] = inst.driver.Status()
	}
	for id, inst := range p.running {
		if inst.driver != nil {
			seen[id] = inst.driver.Status()
		}
	}
	p.mu.Unlock()

	out := make([]driver.Status, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out
}
