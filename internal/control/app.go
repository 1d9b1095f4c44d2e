// Package control wires the store, chain source, buffer, ingestion and
// deployment drivers into a running indexer.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/vietddude/blockindexer/internal/core/config"
	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/core/progress"
	"github.com/vietddude/blockindexer/internal/core/worker"
	"github.com/vietddude/blockindexer/internal/indexing/assignment"
	"github.com/vietddude/blockindexer/internal/indexing/chainbuffer"
	"github.com/vietddude/blockindexer/internal/indexing/health"
	"github.com/vietddude/blockindexer/internal/indexing/ingest"
	"github.com/vietddude/blockindexer/internal/indexing/mapping"
	"github.com/vietddude/blockindexer/internal/indexing/recovery"
	"github.com/vietddude/blockindexer/internal/indexing/reorg"
	"github.com/vietddude/blockindexer/internal/infra/chain"
	"github.com/vietddude/blockindexer/internal/infra/chain/evm"
	"github.com/vietddude/blockindexer/internal/infra/chain/fixture"
	redisclient "github.com/vietddude/blockindexer/internal/infra/redis"
)

// streamMaxLen caps each deployment's event stream.
const streamMaxLen = 100_000

// App is the indexer application.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	store    *Store
	manager  progress.Manager
	buffer   *chainbuffer.Buffer
	source   chain.Source
	fixture  *fixture.Source
	closeRPC func()

	provider     *assignment.Provider
	pruner       *worker.Pruner
	healthMon    *health.Monitor
	healthServer *health.Server
	redisClient  *redisclient.Client

	mu        sync.Mutex
	recorders map[string]*mapping.RecordingExecutor
	poller    *ingest.Poller
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Options tune an App beyond its config file.
type Options struct {
	// ServeHTTP starts the health server on cfg.Server.Port.
	ServeHTTP bool
	Logger    *slog.Logger
}

// New creates an App with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		recorders: make(map[string]*mapping.RecordingExecutor),
		closeRPC:  func() {},
	}

	// 1. Progress store
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.manager = progress.NewManager(store.Repo, progress.WithTimeout(cfg.Store.Timeout))

	// 2. Chain source
	if err := a.openSource(ctx); err != nil {
		store.Close()
		return nil, err
	}

	// 3. Buffer and drivers
	a.buffer = chainbuffer.New(chainbuffer.Config{FinalityHorizon: cfg.Chain.Horizon()})

	reorgCfg := reorg.Config{MaxDepth: cfg.Reorg.MaxDepth}
	if cfg.Chain.GenesisHash != "" {
		h := common.HexToHash(cfg.Chain.GenesisHash)
		reorgCfg.GenesisHash = &h
	}

	if needsRedis(cfg) {
		client := store.redis
		if client == nil {
			client, err = redisclient.NewClient(cfg.Redis)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
		}
		a.redisClient = client
	}

	a.provider = assignment.NewProvider(assignment.Config{
		Buffer:   a.buffer,
		Progress: a.manager,
		Resolver: assignment.ResolverFunc(a.resolve),
		Reorg:    reorgCfg,
		Backoff:  backoff(cfg.Driver.Retry),
		Logger:   log,
	})

	// 4. Pruner and health
	a.pruner = worker.NewPruner(a.buffer, cfg.Chain.PruneInterval, log)
	a.healthMon = health.NewMonitor(a.manager, a.provider, a.source, health.Thresholds{})
	if opts.ServeHTTP {
		a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)
	}
	return a, nil
}

func (a *App) openSource(ctx context.Context) error {
	switch a.cfg.Chain.Type {
	case config.SourceFixture:
		f, err := fixture.Load(a.cfg.Chain.FixturePath)
		if err != nil {
			return err
		}
		// Revealed one block at a time by feedFixture
		a.fixture = fixture.NewSource(f, 0)
		a.source = a.fixture

	case config.SourceEVM:
		addrs := make([]common.Address, 0, len(a.cfg.Chain.LogAddresses))
		for _, s := range a.cfg.Chain.LogAddresses {
			addrs = append(addrs, common.HexToAddress(s))
		}
		urls := append([]string{a.cfg.Chain.RPCURL}, a.cfg.Chain.FallbackRPCURLs...)
		sources := make([]chain.Source, 0, len(urls))
		var clients []*ethclient.Client
		for i, url := range urls {
			name := a.cfg.Chain.Name
			if i > 0 {
				name = fmt.Sprintf("%s-%d", name, i)
			}
			src, client, err := evm.Dial(ctx, url, evm.Config{
				Name:            name,
				FinalityHorizon: a.cfg.Chain.Horizon(),
				LogAddresses:    addrs,
			})
			if err != nil {
				for _, c := range clients {
					c.Close()
				}
				return err
			}
			sources = append(sources, src)
			clients = append(clients, client)
		}
		a.closeRPC = func() {
			for _, c := range clients {
				c.Close()
			}
		}
		a.source = sources[0]
		if len(sources) > 1 {
			a.source = chain.NewFailover(sources, chain.DefaultCooldown)
		}

	default:
		return fmt.Errorf("unsupported chain type %q", a.cfg.Chain.Type)
	}
	return nil
}

func needsRedis(cfg *config.AppConfig) bool {
	for _, d := range cfg.Deployments {
		if d.Sink == config.SinkRedis {
			return true
		}
	}
	return false
}

func backoff(cfg config.RetryConfig) *recovery.ExponentialBackoff {
	b := recovery.DefaultBackoff(nil)
	if cfg.InitialDelay > 0 {
		b.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxDelay = cfg.MaxDelay
	}
	if cfg.MaxAttempts > 0 {
		b.MaxAttempts = cfg.MaxAttempts
	}
	return b
}

// resolve builds the executor and filter of a configured deployment.
func (a *App) resolve(ctx context.Context, id string) (*assignment.Deployment, error) {
	dc, ok := a.cfg.Deployment(id)
	if !ok {
		return nil, fmt.Errorf("%w: deployment %s is not configured", domain.ErrNotFound, id)
	}
	filter, err := dc.Filter.Build()
	if err != nil {
		return nil, err
	}

	dep := &assignment.Deployment{Filter: filter, StartBlock: a.startBlock(dc)}
	switch dc.Sink {
	case config.SinkRedis:
		stream := dc.Stream
		if stream == "" {
			stream = id
		}
		dep.Executor = mapping.NewEmittingExecutor(id, redisclient.NewPublisher(a.redisClient, stream, streamMaxLen))
	case config.SinkRecording:
		dep.Executor = a.Recorder(id)
	default:
		dep.Executor = mapping.NewLogExecutor(a.log.With("deployment", id))
	}
	return dep, nil
}

func (a *App) startBlock(dc config.DeploymentConfig) uint64 {
	if dc.StartBlock > 0 {
		return dc.StartBlock
	}
	return a.cfg.Chain.StartBlock
}

// Recorder returns the recording executor of a deployment, creating it on
// first use.
func (a *App) Recorder(id string) *mapping.RecordingExecutor {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.recorders[id]
	if !ok {
		r = mapping.NewRecordingExecutor()
		a.recorders[id] = r
	}
	return r
}

// Progress returns the progress manager.
func (a *App) Progress() progress.Manager { return a.manager }

// Provider returns the deployment provider.
func (a *App) Provider() *assignment.Provider { return a.provider }

// Buffer returns the chain buffer.
func (a *App) Buffer() *chainbuffer.Buffer { return a.buffer }

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start starts ingestion, every configured deployment and the background
// workers. Ingestion resumes from the lowest stored pointer.
func (a *App) Start(ctx context.Context) error {
	from, err := a.ingestFrom(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.poller = ingest.New(ingest.Config{
		Source:      a.source,
		Buffer:      a.buffer,
		From:        from,
		Interval:    a.cfg.Chain.ScanInterval,
		Throttle:    a.cfg.Chain.Throttle,
		MaxBackfill: a.cfg.Chain.MaxBackfill,
		Logger:      a.log,
	})
	a.mu.Unlock()

	for _, dc := range a.cfg.Deployments {
		if err := a.provider.Start(ctx, dc.ID, stopPtr(dc.StopBlock)); err != nil {
			cancel()
			return fmt.Errorf("failed to start deployment %s: %w", dc.ID, err)
		}
	}

	if a.healthServer != nil {
		a.goRun(func() {
			if err := a.healthServer.Start(); err != nil {
				a.log.Error("Health server failed", "error", err)
			}
		})
	}
	if a.store.db != nil {
		a.store.db.StartMetricsCollector(runCtx)
	}
	a.goRun(func() { a.pruner.Start(runCtx) })

	if a.fixture != nil {
		a.goRun(func() {
			if err := a.feedFixture(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("Fixture replay failed", "error", err)
			}
		})
	} else {
		a.goRun(func() { _ = a.poller.Run(runCtx) })
	}

	a.log.Info("Indexer started",
		"source", a.source.Name(),
		"from", from,
		"deployments", len(a.cfg.Deployments),
		"store", a.store.Backend,
	)
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// ingestFrom is the lowest height any configured deployment still needs.
func (a *App) ingestFrom(ctx context.Context) (uint64, error) {
	from := a.cfg.Chain.StartBlock
	first := true
	for _, dc := range a.cfg.Deployments {
		rec, err := a.manager.Create(ctx, dc.ID)
		if err != nil {
			return 0, fmt.Errorf("failed to read progress of %s: %w", dc.ID, err)
		}
		need := a.startBlock(dc)
		if rec.Ptr != nil {
			// Re-fetch the stored block so a reorg of it is visible
			need = rec.Ptr.Number
		}
		if first || need < from {
			from = need
			first = false
		}
	}
	return from, nil
}

func stopPtr(s *config.StopBlockConfig) *domain.BlockPtr {
	if s == nil {
		return nil
	}
	p := domain.NewBlockPtr(s.Number, s.Hash)
	return &p
}

// feedFixture reveals fixture blocks one by one, ingesting each and waiting
// for the deployments to process it before revealing the next.
func (a *App) feedFixture(ctx context.Context) error {
	for a.fixture.Advance() {
		if _, err := a.poller.Poll(ctx); err != nil {
			return err
		}
		if err := a.waitIdle(ctx); err != nil {
			return err
		}
	}
	a.log.Info("Fixture fully delivered", "source", a.source.Name())
	return nil
}

func (a *App) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for !a.provider.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Wait blocks until every configured deployment's driver exits and returns
// the first failure.
func (a *App) Wait(ctx context.Context) error {
	var first error
	for _, dc := range a.cfg.Deployments {
		if err := a.provider.Wait(ctx, dc.ID); err != nil && first == nil {
			first = fmt.Errorf("deployment %s: %w", dc.ID, err)
		}
	}
	return first
}

// Stop stops the drivers, ingestion and background workers.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping indexer...")

	err := a.provider.StopAll(ctx)

	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if a.healthServer != nil {
		if herr := a.healthServer.Stop(ctx); herr != nil && err == nil {
			err = herr
		}
	}
	a.wg.Wait()
	return errors.Join(err, a.Close())
}

// Close releases connections. Stop calls it.
func (a *App) Close() error {
	a.closeRPC()
	var errs []error
	if a.redisClient != nil && a.redisClient != a.store.redis {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
