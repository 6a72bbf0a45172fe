package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/attestation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/commitment"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/config"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/custody"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ownership"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ratelimit"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// simClock is the scenario's virtual time.
type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time          { return c.now }
func (c *simClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// protocol is one in-process wiring of every component.
type protocol struct {
	cfg       *config.Config
	clock     *simClock
	core      *commitment.Core
	pools     *allocation.Pools
	engine    *attestation.Engine
	auth      *attestation.JWTAuthorizer
	link      *ownership.Link
	ledger    *custody.Ledger
	journal   *events.Journal
	limiter   *ratelimit.Limiter
	telemetry *observability.Provider
	closers   []func() error
}

func (p *protocol) Close(ctx context.Context) error {
	var errs []error
	if p.telemetry != nil {
		errs = append(errs, p.telemetry.Shutdown(ctx))
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	return errors.Join(errs...)
}

func limiterStore(cfg *config.Config) (ratelimit.Store, error) {
	switch cfg.RateLimits.Backend {
	case config.LimiterTokenBucket:
		return ratelimit.NewTokenBucketStore(), nil
	case config.LimiterRedis:
		store := ratelimit.NewRedisStoreFromAddr(cfg.Storage.RedisAddr, "", 0)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis rate limiter at %s: %w", cfg.Storage.RedisAddr, err)
		}
		return store, nil
	default:
		return ratelimit.NewMemoryStore(), nil
	}
}

// stores opens the persistence selected by cfg. The postgres backend keeps
// pools in Postgres and the rest in SQLite at sqlite_path.
func (p *protocol) stores(ctx context.Context) (commitment.Store, ownership.Store, allocation.Store, error) {
	backend := p.cfg.Storage.Backend
	if backend == config.StoreMemory {
		return commitment.NewMemoryStore(), ownership.NewMemoryStore(), allocation.NewMemoryStore(), nil
	}

	db, err := sql.Open("sqlite", p.cfg.Storage.SQLitePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open sqlite %s: %w", p.cfg.Storage.SQLitePath, err)
	}
	db.SetMaxOpenConns(1)
	p.closers = append(p.closers, db.Close)
	cs, err := commitment.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("commitment store: %w", err)
	}
	owns, err := ownership.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ownership store: %w", err)
	}
	if backend == config.StoreSQLite {
		return cs, owns, allocation.NewMemoryStore(), nil
	}

	pg, err := sql.Open("postgres", p.cfg.Storage.PostgresURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	p.closers = append(p.closers, pg.Close)
	ps := allocation.NewPostgresStore(pg)
	if err := ps.Migrate(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("migrate pools: %w", err)
	}
	return cs, owns, ps, nil
}

// newProtocol wires the components from cfg. Events go to the journal and,
// when eventsOut is set, to eventsOut as JSON lines.
func newProtocol(ctx context.Context, cfg *config.Config, start time.Time, eventsOut io.Writer) (p *protocol, err error) {
	p = &protocol{cfg: cfg, clock: &simClock{now: start}, journal: events.NewJournal()}
	defer func() {
		if err != nil {
			_ = p.Close(ctx)
		}
	}()
	p.journal.WithClock(p.clock.Now)
	var emitter events.Emitter = p.journal
	if eventsOut != nil {
		emitter = events.Multi{p.journal, events.NewJSONWriter(eventsOut)}
	}

	if p.telemetry, err = observability.New(ctx, &cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := limiterStore(cfg)
	if err != nil {
		return nil, err
	}
	p.limiter = ratelimit.New(store, ratelimit.WithClock(p.clock.Now))
	for action, policy := range cfg.RateLimits.Limits {
		if err := p.limiter.SetLimit(ctx, action, policy.Window, policy.MaxCalls); err != nil {
			return nil, err
		}
	}
	for _, caller := range cfg.RateLimits.Exempt {
		p.limiter.SetExempt(caller, true)
	}

	cs, owns, ps, err := p.stores(ctx)
	if err != nil {
		return nil, err
	}
	p.link = ownership.NewLink(owns, ownership.WithClock(p.clock.Now))
	p.pools = allocation.NewPools(cfg.Protocol.Admin, ps,
		allocation.WithClock(p.clock.Now),
		allocation.WithEmitter(emitter),
		allocation.WithMaxAllocationBps(cfg.Allocation.MaxSingleAllocationBps),
		allocation.WithTelemetry(p.telemetry),
	)
	p.ledger = custody.NewLedger()
	p.core, err = commitment.NewCore(commitment.Config{
		Admin:          cfg.Protocol.Admin,
		CustodyAccount: cfg.Protocol.CustodyAccount,
		Bounds:         cfg.Validation,
		ValueUpdaters:  cfg.Protocol.ValueUpdaters,
	}, cs, p.link, p.pools, p.ledger,
		commitment.WithClock(p.clock.Now),
		commitment.WithEmitter(emitter),
		commitment.WithRateLimiter(p.limiter),
		commitment.WithTelemetry(p.telemetry),
	)
	if err != nil {
		return nil, err
	}

	var rules map[attestation.Type]string
	if len(cfg.Attestation.Rules) > 0 {
		rules = make(map[attestation.Type]string, len(cfg.Attestation.Rules))
		for t, expr := range cfg.Attestation.Rules {
			rules[attestation.Type(t)] = expr
		}
	}
	opts := []attestation.Option{
		attestation.WithClock(p.clock.Now),
		attestation.WithEmitter(emitter),
		attestation.WithRateLimiter(p.limiter),
		attestation.WithTelemetry(p.telemetry),
	}
	if cfg.Attestation.JWTSecret != "" {
		p.auth = attestation.NewJWTAuthorizer([]byte(cfg.Attestation.JWTSecret), cfg.Attestation.JWTIssuer).WithClock(p.clock.Now)
		opts = append(opts, attestation.WithAuthorizer(p.auth))
	}
	p.engine, err = attestation.NewEngine(attestation.Config{
		Admin:               cfg.Protocol.Admin,
		Verifiers:           cfg.Attestation.Verifiers,
		DecayWindow:         cfg.Attestation.DecayWindow,
		DecayStep:           cfg.Attestation.DecayStep,
		ComplianceThreshold: cfg.Attestation.ComplianceThreshold,
		MaxBatchSize:        cfg.Attestation.MaxBatchSize,
		Rules:               rules,
	}, p.core, opts...)
	if err != nil {
		return nil, fmt.Errorf("attestation engine: %w", err)
	}
	return p, nil
}
