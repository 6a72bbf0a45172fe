package commitment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ownership"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ratelimit"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const namespace = "core"

// Rate-limited action names.
const (
	ActionCreate      = "create"
	ActionAllocate    = "allocate"
	ActionUpdateValue = "update_value"
	ActionEarlyExit   = "early_exit"
	ActionRebalance   = "rebalance"
)

// Config holds the core's administrative settings.
type Config struct {
	Admin          string
	CustodyAccount string
	Bounds         safety.Bounds
	ValueUpdaters  []string
}

// Core is the commitment orchestrator.
type Core struct {
	admin     string
	custody   string
	bounds    safety.Bounds
	store     Store
	link      *ownership.Link
	pools     *allocation.Pools
	ledger    Ledger
	limiter   *ratelimit.Limiter
	emitter   events.Emitter
	telemetry *observability.Provider
	clock     func() time.Time
	newID     func() string
	guard     *safety.Guard
	logger    *slog.Logger

	mu        sync.RWMutex
	emergency bool
	updaters  map[string]bool
}

// Option configures a Core.
type Option func(*Core)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(c *Core) { c.clock = clock }
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(c *Core) { c.emitter = e }
}

// WithRateLimiter replaces the default (unconfigured) limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Core) { c.limiter = l }
}

// WithTelemetry records spans and metrics for every operation.
func WithTelemetry(p *observability.Provider) Option {
	return func(c *Core) { c.telemetry = p }
}

// WithIDGenerator overrides commitment id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Core) { c.newID = gen }
}

// NewCore wires the orchestrator. A nil store selects a MemoryStore.
func NewCore(cfg Config, store Store, link *ownership.Link, pools *allocation.Pools, ledger Ledger, opts ...Option) (*Core, error) {
	if err := safety.ValidateAddress("admin", cfg.Admin); err != nil {
		return nil, err
	}
	if err := safety.ValidateAddress("custody_account", cfg.CustodyAccount); err != nil {
		return nil, err
	}
	if link == nil || pools == nil || ledger == nil {
		return nil, errors.New("commitment core requires an ownership link, pools and a ledger")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Bounds == (safety.Bounds{}) {
		cfg.Bounds = safety.DefaultBounds()
	}
	c := &Core{
		admin:    cfg.Admin,
		custody:  cfg.CustodyAccount,
		bounds:   cfg.Bounds,
		store:    store,
		link:     link,
		pools:    pools,
		ledger:   ledger,
		emitter:  events.Nop{},
		clock:    time.Now,
		newID:    func() string { return "cmt_" + uuid.NewString() },
		guard:    safety.NewGuard(namespace),
		logger:   slog.Default().With("component", "commitment"),
		updaters: make(map[string]bool),
	}
	for _, u := range cfg.ValueUpdaters {
		c.updaters[u] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(nil, ratelimit.WithClock(c.clock))
	}
	return c, nil
}

// Admin returns the administrator address.
func (c *Core) Admin() string { return c.admin }

// CustodyAccount returns the ledger account holding locked funds.
func (c *Core) CustodyAccount() string { return c.custody }

// EmergencyMode reports whether emergency mode is on.
func (c *Core) EmergencyMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.emergency
}

// RateLimiter exposes the limiter applied to normal operations.
func (c *Core) RateLimiter() *ratelimit.Limiter { return c.limiter }

func (c *Core) track(ctx context.Context, op, id, caller string) (context.Context, func(error)) {
	if c.telemetry == nil {
		return ctx, func(error) {}
	}
	return c.telemetry.TrackOperation(ctx, op, observability.CommitmentOperation(id, caller)...)
}

func (c *Core) emit(ctx context.Context, t events.Type, subject, actor string, data map[string]any) {
	e := events.Event{Type: t, Subject: subject, Actor: actor, Timestamp: c.clock().UTC(), Data: data}
	if err := c.emitter.Emit(ctx, e); err != nil {
		c.logger.ErrorContext(ctx, "event emission failed", "type", t, "error", err)
	}
}

// requireNormal is the first check of every normal operation.
func (c *Core) requireNormal() error {
	if c.EmergencyMode() {
		return protoerr.New(protoerr.KindEmergencyModeActive, namespace, "operation disabled in emergency mode")
	}
	return nil
}

// requireEmergency is the first check of every emergency operation.
func (c *Core) requireEmergency(ctx context.Context, caller, op string) error {
	if !c.EmergencyMode() {
		return protoerr.New(protoerr.KindEmergencyModeInactive, namespace, op+" requires emergency mode")
	}
	return c.requireAdmin(ctx, caller, op)
}

func (c *Core) requireAdmin(ctx context.Context, caller, op string) error {
	if caller != c.admin {
		c.logger.WarnContext(ctx, "unauthorized admin operation", "caller", caller, "op", op)
		return protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s requires the administrator", op)
	}
	return nil
}

func (c *Core) enter(ctx context.Context, op string) (func(), error) {
	release, err := c.guard.Enter()
	if err != nil {
		c.logger.WarnContext(ctx, "reentrant call rejected", "op", op)
	}
	return release, err
}

func (c *Core) load(ctx context.Context, id string) (*Commitment, error) {
	if err := safety.ValidateNonEmpty("commitment_id", id); err != nil {
		return nil, err
	}
	cm, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("commitment lookup %s: %w", id, err)
	}
	if cm == nil {
		return nil, notFound(id)
	}
	return cm, nil
}

func requireActive(cm *Commitment) error {
	if cm.Status.Terminal() {
		return protoerr.Newf(protoerr.KindAlreadySettled, namespace, "commitment %s is %s", cm.ID, cm.Status)
	}
	return nil
}

// save persists cm and records how to restore prev.
func (c *Core) save(ctx context.Context, rb *rollbackJournal, prev, cm *Commitment) error {
	if err := c.store.Update(ctx, cm); err != nil {
		return fmt.Errorf("update commitment %s: %w", cm.ID, err)
	}
	snapshot := prev.clone()
	rb.record("commitment "+cm.ID, func(ctx context.Context) error {
		return c.store.Update(ctx, snapshot)
	})
	return nil
}

func (c *Core) validateCreate(req CreateRequest) error {
	if err := safety.ValidateAddress("owner", req.Owner); err != nil {
		return err
	}
	if err := safety.ValidateNonEmpty("asset", req.Asset); err != nil {
		return err
	}
	if err := safety.ValidatePositive("principal", req.Principal); err != nil {
		return err
	}
	if err := c.bounds.ValidateDuration(req.DurationDays); err != nil {
		return err
	}
	if err := safety.ValidateRisk(req.Risk); err != nil {
		return err
	}
	if err := safety.ValidateCommitmentType(req.Type); err != nil {
		return err
	}
	if err := safety.ValidatePercent("early_exit_penalty_percent", req.EarlyExitPenaltyPercent); err != nil {
		return err
	}
	if err := safety.ValidatePercent("max_loss_percent", req.MaxLossPercent); err != nil {
		return err
	}
	if err := safety.ValidateNonNegative("min_fee_threshold", req.MinFeeThreshold); err != nil {
		return err
	}
	if req.PoolID == "" && req.AllocateAmount != 0 {
		return protoerr.Validation(namespace, "pool_id", "required when allocate_amount is set")
	}
	if req.PoolID != "" {
		if err := safety.ValidatePositive("allocate_amount", req.AllocateAmount); err != nil {
			return err
		}
		if req.AllocateAmount > req.Principal {
			return protoerr.Validation(namespace, "allocate_amount", "must not exceed principal")
		}
	}
	return nil
}

// CreateCommitment validates req, stores an Active commitment, mints its
// ownership record and performs the optional initial allocation.
func (c *Core) CreateCommitment(ctx context.Context, req CreateRequest) (id string, err error) {
	ctx, done := c.track(ctx, "create_commitment", "", req.Owner)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return "", err
	}
	release, err := c.enter(ctx, "create_commitment")
	if err != nil {
		return "", err
	}
	defer release()

	if err := c.limiter.Check(ctx, req.Owner, ActionCreate); err != nil {
		return "", err
	}
	if err := c.validateCreate(req); err != nil {
		return "", err
	}

	now := c.clock().UTC()
	lifetime, err := safety.Mul(int64(req.DurationDays), int64(24*time.Hour))
	if err != nil {
		return "", err
	}
	cm := &Commitment{
		ID:                      c.newID(),
		Owner:                   req.Owner,
		Asset:                   req.Asset,
		Principal:               req.Principal,
		DurationDays:            req.DurationDays,
		CreatedAt:               now,
		MaturesAt:               now.Add(time.Duration(lifetime)),
		Risk:                    req.Risk,
		Type:                    req.Type,
		CurrentValue:            req.Principal,
		Status:                  StatusActive,
		EarlyExitPenaltyPercent: req.EarlyExitPenaltyPercent,
		MaxLossPercent:          req.MaxLossPercent,
		MinFeeThreshold:         req.MinFeeThreshold,
		UpdatedAt:               now,
	}
	if req.PoolID != "" {
		cm.PoolID = req.PoolID
		cm.Allocated = req.AllocateAmount
	}

	var rb rollbackJournal
	if err := c.store.Insert(ctx, cm); err != nil {
		return "", fmt.Errorf("store commitment: %w", err)
	}
	rb.record("create "+cm.ID, func(ctx context.Context) error {
		return c.store.Delete(ctx, cm.ID)
	})

	meta := ownership.Metadata{
		CommitmentID:            cm.ID,
		DurationDays:            cm.DurationDays,
		Risk:                    cm.Risk,
		CommitmentType:          cm.Type,
		Principal:               cm.Principal,
		Asset:                   cm.Asset,
		CreatedAt:               cm.CreatedAt,
		MaturesAt:               cm.MaturesAt,
		EarlyExitPenaltyPercent: cm.EarlyExitPenaltyPercent,
		MaxLossPercent:          cm.MaxLossPercent,
	}
	if err := c.link.Mint(ctx, cm.Owner, cm.ID, meta); err != nil {
		return "", rb.unwind(ctx, c.logger, err)
	}
	rb.record("mint "+cm.ID, func(ctx context.Context) error {
		return c.link.Burn(ctx, cm.ID)
	})

	if req.PoolID != "" {
		if err := c.pools.Allocate(ctx, req.PoolID, cm.ID, req.AllocateAmount); err != nil {
			return "", rb.unwind(ctx, c.logger, err)
		}
	}

	c.logger.InfoContext(ctx, "commitment created",
		"commitment_id", cm.ID, "owner", cm.Owner, "principal", cm.Principal, "matures_at", cm.MaturesAt)
	c.emit(ctx, events.CommitmentCreated, cm.ID, cm.Owner, map[string]any{
		"principal":     cm.Principal,
		"asset":         cm.Asset,
		"duration_days": cm.DurationDays,
		"risk":          cm.Risk,
		"type":          cm.Type,
		"matures_at":    cm.MaturesAt,
	})
	if req.PoolID != "" {
		c.emit(ctx, events.CommitmentAllocated, cm.ID, cm.Owner, map[string]any{
			"pool_id": req.PoolID, "amount": req.AllocateAmount, "allocated": cm.Allocated,
		})
		c.emit(ctx, events.PoolAllocated, req.PoolID, cm.Owner, map[string]any{
			"commitment_id": cm.ID, "amount": req.AllocateAmount,
		})
	}
	return cm.ID, nil
}

// priorEntry returns the commitment's current entry in poolID, or nil.
func (c *Core) priorEntry(ctx context.Context, poolID, id string) (*allocation.Entry, error) {
	entry, err := c.pools.GetAllocation(ctx, poolID, id)
	if errors.Is(err, protoerr.ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// Allocate places amount of the commitment's value into poolID. The owner
// or the administrator may allocate; a commitment uses a single pool and
// never allocates more than its current value at the time of the call.
// A later value drop does not release anything, so Allocated can exceed
// CurrentValue until the commitment closes.
func (c *Core) Allocate(ctx context.Context, caller, id, poolID string, amount int64) (err error) {
	ctx, done := c.track(ctx, "allocate", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return err
	}
	release, err := c.enter(ctx, "allocate")
	if err != nil {
		return err
	}
	defer release()

	if err := c.limiter.Check(ctx, caller, ActionAllocate); err != nil {
		return err
	}
	cm, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if caller != cm.Owner && caller != c.admin {
		c.logger.WarnContext(ctx, "unauthorized allocation", "caller", caller, "commitment_id", id)
		return protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s may not allocate %s", caller, id)
	}
	if err := requireActive(cm); err != nil {
		return err
	}
	if err := safety.ValidateNonEmpty("pool_id", poolID); err != nil {
		return err
	}
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return err
	}
	if cm.PoolID != "" && cm.PoolID != poolID {
		return protoerr.Validation(namespace, "pool_id", "commitment is already allocated to pool "+cm.PoolID)
	}
	if cm.PoolID == "" && cm.Allocated > 0 {
		return protoerr.Validation(namespace, "pool_id", "commitment is allocated by strategy; rebalance instead")
	}
	allocated, err := safety.Add(cm.Allocated, amount)
	if err != nil {
		return err
	}
	if allocated > cm.CurrentValue {
		return protoerr.Newf(protoerr.KindCapacityExceeded, namespace,
			"allocation %d exceeds unallocated value %d", amount, unallocated(cm))
	}
	prior, err := c.priorEntry(ctx, poolID, id)
	if err != nil {
		return err
	}

	var rb rollbackJournal
	if err := c.pools.Allocate(ctx, poolID, id, amount); err != nil {
		return err
	}
	rb.record("allocate "+id, func(ctx context.Context) error {
		return c.pools.Restore(ctx, poolID, id, prior)
	})

	next := cm.clone()
	next.PoolID = poolID
	next.Allocated = allocated
	next.UpdatedAt = c.clock().UTC()
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return rb.unwind(ctx, c.logger, err)
	}

	c.logger.InfoContext(ctx, "commitment allocated", "commitment_id", id, "pool", poolID, "amount", amount, "allocated", allocated)
	c.emit(ctx, events.CommitmentAllocated, id, caller, map[string]any{
		"pool_id": poolID, "amount": amount, "allocated": allocated,
	})
	c.emit(ctx, events.PoolAllocated, poolID, caller, map[string]any{
		"commitment_id": id, "amount": amount,
	})
	return nil
}

// unallocated is the value still free to allocate, never below zero.
func unallocated(cm *Commitment) int64 {
	if free := cm.CurrentValue - cm.Allocated; free > 0 {
		return free
	}
	return 0
}

// SetValueUpdater grants or revokes addr's right to report values. Admin only.
func (c *Core) SetValueUpdater(ctx context.Context, caller, addr string, enabled bool) error {
	if err := c.requireAdmin(ctx, caller, "set_value_updater"); err != nil {
		return err
	}
	if err := safety.ValidateAddress("updater", addr); err != nil {
		return err
	}
	c.mu.Lock()
	if enabled {
		c.updaters[addr] = true
	} else {
		delete(c.updaters, addr)
	}
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "value updater changed", "updater", addr, "enabled", enabled)
	return nil
}

// ValueUpdaters returns the registered updaters, sorted.
func (c *Core) ValueUpdaters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.updaters))
	for u := range c.updaters {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// SetRateLimit configures a limit on one of the Action* operations. Admin only.
func (c *Core) SetRateLimit(ctx context.Context, caller, action string, window time.Duration, maxCalls int) error {
	if err := c.requireAdmin(ctx, caller, "set_rate_limit"); err != nil {
		return err
	}
	return c.limiter.SetLimit(ctx, action, window, maxCalls)
}

// ClearRateLimit disables limiting for action. Admin only.
func (c *Core) ClearRateLimit(ctx context.Context, caller, action string) error {
	if err := c.requireAdmin(ctx, caller, "clear_rate_limit"); err != nil {
		return err
	}
	return c.limiter.ClearLimit(ctx, action)
}

// SetRateLimitExempt exempts addr from all limits. Admin only.
func (c *Core) SetRateLimitExempt(ctx context.Context, caller, addr string, exempt bool) error {
	if err := c.requireAdmin(ctx, caller, "set_rate_limit_exempt"); err != nil {
		return err
	}
	c.limiter.SetExempt(addr, exempt)
	return nil
}

func (c *Core) canUpdateValue(caller string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return caller == c.admin || c.updaters[caller]
}

// UpdateValue sets the commitment's tracked value.
func (c *Core) UpdateValue(ctx context.Context, caller, id string, newValue int64) (err error) {
	ctx, done := c.track(ctx, "update_value", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return err
	}
	if err := safety.ValidateNonNegative("new_value", newValue); err != nil {
		return err
	}
	return c.applyValue(ctx, caller, id, func(int64) (int64, error) { return newValue, nil })
}

// AdjustValue adds delta to the tracked value. A result below zero fails
// with an arithmetic error.
func (c *Core) AdjustValue(ctx context.Context, caller, id string, delta int64) (err error) {
	ctx, done := c.track(ctx, "adjust_value", id, caller)
	defer func() { done(err) }()

	if err := c.requireNormal(); err != nil {
		return err
	}
	return c.applyValue(ctx, caller, id, func(current int64) (int64, error) {
		next, err := safety.Add(current, delta)
		if err != nil {
			return 0, err
		}
		if next < 0 {
			return 0, protoerr.Newf(protoerr.KindArithmetic, namespace, "value %d%+d would go below zero", current, delta)
		}
		return next, nil
	})
}

func (c *Core) applyValue(ctx context.Context, caller, id string, compute func(int64) (int64, error)) error {
	release, err := c.enter(ctx, "update_value")
	if err != nil {
		return err
	}
	defer release()

	if !c.canUpdateValue(caller) {
		c.logger.WarnContext(ctx, "unauthorized value update", "caller", caller, "commitment_id", id)
		return protoerr.Newf(protoerr.KindUnauthorized, namespace, "%s may not update values", caller)
	}
	if err := c.limiter.Check(ctx, caller, ActionUpdateValue); err != nil {
		return err
	}
	cm, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if err := requireActive(cm); err != nil {
		return err
	}
	value, err := compute(cm.CurrentValue)
	if err != nil {
		return err
	}
	loss, err := safety.LossPercent(cm.Principal, value)
	if err != nil {
		return err
	}

	var rb rollbackJournal
	next := cm.clone()
	next.CurrentValue = value
	next.UpdatedAt = c.clock().UTC()
	if err := c.save(ctx, &rb, cm, next); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "value updated", "commitment_id", id, "old_value", cm.CurrentValue, "new_value", value)
	c.emit(ctx, events.ValueUpdated, id, caller, map[string]any{
		"old_value": cm.CurrentValue, "new_value": value, "loss_percent": loss,
	})
	if loss > int64(cm.MaxLossPercent) {
		c.logger.WarnContext(ctx, "max loss exceeded", "commitment_id", id, "loss_percent", loss, "max_loss_percent", cm.MaxLossPercent)
		c.emit(ctx, events.Violation, id, caller, map[string]any{
			"reason": "max_loss", "loss_percent": loss, "max_loss_percent": cm.MaxLossPercent,
		})
	}
	return nil
}
