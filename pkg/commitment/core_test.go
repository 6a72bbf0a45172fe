package commitment

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/allocation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/attestation"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/custody"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/events"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/observability"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/ownership"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const (
	admin   = "admin"
	alice   = "alice"
	bob     = "bob"
	vault   = "commitment-custody"
	usdc    = "USDC"
	day     = 24 * time.Hour
	oracle  = "oracle"
	poolA   = "pool-a"
	capPool = int64(500)
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	core    *Core
	ledger  *custody.Ledger
	link    *ownership.Link
	pools   *allocation.Pools
	journal *events.Journal
	clock   *testClock
}

func newHarness(t *testing.T, store Store, opts ...Option) *harness {
	t.Helper()
	clock := &testClock{now: t0}
	journal := events.NewJournal().WithClock(clock.Now)
	link := ownership.NewLink(nil, ownership.WithClock(clock.Now))
	pools := allocation.NewPools(admin, nil, allocation.WithClock(clock.Now), allocation.WithEmitter(journal))
	ledger := custody.NewLedger()
	require.NoError(t, ledger.Fund(vault, usdc, 10_000))
	require.NoError(t, pools.RegisterPool(context.Background(), admin, poolA, capPool, 500, safety.RiskLow))

	base := []Option{WithClock(clock.Now), WithEmitter(journal)}
	core, err := NewCore(Config{Admin: admin, CustodyAccount: vault, ValueUpdaters: []string{oracle}},
		store, link, pools, ledger, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{core: core, ledger: ledger, link: link, pools: pools, journal: journal, clock: clock}
}

func request(owner string, principal int64) CreateRequest {
	return CreateRequest{
		Owner:                   owner,
		Asset:                   usdc,
		Principal:               principal,
		DurationDays:            30,
		Risk:                    safety.RiskLow,
		Type:                    safety.TypeSafe,
		EarlyExitPenaltyPercent: 10,
		MaxLossPercent:          20,
	}
}

func (h *harness) create(t *testing.T, owner string, principal int64) string {
	t.Helper()
	id, err := h.core.CreateCommitment(context.Background(), request(owner, principal))
	require.NoError(t, err)
	return id
}

func (h *harness) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), account, usdc)
	require.NoError(t, err)
	return b
}

func TestCreateCommitment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	id := h.create(t, alice, 1000)
	assert.Regexp(t, `^cmt_[0-9a-f-]{36}$`, id)

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cm.Status)
	assert.Equal(t, int64(1000), cm.CurrentValue)
	assert.Equal(t, t0.Add(30*day), cm.MaturesAt)

	rec, err := h.link.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Active)
	assert.Equal(t, alice, rec.Owner)
	assert.Equal(t, uint32(10), rec.Metadata.EarlyExitPenaltyPercent)
	assert.Equal(t, uint32(20), rec.Metadata.MaxLossPercent)

	ids, err := h.core.ListForOwner(ctx, alice, safety.Page{})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
	assert.Len(t, h.journal.OfType(events.CommitmentCreated), 1)
	assert.Empty(t, h.ledger.Transfers())
}

func TestCreateCommitment_Validation(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"empty owner", func(r *CreateRequest) { r.Owner = "" }, "owner"},
		{"zero principal", func(r *CreateRequest) { r.Principal = 0 }, "principal"},
		{"zero duration", func(r *CreateRequest) { r.DurationDays = 0 }, "duration_days"},
		{"too long", func(r *CreateRequest) { r.DurationDays = 5000 }, "duration_days"},
		{"bad risk", func(r *CreateRequest) { r.Risk = "extreme" }, "risk"},
		{"bad type", func(r *CreateRequest) { r.Type = "yolo" }, "commitment_type"},
		{"penalty over 100", func(r *CreateRequest) { r.EarlyExitPenaltyPercent = 101 }, "early_exit_penalty_percent"},
		{"amount without pool", func(r *CreateRequest) { r.AllocateAmount = 10 }, "pool_id"},
		{"allocation above principal", func(r *CreateRequest) { r.PoolID = poolA; r.AllocateAmount = 2000 }, "allocate_amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request(alice, 1000)
			tt.mutate(&req)
			_, err := h.core.CreateCommitment(context.Background(), req)
			require.ErrorIs(t, err, protoerr.ErrValidation)
			assert.Equal(t, tt.field, protoerr.FieldOf(err))
		})
	}
	n, err := h.core.TotalCommitments(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateCommitment_InitialAllocationIsAtomic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	req := request(alice, 1000)
	req.PoolID = poolA
	req.AllocateAmount = 600
	_, err := h.core.CreateCommitment(ctx, req)
	require.ErrorIs(t, err, protoerr.ErrCapacityExceeded)

	n, err := h.core.TotalCommitments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	supply, err := h.link.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Zero(t, supply)
	assert.Empty(t, h.journal.OfType(events.CommitmentCreated))

	req.AllocateAmount = 400
	id, err := h.core.CreateCommitment(ctx, req)
	require.NoError(t, err)
	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(400), cm.Allocated)
	assert.Equal(t, poolA, cm.PoolID)
	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Equal(t, int64(400), pool.TotalAllocated)
}

func TestEarlyExit_PenaltyScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)

	h.clock.Advance(10 * day)
	payout, err := h.core.EarlyExit(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, int64(900), payout)

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExitedEarly, cm.Status)
	active, err := h.link.IsActive(ctx, id)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = h.core.EarlyExit(ctx, alice, id)
	require.ErrorIs(t, err, protoerr.ErrAlreadySettled)
	assert.Len(t, h.ledger.Transfers(), 1)
	assert.Equal(t, int64(900), h.balance(t, alice))
	assert.Equal(t, int64(10_000-900), h.balance(t, vault))
}

func TestEarlyExit_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)

	_, err := h.core.EarlyExit(ctx, bob, id)
	require.ErrorIs(t, err, protoerr.ErrUnauthorized)
	_, err = h.core.EarlyExit(ctx, alice, "cmt_missing")
	require.ErrorIs(t, err, protoerr.ErrNotFound)

	h.clock.Advance(30 * day)
	_, err = h.core.EarlyExit(ctx, alice, id)
	require.ErrorIs(t, err, protoerr.ErrValidation)
	assert.Equal(t, "maturity", protoerr.FieldOf(err))
	assert.Empty(t, h.ledger.Transfers())
}

func TestSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, id, poolA, 300))
	require.NoError(t, h.core.UpdateValue(ctx, oracle, id, 1100))

	_, err := h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrNotMature)
	assert.True(t, protoerr.IsRetryable(err))

	h.clock.Advance(30 * day)
	payout, err := h.core.Settle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), payout)

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, cm.Status)
	assert.Zero(t, cm.Allocated)
	assert.Equal(t, int64(1100), cm.PaidOut)
	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Zero(t, pool.TotalAllocated)

	_, err = h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrAlreadySettled)
	assert.Len(t, h.ledger.Transfers(), 1)
	assert.Len(t, h.journal.OfType(events.Settled), 1)
	require.NoError(t, h.journal.Verify())
}

func TestSettle_TransferFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, id, poolA, 250))
	require.NoError(t, h.core.AdjustValue(ctx, oracle, id, 20_000))

	h.clock.Advance(31 * day)
	_, err := h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrInsufficientBalance)

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cm.Status)
	assert.Equal(t, int64(250), cm.Allocated)
	assert.Nil(t, cm.ClosedAt)
	active, err := h.link.IsActive(ctx, id)
	require.NoError(t, err)
	assert.True(t, active)
	entry, err := h.pools.GetAllocation(ctx, poolA, id)
	require.NoError(t, err)
	assert.Equal(t, int64(250), entry.Amount)
	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Equal(t, int64(250), pool.TotalAllocated)
	assert.Empty(t, h.ledger.Transfers())
	assert.Empty(t, h.journal.OfType(events.Settled))
	// Pool events follow the committed state only.
	assert.Len(t, h.journal.OfType(events.PoolAllocated), 1)
	assert.Empty(t, h.journal.OfType(events.PoolReleased))
	require.NoError(t, h.journal.Verify())

	require.NoError(t, h.ledger.Fund(vault, usdc, 20_000))
	_, err = h.core.Settle(ctx, id)
	require.NoError(t, err)
	released := h.journal.OfType(events.PoolReleased)
	require.Len(t, released, 1)
	assert.Equal(t, poolA, released[0].Subject)
	assert.EqualValues(t, 250, released[0].Data["amount"])
}

// failingUpdates fails every commitment update once armed.
type failingUpdates struct {
	*MemoryStore
	armed bool
}

func (s *failingUpdates) Update(ctx context.Context, c *Commitment) error {
	if s.armed {
		return errors.New("write conflict")
	}
	return s.MemoryStore.Update(ctx, c)
}

func TestAllocate_StoreFailureRestoresPool(t *testing.T) {
	ctx := context.Background()
	store := &failingUpdates{MemoryStore: NewMemoryStore()}
	h := newHarness(t, store)
	id := h.create(t, alice, 1000)

	store.armed = true
	err := h.core.Allocate(ctx, alice, id, poolA, 200)
	require.ErrorContains(t, err, "write conflict")

	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Zero(t, pool.TotalAllocated)
	_, err = h.pools.GetAllocation(ctx, poolA, id)
	require.ErrorIs(t, err, protoerr.ErrNotFound)
	assert.Empty(t, h.journal.OfType(events.PoolAllocated))
	assert.Empty(t, h.journal.OfType(events.CommitmentAllocated))
}

func TestSettle_ReentrantLedgerIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first := h.create(t, alice, 1000)
	second := h.create(t, bob, 500)
	h.clock.Advance(30 * day)

	var nested []error
	h.ledger.OnTransfer(func(ctx context.Context, _ custody.Transfer) error {
		_, err := h.core.Settle(ctx, second)
		nested = append(nested, err)
		_, err = h.core.EarlyExit(ctx, bob, second)
		nested = append(nested, err)
		nested = append(nested, h.core.UpdateValue(ctx, oracle, second, 1))
		return nil
	})

	payout, err := h.core.Settle(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payout)
	require.Len(t, nested, 3)
	for _, err := range nested {
		assert.ErrorIs(t, err, protoerr.ErrReentrancy)
	}

	h.ledger.OnTransfer(nil)
	_, err = h.core.Settle(ctx, second)
	require.NoError(t, err)
	assert.Len(t, h.ledger.Transfers(), 2)
}

func TestSettle_ReentryAbortsTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	h.clock.Advance(30 * day)

	h.ledger.OnTransfer(func(ctx context.Context, _ custody.Transfer) error {
		_, err := h.core.Settle(ctx, id)
		return err
	})
	_, err := h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrTransferFailed)
	require.ErrorIs(t, err, protoerr.ErrReentrancy)

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cm.Status)
	assert.Empty(t, h.ledger.Transfers())
	assert.False(t, h.core.guard.Held())
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.create(t, alice, 1000)
	b := h.create(t, bob, 1000)

	require.ErrorIs(t, h.core.Allocate(ctx, bob, a, poolA, 100), protoerr.ErrUnauthorized)
	require.ErrorIs(t, h.core.Allocate(ctx, alice, "cmt_missing", poolA, 100), protoerr.ErrNotFound)
	require.ErrorIs(t, h.core.Allocate(ctx, alice, a, "pool-x", 100), protoerr.ErrNotFound)

	require.NoError(t, h.core.Allocate(ctx, alice, a, poolA, 300))
	err := h.core.Allocate(ctx, admin, b, poolA, 300)
	require.ErrorIs(t, err, protoerr.ErrCapacityExceeded)

	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Equal(t, int64(300), pool.TotalAllocated)
	cm, err := h.core.GetCommitment(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, cm.Allocated)
	assert.Empty(t, cm.PoolID)

	require.NoError(t, h.pools.RegisterPool(ctx, admin, "pool-b", 5000, 100, safety.RiskMedium))
	err = h.core.Allocate(ctx, alice, a, "pool-b", 10)
	require.ErrorIs(t, err, protoerr.ErrValidation)
	assert.Equal(t, "pool_id", protoerr.FieldOf(err))

	require.NoError(t, h.core.Allocate(ctx, bob, b, "pool-b", 1000))
	require.ErrorIs(t, h.core.Allocate(ctx, bob, b, "pool-b", 1), protoerr.ErrCapacityExceeded)
	assert.Len(t, h.journal.OfType(events.CommitmentAllocated), 2)
	assert.Len(t, h.journal.OfType(events.PoolAllocated), 2)
}

func TestAllocate_AfterValueDropReportsNoFreeValue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, id, poolA, 400))
	require.NoError(t, h.core.UpdateValue(ctx, oracle, id, 300))

	err := h.core.Allocate(ctx, alice, id, poolA, 1)
	require.ErrorIs(t, err, protoerr.ErrCapacityExceeded)
	assert.Contains(t, err.Error(), "unallocated value 0")

	// The allocation made while the value covered it stays in place.
	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(400), cm.Allocated)
}

func TestUpdateValue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)

	require.ErrorIs(t, h.core.UpdateValue(ctx, alice, id, 10), protoerr.ErrUnauthorized)
	require.ErrorIs(t, h.core.UpdateValue(ctx, oracle, id, -1), protoerr.ErrValidation)

	err := h.core.AdjustValue(ctx, oracle, id, -1001)
	require.ErrorIs(t, err, protoerr.ErrArithmetic)
	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cm.CurrentValue)

	require.NoError(t, h.core.AdjustValue(ctx, oracle, id, -150))
	assert.Empty(t, h.journal.OfType(events.Violation))
	require.NoError(t, h.core.UpdateValue(ctx, admin, id, 700))
	assert.Len(t, h.journal.OfType(events.Violation), 1)
	assert.Len(t, h.journal.OfType(events.ValueUpdated), 2)

	require.NoError(t, h.core.SetValueUpdater(ctx, admin, oracle, false))
	require.ErrorIs(t, h.core.UpdateValue(ctx, oracle, id, 10), protoerr.ErrUnauthorized)
	require.ErrorIs(t, h.core.SetValueUpdater(ctx, alice, alice, true), protoerr.ErrUnauthorized)

	violated, err := h.core.CheckViolations(ctx, id)
	require.NoError(t, err)
	assert.True(t, violated)
	report, err := h.core.ViolationDetails(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.LossViolated)
	assert.False(t, report.DurationViolated)
	assert.Equal(t, int64(30), report.LossPercent)
	assert.Equal(t, 30*day, report.TimeRemaining)
}

func TestCheckViolations_Duration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)

	violated, err := h.core.CheckViolations(ctx, id)
	require.NoError(t, err)
	assert.False(t, violated)

	h.clock.Advance(30 * day)
	report, err := h.core.ViolationDetails(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.DurationViolated)
	assert.Zero(t, report.TimeRemaining)

	_, err = h.core.Settle(ctx, id)
	require.NoError(t, err)
	violated, err = h.core.CheckViolations(ctx, id)
	require.NoError(t, err)
	assert.False(t, violated)
}

func TestEmergencyGating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	value := int64(5)

	require.ErrorIs(t, h.core.EmergencyWithdraw(ctx, admin, usdc, admin, 1), protoerr.ErrEmergencyModeInactive)
	_, err := h.core.EmergencySettle(ctx, admin, id)
	require.ErrorIs(t, err, protoerr.ErrEmergencyModeInactive)
	require.ErrorIs(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{CurrentValue: &value}), protoerr.ErrEmergencyModeInactive)

	require.ErrorIs(t, h.core.SetEmergencyMode(ctx, alice, true), protoerr.ErrUnauthorized)
	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, true))
	assert.True(t, h.core.EmergencyMode())

	_, err = h.core.CreateCommitment(ctx, request(alice, 100))
	require.ErrorIs(t, err, protoerr.ErrEmergencyModeActive)
	require.ErrorIs(t, h.core.Allocate(ctx, alice, id, poolA, 10), protoerr.ErrEmergencyModeActive)
	require.ErrorIs(t, h.core.UpdateValue(ctx, oracle, id, 10), protoerr.ErrEmergencyModeActive)
	_, err = h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrEmergencyModeActive)
	_, err = h.core.EarlyExit(ctx, alice, id)
	require.ErrorIs(t, err, protoerr.ErrEmergencyModeActive)

	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, false))
	_, err = h.core.EarlyExit(ctx, alice, id)
	require.NoError(t, err)
	assert.Len(t, h.journal.OfType(events.EmergencyMode), 2)
}

func TestEmergencyWithdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, true))

	require.NoError(t, h.core.EmergencyWithdraw(ctx, admin, usdc, "treasury", 200))
	assert.Equal(t, int64(200), h.balance(t, "treasury"))

	require.ErrorIs(t, h.core.EmergencyWithdraw(ctx, alice, usdc, alice, 200), protoerr.ErrUnauthorized)
	require.ErrorIs(t, h.core.EmergencyWithdraw(ctx, admin, usdc, "treasury", 1_000_000), protoerr.ErrInsufficientBalance)
	assert.Len(t, h.ledger.Transfers(), 1)
	assert.Len(t, h.journal.OfType(events.EmergencyWithdraw), 1)
}

func TestEmergencySettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	open := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, open, poolA, 200))
	done := h.create(t, bob, 400)
	_, err := h.core.EarlyExit(ctx, bob, done)
	require.NoError(t, err)

	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, true))

	payout, err := h.core.EmergencySettle(ctx, admin, open)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payout)
	cm, err := h.core.GetCommitment(ctx, open)
	require.NoError(t, err)
	assert.Equal(t, StatusEmergencyOverridden, cm.Status)
	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Zero(t, pool.TotalAllocated)
	active, err := h.link.IsActive(ctx, open)
	require.NoError(t, err)
	assert.False(t, active)

	payout, err = h.core.EmergencySettle(ctx, admin, done)
	require.NoError(t, err)
	assert.Zero(t, payout)
	cm, err = h.core.GetCommitment(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, StatusEmergencyOverridden, cm.Status)

	_, err = h.core.EmergencySettle(ctx, admin, "cmt_missing")
	require.ErrorIs(t, err, protoerr.ErrNotFound)
	_, err = h.core.EmergencySettle(ctx, bob, open)
	require.ErrorIs(t, err, protoerr.ErrUnauthorized)
	assert.Len(t, h.ledger.Transfers(), 2)
}

func TestEmergencyUpdateCommitment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	_, err := h.core.EarlyExit(ctx, alice, id)
	require.NoError(t, err)
	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, true))

	negative := int64(-5)
	err = h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{CurrentValue: &negative})
	require.ErrorIs(t, err, protoerr.ErrValidation)
	bogus := Status("frozen")
	err = h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{Status: &bogus})
	require.ErrorIs(t, err, protoerr.ErrValidation)
	require.ErrorIs(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{}), protoerr.ErrValidation)
	require.ErrorIs(t, h.core.EmergencyUpdateCommitment(ctx, admin, "cmt_missing", CommitmentPatch{Status: &bogus}), protoerr.ErrNotFound)

	active := StatusActive
	value := int64(800)
	require.NoError(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{Status: &active, CurrentValue: &value}))
	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, cm.Status)
	assert.Equal(t, int64(800), cm.CurrentValue)
	linked, err := h.link.IsActive(ctx, id)
	require.NoError(t, err)
	assert.True(t, linked)

	settled := StatusSettled
	require.NoError(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{Status: &settled}))
	linked, err = h.link.IsActive(ctx, id)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Len(t, h.journal.OfType(events.EmergencyUpdate), 2)
}

func TestEmergencyUpdateCommitment_CloseReleasesPool(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, id, poolA, 300))
	require.NoError(t, h.core.SetEmergencyMode(ctx, admin, true))

	exited := StatusExitedEarly
	require.NoError(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{Status: &exited}))

	cm, err := h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExitedEarly, cm.Status)
	assert.Zero(t, cm.Allocated)
	pool, err := h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Zero(t, pool.TotalAllocated)
	_, err = h.pools.GetAllocation(ctx, poolA, id)
	require.ErrorIs(t, err, protoerr.ErrNotFound)
	linked, err := h.link.IsActive(ctx, id)
	require.NoError(t, err)
	assert.False(t, linked)
	assert.Len(t, h.journal.OfType(events.PoolReleased), 1)

	// Reopening does not bring the allocation back.
	active := StatusActive
	require.NoError(t, h.core.EmergencyUpdateCommitment(ctx, admin, id, CommitmentPatch{Status: &active}))
	cm, err = h.core.GetCommitment(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, cm.Allocated)
	pool, err = h.pools.GetPool(ctx, poolA)
	require.NoError(t, err)
	assert.Zero(t, pool.TotalAllocated)
}

func TestCreateCommitment_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.ErrorIs(t, h.core.SetRateLimit(ctx, alice, ActionCreate, time.Hour, 1), protoerr.ErrUnauthorized)
	require.NoError(t, h.core.SetRateLimit(ctx, admin, ActionCreate, time.Hour, 1))

	h.create(t, alice, 100)
	_, err := h.core.CreateCommitment(ctx, request(alice, 100))
	require.ErrorIs(t, err, protoerr.ErrRateLimitExceeded)
	h.create(t, bob, 100)

	require.NoError(t, h.core.SetRateLimitExempt(ctx, admin, alice, true))
	h.create(t, alice, 100)
	require.NoError(t, h.core.SetRateLimitExempt(ctx, admin, alice, false))

	h.clock.Advance(time.Hour)
	h.create(t, alice, 100)
	require.NoError(t, h.core.ClearRateLimit(ctx, admin, ActionCreate))
	h.create(t, alice, 100)
}

func TestValueNeverNegative(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)
	deltas := []int64{-400, -700, 250, -900, -1, 5000, -6000, -100}
	for _, d := range deltas {
		_ = h.core.AdjustValue(ctx, oracle, id, d)
		cm, err := h.core.GetCommitment(ctx, id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cm.CurrentValue, int64(0))
	}
}

func TestAttestationView(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	id := h.create(t, alice, 1000)

	engine, err := attestation.NewEngine(attestation.Config{
		Admin: admin, Verifiers: []string{oracle}, DecayWindow: day, DecayStep: 1, ComplianceThreshold: 70,
	}, h.core, attestation.WithClock(h.clock.Now))
	require.NoError(t, err)

	_, err = engine.RecordAttestation(ctx, id, oracle, attestation.TypeDrawdown,
		map[string]string{attestation.KeyDrawdownPercent: "25"}, true)
	require.NoError(t, err)
	score, err := engine.ComplianceScore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 50, score)

	_, err = engine.ComplianceScore(ctx, "cmt_missing")
	require.ErrorIs(t, err, protoerr.ErrNotFound)
}

func TestCore_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	h := newHarness(t, store)
	id := h.create(t, alice, 1000)
	require.NoError(t, h.core.Allocate(ctx, alice, id, poolA, 100))

	cm, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), cm.Allocated)
	assert.True(t, cm.MaturesAt.Equal(t0.Add(30*day)))

	h.clock.Advance(30 * day)
	_, err = h.core.Settle(ctx, id)
	require.NoError(t, err)
	cm, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, cm.Status)
	require.NotNil(t, cm.ClosedAt)
	assert.True(t, cm.ClosedAt.Equal(t0.Add(30*day)))

	missing, err := store.Get(ctx, "cmt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCore_Telemetry(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider, err := observability.NewWithReader(reader)
	require.NoError(t, err)
	h := newHarness(t, nil, WithTelemetry(provider))

	id := h.create(t, alice, 1000)
	_, err = h.core.Settle(ctx, id)
	require.ErrorIs(t, err, protoerr.ErrNotMature)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	errorsByCode := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "commit.errors.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				code, _ := dp.Attributes.Value(observability.AttrErrorCode)
				errorsByCode[code.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), errorsByCode["NOT_MATURE"])
}

func TestRollbackJournal_ReportsFailedUndo(t *testing.T) {
	var rb rollbackJournal
	var order []string
	rb.record("first", func(context.Context) error { order = append(order, "first"); return nil })
	rb.record("second", func(context.Context) error { order = append(order, "second"); return errors.New("disk gone") })

	cause := protoerr.New(protoerr.KindTransferFailed, namespace, "boom")
	err := rb.unwind(context.Background(), slog.Default(), cause)
	require.ErrorIs(t, err, protoerr.ErrTransferFailed)
	assert.Contains(t, err.Error(), "undo second")
	assert.Equal(t, []string{"second", "first"}, order)
}
