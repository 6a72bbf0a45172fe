package allocation

import (
	"context"
	"fmt"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

// Strategy selects and weights pools by risk level. Its values are the
// commitment type tags.
type Strategy string

const (
	StrategySafe       Strategy = safety.TypeSafe
	StrategyBalanced   Strategy = safety.TypeBalanced
	StrategyAggressive Strategy = safety.TypeAggressive
)

type tier struct {
	risk    string
	percent int64
}

// strategyTiers lists, per strategy, the risk levels it places value in and
// each level's share.
var strategyTiers = map[Strategy][]tier{
	StrategySafe:       {{safety.RiskLow, 100}},
	StrategyBalanced:   {{safety.RiskLow, 40}, {safety.RiskMedium, 40}, {safety.RiskHigh, 20}},
	StrategyAggressive: {{safety.RiskHigh, 70}, {safety.RiskMedium, 30}},
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	_, ok := strategyTiers[s]
	return ok
}

// Share is the amount a plan places in one pool.
type Share struct {
	PoolID string `json:"pool_id"`
	Amount int64  `json:"amount"`
}

// Summary describes a commitment's strategy allocation after a change.
type Summary struct {
	CommitmentID string   `json:"commitment_id"`
	Strategy     Strategy `json:"strategy"`
	Total        int64    `json:"total"`
	Entries      []*Entry `json:"entries"`
}

// Plan splits amount over the active pools strategy admits, in the order of
// pools. A risk level with no active pool drops out and the remaining levels
// share its part in proportion. Within a level the amount is split evenly.
// Rounding remainders go to the first level and to the first pool of each
// level, so the shares always sum to amount.
func Plan(strategy Strategy, amount int64, pools []*Pool) ([]Share, error) {
	tiers, ok := strategyTiers[strategy]
	if !ok {
		return nil, protoerr.Validation(namespace, "strategy", fmt.Sprintf("unknown strategy %q", strategy))
	}
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return nil, err
	}

	type bucket struct {
		percent int64
		pools   []*Pool
	}
	var (
		buckets []bucket
		weight  int64
	)
	for _, t := range tiers {
		var members []*Pool
		for _, p := range pools {
			if p.Active && p.Risk == t.risk {
				members = append(members, p)
			}
		}
		if len(members) == 0 {
			continue
		}
		buckets = append(buckets, bucket{percent: t.percent, pools: members})
		weight += t.percent
	}
	if len(buckets) == 0 {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "no active pool suits the %s strategy", strategy)
	}

	amounts := make([]int64, len(buckets))
	var assigned int64
	for i, b := range buckets {
		scaled, err := safety.Mul(amount, b.percent)
		if err != nil {
			return nil, err
		}
		amounts[i] = scaled / weight
		assigned += amounts[i]
	}
	amounts[0] += amount - assigned

	var shares []Share
	for i, b := range buckets {
		n := int64(len(b.pools))
		each := amounts[i] / n
		rest := amounts[i] - each*n
		for j, p := range b.pools {
			a := each
			if j == 0 {
				a += rest
			}
			if a > 0 {
				shares = append(shares, Share{PoolID: p.ID, Amount: a})
			}
		}
	}
	return shares, nil
}

// allPools reads the whole registry in registration order.
func (p *Pools) allPools(ctx context.Context) ([]*Pool, error) {
	var out []*Pool
	for offset := 0; ; offset += safety.MaxPageSize {
		page, err := p.store.ListPools(ctx, safety.Page{Offset: offset, Limit: safety.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("list pools: %w", err)
		}
		out = append(out, page...)
		if len(page) < safety.MaxPageSize {
			return out, nil
		}
	}
}

func indexPools(pools []*Pool) map[string]*Pool {
	byID := make(map[string]*Pool, len(pools))
	for _, p := range pools {
		byID[p.ID] = p
	}
	return byID
}

// AllocateStrategy spreads amount of commitmentID over the pools strategy
// selects. Every share must fit before anything is written, and the
// commitment may not hold any entry yet. Like Allocate it emits nothing.
func (p *Pools) AllocateStrategy(ctx context.Context, commitmentID string, amount int64, strategy Strategy) (sum *Summary, err error) {
	ctx, done := p.track(ctx, "pool_allocate_strategy", "", commitmentID)
	defer func() { done(err) }()

	release, err := p.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := safety.ValidateNonEmpty("commitment_id", commitmentID); err != nil {
		return nil, err
	}
	existing, err := p.store.ListEntries(ctx, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if len(existing) > 0 {
		return nil, protoerr.Newf(protoerr.KindAlreadyExists, namespace, "%s already holds pool allocations", commitmentID)
	}
	pools, err := p.allPools(ctx)
	if err != nil {
		return nil, err
	}
	shares, err := Plan(strategy, amount, pools)
	if err != nil {
		return nil, err
	}
	byID := indexPools(pools)
	for _, sh := range shares {
		if _, err := p.admit(ctx, byID[sh.PoolID], sh.Amount, sh.Amount); err != nil {
			return nil, err
		}
	}

	now := p.clock().UTC()
	sum = &Summary{CommitmentID: commitmentID, Strategy: strategy}
	var placed []string
	for _, sh := range shares {
		pool := byID[sh.PoolID]
		pool.TotalAllocated += sh.Amount
		pool.UpdatedAt = now
		entry := &Entry{PoolID: pool.ID, CommitmentID: commitmentID, Amount: sh.Amount, AllocatedAt: now}
		if err := p.store.SaveAllocation(ctx, pool, commitmentID, entry); err != nil {
			return nil, p.putBack(ctx, commitmentID, placed, nil, fmt.Errorf("save allocation: %w", err))
		}
		placed = append(placed, pool.ID)
		sum.Entries = append(sum.Entries, entry)
		sum.Total += sh.Amount
	}
	p.logger.InfoContext(ctx, "allocated by strategy", "commitment", commitmentID, "strategy", strategy,
		"amount", amount, "pools", len(sum.Entries))
	return sum, nil
}

// Rebalance lifts commitmentID's entries out of their pools and places the
// same total again under strategy. A share that no longer fits its pool is
// skipped, so the new total can be lower than before. Like Allocate it
// emits nothing.
func (p *Pools) Rebalance(ctx context.Context, commitmentID string, strategy Strategy) (sum *Summary, err error) {
	ctx, done := p.track(ctx, "pool_rebalance", "", commitmentID)
	defer func() { done(err) }()

	release, err := p.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := p.store.ListEntries(ctx, commitmentID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if len(current) == 0 {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "no allocations for %s", commitmentID)
	}
	pools, err := p.allPools(ctx)
	if err != nil {
		return nil, err
	}
	byID := indexPools(pools)

	prior := make(map[string]*Entry, len(current))
	var total int64
	for _, e := range current {
		pool := byID[e.PoolID]
		if pool == nil {
			return nil, protoerr.Newf(protoerr.KindReconciliation, namespace, "entry for %s names unknown pool %s", commitmentID, e.PoolID)
		}
		if total, err = safety.Add(total, e.Amount); err != nil {
			return nil, err
		}
		if pool.TotalAllocated, err = safety.Sub(pool.TotalAllocated, e.Amount); err != nil {
			return nil, err
		}
		prior[e.PoolID] = e
	}

	shares, err := Plan(strategy, total, pools)
	if err != nil {
		return nil, err
	}
	next := make(map[string]int64, len(shares))
	for _, sh := range shares {
		if _, err := p.admit(ctx, byID[sh.PoolID], sh.Amount, sh.Amount); err != nil {
			if protoerr.KindOf(err) == protoerr.KindCapacityExceeded {
				p.logger.WarnContext(ctx, "rebalance share skipped", "commitment", commitmentID, "pool", sh.PoolID, "amount", sh.Amount)
				continue
			}
			return nil, err
		}
		next[sh.PoolID] = sh.Amount
	}

	now := p.clock().UTC()
	sum = &Summary{CommitmentID: commitmentID, Strategy: strategy}
	var touched []string
	for _, pool := range pools {
		amount, moved := next[pool.ID]
		if _, held := prior[pool.ID]; !held && !moved {
			continue
		}
		var entry *Entry
		if moved {
			pool.TotalAllocated += amount
			entry = &Entry{PoolID: pool.ID, CommitmentID: commitmentID, Amount: amount, AllocatedAt: now}
		}
		pool.UpdatedAt = now
		if err := p.store.SaveAllocation(ctx, pool, commitmentID, entry); err != nil {
			return nil, p.putBack(ctx, commitmentID, touched, prior, fmt.Errorf("save allocation: %w", err))
		}
		touched = append(touched, pool.ID)
		if entry != nil {
			sum.Entries = append(sum.Entries, entry)
			sum.Total += amount
		}
	}
	p.logger.InfoContext(ctx, "allocation rebalanced", "commitment", commitmentID, "strategy", strategy,
		"previous_total", total, "total", sum.Total)
	return sum, nil
}
