// Package custody is an in-process asset ledger standing in for the external
// transfer mechanism. Balances are per (account, asset) in minor units.
package custody

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const namespace = "custody"

// Transfer is one completed movement of funds.
type Transfer struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Asset  string    `json:"asset"`
	Amount int64     `json:"amount"`
	At     time.Time `json:"at"`
}

// Hook observes a transfer before it is applied. A non-nil error aborts the
// transfer.
type Hook func(ctx context.Context, t Transfer) error

// Ledger is a thread-safe in-memory ledger.
type Ledger struct {
	mu        sync.Mutex
	balances  map[string]map[string]int64
	transfers []Transfer
	hook      Hook
	clock     func() time.Time
	logger    *slog.Logger
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]map[string]int64),
		clock:    time.Now,
		logger:   slog.Default().With("component", "custody"),
	}
}

// OnTransfer installs a hook run before each transfer is applied. The hook
// runs without the ledger lock held, so it may call back into the ledger or
// into its caller.
func (l *Ledger) OnTransfer(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

// Fund credits account out of band.
func (l *Ledger) Fund(account, asset string, amount int64) error {
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account] == nil {
		l.balances[account] = make(map[string]int64)
	}
	next, err := safety.Add(l.balances[account][asset], amount)
	if err != nil {
		return err
	}
	l.balances[account][asset] = next
	return nil
}

// Balance returns account's balance of asset.
func (l *Ledger) Balance(_ context.Context, account, asset string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account][asset], nil
}

// Transfer moves amount of asset from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to, asset string, amount int64) error {
	if err := safety.ValidatePositive("amount", amount); err != nil {
		return err
	}
	t := Transfer{From: from, To: to, Asset: asset, Amount: amount, At: l.clock().UTC()}

	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, t); err != nil {
			l.logger.WarnContext(ctx, "transfer rejected by hook", "from", from, "to", to, "amount", amount, "error", err)
			return protoerr.Wrap(protoerr.KindTransferFailed, namespace, err, "transfer rejected")
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	have := l.balances[from][asset]
	if have < amount {
		return protoerr.Newf(protoerr.KindInsufficientBalance, namespace, "%s holds %d %s, needs %d", from, have, asset, amount)
	}
	credited, err := safety.Add(l.balances[to][asset], amount)
	if err != nil {
		return err
	}
	if l.balances[to] == nil {
		l.balances[to] = make(map[string]int64)
	}
	l.balances[from][asset] = have - amount
	l.balances[to][asset] = credited
	l.transfers = append(l.transfers, t)
	return nil
}

// Transfers returns the completed transfers in order.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}
