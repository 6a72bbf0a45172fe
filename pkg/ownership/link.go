package ownership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/protoerr"
	"github.com/robertocarlous/Commitlabs-Contracts/pkg/safety"
)

const namespace = "ownership"

// Link is the ownership registry. It has no guard of its own; the
// commitment core holds its guard while calling it.
type Link struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Link.
type Option func(*Link)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Link) { l.clock = clock }
}

// NewLink creates a Link over store. A nil store selects a MemoryStore.
func NewLink(store Store, opts ...Option) *Link {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Link{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "ownership"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mint creates an active record for id owned by owner.
func (l *Link) Mint(ctx context.Context, owner, id string, meta Metadata) error {
	if err := safety.ValidateAddress("owner", owner); err != nil {
		return err
	}
	if err := safety.ValidateNonEmpty("id", id); err != nil {
		return err
	}
	if err := safety.ValidatePercent("early_exit_penalty_percent", meta.EarlyExitPenaltyPercent); err != nil {
		return err
	}
	existing, err := l.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("ownership lookup %s: %w", id, err)
	}
	if existing != nil {
		return protoerr.Newf(protoerr.KindAlreadyExists, namespace, "record %s already minted", id)
	}
	rec := &Record{
		ID:       id,
		Owner:    owner,
		Metadata: meta,
		Active:   true,
		MintedAt: l.clock().UTC(),
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("ownership mint %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "ownership minted", "id", id, "owner", owner)
	return nil
}

// Get returns the record for id.
func (l *Link) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ownership lookup %s: %w", id, err)
	}
	if rec == nil {
		return nil, protoerr.Newf(protoerr.KindNotFound, namespace, "record %s", id)
	}
	return rec, nil
}

// GetOwner returns the owner of id.
func (l *Link) GetOwner(ctx context.Context, id string) (string, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Owner, nil
}

// IsActive reports whether id is minted and active.
func (l *Link) IsActive(ctx context.Context, id string) (bool, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Active, nil
}

// Deactivate marks id inactive.
func (l *Link) Deactivate(ctx context.Context, id string) error {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Active {
		return protoerr.Newf(protoerr.KindAlreadyInactive, namespace, "record %s", id)
	}
	now := l.clock().UTC()
	rec.Active = false
	rec.DeactivatedAt = &now
	if err := l.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("ownership deactivate %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "ownership deactivated", "id", id)
	return nil
}

// Reactivate undoes a Deactivate. Only used to compensate a failed call.
func (l *Link) Reactivate(ctx context.Context, id string) error {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	rec.Active = true
	rec.DeactivatedAt = nil
	if err := l.store.Update(ctx, rec); err != nil {
		return fmt.Errorf("ownership reactivate %s: %w", id, err)
	}
	return nil
}

// Burn removes a record. Only used to compensate a failed Mint.
func (l *Link) Burn(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("ownership burn %s: %w", id, err)
	}
	l.logger.WarnContext(ctx, "ownership burned", "id", id)
	return nil
}

// ListForOwner returns a page of the ids owned by owner in mint order.
func (l *Link) ListForOwner(ctx context.Context, owner string, page safety.Page) ([]string, error) {
	ids, err := l.store.ListByOwner(ctx, owner, page.Normalize())
	if err != nil {
		return nil, fmt.Errorf("ownership list %s: %w", owner, err)
	}
	return ids, nil
}

// CountForOwner returns how many records owner holds.
func (l *Link) CountForOwner(ctx context.Context, owner string) (int, error) {
	return l.store.CountByOwner(ctx, owner)
}

// TotalSupply returns the number of minted records.
func (l *Link) TotalSupply(ctx context.Context) (int, error) {
	return l.store.Count(ctx)
}
