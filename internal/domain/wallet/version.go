package wallet

import (
	"context"
	"errors"
	"fmt"
)

// VersionGuard applies a wallet write only if the wallet is still at the
// version it was read at.
type VersionGuard struct {
	store Store
}

func NewVersionGuard(store Store) *VersionGuard {
	return &VersionGuard{store: store}
}

// Write stores upd against current and returns the resulting wallet at
// current.Version+1. Any sign that another writer got there first yields
// ErrConcurrentModification; the guard never retries.
//
// The verifying read accepts any stored version at or above current.Version+1
// rather than exactly that value. This relies on UpdateWallet matching the
// version it was given: a stored version past ours means a later writer
// followed our write, not that ours was skipped.
//
// Once UpdateWallet succeeds the wallet may have moved, so a failed verifying
// read is reported as ErrWriteUnverified and never as a plain store error.
func (g *VersionGuard) Write(ctx context.Context, current *Wallet, upd WalletUpdate) (*Wallet, error) {
	if err := g.store.UpdateWallet(ctx, current, upd); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, ErrConcurrentModification
		}
		return nil, err
	}

	stored, err := g.store.GetWallet(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet %s: %w", ErrWriteUnverified, current.ID, err)
	}
	if stored.Version < current.Version+1 {
		return nil, ErrConcurrentModification
	}
	return applied(current, upd), nil
}

// applied is current with upd written over it at the next version.
func applied(current *Wallet, upd WalletUpdate) *Wallet {
	next := *current
	next.Balance = upd.Balance
	next.LockedBalance = upd.LockedBalance
	next.LastTopupAt = copyTime(upd.LastTopupAt)
	next.LastDeductionAt = copyTime(upd.LastDeductionAt)
	next.UpdatedAt = upd.UpdatedAt
	next.Version = current.Version + 1
	return &next
}
