package ledger

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	marketerrors "bazaar/core/errors"
	"bazaar/core/state"
	"bazaar/core/types"
)

// storedBalance is the persisted pending balance of one address.
type storedBalance struct {
	Amount *big.Int
}

// Ledger tracks each seller's accumulated, withdrawable proceeds. Entries only
// grow through Credit and only disappear through DebitAll.
type Ledger struct {
	kv state.KV
	ks state.Keyspace
}

// New binds a ledger to the transaction kv and the instance keyspace.
func New(kv state.KV, ks state.Keyspace) *Ledger {
	return &Ledger{kv: kv, ks: ks}
}

// Balance returns the pending balance of owner, or zero when none exists.
func (l *Ledger) Balance(owner types.Address) (*big.Int, error) {
	var stored storedBalance
	ok, err := l.kv.KVGet(l.ks.Balance(owner), &stored)
	if err != nil {
		return nil, fmt.Errorf("ledger: load balance: %w", err)
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return types.CloneAmount(stored.Amount), nil
}

// Credit merges amount into owner's pending balance, creating the entry when
// absent. It never replaces an existing balance.
func (l *Ledger) Credit(owner types.Address, amount *big.Int) (*big.Int, error) {
	if owner.IsZero() {
		return nil, fmt.Errorf("ledger: credit to zero address: %w", marketerrors.ErrUnauthorized)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: credit %v: %w", amount, marketerrors.ErrInvalidAmount)
	}
	current, err := l.Balance(owner)
	if err != nil {
		return nil, err
	}
	next, err := checkedAdd(current, amount)
	if err != nil {
		return nil, err
	}
	if err := l.kv.KVPut(l.ks.Balance(owner), &storedBalance{Amount: next}); err != nil {
		return nil, fmt.Errorf("ledger: store balance: %w", err)
	}
	return types.CloneAmount(next), nil
}

// DebitAll removes owner's entry and returns the whole amount. It fails with
// ErrEmptyBalance when there is nothing to withdraw.
func (l *Ledger) DebitAll(owner types.Address) (*big.Int, error) {
	key := l.ks.Balance(owner)
	var stored storedBalance
	ok, err := l.kv.KVGet(key, &stored)
	if err != nil {
		return nil, fmt.Errorf("ledger: load balance: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("ledger: %s: %w", owner, marketerrors.ErrEmptyBalance)
	}
	if err := l.kv.KVDelete(key); err != nil {
		return nil, fmt.Errorf("ledger: remove balance: %w", err)
	}
	return types.CloneAmount(stored.Amount), nil
}

// checkedAdd adds two non-negative amounts, refusing results that do not fit in
// 256 bits.
func checkedAdd(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow {
		return nil, fmt.Errorf("ledger: balance exceeds 256 bits: %w", marketerrors.ErrInvalidAmount)
	}
	y, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("ledger: credit exceeds 256 bits: %w", marketerrors.ErrInvalidAmount)
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("ledger: balance overflow: %w", marketerrors.ErrInvalidAmount)
	}
	return sum.ToBig(), nil
}
