package custody

import (
	"fmt"

	marketerrors "bazaar/core/errors"
	"bazaar/core/state"
	"bazaar/core/types"
)

type storedHoldings struct {
	Items    [][]byte
	Payments []types.Payment
}

// Holdings are the items and payments transferred to an address by operations
// that address did not call itself, awaiting collection.
type Holdings[T types.Item] struct {
	Items    []T
	Payments []types.Payment
}

// Empty reports whether nothing is held.
func (h Holdings[T]) Empty() bool { return len(h.Items) == 0 && len(h.Payments) == 0 }

// Custody stores transferred assets inside the same transaction as the
// operation that transferred them.
type Custody[T types.Item] struct {
	kv state.KV
	ks state.Keyspace
}

// New binds custody to the transaction kv and the instance keyspace.
func New[T types.Item](kv state.KV, ks state.Keyspace) *Custody[T] {
	return &Custody[T]{kv: kv, ks: ks}
}

func (c *Custody[T]) load(owner types.Address) (storedHoldings, bool, error) {
	var stored storedHoldings
	ok, err := c.kv.KVGet(c.ks.Custody(owner), &stored)
	if err != nil {
		return storedHoldings{}, false, fmt.Errorf("custody: load %s: %w", owner, err)
	}
	return stored, ok, nil
}

// DeliverItem transfers item to owner.
func (c *Custody[T]) DeliverItem(owner types.Address, item T) error {
	if owner.IsZero() {
		return fmt.Errorf("custody: deliver to zero address")
	}
	raw, err := state.EncodeItem(item)
	if err != nil {
		return err
	}
	stored, _, err := c.load(owner)
	if err != nil {
		return err
	}
	stored.Items = append(stored.Items, raw)
	return c.kv.KVPut(c.ks.Custody(owner), &stored)
}

// DeliverPayment transfers an unmodified payment to owner.
func (c *Custody[T]) DeliverPayment(owner types.Address, payment types.Payment) error {
	if owner.IsZero() {
		return fmt.Errorf("custody: deliver to zero address")
	}
	stored, _, err := c.load(owner)
	if err != nil {
		return err
	}
	stored.Payments = append(stored.Payments, payment.Clone())
	return c.kv.KVPut(c.ks.Custody(owner), &stored)
}

// Holdings lists everything held for owner without removing it.
func (c *Custody[T]) Holdings(owner types.Address) (Holdings[T], error) {
	stored, _, err := c.load(owner)
	if err != nil {
		return Holdings[T]{}, err
	}
	return decodeHoldings[T](stored)
}

// Collect removes and returns everything held for owner. It fails with
// ErrNotFound when nothing is held.
func (c *Custody[T]) Collect(owner types.Address) (Holdings[T], error) {
	stored, ok, err := c.load(owner)
	if err != nil {
		return Holdings[T]{}, err
	}
	if !ok {
		return Holdings[T]{}, fmt.Errorf("custody: nothing held for %s: %w", owner, marketerrors.ErrNotFound)
	}
	out, err := decodeHoldings[T](stored)
	if err != nil {
		return Holdings[T]{}, err
	}
	if err := c.kv.KVDelete(c.ks.Custody(owner)); err != nil {
		return Holdings[T]{}, fmt.Errorf("custody: remove %s: %w", owner, err)
	}
	return out, nil
}

func decodeHoldings[T types.Item](stored storedHoldings) (Holdings[T], error) {
	out := Holdings[T]{
		Items:    make([]T, 0, len(stored.Items)),
		Payments: make([]types.Payment, 0, len(stored.Payments)),
	}
	for _, raw := range stored.Items {
		item, err := state.DecodeItem[T](raw)
		if err != nil {
			return Holdings[T]{}, err
		}
		out.Items = append(out.Items, item)
	}
	for _, p := range stored.Payments {
		out.Payments = append(out.Payments, p.Clone())
	}
	return out, nil
}
