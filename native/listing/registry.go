package listing

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"time"

	marketerrors "bazaar/core/errors"
	"bazaar/core/events"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/native/ledger"
)

var errNilState = errors.New("listing registry: state not configured")

// Holder reports whether another container of the same instance currently
// holds an item. The escrow engine implements it.
type Holder interface {
	Holds(item types.ItemID) (bool, error)
}

// Config carries the instance-level settings the registry enforces.
type Config struct {
	Instance          types.InstanceID
	Currency          string
	AllowSelfPurchase bool
}

// Registry is the listings-by-item map of one marketplace instance, bound to a
// single transaction.
type Registry[T types.Item] struct {
	kv      state.KV
	ks      state.Keyspace
	cfg     Config
	ledger  *ledger.Ledger
	other   Holder
	emitter events.Emitter
	nowFn   func() int64
}

// New creates a registry operating on kv. Proceeds of direct sales are credited
// to l.
func New[T types.Item](kv state.KV, ks state.Keyspace, cfg Config, l *ledger.Ledger) *Registry[T] {
	cfg.Currency = types.NormalizeCurrency(cfg.Currency)
	return &Registry[T]{
		kv:      kv,
		ks:      ks,
		cfg:     cfg,
		ledger:  l,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetHolder configures the container consulted for cross-container
// exclusivity.
func (r *Registry[T]) SetHolder(h Holder) { r.other = h }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry[T]) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock used for listing timestamps.
func (r *Registry[T]) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry[T]) emit(event *types.Event) {
	if r == nil || r.emitter == nil || event == nil {
		return
	}
	r.emitter.Emit(listingEvent{evt: event})
}

// Holds reports whether item is currently listed.
func (r *Registry[T]) Holds(item types.ItemID) (bool, error) {
	if r == nil || r.kv == nil {
		return false, errNilState
	}
	return r.kv.KVGet(r.ks.Listing(item), nil)
}

func (r *Registry[T]) held(item types.ItemID) (bool, error) {
	ok, err := r.Holds(item)
	if err != nil || ok {
		return ok, err
	}
	if r.other == nil {
		return false, nil
	}
	return r.other.Holds(item)
}

func (r *Registry[T]) load(id types.ListingID) (*storedListing, error) {
	if r == nil || r.kv == nil {
		return nil, errNilState
	}
	var idx storedIndex
	ok, err := r.kv.KVGet(r.ks.ListingIndex(id), &idx)
	if err != nil {
		return nil, fmt.Errorf("listing: load index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("listing: %s: %w", id, marketerrors.ErrNotFound)
	}
	var stored storedListing
	ok, err = r.kv.KVGet(r.ks.Listing(idx.Item), &stored)
	if err != nil {
		return nil, fmt.Errorf("listing: load: %w", err)
	}
	if !ok || stored.ID != id {
		return nil, fmt.Errorf("listing: %s: %w", id, marketerrors.ErrNotFound)
	}
	return &stored, nil
}

func (r *Registry[T]) remove(stored *storedListing) error {
	if err := r.kv.KVDelete(r.ks.Listing(stored.ItemID)); err != nil {
		return fmt.Errorf("listing: remove: %w", err)
	}
	if err := r.kv.KVDelete(r.ks.ListingIndex(stored.ID)); err != nil {
		return fmt.Errorf("listing: remove index: %w", err)
	}
	return nil
}

// List takes custody of item and offers it at ask. The returned id addresses
// the listing in later operations.
func (r *Registry[T]) List(item T, ask *big.Int, owner types.Address) (types.ListingID, error) {
	if r == nil || r.kv == nil {
		return types.ListingID{}, errNilState
	}
	if owner.IsZero() {
		return types.ListingID{}, fmt.Errorf("listing: owner required: %w", marketerrors.ErrUnauthorized)
	}
	if err := types.ValidateAmount(ask); err != nil {
		return types.ListingID{}, fmt.Errorf("listing: ask: %w", err)
	}
	itemID := item.ItemID()
	if itemID.IsZero() {
		return types.ListingID{}, fmt.Errorf("listing: item identifier required: %w", marketerrors.ErrInvalidInput)
	}
	held, err := r.held(itemID)
	if err != nil {
		return types.ListingID{}, err
	}
	if held {
		return types.ListingID{}, fmt.Errorf("listing: item %s: %w", itemID, marketerrors.ErrAlreadyHeld)
	}
	nonce, err := state.NextNonce(r.kv, r.ks)
	if err != nil {
		return types.ListingID{}, err
	}
	id := types.ListingID(types.DeriveID("listing", r.cfg.Instance, itemID, nonce))
	stored, err := toStored(Listing[T]{
		ID:        id,
		Item:      item,
		Ask:       ask,
		Owner:     owner,
		Currency:  r.cfg.Currency,
		CreatedAt: r.nowFn(),
	})
	if err != nil {
		return types.ListingID{}, err
	}
	if err := r.kv.KVPut(r.ks.Listing(itemID), stored); err != nil {
		return types.ListingID{}, fmt.Errorf("listing: store: %w", err)
	}
	if err := r.kv.KVPut(r.ks.ListingIndex(id), &storedIndex{Item: itemID}); err != nil {
		return types.ListingID{}, fmt.Errorf("listing: store index: %w", err)
	}
	r.emit(NewCreatedEvent(r.cfg.Instance, stored))
	return id, nil
}

// Delist removes the listing and hands the item back. Only the owner may
// delist.
func (r *Registry[T]) Delist(id types.ListingID, caller types.Address) (T, error) {
	var zero T
	stored, err := r.load(id)
	if err != nil {
		return zero, err
	}
	if stored.Owner != caller {
		return zero, fmt.Errorf("listing: delist by %s: %w", caller, marketerrors.ErrUnauthorized)
	}
	item, err := state.DecodeItem[T](stored.Item)
	if err != nil {
		return zero, err
	}
	if err := r.remove(stored); err != nil {
		return zero, err
	}
	r.emit(NewDelistedEvent(r.cfg.Instance, stored))
	return item, nil
}

// Buy settles a direct purchase. The payment must be in the instance currency
// and equal the ask exactly; the owner's pending balance is credited and the
// item is returned to the buyer.
func (r *Registry[T]) Buy(id types.ListingID, buyer types.Address, payment types.Payment) (T, error) {
	var zero T
	if r.ledger == nil {
		return zero, errNilState
	}
	stored, err := r.load(id)
	if err != nil {
		return zero, err
	}
	if buyer.IsZero() {
		return zero, fmt.Errorf("listing: buyer required: %w", marketerrors.ErrUnauthorized)
	}
	if buyer == stored.Owner && !r.cfg.AllowSelfPurchase {
		return zero, fmt.Errorf("listing: self-purchase: %w", marketerrors.ErrUnauthorized)
	}
	if types.NormalizeCurrency(payment.Currency) != stored.Currency {
		return zero, fmt.Errorf("listing: paid in %q, want %q: %w", payment.Currency, stored.Currency, marketerrors.ErrCurrencyMismatch)
	}
	if payment.Amount == nil || payment.Amount.Cmp(stored.Ask) != 0 {
		return zero, fmt.Errorf("listing: paid %s, ask %s: %w", types.CloneAmount(payment.Amount), stored.Ask, marketerrors.ErrAmountMismatch)
	}
	item, err := state.DecodeItem[T](stored.Item)
	if err != nil {
		return zero, err
	}
	if err := r.remove(stored); err != nil {
		return zero, err
	}
	if _, err := r.ledger.Credit(stored.Owner, stored.Ask); err != nil {
		return zero, err
	}
	r.emit(NewSoldEvent(r.cfg.Instance, stored, buyer))
	return item, nil
}

// Get returns the listing addressed by id.
func (r *Registry[T]) Get(id types.ListingID) (Listing[T], error) {
	stored, err := r.load(id)
	if err != nil {
		return Listing[T]{}, err
	}
	return fromStored[T](stored)
}

// Filter narrows a search. Nil bounds and a nil owner match everything.
type Filter struct {
	Min   *big.Int
	Max   *big.Int
	Owner *types.Address
}

func (f Filter) match(s *storedListing) bool {
	if f.Min != nil && s.Ask.Cmp(f.Min) < 0 {
		return false
	}
	if f.Max != nil && s.Ask.Cmp(f.Max) > 0 {
		return false
	}
	if f.Owner != nil && s.Owner != *f.Owner {
		return false
	}
	return true
}

// Iterator walks committed entries under a prefix. *state.Manager implements
// it.
type Iterator interface {
	KVIterate(prefix []byte, fn func(key, raw []byte) bool) error
}

// Search yields the listings matching filter in key order. Each range over the
// returned sequence walks the store again; a single walk observes one snapshot.
func Search[T types.Item](src Iterator, ks state.Keyspace, filter Filter) iter.Seq[Listing[T]] {
	return func(yield func(Listing[T]) bool) {
		if src == nil {
			return
		}
		err := src.KVIterate(ks.ListingPrefix(), func(key, raw []byte) bool {
			var stored storedListing
			if err := state.Decode(raw, &stored); err != nil {
				slog.Warn("listing: skipping undecodable entry", "key", fmt.Sprintf("%x", key), "error", err)
				return true
			}
			if !filter.match(&stored) {
				return true
			}
			l, err := fromStored[T](&stored)
			if err != nil {
				slog.Warn("listing: skipping undecodable item", "listing", types.ListingID(stored.ID).String(), "error", err)
				return true
			}
			return yield(l)
		})
		if err != nil {
			slog.Error("listing: search failed", "error", err)
		}
	}
}
