package market

import (
	"fmt"
	"iter"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"bazaar/core/events"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/native/capability"
	"bazaar/native/custody"
	"bazaar/native/escrow"
	"bazaar/native/ledger"
	"bazaar/native/listing"
	"bazaar/observability"
)

// Instance is one marketplace: a settlement currency and the listings,
// balances and escrows settled in it. Every mutating operation is atomic. It
// either commits all of its writes and publishes its notifications, or it
// leaves state untouched and publishes nothing.
type Instance[T types.Item] struct {
	id        types.InstanceID
	currency  string
	creator   types.Address
	caps      capability.Record
	policy    Policy
	createdAt int64

	manager *state.Manager
	ks      state.Keyspace
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.MarketMetrics
	nowFn   func() int64

	mu sync.RWMutex
}

// ID returns the instance identity.
func (i *Instance[T]) ID() types.InstanceID { return i.id }

// Currency returns the settlement currency tag.
func (i *Instance[T]) Currency() string { return i.currency }

// Creator returns the address that created the instance.
func (i *Instance[T]) Creator() types.Address { return i.creator }

// Policy returns the policy fixed at creation.
func (i *Instance[T]) Policy() Policy { return i.policy }

// CreatedAt returns the creation time in unix seconds.
func (i *Instance[T]) CreatedAt() int64 { return i.createdAt }

// txn groups the components bound to one transaction.
type txn[T types.Item] struct {
	tx       *state.Tx
	buf      *events.Buffer
	ledger   *ledger.Ledger
	custody  *custody.Custody[T]
	listings *listing.Registry[T]
	escrows  *escrow.Engine[T]
}

func (i *Instance[T]) begin() *txn[T] {
	tx := i.manager.Begin()
	buf := &events.Buffer{}
	l := ledger.New(tx, i.ks)
	c := custody.New[T](tx, i.ks)
	registry := listing.New[T](tx, i.ks, listing.Config{
		Instance:          i.id,
		Currency:          i.currency,
		AllowSelfPurchase: i.policy.AllowSelfPurchase,
	}, l)
	engine := escrow.NewEngine[T](tx, i.ks, escrow.Config{
		Instance:          i.id,
		Currency:          i.currency,
		AllowSelfPurchase: i.policy.AllowSelfPurchase,
	}, l, c)
	registry.SetHolder(engine)
	engine.SetHolder(registry)
	registry.SetEmitter(buf)
	engine.SetEmitter(buf)
	registry.SetNowFunc(i.nowFn)
	engine.SetNowFunc(i.nowFn)
	return &txn[T]{tx: tx, buf: buf, ledger: l, custody: c, listings: registry, escrows: engine}
}

// run executes fn inside a fresh transaction under the instance lock.
func (i *Instance[T]) run(op string, fn func(*txn[T]) error) error {
	start := time.Now()
	i.mu.Lock()
	defer i.mu.Unlock()

	t := i.begin()
	if err := fn(t); err != nil {
		t.tx.Discard()
		i.metrics.Observe(op, time.Since(start), err)
		i.logger.Debug("operation rejected", "operation", op, "error", err)
		return err
	}
	if err := t.tx.Commit(); err != nil {
		err = fmt.Errorf("market: commit %s: %w", op, err)
		i.metrics.Observe(op, time.Since(start), err)
		i.logger.Error("commit failed", "operation", op, "error", err)
		return err
	}
	i.publish(t.buf)
	i.metrics.Observe(op, time.Since(start), nil)
	return nil
}

// view executes a read-only fn against committed state. Its transaction is
// always discarded.
func (i *Instance[T]) view(fn func(*txn[T]) error) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	t := i.begin()
	defer t.tx.Discard()
	return fn(t)
}

func (i *Instance[T]) publish(buf *events.Buffer) {
	for _, evt := range buf.Events() {
		switch evt.EventType() {
		case listing.EventTypeListingCreated:
			i.metrics.AddListings(i.currency, 1)
		case listing.EventTypeListingDelisted, listing.EventTypeItemSold:
			i.metrics.AddListings(i.currency, -1)
		case escrow.EventTypeEscrowCreated:
			i.metrics.AddEscrows(i.currency, 1)
		case escrow.EventTypeEscrowReleased, escrow.EventTypeEscrowResolved:
			i.metrics.AddEscrows(i.currency, -1)
		}
		observability.Events().RecordPublished(evt.EventType())
	}
	buf.Flush(i.emitter)
}

func (i *Instance[T]) seedGauges() {
	count := func(prefix []byte) float64 {
		n := 0
		if err := i.manager.KVIterate(prefix, func(_, _ []byte) bool {
			n++
			return true
		}); err != nil {
			i.logger.Warn("count entries", "error", err)
		}
		return float64(n)
	}
	i.metrics.AddListings(i.currency, count(i.ks.ListingPrefix()))
	i.metrics.AddEscrows(i.currency, count(i.ks.EscrowPrefix()))
}

// List places item for sale at ask on behalf of caller.
func (i *Instance[T]) List(caller types.Address, item T, ask *big.Int) (types.ListingID, error) {
	var id types.ListingID
	err := i.run("list", func(t *txn[T]) error {
		var err error
		id, err = t.listings.List(item, ask, caller)
		return err
	})
	return id, err
}

// DelistAndTake withdraws caller's listing and returns the item to them.
func (i *Instance[T]) DelistAndTake(caller types.Address, id types.ListingID) (T, error) {
	var item T
	err := i.run("delist", func(t *txn[T]) error {
		var err error
		item, err = t.listings.Delist(id, caller)
		return err
	})
	return item, err
}

// BuyAndTake pays for a listing and returns the item to the caller. The
// listing owner's pending balance is credited with the ask.
func (i *Instance[T]) BuyAndTake(caller types.Address, id types.ListingID, payment types.Payment) (T, error) {
	var item T
	err := i.run("buy", func(t *txn[T]) error {
		var err error
		item, err = t.listings.Buy(id, caller, payment)
		return err
	})
	return item, err
}

// TakeProfits withdraws caller's entire pending balance. The withdrawal
// capability must belong to this instance.
func (i *Instance[T]) TakeProfits(c capability.WithdrawCap, caller types.Address) (types.Payment, error) {
	var out types.Payment
	err := i.run("take_profits", func(t *txn[T]) error {
		if err := capability.GuardWithdraw(c, i.id, i.caps); err != nil {
			return err
		}
		amount, err := t.ledger.DebitAll(caller)
		if err != nil {
			return err
		}
		out = types.NewPayment(i.currency, amount)
		t.buf.Emit(events.ProfitsWithdrawn{Instance: i.id, Owner: caller, Currency: i.currency, Amount: amount})
		return nil
	})
	return out, err
}

// CreateEscrow locks item in a conditional sale from caller to buyer at price.
func (i *Instance[T]) CreateEscrow(caller types.Address, item T, price *big.Int, buyer types.Address) (types.EscrowID, error) {
	var id types.EscrowID
	err := i.run("create_escrow", func(t *txn[T]) error {
		var err error
		id, err = t.escrows.Create(item, price, buyer, caller)
		return err
	})
	return id, err
}

// PayToEscrow fills the escrow's payment slot on behalf of the buyer.
func (i *Instance[T]) PayToEscrow(caller types.Address, id types.EscrowID, payment types.Payment) error {
	return i.run("pay_escrow", func(t *txn[T]) error {
		return t.escrows.Pay(id, payment, caller)
	})
}

// ReleaseEscrow lets the seller complete a paid escrow. The item goes to the
// buyer's custody inbox and the seller is credited.
func (i *Instance[T]) ReleaseEscrow(caller types.Address, id types.EscrowID) error {
	return i.run("release_escrow", func(t *txn[T]) error {
		return t.escrows.Release(id, caller)
	})
}

// ResolveDispute applies an administrator's verdict. The administrative
// capability must belong to this instance.
func (i *Instance[T]) ResolveDispute(c capability.AdminCap, id types.EscrowID, resolution escrow.Resolution) error {
	err := i.run("resolve_dispute", func(t *txn[T]) error {
		if err := capability.GuardAdmin(c, i.id, i.caps); err != nil {
			return err
		}
		return t.escrows.Resolve(id, resolution)
	})
	if err == nil {
		i.logger.Info("dispute resolved", "escrow", id.String(), "resolution", resolution.String())
	}
	return err
}

// SearchListings yields listings whose ask lies within [minAsk, maxAsk] and, when
// owner is non-nil, that belong to owner. Nil bounds are open. Each range over
// the sequence reads one consistent snapshot taken under the instance's read
// lock; the loop body runs without holding it.
func (i *Instance[T]) SearchListings(minAsk, maxAsk *big.Int, owner *types.Address) iter.Seq[listing.Listing[T]] {
	filter := listing.Filter{Owner: owner}
	if minAsk != nil {
		filter.Min = types.CloneAmount(minAsk)
	}
	if maxAsk != nil {
		filter.Max = types.CloneAmount(maxAsk)
	}
	return func(yield func(listing.Listing[T]) bool) {
		i.mu.RLock()
		var snapshot []listing.Listing[T]
		for l := range listing.Search[T](i.manager, i.ks, filter) {
			snapshot = append(snapshot, l)
		}
		i.mu.RUnlock()
		for _, l := range snapshot {
			if !yield(l) {
				return
			}
		}
	}
}

// Listing returns the live listing addressed by id.
func (i *Instance[T]) Listing(id types.ListingID) (listing.Listing[T], error) {
	var out listing.Listing[T]
	err := i.view(func(t *txn[T]) error {
		var err error
		out, err = t.listings.Get(id)
		return err
	})
	return out, err
}

// Escrow returns the live escrow addressed by id.
func (i *Instance[T]) Escrow(id types.EscrowID) (escrow.Escrow[T], error) {
	var out escrow.Escrow[T]
	err := i.view(func(t *txn[T]) error {
		var err error
		out, err = t.escrows.Get(id)
		return err
	})
	return out, err
}

// EscrowOutcome reports the terminal status of a consumed escrow.
func (i *Instance[T]) EscrowOutcome(id types.EscrowID) (escrow.EscrowStatus, bool, error) {
	var (
		status escrow.EscrowStatus
		done   bool
	)
	err := i.view(func(t *txn[T]) error {
		var err error
		status, done, err = t.escrows.Outcome(id)
		return err
	})
	return status, done, err
}

// Balance returns owner's pending balance.
func (i *Instance[T]) Balance(owner types.Address) (*big.Int, error) {
	var out *big.Int
	err := i.view(func(t *txn[T]) error {
		var err error
		out, err = t.ledger.Balance(owner)
		return err
	})
	return out, err
}

// Holdings lists the items and refunds awaiting collection by owner.
func (i *Instance[T]) Holdings(owner types.Address) (custody.Holdings[T], error) {
	var out custody.Holdings[T]
	err := i.view(func(t *txn[T]) error {
		var err error
		out, err = t.custody.Holdings(owner)
		return err
	})
	return out, err
}

// Collect hands caller everything held for them and clears their inbox.
func (i *Instance[T]) Collect(caller types.Address) (custody.Holdings[T], error) {
	var out custody.Holdings[T]
	err := i.run("collect", func(t *txn[T]) error {
		var err error
		out, err = t.custody.Collect(caller)
		if err != nil {
			return err
		}
		t.buf.Emit(events.CustodyCollected{
			Instance: i.id,
			Owner:    caller,
			Items:    len(out.Items),
			Payments: len(out.Payments),
		})
		return nil
	})
	return out, err
}
