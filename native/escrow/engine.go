package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	marketerrors "bazaar/core/errors"
	"bazaar/core/events"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/native/ledger"
)

var errNilState = errors.New("escrow engine: state not configured")

// Holder reports whether another container of the same instance currently
// holds an item. The listing registry implements it.
type Holder interface {
	Holds(item types.ItemID) (bool, error)
}

// Deliverer transfers assets to a party that is not the caller of the
// operation moving them. The custody inbox implements it.
type Deliverer[T types.Item] interface {
	DeliverItem(owner types.Address, item T) error
	DeliverPayment(owner types.Address, payment types.Payment) error
}

// Config carries the instance-level settings the engine enforces.
type Config struct {
	Instance          types.InstanceID
	Currency          string
	AllowSelfPurchase bool
}

// Engine is the escrow-by-item map of one marketplace instance together with
// its state machine, bound to a single transaction.
type Engine[T types.Item] struct {
	kv      state.KV
	ks      state.Keyspace
	cfg     Config
	ledger  *ledger.Ledger
	custody Deliverer[T]
	other   Holder
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine operating on kv. Sellers are credited in
// l; items and refunds owed to other parties go through custody.
func NewEngine[T types.Item](kv state.KV, ks state.Keyspace, cfg Config, l *ledger.Ledger, custody Deliverer[T]) *Engine[T] {
	cfg.Currency = types.NormalizeCurrency(cfg.Currency)
	return &Engine[T]{
		kv:      kv,
		ks:      ks,
		cfg:     cfg,
		ledger:  l,
		custody: custody,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetHolder configures the container consulted for cross-container
// exclusivity.
func (e *Engine[T]) SetHolder(h Holder) { e.other = h }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine[T]) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine[T]) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine[T]) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine[T]) ready() error {
	if e == nil || e.kv == nil || e.ledger == nil || e.custody == nil {
		return errNilState
	}
	return nil
}

// Holds reports whether item is locked in a live escrow.
func (e *Engine[T]) Holds(item types.ItemID) (bool, error) {
	if e == nil || e.kv == nil {
		return false, errNilState
	}
	return e.kv.KVGet(e.ks.Escrow(item), nil)
}

// Outcome returns the terminal status recorded for a consumed escrow.
func (e *Engine[T]) Outcome(id types.EscrowID) (EscrowStatus, bool, error) {
	if e == nil || e.kv == nil {
		return 0, false, errNilState
	}
	var outcome storedOutcome
	ok, err := e.kv.KVGet(e.ks.EscrowTerminal(id), &outcome)
	if err != nil || !ok {
		return 0, false, err
	}
	return EscrowStatus(outcome.Status), true, nil
}

func (e *Engine[T]) loadEscrow(id types.EscrowID) (*storedEscrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var idx storedIndex
	ok, err := e.kv.KVGet(e.ks.EscrowIndex(id), &idx)
	if err != nil {
		return nil, fmt.Errorf("escrow: load index: %w", err)
	}
	if !ok {
		_, done, err := e.Outcome(id)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, fmt.Errorf("escrow: %s: %w", id, marketerrors.ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("escrow: %s: %w", id, marketerrors.ErrNotFound)
	}
	var esc storedEscrow
	ok, err = e.kv.KVGet(e.ks.Escrow(idx.Item), &esc)
	if err != nil {
		return nil, fmt.Errorf("escrow: load: %w", err)
	}
	if !ok || esc.ID != id {
		return nil, fmt.Errorf("escrow: %s: %w", id, marketerrors.ErrNotFound)
	}
	return &esc, nil
}

func (e *Engine[T]) storeEscrow(esc *storedEscrow) error {
	if err := e.kv.KVPut(e.ks.Escrow(esc.ItemID), esc); err != nil {
		return fmt.Errorf("escrow: store: %w", err)
	}
	return nil
}

// finish removes a consumed escrow and records its outcome.
func (e *Engine[T]) finish(esc *storedEscrow, status EscrowStatus) error {
	id := types.EscrowID(esc.ID)
	if err := e.kv.KVDelete(e.ks.Escrow(esc.ItemID)); err != nil {
		return fmt.Errorf("escrow: remove: %w", err)
	}
	if err := e.kv.KVDelete(e.ks.EscrowIndex(id)); err != nil {
		return fmt.Errorf("escrow: remove index: %w", err)
	}
	outcome := &storedOutcome{ItemID: esc.ItemID, Status: uint8(status)}
	if err := e.kv.KVPut(e.ks.EscrowTerminal(id), outcome); err != nil {
		return fmt.Errorf("escrow: record outcome: %w", err)
	}
	esc.Status = uint8(status)
	return nil
}

// Create locks item in a new escrow priced at price between buyer and seller.
// The escrow starts Created with an empty payment slot.
func (e *Engine[T]) Create(item T, price *big.Int, buyer, seller types.Address) (types.EscrowID, error) {
	if err := e.ready(); err != nil {
		return types.EscrowID{}, err
	}
	if seller.IsZero() || buyer.IsZero() {
		return types.EscrowID{}, fmt.Errorf("escrow: buyer and seller required: %w", marketerrors.ErrUnauthorized)
	}
	if buyer == seller && !e.cfg.AllowSelfPurchase {
		return types.EscrowID{}, fmt.Errorf("escrow: buyer equals seller: %w", marketerrors.ErrUnauthorized)
	}
	if err := types.ValidateAmount(price); err != nil {
		return types.EscrowID{}, fmt.Errorf("escrow: price: %w", err)
	}
	itemID := item.ItemID()
	if itemID.IsZero() {
		return types.EscrowID{}, fmt.Errorf("escrow: item identifier required: %w", marketerrors.ErrInvalidInput)
	}
	held, err := e.Holds(itemID)
	if err != nil {
		return types.EscrowID{}, err
	}
	if !held && e.other != nil {
		if held, err = e.other.Holds(itemID); err != nil {
			return types.EscrowID{}, err
		}
	}
	if held {
		return types.EscrowID{}, fmt.Errorf("escrow: item %s: %w", itemID, marketerrors.ErrAlreadyHeld)
	}
	raw, err := state.EncodeItem(item)
	if err != nil {
		return types.EscrowID{}, err
	}
	nonce, err := state.NextNonce(e.kv, e.ks)
	if err != nil {
		return types.EscrowID{}, err
	}
	id := types.EscrowID(types.DeriveID("escrow", e.cfg.Instance, itemID, nonce))
	esc := &storedEscrow{
		ID:        id,
		ItemID:    itemID,
		Item:      raw,
		Buyer:     buyer,
		Seller:    seller,
		Price:     types.CloneAmount(price),
		Currency:  e.cfg.Currency,
		Payment:   types.Payment{Amount: big.NewInt(0)},
		Status:    uint8(EscrowCreated),
		CreatedAt: uint64(e.nowFn()),
	}
	if err := e.storeEscrow(esc); err != nil {
		return types.EscrowID{}, err
	}
	if err := e.kv.KVPut(e.ks.EscrowIndex(id), &storedIndex{Item: itemID}); err != nil {
		return types.EscrowID{}, fmt.Errorf("escrow: store index: %w", err)
	}
	e.emit(NewCreatedEvent(e.cfg.Instance, esc))
	return id, nil
}

// Pay fills the payment slot. Only the buyer may pay, once, with exactly the
// price in the instance currency.
func (e *Engine[T]) Pay(id types.EscrowID, payment types.Payment, caller types.Address) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Buyer {
		return fmt.Errorf("escrow: pay by %s: %w", caller, marketerrors.ErrUnauthorized)
	}
	if EscrowStatus(esc.Status) != EscrowCreated || esc.Paid {
		return fmt.Errorf("escrow: cannot pay in status %s: %w", EscrowStatus(esc.Status), marketerrors.ErrWrongState)
	}
	if types.NormalizeCurrency(payment.Currency) != esc.Currency {
		return fmt.Errorf("escrow: paid in %q, want %q: %w", payment.Currency, esc.Currency, marketerrors.ErrCurrencyMismatch)
	}
	if payment.Amount == nil || payment.Amount.Cmp(esc.Price) != 0 {
		return fmt.Errorf("escrow: paid %s, price %s: %w", types.CloneAmount(payment.Amount), esc.Price, marketerrors.ErrAmountMismatch)
	}
	esc.Paid = true
	esc.Payment = types.NewPayment(payment.Currency, payment.Amount)
	esc.Status = uint8(EscrowPaid)
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewPaidEvent(e.cfg.Instance, esc))
	return nil
}

// Release settles a paid escrow in favour of the buyer: the item is delivered
// to the buyer and the seller is credited by the price. Only the seller may
// release.
func (e *Engine[T]) Release(id types.EscrowID, caller types.Address) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if caller != esc.Seller {
		return fmt.Errorf("escrow: release by %s: %w", caller, marketerrors.ErrUnauthorized)
	}
	if EscrowStatus(esc.Status) != EscrowPaid {
		return fmt.Errorf("escrow: cannot release in status %s: %w", EscrowStatus(esc.Status), marketerrors.ErrWrongState)
	}
	if err := e.complete(esc); err != nil {
		return err
	}
	if err := e.finish(esc, EscrowReleased); err != nil {
		return err
	}
	e.emit(NewReleasedEvent(e.cfg.Instance, esc))
	return nil
}

// Resolve applies an administrator's verdict to a paid escrow. Authorization
// is the caller's responsibility; the marketplace checks the admin capability
// before invoking it.
func (e *Engine[T]) Resolve(id types.EscrowID, resolution Resolution) error {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if EscrowStatus(esc.Status) != EscrowPaid {
		return fmt.Errorf("escrow: cannot resolve in status %s: %w", EscrowStatus(esc.Status), marketerrors.ErrWrongState)
	}
	var outcome EscrowStatus
	switch resolution {
	case ResolutionRefund:
		if err := e.refund(esc); err != nil {
			return err
		}
		outcome = EscrowRefunded
	case ResolutionComplete:
		if err := e.complete(esc); err != nil {
			return err
		}
		outcome = EscrowCompleted
	default:
		return fmt.Errorf("escrow: unsupported resolution %s: %w", resolution, marketerrors.ErrInvalidInput)
	}
	if err := e.finish(esc, outcome); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(e.cfg.Instance, esc, resolution))
	return nil
}

func (e *Engine[T]) complete(esc *storedEscrow) error {
	item, err := state.DecodeItem[T](esc.Item)
	if err != nil {
		return err
	}
	if err := e.custody.DeliverItem(esc.Buyer, item); err != nil {
		return err
	}
	if _, err := e.ledger.Credit(esc.Seller, esc.Price); err != nil {
		return err
	}
	return nil
}

func (e *Engine[T]) refund(esc *storedEscrow) error {
	item, err := state.DecodeItem[T](esc.Item)
	if err != nil {
		return err
	}
	if err := e.custody.DeliverItem(esc.Seller, item); err != nil {
		return err
	}
	return e.custody.DeliverPayment(esc.Buyer, esc.Payment)
}

// Get returns the live escrow addressed by id.
func (e *Engine[T]) Get(id types.EscrowID) (Escrow[T], error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return Escrow[T]{}, err
	}
	return fromStored[T](esc)
}
