package market

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	marketerrors "bazaar/core/errors"
	"bazaar/core/events"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/native/capability"
	"bazaar/observability"
	"bazaar/storage"
)

// Policy holds the decisions an operator makes when creating an instance. It
// is persisted with the instance and cannot change afterwards.
type Policy struct {
	// AllowSelfPurchase lets a listing owner buy their own listing and a seller
	// open an escrow with themselves as buyer.
	AllowSelfPurchase bool
}

// Options configure a Host.
type Options struct {
	Policy  Policy
	Emitter events.Emitter
	Logger  *slog.Logger
	Now     func() int64
}

type storedMeta struct {
	ID                [16]byte
	Currency          string
	Creator           types.Address
	Capabilities      capability.Record
	AllowSelfPurchase bool
	CreatedAt         uint64
}

type storedInstanceRef struct {
	ID [16]byte
}

// Host creates and reopens marketplace instances sharing one database. At most
// one instance exists per currency.
type Host[T types.Item] struct {
	manager *state.Manager
	policy  Policy
	emitter events.Emitter
	logger  *slog.Logger
	nowFn   func() int64
	metrics *observability.MarketMetrics

	mu        sync.Mutex
	instances map[types.InstanceID]*Instance[T]
}

// NewHost binds a host to db.
func NewHost[T types.Item](db storage.Database, opts Options) *Host[T] {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Host[T]{
		manager:   state.NewManager(db),
		policy:    opts.Policy,
		emitter:   emitter,
		logger:    logger.With("component", "market"),
		nowFn:     now,
		metrics:   observability.Market(),
		instances: make(map[types.InstanceID]*Instance[T]),
	}
}

// Create deploys a marketplace for currency and hands the creator the
// withdrawal and administrative capabilities. They are minted exactly once;
// losing them forfeits the privileges they grant.
func (h *Host[T]) Create(creator types.Address, currency string) (*Instance[T], capability.WithdrawCap, capability.AdminCap, error) {
	start := time.Now()
	inst, wcap, acap, err := h.create(creator, currency)
	h.metrics.Observe("create", time.Since(start), err)
	return inst, wcap, acap, err
}

func (h *Host[T]) create(creator types.Address, currency string) (*Instance[T], capability.WithdrawCap, capability.AdminCap, error) {
	var (
		noW capability.WithdrawCap
		noA capability.AdminCap
	)
	if creator.IsZero() {
		return nil, noW, noA, fmt.Errorf("market: creator required: %w", marketerrors.ErrUnauthorized)
	}
	normalized, err := types.ValidateCurrency(currency)
	if err != nil {
		return nil, noW, noA, fmt.Errorf("market: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var ref storedInstanceRef
	exists, err := h.manager.KVGet(state.CurrencyIndex(normalized), &ref)
	if err != nil {
		return nil, noW, noA, fmt.Errorf("market: load currency index: %w", err)
	}
	if exists {
		return nil, noW, noA, fmt.Errorf("market: %s: %w", normalized, marketerrors.ErrInstanceExists)
	}

	id := types.NewInstanceID()
	wcap, acap, record, err := capability.Mint(id)
	if err != nil {
		return nil, noW, noA, err
	}
	meta := &storedMeta{
		ID:                id,
		Currency:          normalized,
		Creator:           creator,
		Capabilities:      record,
		AllowSelfPurchase: h.policy.AllowSelfPurchase,
		CreatedAt:         uint64(h.nowFn()),
	}
	ks := state.NewKeyspace(id)
	tx := h.manager.Begin()
	if err := tx.KVPut(ks.Meta(), meta); err != nil {
		tx.Discard()
		return nil, noW, noA, fmt.Errorf("market: store meta: %w", err)
	}
	if err := tx.KVPut(state.CurrencyIndex(normalized), &storedInstanceRef{ID: id}); err != nil {
		tx.Discard()
		return nil, noW, noA, fmt.Errorf("market: store currency index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, noW, noA, fmt.Errorf("market: commit create: %w", err)
	}

	inst := h.attach(meta)
	h.emitter.Emit(events.MarketplaceCreated{Instance: id, Currency: normalized, Creator: creator})
	observability.Events().RecordPublished(events.TypeMarketplaceCreated)
	h.logger.Info("marketplace created",
		"instance", id.String(),
		"currency", normalized,
		"creator", creator.String(),
		"allow_self_purchase", meta.AllowSelfPurchase)
	return inst, wcap, acap, nil
}

// Open returns the instance identified by id, loading it from the database
// after a restart.
func (h *Host[T]) Open(id types.InstanceID) (*Instance[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[id]; ok {
		return inst, nil
	}
	var meta storedMeta
	ok, err := h.manager.KVGet(state.NewKeyspace(id).Meta(), &meta)
	if err != nil {
		return nil, fmt.Errorf("market: load meta: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("market: instance %s: %w", id, marketerrors.ErrNotFound)
	}
	inst := h.attach(&meta)
	inst.seedGauges()
	return inst, nil
}

// Lookup returns the instance settling currency.
func (h *Host[T]) Lookup(currency string) (*Instance[T], error) {
	normalized := types.NormalizeCurrency(currency)
	var ref storedInstanceRef
	ok, err := h.manager.KVGet(state.CurrencyIndex(normalized), &ref)
	if err != nil {
		return nil, fmt.Errorf("market: load currency index: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("market: no instance for %q: %w", normalized, marketerrors.ErrNotFound)
	}
	return h.Open(types.InstanceID(ref.ID))
}

func (h *Host[T]) attach(meta *storedMeta) *Instance[T] {
	id := types.InstanceID(meta.ID)
	inst := &Instance[T]{
		id:        id,
		currency:  meta.Currency,
		creator:   meta.Creator,
		caps:      meta.Capabilities,
		policy:    Policy{AllowSelfPurchase: meta.AllowSelfPurchase},
		createdAt: int64(meta.CreatedAt),
		manager:   h.manager,
		ks:        state.NewKeyspace(id),
		emitter:   h.emitter,
		logger:    h.logger.With("instance", id.String(), "currency", meta.Currency),
		metrics:   h.metrics,
		nowFn:     h.nowFn,
	}
	h.instances[id] = inst
	return inst
}
