package escrow

import (
	"fmt"
	"math/big"
	"strings"

	"bazaar/core/state"
	"bazaar/core/types"
)

// EscrowStatus represents the lifecycle states of a conditional settlement.
// Created and Paid are live; the remaining values only ever appear as the
// recorded outcome of a consumed escrow.
type EscrowStatus uint8

const (
	EscrowCreated EscrowStatus = iota + 1
	EscrowPaid
	EscrowReleased
	EscrowRefunded
	EscrowCompleted
)

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowCreated, EscrowPaid, EscrowReleased, EscrowRefunded, EscrowCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the escrow.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowCompleted
}

func (s EscrowStatus) String() string {
	switch s {
	case EscrowCreated:
		return "created"
	case EscrowPaid:
		return "paid"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	case EscrowCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Resolution is the administrator's verdict on a paid escrow.
type Resolution uint8

const (
	// ResolutionRefund returns the item to the seller and the payment to the
	// buyer untouched.
	ResolutionRefund Resolution = iota + 1
	// ResolutionComplete settles the escrow as if the seller had released it.
	ResolutionComplete
)

func (r Resolution) String() string {
	switch r {
	case ResolutionRefund:
		return "refund"
	case ResolutionComplete:
		return "complete"
	default:
		return fmt.Sprintf("resolution(%d)", uint8(r))
	}
}

// ParseResolution accepts "refund" or "complete" in any case.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "refund":
		return ResolutionRefund, nil
	case "complete":
		return ResolutionComplete, nil
	default:
		return 0, fmt.Errorf("escrow: unknown resolution %q", s)
	}
}

// PaymentSlot holds the buyer's payment once it has been made. The only
// implementations are EmptySlot and FilledSlot.
type PaymentSlot interface {
	isPaymentSlot()
}

// EmptySlot is the slot of an escrow that has not been paid.
type EmptySlot struct{}

// FilledSlot carries the payment locked in a paid escrow.
type FilledSlot struct {
	Payment types.Payment
}

func (EmptySlot) isPaymentSlot()  {}
func (FilledSlot) isPaymentSlot() {}

// PaymentOf returns the locked payment and whether the slot is filled.
func PaymentOf(slot PaymentSlot) (types.Payment, bool) {
	filled, ok := slot.(FilledSlot)
	if !ok {
		return types.Payment{}, false
	}
	return filled.Payment.Clone(), true
}

// Escrow is a conditional settlement locking an item and, once paid, the
// buyer's payment.
type Escrow[T types.Item] struct {
	ID        types.EscrowID
	Item      T
	Buyer     types.Address
	Seller    types.Address
	Price     *big.Int
	Currency  string
	Slot      PaymentSlot
	Status    EscrowStatus
	CreatedAt int64
}

// storedEscrow is the persisted form. The slot is flattened into Paid and
// Payment; fromStored restores the sum type.
type storedEscrow struct {
	ID        [32]byte
	ItemID    [32]byte
	Item      []byte
	Buyer     types.Address
	Seller    types.Address
	Price     *big.Int
	Currency  string
	Paid      bool
	Payment   types.Payment
	Status    uint8
	CreatedAt uint64
}

type storedIndex struct {
	Item [32]byte
}

// storedOutcome is the tombstone left behind by a terminal transition.
type storedOutcome struct {
	ItemID [32]byte
	Status uint8
}

func (s *storedEscrow) slot() PaymentSlot {
	if !s.Paid {
		return EmptySlot{}
	}
	return FilledSlot{Payment: s.Payment.Clone()}
}

func fromStored[T types.Item](s *storedEscrow) (Escrow[T], error) {
	item, err := state.DecodeItem[T](s.Item)
	if err != nil {
		return Escrow[T]{}, err
	}
	status := EscrowStatus(s.Status)
	if !status.Valid() {
		return Escrow[T]{}, fmt.Errorf("escrow: invalid stored status %d", s.Status)
	}
	return Escrow[T]{
		ID:        types.EscrowID(s.ID),
		Item:      item,
		Buyer:     s.Buyer,
		Seller:    s.Seller,
		Price:     types.CloneAmount(s.Price),
		Currency:  s.Currency,
		Slot:      s.slot(),
		Status:    status,
		CreatedAt: int64(s.CreatedAt),
	}, nil
}
