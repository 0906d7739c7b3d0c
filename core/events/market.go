package events

import (
	"math/big"
	"strconv"

	"bazaar/core/types"
)

const (
	// TypeMarketplaceCreated is emitted once when an instance is created.
	TypeMarketplaceCreated = "market.created"
	// TypeProfitsWithdrawn is emitted when a pending balance is withdrawn.
	TypeProfitsWithdrawn = "market.profits.withdrawn"
	// TypeCustodyCollected is emitted when a party collects delivered items and
	// refunded payments.
	TypeCustodyCollected = "market.custody.collected"
)

// MarketplaceCreated describes a freshly created marketplace instance.
type MarketplaceCreated struct {
	Instance types.InstanceID
	Currency string
	Creator  types.Address
}

// EventType satisfies the events.Event interface.
func (MarketplaceCreated) EventType() string { return TypeMarketplaceCreated }

// Event converts the payload into its wire representation.
func (e MarketplaceCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketplaceCreated,
		Attributes: map[string]string{
			"instance": e.Instance.String(),
			"currency": types.NormalizeCurrency(e.Currency),
			"creator":  addressAttr(e.Creator),
		},
	}
}

// ProfitsWithdrawn records a seller emptying their pending balance.
type ProfitsWithdrawn struct {
	Instance types.InstanceID
	Owner    types.Address
	Currency string
	Amount   *big.Int
}

// EventType satisfies the events.Event interface.
func (ProfitsWithdrawn) EventType() string { return TypeProfitsWithdrawn }

// Event converts the payload into its wire representation.
func (e ProfitsWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeProfitsWithdrawn,
		Attributes: map[string]string{
			"instance": e.Instance.String(),
			"owner":    addressAttr(e.Owner),
			"currency": types.NormalizeCurrency(e.Currency),
			"amount":   types.CloneAmount(e.Amount).String(),
		},
	}
}

// CustodyCollected records a party taking everything held for them.
type CustodyCollected struct {
	Instance types.InstanceID
	Owner    types.Address
	Items    int
	Payments int
}

// EventType satisfies the events.Event interface.
func (CustodyCollected) EventType() string { return TypeCustodyCollected }

// Event converts the payload into its wire representation.
func (e CustodyCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeCustodyCollected,
		Attributes: map[string]string{
			"instance": e.Instance.String(),
			"owner":    addressAttr(e.Owner),
			"items":    strconv.Itoa(e.Items),
			"payments": strconv.Itoa(e.Payments),
		},
	}
}
