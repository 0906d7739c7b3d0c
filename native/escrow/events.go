package escrow

import (
	"strconv"

	"bazaar/core/types"
)

const (
	EventTypeEscrowCreated  = "market.escrow.created"
	EventTypeEscrowPaid     = "market.escrow.paid"
	EventTypeEscrowReleased = "market.escrow.released"
	EventTypeEscrowResolved = "market.escrow.resolved"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(instance types.InstanceID, e *storedEscrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCreated, instance, e)
}

// NewPaidEvent returns the payload emitted when the buyer fills the payment
// slot.
func NewPaidEvent(instance types.InstanceID, e *storedEscrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowPaid, instance, e)
}

// NewReleasedEvent returns the payload emitted when the seller releases the
// item to the buyer.
func NewReleasedEvent(instance types.InstanceID, e *storedEscrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowReleased, instance, e)
}

// NewResolvedEvent returns the payload emitted when a dispute is resolved.
func NewResolvedEvent(instance types.InstanceID, e *storedEscrow, resolution Resolution) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowResolved, instance, e)
	evt.Attributes["resolution"] = resolution.String()
	return evt
}

func newEscrowEvent(eventType string, instance types.InstanceID, e *storedEscrow) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["instance"] = instance.String()
	attrs["escrowId"] = types.EscrowID(e.ID).String()
	attrs["itemId"] = types.ItemID(e.ItemID).String()
	attrs["buyer"] = e.Buyer.String()
	attrs["seller"] = e.Seller.String()
	attrs["price"] = types.CloneAmount(e.Price).String()
	attrs["currency"] = e.Currency
	attrs["status"] = EscrowStatus(e.Status).String()
	attrs["createdAt"] = strconv.FormatUint(e.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
