package listing

import (
	"strconv"

	"bazaar/core/types"
)

const (
	EventTypeListingCreated  = "market.listing.created"
	EventTypeListingDelisted = "market.listing.delisted"
	EventTypeItemSold        = "market.item.sold"
)

type listingEvent struct {
	evt *types.Event
}

func (e listingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e listingEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the payload emitted when an item is listed.
func NewCreatedEvent(instance types.InstanceID, l *storedListing) *types.Event {
	return newListingEvent(EventTypeListingCreated, instance, l)
}

// NewDelistedEvent returns the payload emitted when the owner withdraws a
// listing.
func NewDelistedEvent(instance types.InstanceID, l *storedListing) *types.Event {
	return newListingEvent(EventTypeListingDelisted, instance, l)
}

// NewSoldEvent returns the payload emitted when a listing is bought.
func NewSoldEvent(instance types.InstanceID, l *storedListing, buyer types.Address) *types.Event {
	evt := newListingEvent(EventTypeItemSold, instance, l)
	evt.Attributes["buyer"] = buyer.String()
	evt.Attributes["price"] = evt.Attributes["ask"]
	return evt
}

func newListingEvent(eventType string, instance types.InstanceID, l *storedListing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["instance"] = instance.String()
	attrs["listingId"] = types.ListingID(l.ID).String()
	attrs["itemId"] = types.ItemID(l.ItemID).String()
	attrs["owner"] = l.Owner.String()
	attrs["ask"] = types.CloneAmount(l.Ask).String()
	attrs["currency"] = l.Currency
	attrs["createdAt"] = strconv.FormatUint(l.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
