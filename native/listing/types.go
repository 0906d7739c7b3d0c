package listing

import (
	"math/big"

	"bazaar/core/state"
	"bazaar/core/types"
)

// Listing is a direct-sale offer for one held item.
type Listing[T types.Item] struct {
	ID        types.ListingID `json:"id"`
	Item      T               `json:"item"`
	Ask       *big.Int        `json:"ask"`
	Owner     types.Address   `json:"owner"`
	Currency  string          `json:"currency"`
	CreatedAt int64           `json:"createdAt"`
}

// Clone returns a deep copy of the listing metadata. The item value is copied
// by assignment.
func (l Listing[T]) Clone() Listing[T] {
	out := l
	out.Ask = types.CloneAmount(l.Ask)
	return out
}

// storedListing is the persisted form. The item is kept as its own RLP payload
// so the record layout does not depend on the item type.
type storedListing struct {
	ID        [32]byte
	ItemID    [32]byte
	Item      []byte
	Ask       *big.Int
	Owner     types.Address
	Currency  string
	CreatedAt uint64
}

type storedIndex struct {
	Item [32]byte
}

func toStored[T types.Item](l Listing[T]) (*storedListing, error) {
	raw, err := state.EncodeItem(l.Item)
	if err != nil {
		return nil, err
	}
	itemID := l.Item.ItemID()
	return &storedListing{
		ID:        l.ID,
		ItemID:    itemID,
		Item:      raw,
		Ask:       types.CloneAmount(l.Ask),
		Owner:     l.Owner,
		Currency:  l.Currency,
		CreatedAt: uint64(l.CreatedAt),
	}, nil
}

func fromStored[T types.Item](s *storedListing) (Listing[T], error) {
	item, err := state.DecodeItem[T](s.Item)
	if err != nil {
		return Listing[T]{}, err
	}
	return Listing[T]{
		ID:        types.ListingID(s.ID),
		Item:      item,
		Ask:       types.CloneAmount(s.Ask),
		Owner:     s.Owner,
		Currency:  s.Currency,
		CreatedAt: int64(s.CreatedAt),
	}, nil
}
