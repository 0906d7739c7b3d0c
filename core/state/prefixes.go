package state

import "bazaar/core/types"

var (
	marketRootPrefix      = []byte("mkt/")
	currencyIndexPrefix   = []byte("mkt/currency/")
	listingSegment        = "listing/"
	listingIDSegment      = "listing-id/"
	balanceSegment        = "balance/"
	escrowSegment         = "escrow/"
	escrowIDSegment       = "escrow-id/"
	escrowTerminalSegment = "escrow-done/"
	custodySegment        = "custody/"
	metaSegment           = "meta"
	nonceSegment          = "nonce"
)

// Keyspace builds the storage keys owned by one marketplace instance. Every key
// lives under mkt/<instance>/ so instances sharing a database never collide.
type Keyspace struct {
	root []byte
}

// NewKeyspace returns the keyspace of the given instance.
func NewKeyspace(instance types.InstanceID) Keyspace {
	root := make([]byte, 0, len(marketRootPrefix)+37)
	root = append(root, marketRootPrefix...)
	root = append(root, instance.String()...)
	root = append(root, '/')
	return Keyspace{root: root}
}

func (k Keyspace) key(segment string, suffix []byte) []byte {
	out := make([]byte, 0, len(k.root)+len(segment)+len(suffix))
	out = append(out, k.root...)
	out = append(out, segment...)
	return append(out, suffix...)
}

// Meta is the key of the instance descriptor.
func (k Keyspace) Meta() []byte { return k.key(metaSegment, nil) }

// Nonce is the key of the instance's id counter.
func (k Keyspace) Nonce() []byte { return k.key(nonceSegment, nil) }

// Listing is the listings-by-item key.
func (k Keyspace) Listing(item types.ItemID) []byte { return k.key(listingSegment, item[:]) }

// ListingPrefix covers every listing of the instance.
func (k Keyspace) ListingPrefix() []byte { return k.key(listingSegment, nil) }

// ListingIndex maps a listing id back to its item.
func (k Keyspace) ListingIndex(id types.ListingID) []byte { return k.key(listingIDSegment, id[:]) }

// Balance is the pending-balance-by-address key.
func (k Keyspace) Balance(owner types.Address) []byte { return k.key(balanceSegment, owner[:]) }

// Escrow is the escrow-by-item key.
func (k Keyspace) Escrow(item types.ItemID) []byte { return k.key(escrowSegment, item[:]) }

// EscrowPrefix covers every live escrow of the instance.
func (k Keyspace) EscrowPrefix() []byte { return k.key(escrowSegment, nil) }

// EscrowIndex maps an escrow id back to its item.
func (k Keyspace) EscrowIndex(id types.EscrowID) []byte { return k.key(escrowIDSegment, id[:]) }

// EscrowTerminal records the outcome of a consumed escrow.
func (k Keyspace) EscrowTerminal(id types.EscrowID) []byte {
	return k.key(escrowTerminalSegment, id[:])
}

// Custody holds items and payments awaiting collection by owner.
func (k Keyspace) Custody(owner types.Address) []byte { return k.key(custodySegment, owner[:]) }

// CurrencyIndex maps a currency tag to the instance created for it.
func CurrencyIndex(currency string) []byte {
	normalized := types.NormalizeCurrency(currency)
	out := make([]byte, 0, len(currencyIndexPrefix)+len(normalized))
	out = append(out, currencyIndexPrefix...)
	return append(out, normalized...)
}
