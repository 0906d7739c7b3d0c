package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// InstanceID identifies one deployed marketplace.
type InstanceID uuid.UUID

// NewInstanceID returns a fresh random instance identity.
func NewInstanceID() InstanceID { return InstanceID(uuid.New()) }

// ParseInstanceID parses the canonical UUID text form.
func ParseInstanceID(s string) (InstanceID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return InstanceID{}, fmt.Errorf("invalid instance id: %w", err)
	}
	return InstanceID(id), nil
}

func (id InstanceID) String() string { return uuid.UUID(id).String() }

// IsZero reports whether the identifier is unset.
func (id InstanceID) IsZero() bool { return id == InstanceID{} }

// Bytes returns the 16 raw bytes of the identifier.
func (id InstanceID) Bytes() []byte {
	out := make([]byte, 16)
	copy(out, id[:])
	return out
}

// ItemID is the unique identity of an application item held by the marketplace.
type ItemID [32]byte

// NormalizeRef returns the canonical form of an external item reference:
// NFKC-folded with surrounding whitespace removed.
func NormalizeRef(ref string) string {
	return strings.TrimSpace(norm.NFKC.String(ref))
}

// ItemIDFromString derives a deterministic item identifier from an external
// reference such as a SKU or token URI. Spellings that normalise to the same
// reference share one identifier. An empty reference yields the zero id.
func ItemIDFromString(ref string) ItemID {
	canonical := NormalizeRef(ref)
	if canonical == "" {
		return ItemID{}
	}
	return ItemID(crypto.Keccak256Hash([]byte(canonical)))
}

func (id ItemID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the identifier is unset.
func (id ItemID) IsZero() bool { return id == ItemID{} }

// ListingID identifies a direct-sale offer.
type ListingID [32]byte

func (id ListingID) String() string { return hex.EncodeToString(id[:]) }

// EscrowID identifies a conditional-settlement record.
type EscrowID [32]byte

func (id EscrowID) String() string { return hex.EncodeToString(id[:]) }

// ParseHash32 decodes a 32-byte hex identifier with or without a 0x prefix.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid hex identifier: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("identifier must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// DeriveID hashes a domain tag, the instance, the item and a nonce into a
// deterministic 32-byte identifier. Listing and escrow ids both use it with
// different tags so the two namespaces never collide.
func DeriveID(tag string, instance InstanceID, item ItemID, nonce uint64) [32]byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash([]byte(tag), instance[:], item[:], n[:])
}
