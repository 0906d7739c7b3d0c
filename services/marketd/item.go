package marketd

import (
	"fmt"

	"bazaar/core/types"
)

// Asset is the item type marketd trades. Its identity is derived from the
// normalised Ref, so two assets whose references normalise alike are the same
// item.
type Asset struct {
	Ref      string `json:"ref"`
	Name     string `json:"name,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// ItemID implements types.Item.
func (a Asset) ItemID() types.ItemID { return types.ItemIDFromString(a.Ref) }

// normalize canonicalises Ref in place and checks the asset is acceptable.
func (a *Asset) normalize() error {
	a.Ref = types.NormalizeRef(a.Ref)
	if a.Ref == "" {
		return fmt.Errorf("item ref required")
	}
	if len(a.Metadata) > maxMetadataBytes {
		return fmt.Errorf("item metadata exceeds %d bytes", maxMetadataBytes)
	}
	return nil
}

const maxMetadataBytes = 4096
