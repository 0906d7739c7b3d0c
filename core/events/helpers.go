package events

import "bazaar/core/types"

// addressAttr renders an address for event attributes, leaving unset parties
// empty instead of printing the bech32 zero address.
func addressAttr(addr types.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}
