package capability

import (
	"crypto/subtle"
	"fmt"

	marketerrors "bazaar/core/errors"
	"bazaar/core/types"
)

// GuardWithdraw fails with ErrInvalidCapability unless c was minted for target
// and matches the target's record.
func GuardWithdraw(c WithdrawCap, target types.InstanceID, rec Record) error {
	return guard(withdrawTag, c.instance, c.secret, target, rec.Instance, rec.WithdrawDigest)
}

// GuardAdmin fails with ErrInvalidCapability unless c was minted for target and
// matches the target's record.
func GuardAdmin(c AdminCap, target types.InstanceID, rec Record) error {
	return guard(adminTag, c.instance, c.secret, target, rec.Instance, rec.AdminDigest)
}

func guard(tag string, held types.InstanceID, secret [32]byte, target types.InstanceID, recorded [16]byte, want [32]byte) error {
	if target.IsZero() || held != target || types.InstanceID(recorded) != target {
		return fmt.Errorf("capability: %s not issued for instance %s: %w", tag, target, marketerrors.ErrInvalidCapability)
	}
	got := digest(tag, secret)
	if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
		return fmt.Errorf("capability: %s digest mismatch: %w", tag, marketerrors.ErrInvalidCapability)
	}
	return nil
}
