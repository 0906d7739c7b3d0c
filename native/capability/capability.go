package capability

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"bazaar/core/types"
)

const (
	withdrawTag = "wcap"
	adminTag    = "acap"
)

// WithdrawCap authorises withdrawing pending balances from one instance.
// The zero value authorises nothing.
type WithdrawCap struct {
	instance types.InstanceID
	secret   [32]byte
}

// AdminCap authorises dispute resolution on one instance. It is deliberately a
// distinct type from WithdrawCap so neither can stand in for the other.
type AdminCap struct {
	instance types.InstanceID
	secret   [32]byte
}

// Record is the public half of an instance's capabilities. It stores digests
// only, so the capabilities cannot be rebuilt from persisted state.
type Record struct {
	Instance       [16]byte
	WithdrawDigest [32]byte
	AdminDigest    [32]byte
}

// Mint creates the withdrawal and admin capabilities of a new instance along
// with the record the instance keeps to recognise them.
func Mint(instance types.InstanceID) (WithdrawCap, AdminCap, Record, error) {
	if instance.IsZero() {
		return WithdrawCap{}, AdminCap{}, Record{}, fmt.Errorf("capability: instance id required")
	}
	w := WithdrawCap{instance: instance}
	if _, err := rand.Read(w.secret[:]); err != nil {
		return WithdrawCap{}, AdminCap{}, Record{}, fmt.Errorf("capability: read entropy: %w", err)
	}
	a := AdminCap{instance: instance}
	if _, err := rand.Read(a.secret[:]); err != nil {
		return WithdrawCap{}, AdminCap{}, Record{}, fmt.Errorf("capability: read entropy: %w", err)
	}
	rec := Record{
		Instance:       instance,
		WithdrawDigest: digest(withdrawTag, w.secret),
		AdminDigest:    digest(adminTag, a.secret),
	}
	return w, a, rec, nil
}

func digest(tag string, secret [32]byte) [32]byte {
	buf := make([]byte, 0, len(tag)+len(secret))
	buf = append(buf, tag...)
	buf = append(buf, secret[:]...)
	return blake3.Sum256(buf)
}

// Instance returns the instance the capability was minted for.
func (c WithdrawCap) Instance() types.InstanceID { return c.instance }

// Instance returns the instance the capability was minted for.
func (c AdminCap) Instance() types.InstanceID { return c.instance }

// MarshalText renders the capability as an opaque bearer token.
func (c WithdrawCap) MarshalText() ([]byte, error) {
	return []byte(encode(withdrawTag, c.instance, c.secret)), nil
}

// MarshalText renders the capability as an opaque bearer token.
func (c AdminCap) MarshalText() ([]byte, error) {
	return []byte(encode(adminTag, c.instance, c.secret)), nil
}

func (c WithdrawCap) String() string { return withdrawTag + ":" + c.instance.String() }

func (c AdminCap) String() string { return adminTag + ":" + c.instance.String() }

// ParseWithdrawCap decodes a token produced by WithdrawCap.MarshalText. A
// parsed capability is only honoured if Guard finds its digest on record.
func ParseWithdrawCap(token string) (WithdrawCap, error) {
	instance, secret, err := decode(withdrawTag, token)
	if err != nil {
		return WithdrawCap{}, err
	}
	return WithdrawCap{instance: instance, secret: secret}, nil
}

// ParseAdminCap decodes a token produced by AdminCap.MarshalText.
func ParseAdminCap(token string) (AdminCap, error) {
	instance, secret, err := decode(adminTag, token)
	if err != nil {
		return AdminCap{}, err
	}
	return AdminCap{instance: instance, secret: secret}, nil
}

func encode(tag string, instance types.InstanceID, secret [32]byte) string {
	return tag + ":" + instance.String() + ":" + hex.EncodeToString(secret[:])
}

func decode(tag, token string) (types.InstanceID, [32]byte, error) {
	var secret [32]byte
	parts := strings.Split(strings.TrimSpace(token), ":")
	if len(parts) != 3 || parts[0] != tag {
		return types.InstanceID{}, secret, fmt.Errorf("capability: malformed %s token", tag)
	}
	instance, err := types.ParseInstanceID(parts[1])
	if err != nil {
		return types.InstanceID{}, secret, fmt.Errorf("capability: %w", err)
	}
	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) != len(secret) {
		return types.InstanceID{}, secret, fmt.Errorf("capability: malformed %s secret", tag)
	}
	copy(secret[:], raw)
	return instance, secret, nil
}
