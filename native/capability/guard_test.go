package capability

import (
	"errors"
	"testing"

	marketerrors "bazaar/core/errors"
	"bazaar/core/types"
)

func TestMintedCapabilitiesPassGuard(t *testing.T) {
	id := types.NewInstanceID()
	w, a, rec, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := GuardWithdraw(w, id, rec); err != nil {
		t.Fatalf("withdraw guard: %v", err)
	}
	if err := GuardAdmin(a, id, rec); err != nil {
		t.Fatalf("admin guard: %v", err)
	}
}

func TestGuardRejectsOtherInstance(t *testing.T) {
	id := types.NewInstanceID()
	other := types.NewInstanceID()
	w, _, _, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	_, _, otherRec, err := Mint(other)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := GuardWithdraw(w, other, otherRec); !errors.Is(err, marketerrors.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}

func TestZeroCapabilityRejected(t *testing.T) {
	id := types.NewInstanceID()
	_, _, rec, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := GuardWithdraw(WithdrawCap{}, id, rec); !errors.Is(err, marketerrors.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
	if err := GuardAdmin(AdminCap{}, id, rec); !errors.Is(err, marketerrors.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}

func TestForgedSecretRejected(t *testing.T) {
	id := types.NewInstanceID()
	_, _, rec, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	forged := WithdrawCap{instance: id}
	forged.secret[0] = 0x42
	if err := GuardWithdraw(forged, id, rec); !errors.Is(err, marketerrors.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}

func TestAdminTokenCannotWithdraw(t *testing.T) {
	id := types.NewInstanceID()
	_, a, rec, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	text, _ := a.MarshalText()
	if _, err := ParseWithdrawCap(string(text)); err == nil {
		t.Fatalf("admin token must not parse as withdraw capability")
	}
	swapped := WithdrawCap{instance: a.instance, secret: a.secret}
	if err := GuardWithdraw(swapped, id, rec); !errors.Is(err, marketerrors.ErrInvalidCapability) {
		t.Fatalf("expected ErrInvalidCapability, got %v", err)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	id := types.NewInstanceID()
	w, a, rec, err := Mint(id)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	wText, _ := w.MarshalText()
	parsedW, err := ParseWithdrawCap(string(wText))
	if err != nil {
		t.Fatalf("parse withdraw: %v", err)
	}
	if err := GuardWithdraw(parsedW, id, rec); err != nil {
		t.Fatalf("parsed withdraw cap rejected: %v", err)
	}
	aText, _ := a.MarshalText()
	parsedA, err := ParseAdminCap(string(aText))
	if err != nil {
		t.Fatalf("parse admin: %v", err)
	}
	if err := GuardAdmin(parsedA, id, rec); err != nil {
		t.Fatalf("parsed admin cap rejected: %v", err)
	}
	if _, err := ParseAdminCap("acap:not-a-uuid:00"); err == nil {
		t.Fatalf("expected malformed token error")
	}
}
