package escrow

import (
	"math/big"
	"testing"

	"bazaar/core/types"
)

func TestParseResolution(t *testing.T) {
	cases := map[string]Resolution{"refund": ResolutionRefund, " Complete ": ResolutionComplete}
	for input, want := range cases {
		got, err := ParseResolution(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", input, want, got)
		}
	}
	if _, err := ParseResolution("split"); err == nil {
		t.Fatalf("expected error for unknown resolution")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []EscrowStatus{EscrowReleased, EscrowRefunded, EscrowCompleted} {
		if !s.Terminal() || !s.Valid() {
			t.Fatalf("%s should be a valid terminal status", s)
		}
	}
	for _, s := range []EscrowStatus{EscrowCreated, EscrowPaid} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if EscrowStatus(0).Valid() || EscrowStatus(9).Valid() {
		t.Fatalf("out of range statuses must be invalid")
	}
}

func TestStoredSlotRoundTrip(t *testing.T) {
	empty := &storedEscrow{}
	if _, ok := empty.slot().(EmptySlot); !ok {
		t.Fatalf("unpaid record should restore an empty slot")
	}
	paid := &storedEscrow{Paid: true, Payment: types.NewPayment("usd", big.NewInt(9))}
	p, ok := PaymentOf(paid.slot())
	if !ok || p.Currency != "USD" || p.Amount.Int64() != 9 {
		t.Fatalf("paid record should restore the payment, got %+v", p)
	}
	p.Amount.SetInt64(1)
	if paid.Payment.Amount.Int64() != 9 {
		t.Fatalf("PaymentOf must return a copy")
	}
}
