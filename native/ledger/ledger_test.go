package ledger

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	marketerrors "bazaar/core/errors"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/storage"
)

func newTestAddress(fill byte) types.Address {
	var addr types.Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestLedger(t *testing.T) (*Ledger, *state.Tx) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tx := state.NewManager(db).Begin()
	return New(tx, state.NewKeyspace(types.NewInstanceID())), tx
}

func TestCreditMergesBalances(t *testing.T) {
	l, _ := newTestLedger(t)
	seller := newTestAddress(0x01)
	if _, err := l.Credit(seller, big.NewInt(400)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	total, err := l.Credit(seller, big.NewInt(600))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if total.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected merged balance 1000, got %s", total)
	}
	bal, err := l.Balance(seller)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected balance %s", bal)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	l, _ := newTestLedger(t)
	seller := newTestAddress(0x01)
	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := l.Credit(seller, amt); !errors.Is(err, marketerrors.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %v, got %v", amt, err)
		}
	}
}

func TestCreditRejectsOverflow(t *testing.T) {
	l, _ := newTestLedger(t)
	seller := newTestAddress(0x01)
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if _, err := l.Credit(seller, max); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	if _, err := l.Credit(seller, big.NewInt(1)); !errors.Is(err, marketerrors.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount on overflow, got %v", err)
	}
	if _, err := l.Credit(newTestAddress(0x09), new(big.Int).Lsh(big.NewInt(1), 300)); !errors.Is(err, marketerrors.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for oversized credit, got %v", err)
	}
	if _, err := l.Credit(types.Address{}, big.NewInt(1)); !errors.Is(err, marketerrors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for zero address, got %v", err)
	}
	bal, _ := l.Balance(seller)
	if bal.Cmp(max) != 0 {
		t.Fatalf("failed credit must not change balance, got %s", bal)
	}
}

func TestDebitAllEmptiesAndRemoves(t *testing.T) {
	l, _ := newTestLedger(t)
	seller := newTestAddress(0x02)
	if _, err := l.Credit(seller, big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	amount, err := l.DebitAll(seller)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected 1000, got %s", amount)
	}
	if _, err := l.DebitAll(seller); !errors.Is(err, marketerrors.ErrEmptyBalance) {
		t.Fatalf("expected ErrEmptyBalance, got %v", err)
	}
}

func TestDebitAllRemovesEntryInsteadOfZeroing(t *testing.T) {
	l, tx := newTestLedger(t)
	seller := newTestAddress(0x03)
	if _, err := l.Credit(seller, big.NewInt(5)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.DebitAll(seller); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if ok, err := tx.KVHas(l.ks.Balance(seller)); err != nil || ok {
		t.Fatalf("expected balance entry removed, ok=%v err=%v", ok, err)
	}
}
