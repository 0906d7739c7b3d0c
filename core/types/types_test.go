package types

import (
	"errors"
	"math/big"
	"testing"

	marketerrors "bazaar/core/errors"
)

func TestItemIDFoldsRefSpellings(t *testing.T) {
	want := ItemIDFromString("deed-7")
	for _, ref := range []string{" deed-7", "deed-7\n", "　deed-7", "ｄｅｅｄ-7", "ｄｅｅｄ－７"} {
		if got := ItemIDFromString(ref); got != want {
			t.Fatalf("ref %q: id %s, want %s", ref, got, want)
		}
	}
	if ItemIDFromString("deed-8") == want {
		t.Fatalf("distinct refs must not collide")
	}
	if !ItemIDFromString("  \t").IsZero() {
		t.Fatalf("blank ref should yield the zero id")
	}
}

func TestNormalizeCurrencyFoldsWidth(t *testing.T) {
	for _, in := range []string{"usd", " USD ", "ＵＳＤ", "ｕｓｄ\n"} {
		if got := NormalizeCurrency(in); got != "USD" {
			t.Fatalf("currency %q normalised to %q", in, got)
		}
	}
}

func TestValidateAmountBounds(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	if err := ValidateAmount(max); err != nil {
		t.Fatalf("max amount rejected: %v", err)
	}
	tooBig := new(big.Int).Lsh(big.NewInt(1), 300)
	for _, v := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1), tooBig} {
		if err := ValidateAmount(v); !errors.Is(err, marketerrors.ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", v, err)
		}
	}
}

func TestParseAmountRejectsOversized(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 300).String()
	if _, err := ParseAmount(tooBig); !errors.Is(err, marketerrors.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	v, err := ParseAmount(" 1000 ")
	if err != nil || v.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("parse 1000: %v %v", v, err)
	}
}
