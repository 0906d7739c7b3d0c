package types

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	marketerrors "bazaar/core/errors"
)

// Payment is a quantity of one settlement currency handed to the marketplace.
// Amounts are expressed in the currency's smallest unit.
type Payment struct {
	Currency string   `json:"currency"`
	Amount   *big.Int `json:"amount"`
}

// NewPayment builds a payment with a normalised currency tag and a copied amount.
func NewPayment(currency string, amount *big.Int) Payment {
	return Payment{Currency: NormalizeCurrency(currency), Amount: CloneAmount(amount)}
}

// Clone returns a deep copy of the payment.
func (p Payment) Clone() Payment {
	return Payment{Currency: p.Currency, Amount: CloneAmount(p.Amount)}
}

// IsZero reports whether the payment carries no value.
func (p Payment) IsZero() bool {
	return p.Amount == nil || p.Amount.Sign() == 0
}

func (p Payment) String() string {
	return fmt.Sprintf("%s %s", CloneAmount(p.Amount).String(), p.Currency)
}

// NormalizeCurrency returns the canonical upper-case currency tag.
func NormalizeCurrency(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(symbol)))
}

// ValidateCurrency rejects empty or oversized currency tags.
func ValidateCurrency(symbol string) (string, error) {
	normalized := NormalizeCurrency(symbol)
	if normalized == "" {
		return "", fmt.Errorf("currency tag required")
	}
	if len(normalized) > 16 {
		return "", fmt.Errorf("currency tag %q exceeds 16 characters", normalized)
	}
	return normalized, nil
}

// CloneAmount returns a copy of v, treating nil as zero.
func CloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// ValidateAmount rejects amounts that are not positive or do not fit in 256
// bits, the width balances are kept in.
func ValidateAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("amount %v must be positive: %w", v, marketerrors.ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("amount exceeds 256 bits: %w", marketerrors.ErrInvalidAmount)
	}
	return nil
}

// ParseAmount parses a base-10 integer amount.
func ParseAmount(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if _, overflow := uint256.FromBig(new(big.Int).Abs(v)); overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits: %w", s, marketerrors.ErrInvalidAmount)
	}
	return v, nil
}
