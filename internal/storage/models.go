package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no row exists for an address
var ErrNotFound = errors.New("address balance not found")

// AddressBalance is the last known balance of an address, in wei
type AddressBalance struct {
	Address   string
	Balance   string
	UserID    *int64
	UpdatedAt time.Time
}

// amount parses the balance as a non-negative integer amount
func (ab AddressBalance) amount() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(ab.Balance))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid balance %q for %s: %w", ab.Balance, ab.Address, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative balance %s for %s", ab.Balance, ab.Address)
	}
	if !d.Equal(d.Truncate(0)) {
		return decimal.Decimal{}, fmt.Errorf("fractional balance %s for %s", ab.Balance, ab.Address)
	}
	return d, nil
}

// normalized returns a copy with a lowercase address and a zero UpdatedAt
// replaced by now
func (ab AddressBalance) normalized(now time.Time) AddressBalance {
	ab.Address = strings.ToLower(strings.TrimSpace(ab.Address))
	if ab.UpdatedAt.IsZero() {
		ab.UpdatedAt = now
	}
	return ab
}
