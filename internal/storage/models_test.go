package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressBalanceAmount(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		want    string
		wantErr bool
	}{
		{name: "zero", balance: "0", want: "0"},
		{name: "one ether in wei", balance: "1000000000000000000", want: "1000000000000000000"},
		{name: "max uint256", balance: "115792089237316195423570985008687907853269984665640564039457584007913129639935", want: "115792089237316195423570985008687907853269984665640564039457584007913129639935"},
		{name: "surrounding whitespace", balance: " 1100 ", want: "1100"},
		{name: "trailing zero fraction", balance: "900.000", want: "900"},
		{name: "empty", balance: "", wantErr: true},
		{name: "negative", balance: "-1", wantErr: true},
		{name: "fractional", balance: "1.5", wantErr: true},
		{name: "not a number", balance: "0xff", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AddressBalance{Address: "0xa", Balance: tt.balance}.amount()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(0))
		})
	}
}

func TestAddressBalanceNormalized(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("lowercases address and stamps zero time", func(t *testing.T) {
		got := AddressBalance{Address: " 0xABCdef ", Balance: "1"}.normalized(now)
		assert.Equal(t, "0xabcdef", got.Address)
		assert.Equal(t, now, got.UpdatedAt)
	})

	t.Run("keeps explicit timestamp and user", func(t *testing.T) {
		userID := int64(42)
		earlier := now.Add(-time.Hour)
		got := AddressBalance{Address: "0xa", UserID: &userID, UpdatedAt: earlier}.normalized(now)
		assert.Equal(t, earlier, got.UpdatedAt)
		require.NotNil(t, got.UserID)
		assert.Equal(t, int64(42), *got.UserID)
	})
}
