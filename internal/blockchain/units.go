package blockchain

import (
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the number of decimals between wei and ether
const EtherDecimals = 18

// HumanBalance converts raw balance to human-readable decimal string
func HumanBalance(rawBalance *big.Int, decimals uint8) string {
	if rawBalance.Sign() == 0 {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	intPart := new(big.Int).Div(rawBalance, divisor)
	remainder := new(big.Int).Mod(rawBalance, divisor)

	if remainder.Sign() == 0 {
		return intPart.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), remainder.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%s.%s", intPart.String(), fracStr)
}

// FormatEther renders a base-10 wei string in ether
func FormatEther(wei string) (string, error) {
	raw, ok := new(big.Int).SetString(strings.TrimSpace(wei), 10)
	if !ok || raw.Sign() < 0 {
		return "", fmt.Errorf("invalid wei amount %q", wei)
	}
	return HumanBalance(raw, EtherDecimals), nil
}
