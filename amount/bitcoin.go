// Package amount formats satoshi values for display.
package amount

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// Bitcoin is a satoshi amount that renders as a decimal Bitcoin value with a
// fixed precision of eight decimals.
type Bitcoin struct {
	sats uint64
}

// FromSats wraps the given number of satoshis.
func FromSats(sats uint64) Bitcoin {
	return Bitcoin{sats: sats}
}

// FromAmount wraps a btcutil.Amount. Negative amounts are clamped to zero.
func FromAmount(amt btcutil.Amount) Bitcoin {
	if amt < 0 {
		return Bitcoin{}
	}

	return Bitcoin{sats: uint64(amt)}
}

// Sats returns the wrapped number of satoshis.
func (b Bitcoin) Sats() uint64 {
	return b.sats
}

// String renders the amount as "<whole>.<8 decimals> BTC". Only integer
// arithmetic is used so every satoshi value maps to a distinct string.
func (b Bitcoin) String() string {
	whole := b.sats / btcutil.SatoshiPerBitcoin
	frac := b.sats % btcutil.SatoshiPerBitcoin

	return fmt.Sprintf("%d.%08d BTC", whole, frac)
}
