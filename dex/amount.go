// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// AtomsPerCoin is the number of atomic units in one whole unit of the base
// asset (piconero).
const AtomsPerCoin = 1e12

// PercentOf returns amount * pct rounded to the nearest atom. pct is a
// fraction, e.g. 0.15 for 15%. The multiplication is done with big.Float so
// large amounts do not lose precision.
func PercentOf(amount uint64, pct float64) uint64 {
	if pct <= 0 || amount == 0 {
		return 0
	}
	f := new(big.Float).SetPrec(128).SetUint64(amount)
	f.Mul(f, big.NewFloat(pct))
	f.Add(f, big.NewFloat(0.5))
	v, _ := f.Uint64()
	return v
}

// FormatAtoms formats an atomic amount as a decimal string of whole coins with
// trailing zeros trimmed.
func FormatAtoms(atoms uint64) string {
	whole := atoms / AtomsPerCoin
	frac := atoms % AtomsPerCoin
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fs := strconv.FormatUint(frac+AtomsPerCoin, 10)[1:]
	return strconv.FormatUint(whole, 10) + "." + strings.TrimRight(fs, "0")
}

// QuoteAmount converts a base amount to the quote amount at the given price,
// where price is the number of quote atoms per whole base coin.
func QuoteAmount(baseAtoms, price uint64) uint64 {
	r := new(big.Int).Mul(new(big.Int).SetUint64(baseAtoms), new(big.Int).SetUint64(price))
	r.Quo(r, big.NewInt(AtomsPerCoin))
	if !r.IsUint64() {
		return math.MaxUint64
	}
	return r.Uint64()
}
