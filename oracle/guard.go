// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle turns independent price feed readings into a
// minimum-acceptable-output bound for asset conversions.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrNilAmount        = errors.New("amount must be positive")
)

// Slippage tolerance applied below the oracle-implied fair value.
// Fixed policy constants rather than per-call parameters.
const (
	ToleranceNumerator   = 95_000
	ToleranceDenominator = 100_000
)

// PriceScale is the fixed-point scale of feed prices (1e8).
var PriceScale = big.NewInt(100_000_000)

// PriceFeed reports the last price observed for a single asset together
// with the unix timestamp it was updated at.
type PriceFeed interface {
	LatestPrice() (price *big.Int, updatedAt int64, err error)
}

// Guard computes slippage floors from two independent feeds. Quotes are
// derived per call and never cached, so a stale reading can only poison a
// single conversion attempt before the staleness bound rejects it.
type Guard struct {
	maxAge int64
	now    func() int64
}

// NewGuard creates a guard that rejects feed readings older than maxAge.
func NewGuard(maxAge time.Duration) *Guard {
	return &Guard{
		maxAge: int64(maxAge / time.Second),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// SetClock overrides the guard's time source. Used by tests.
func (g *Guard) SetClock(now func() int64) { g.now = now }

// MinimumOut converts amountIn through both feeds into the smallest output
// amount the conversion may produce:
//
//	value  = amountIn * priceIn / PriceScale
//	minVal = value * ToleranceNumerator / ToleranceDenominator
//	minOut = minVal * PriceScale / priceOut
//
// Deterministic given the two feed readings; no state is mutated. A failed,
// zero or stale reading from either feed propagates ErrPriceUnavailable.
func (g *Guard) MinimumOut(amountIn *big.Int, feedIn, feedOut PriceFeed) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrNilAmount
	}

	priceIn, err := g.read(feedIn)
	if err != nil {
		return nil, err
	}
	priceOut, err := g.read(feedOut)
	if err != nil {
		return nil, err
	}

	value := new(big.Int).Mul(amountIn, priceIn)
	value.Div(value, PriceScale)

	value.Mul(value, big.NewInt(ToleranceNumerator))
	value.Div(value, big.NewInt(ToleranceDenominator))

	value.Mul(value, PriceScale)
	value.Div(value, priceOut)

	return value, nil
}

func (g *Guard) read(feed PriceFeed) (*big.Int, error) {
	price, updatedAt, err := feed.LatestPrice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPriceUnavailable, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive price", ErrPriceUnavailable)
	}
	if g.maxAge > 0 && g.now()-updatedAt > g.maxAge {
		return nil, fmt.Errorf("%w: reading is %ds old", ErrPriceUnavailable, g.now()-updatedAt)
	}
	return price, nil
}
