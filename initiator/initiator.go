// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package initiator implements the origin-domain half of the cross-chain
// liquidation system: it dispatches liquidation requests to the execution
// domain and receives the remitted profit coming back.
package initiator

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/palmcivet7/cross-chain-liquidator/liquidator"
	"github.com/palmcivet7/cross-chain-liquidator/relay"
)

var (
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrZeroTarget          = errors.New("target address is zero")
	ErrUnexpectedKind      = errors.New("unexpected inbound message kind")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ProfitReceipt records one profit remittance credited on the origin domain.
type ProfitReceipt struct {
	SourceDomain uint32
	Sender       common.Address
	Asset        common.Address
	Amount       *big.Int
}

// Initiator is the origin-domain contract. It sends liquidation requests
// through the relay and accepts profit messages pinned to the execution-side
// counterpart. Received profit is credited to the initiator's own account on
// the origin ledger; the owner withdraws it with RescueToken.
type Initiator struct {
	mu sync.Mutex

	owner      common.Address
	self       common.Address // Account profit is credited to
	execDomain uint32         // Destination for liquidation requests
	relay      *relay.Relay
	state      liquidator.StateDB

	receipts []ProfitReceipt
	log      log.Logger
}

// NewInitiator creates an initiator bound to its relay and origin ledger.
// The caller registers the returned initiator as the relay's inbound handler.
func NewInitiator(owner, self common.Address, execDomain uint32, r *relay.Relay, state liquidator.StateDB) *Initiator {
	return &Initiator{
		owner:      owner,
		self:       self,
		execDomain: execDomain,
		relay:      r,
		state:      state,
		receipts:   make([]ProfitReceipt, 0),
		log:        log.NewTestLogger(log.InfoLevel),
	}
}

// SetLogger replaces the initiator's logger.
func (in *Initiator) SetLogger(logger log.Logger) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.log = logger
}

// RequestLiquidation dispatches a liquidation request for target to the
// execution domain. Owner only. The call returns once the message bus
// accepts the message; execution happens asynchronously on the other side.
func (in *Initiator) RequestLiquidation(caller, target common.Address) ([32]byte, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if caller != in.owner {
		return [32]byte{}, ErrNotOwner
	}
	if target == (common.Address{}) {
		return [32]byte{}, ErrZeroTarget
	}

	id, err := in.relay.Send(in.execDomain, relay.Message{
		Version: relay.MessageVersion,
		Kind:    relay.KindLiquidate,
		Target:  target,
	})
	if err != nil {
		return [32]byte{}, err
	}

	in.log.Info("liquidation requested",
		zap.String("message", fmt.Sprintf("%x", id[:8])),
		zap.String("target", target.Hex()),
	)
	return id, nil
}

// HandleMessage consumes authenticated inbound messages from the relay.
// Only profit remittances are expected here; the relay's authorizer has
// already pinned the origin to the execution-side counterpart.
func (in *Initiator) HandleMessage(sourceDomain uint32, sender common.Address, msg relay.Message) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if msg.Kind != relay.KindProfit {
		return fmt.Errorf("%w: kind %d", ErrUnexpectedKind, msg.Kind)
	}
	if msg.Amount == nil || msg.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive profit", ErrInvalidAmount)
	}

	amount, overflow := uint256.FromBig(msg.Amount)
	if overflow {
		return ErrInvalidAmount
	}
	in.state.AddBalance(msg.Asset, in.self, amount)

	in.receipts = append(in.receipts, ProfitReceipt{
		SourceDomain: sourceDomain,
		Sender:       sender,
		Asset:        msg.Asset,
		Amount:       new(big.Int).Set(msg.Amount),
	})
	in.log.Info("profit received",
		zap.Uint32("sourceDomain", sourceDomain),
		zap.String("asset", msg.Asset.Hex()),
		zap.String("amount", msg.Amount.String()),
	)
	return nil
}

// RescueToken transfers tokens held by the initiator to the given recipient.
// Owner only.
func (in *Initiator) RescueToken(caller, token, to common.Address, amount *big.Int) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if caller != in.owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	value, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrInvalidAmount
	}
	if in.state.GetBalance(token, in.self).Cmp(value) < 0 {
		return ErrInsufficientBalance
	}

	in.state.SubBalance(token, in.self, value)
	in.state.AddBalance(token, to, value)
	return nil
}

// Receipts returns received profit remittances, oldest first.
func (in *Initiator) Receipts() []ProfitReceipt {
	in.mu.Lock()
	defer in.mu.Unlock()

	result := make([]ProfitReceipt, len(in.receipts))
	copy(result, in.receipts)
	return result
}
