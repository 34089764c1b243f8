// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package relay wraps the external cross-domain message bus. The send side
// quotes and checks the delivery fee before dispatching; the receive side
// authenticates the declared origin and decodes the payload before handing
// it to the registered handler.
package relay

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFee = errors.New("fee asset balance below quoted fee")
	ErrInvalidPayload  = errors.New("invalid message payload")
	ErrUnknownKind     = errors.New("unknown message kind")
	ErrNoHandler       = errors.New("no inbound handler registered")
	ErrNilBus          = errors.New("message bus not configured")
)

// MessageBus is the external cross-domain transport. Send returns
// immediately with a message identifier; delivery on the counterpart domain
// happens at an unspecified later time under that domain's scheduling.
type MessageBus interface {
	QuoteFee(destDomain uint32, message []byte) *big.Int
	Send(destDomain uint32, message []byte) ([32]byte, error)
}

// Authorizer validates the declared origin of an inbound message.
type Authorizer interface {
	Authorize(domain uint32, sender common.Address) error
}

// BalanceReader is the slice of ledger state the relay needs for fee checks.
type BalanceReader interface {
	GetBalance(token, addr common.Address) *uint256.Int
}

// Handler consumes authenticated, decoded inbound messages.
type Handler interface {
	HandleMessage(sourceDomain uint32, sender common.Address, msg Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(sourceDomain uint32, sender common.Address, msg Message) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(sourceDomain uint32, sender common.Address, msg Message) error {
	return f(sourceDomain, sender, msg)
}

// SentReceipt records one outbound dispatch.
type SentReceipt struct {
	ID         [32]byte
	DestDomain uint32
	Fee        *big.Int
}

// Relay is the message bus wrapper for one contract on one domain.
type Relay struct {
	mu sync.RWMutex

	self     common.Address // Account paying the delivery fee
	feeAsset common.Address // Asset the bus quotes fees in
	bus      MessageBus
	state    BalanceReader
	auth     Authorizer
	handler  Handler

	receipts []SentReceipt
	log      log.Logger
}

// NewRelay creates a relay for the contract at self paying fees in feeAsset.
func NewRelay(self, feeAsset common.Address, bus MessageBus, state BalanceReader, auth Authorizer) *Relay {
	return &Relay{
		self:     self,
		feeAsset: feeAsset,
		bus:      bus,
		state:    state,
		auth:     auth,
		receipts: make([]SentReceipt, 0),
		log:      log.NewTestLogger(log.InfoLevel),
	}
}

// SetLogger replaces the relay's logger.
func (r *Relay) SetLogger(logger log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = logger
}

// SetHandler registers the consumer of authenticated inbound messages.
func (r *Relay) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Send quotes the delivery fee, verifies the fee asset balance covers it,
// and dispatches the message. A bus failure surfaces synchronously to the
// caller; there is no retry or queueing.
func (r *Relay) Send(destDomain uint32, msg Message) ([32]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bus == nil {
		return [32]byte{}, ErrNilBus
	}

	payload := msg.Pack()
	fee := r.bus.QuoteFee(destDomain, payload)
	if fee == nil {
		fee = big.NewInt(0)
	}

	balance := r.state.GetBalance(r.feeAsset, r.self).ToBig()
	if balance.Cmp(fee) < 0 {
		return [32]byte{}, fmt.Errorf("%w: balance %s, required %s", ErrInsufficientFee, balance, fee)
	}

	id, err := r.bus.Send(destDomain, payload)
	if err != nil {
		return [32]byte{}, err
	}

	r.receipts = append(r.receipts, SentReceipt{ID: id, DestDomain: destDomain, Fee: fee})
	r.log.Info("cross-domain message sent",
		zap.String("id", fmt.Sprintf("%x", id[:8])),
		zap.Uint32("destDomain", destDomain),
		zap.String("fee", fee.String()),
	)
	return id, nil
}

// Deliver is the inbound entry point invoked by the message bus. The
// declared origin is authenticated before the payload is decoded; an
// unauthorized or malformed message never reaches the handler.
func (r *Relay) Deliver(sourceDomain uint32, sender common.Address, payload []byte) error {
	r.mu.RLock()
	auth := r.auth
	handler := r.handler
	r.mu.RUnlock()

	if auth != nil {
		if err := auth.Authorize(sourceDomain, sender); err != nil {
			return err
		}
	}

	msg, err := Unpack(payload)
	if err != nil {
		return err
	}

	if handler == nil {
		return ErrNoHandler
	}
	return handler.HandleMessage(sourceDomain, sender, msg)
}

// Receipts returns the outbound dispatch records, oldest first.
func (r *Relay) Receipts() []SentReceipt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]SentReceipt, len(r.receipts))
	copy(result, r.receipts)
	return result
}
