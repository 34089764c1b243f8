// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package remitter watches the executor's completion logs and remits realized
// profit back to the origin domain. It is driven by an external automation
// network in two phases: a read-only Poll/CheckLog phase that decides whether
// work exists, and an Execute/PerformUpkeep phase gated to the network's
// registered forwarder.
package remitter

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/palmcivet7/cross-chain-liquidator/liquidator"
	"github.com/palmcivet7/cross-chain-liquidator/relay"
)

var (
	ErrUnauthorizedForwarder = errors.New("caller is not the registered forwarder")
	ErrNotOwner              = errors.New("caller is not the owner")
	ErrRegistrationFailed    = errors.New("upkeep registration failed")
	ErrInvalidPerformData    = errors.New("invalid perform data")
)

// performDataLen = asset(20) + amount(32)
const performDataLen = 52

// Registrar registers a log-triggered upkeep with the automation network.
type Registrar interface {
	RegisterUpkeep(params UpkeepParams) ([8]byte, error)
}

// UpkeepParams describes the log subscription requested from the registrar.
type UpkeepParams struct {
	Name             string
	EmittingContract common.Address
	Topic            common.Hash
}

// RemitAction is the work item produced by the check phase and consumed by
// the perform phase.
type RemitAction struct {
	Asset  common.Address
	Amount *big.Int
}

// Remittance records one completed profit remittance.
type Remittance struct {
	MessageID [32]byte
	Asset     common.Address
	Amount    *big.Int
}

// Remitter forwards realized profit to the origin domain. The upkeep
// subscription is taken once at construction and never changes; the forwarder
// is unknown until the automation network assigns it, so the owner sets it
// after registration.
type Remitter struct {
	mu sync.RWMutex

	owner        common.Address
	executor     common.Address // Contract whose logs trigger the upkeep
	originDomain uint32         // Domain profit is remitted to
	relay        *relay.Relay
	subscription [8]byte // Immutable after construction
	forwarder    common.Address

	remittances []Remittance
	log         log.Logger
}

// NewRemitter registers the profit-realized log subscription and returns a
// remitter bound to it. Registration failure is fatal: a remitter without a
// subscription would silently strand profit on the execution domain.
func NewRemitter(owner, executor common.Address, originDomain uint32, r *relay.Relay, registrar Registrar) (*Remitter, error) {
	sub, err := registrar.RegisterUpkeep(UpkeepParams{
		Name:             "profit-remitter",
		EmittingContract: executor,
		Topic:            liquidator.TopicProfitRealized,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	return &Remitter{
		owner:        owner,
		executor:     executor,
		originDomain: originDomain,
		relay:        r,
		subscription: sub,
		remittances:  make([]Remittance, 0),
		log:          log.NewTestLogger(log.InfoLevel),
	}, nil
}

// SetLogger replaces the remitter's logger.
func (rm *Remitter) SetLogger(logger log.Logger) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.log = logger
}

// Subscription returns the upkeep identifier assigned at registration.
func (rm *Remitter) Subscription() [8]byte {
	return rm.subscription
}

// Forwarder returns the registered forwarder address.
func (rm *Remitter) Forwarder() common.Address {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.forwarder
}

// SetForwarder records the automation network's forwarder for this upkeep.
// Owner only.
func (rm *Remitter) SetForwarder(caller, forwarder common.Address) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if caller != rm.owner {
		return ErrNotOwner
	}
	rm.forwarder = forwarder
	return nil
}

// Poll is the read-only check phase. It scans the given logs for a
// profit-realized signal from the watched executor and, if the profit is
// positive, returns the remit action. It never mutates state.
func (rm *Remitter) Poll(logs []liquidator.Log) (*RemitAction, bool) {
	for _, l := range logs {
		if l.Address != rm.executor {
			continue
		}
		if len(l.Topics) < 2 || l.Topics[0] != liquidator.TopicProfitRealized {
			continue
		}
		if len(l.Data) != 32 {
			continue
		}

		amount := new(big.Int).SetBytes(l.Data)
		if amount.Sign() <= 0 {
			continue
		}
		return &RemitAction{
			Asset:  common.BytesToAddress(l.Topics[1].Bytes()),
			Amount: amount,
		}, true
	}
	return nil, false
}

// Execute is the perform phase. Only the registered forwarder may invoke it;
// the action's amount is revalidated because the check phase ran off-chain
// and its output is untrusted here.
func (rm *Remitter) Execute(caller common.Address, action RemitAction) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if caller != rm.forwarder || rm.forwarder == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrUnauthorizedForwarder, caller.Hex())
	}
	if action.Amount == nil || action.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrInvalidPerformData)
	}

	id, err := rm.relay.Send(rm.originDomain, relay.Message{
		Version: relay.MessageVersion,
		Kind:    relay.KindProfit,
		Asset:   action.Asset,
		Amount:  new(big.Int).Set(action.Amount),
	})
	if err != nil {
		return err
	}

	rm.remittances = append(rm.remittances, Remittance{
		MessageID: id,
		Asset:     action.Asset,
		Amount:    new(big.Int).Set(action.Amount),
	})
	rm.log.Info("profit remitted",
		zap.String("message", fmt.Sprintf("%x", id[:8])),
		zap.String("asset", action.Asset.Hex()),
		zap.String("amount", action.Amount.String()),
	)
	return nil
}

// CheckLog adapts Poll to the automation network's two-phase calling
// convention: it returns whether upkeep is needed plus the opaque perform
// data to hand back to PerformUpkeep.
func (rm *Remitter) CheckLog(logs []liquidator.Log) (upkeepNeeded bool, performData []byte) {
	action, ok := rm.Poll(logs)
	if !ok {
		return false, nil
	}
	return true, encodePerformData(action)
}

// PerformUpkeep decodes the perform data produced by CheckLog and executes
// the remittance under the forwarder gate.
func (rm *Remitter) PerformUpkeep(caller common.Address, performData []byte) error {
	action, err := decodePerformData(performData)
	if err != nil {
		return err
	}
	return rm.Execute(caller, action)
}

// Remittances returns completed remittances, oldest first.
func (rm *Remitter) Remittances() []Remittance {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	result := make([]Remittance, len(rm.remittances))
	copy(result, rm.remittances)
	return result
}

func encodePerformData(action *RemitAction) []byte {
	data := make([]byte, performDataLen)
	copy(data[0:20], action.Asset.Bytes())
	action.Amount.FillBytes(data[20:52])
	return data
}

func decodePerformData(data []byte) (RemitAction, error) {
	if len(data) != performDataLen {
		return RemitAction{}, fmt.Errorf("%w: length %d", ErrInvalidPerformData, len(data))
	}
	return RemitAction{
		Asset:  common.BytesToAddress(data[0:20]),
		Amount: new(big.Int).SetBytes(data[20:52]),
	}, nil
}
