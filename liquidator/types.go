// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package liquidator implements the execution-domain half of the cross-chain
// liquidation system: an executor that receives authenticated liquidation
// requests from a remote origin domain, funds the liquidation with a flash
// loan, converts the seized collateral under a price-guarded slippage floor,
// repays the loan, and signals realized profit for asynchronous remittance.
package liquidator

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
)

// Errors - authorization
var (
	ErrUnauthorized       = errors.New("unauthorized origin domain or sender")
	ErrUnauthorizedCaller = errors.New("unauthorized flash loan callback caller")
	ErrNotOwner           = errors.New("caller is not the owner")
	ErrPinnedPolicy       = errors.New("pinned policy cannot be mutated")
)

// Errors - liquidation preconditions
var (
	ErrNotLiquidatable = errors.New("target health factor at or above threshold")
	ErrZeroDebt        = errors.New("target has no outstanding debt in configured asset")
	ErrAssetMismatch   = errors.New("borrowed asset does not match configured debt asset")
)

// Errors - execution
var (
	ErrInsufficientProceeds = errors.New("conversion proceeds below principal plus premium")
	ErrContextCorrupted     = errors.New("flash loan context does not match dispatched context")
	ErrNoActiveRun          = errors.New("flash loan callback outside an active run")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientBalance  = errors.New("insufficient balance")
)

// RAY is the fixed-point scale for health factors (1e18).
// A health factor below RAY marks a position as liquidatable.
var RAY = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SwapDeadlineSeconds is the fixed validity window attached to every
// collateral conversion. Deliberately a policy constant, not a per-call
// parameter.
const SwapDeadlineSeconds = 120

// uint24 type alias for exchange fee tiers
type uint24 = uint32

// TopicProfitRealized is the log topic of the completion signal emitted after
// a successful run. The profit remitter's upkeep predicate matches on it.
var TopicProfitRealized = common.BytesToHash(crypto.Keccak256([]byte("ProfitRealized(address,uint256)")))

// StateDB is the execution-domain ledger the liquidator settles against.
// Balances are tracked per token per account. Snapshot and RevertToSnapshot
// bracket one orchestration run: a revert restores every balance touched
// since the snapshot, which is what makes an aborted run a round-trip no-op.
type StateDB interface {
	GetBalance(token, addr common.Address) *uint256.Int
	AddBalance(token, addr common.Address, amount *uint256.Int)
	SubBalance(token, addr common.Address, amount *uint256.Int)
	Snapshot() int
	RevertToSnapshot(id int)
	GetBlockNumber() uint64
}

// LendingMarket is the external lending protocol on the execution domain.
// It exposes account health data, the flash loan primitive, and the
// liquidation primitive.
type LendingMarket interface {
	// GetAccountHealth returns the target's health factor scaled by RAY.
	GetAccountHealth(target common.Address) *big.Int

	// GetDebtPrincipal returns the target's outstanding principal debt in
	// the given asset.
	GetDebtPrincipal(target common.Address, asset common.Address) *big.Int

	// FlashLoan lends amount of asset to the receiver for the duration of
	// the call. The receiver's OnFlashLoan callback runs inside this call
	// and the market settles principal plus premium from the receiver's
	// balance before returning.
	FlashLoan(receiver FlashLoanReceiver, asset common.Address, amount *big.Int, context []byte, referral uint16) error

	// Liquidate repays debtToCover of the target's debt and transfers the
	// corresponding discounted collateral to the caller.
	Liquidate(collateralAsset, debtAsset, target common.Address, debtToCover *big.Int, receiveShares bool) error
}

// FlashLoanReceiver is implemented by the executor. The market invokes
// OnFlashLoan after crediting the borrowed funds; returning an error aborts
// the loan and the market unwinds the whole call.
type FlashLoanReceiver interface {
	OnFlashLoan(caller, asset common.Address, amount, premium *big.Int, initiator common.Address, context []byte) (bool, error)
}

// Exchange is the external asset exchange used to convert seized collateral
// back into the debt asset.
type Exchange interface {
	// SwapExactInput swaps amountIn of tokenIn for at least minAmountOut of
	// tokenOut, crediting the recipient. The swap fails if it cannot be
	// filled before the deadline (unix seconds).
	SwapExactInput(tokenIn, tokenOut common.Address, fee uint24, recipient common.Address, deadline uint64, amountIn, minAmountOut *big.Int) (*big.Int, error)
}

// LiquidationRequest is the decoded cross-domain request naming a target.
// It is consumed exactly once and never persisted beyond the handling call.
type LiquidationRequest struct {
	Target       common.Address // Under-collateralized account to liquidate
	OriginDomain uint32         // Domain the request arrived from
	OriginSender common.Address // Declared sender on the origin domain
}

// RunState tracks the executor state machine for one orchestration run.
type RunState uint8

const (
	StateIdle RunState = iota
	StateRequested
	StateLoanPending
	StateLiquidated
	StateConverting
	StateRepaid
	StateCompleted
	StateAborted
)

// String returns the state name for logs and run records.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateLoanPending:
		return "loan_pending"
	case StateLiquidated:
		return "liquidated"
	case StateConverting:
		return "converting"
	case StateRepaid:
		return "repaid"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LiquidationRun records one pass through the state machine.
type LiquidationRun struct {
	ID               [32]byte           // Content-derived run identifier
	Request          LiquidationRequest // The request that triggered the run
	State            RunState           // Terminal state (Completed or Aborted)
	DebtCovered      *big.Int           // Debt repaid via the flash loan
	CollateralSeized *big.Int           // Collateral received from liquidation
	AmountOut        *big.Int           // Debt asset received from conversion
	Profit           *big.Int           // Residual after principal+premium
	Block            uint64             // Block the run executed at
	Reason           string             // Abort reason, empty on success
}

// Log is an event record emitted by the executor. The external automation
// watcher matches on Address and Topics[0].
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}
