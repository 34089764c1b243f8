// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidator

import (
	"bytes"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/palmcivet7/cross-chain-liquidator/oracle"
)

// Config holds the fixed execution-domain wiring of an Executor.
type Config struct {
	Owner           common.Address // Administrator for rescue operations
	ExecutorAddress common.Address // Account the executor settles balances under
	MarketAddress   common.Address // Lending market; sole valid callback caller
	DebtAsset       common.Address // Asset borrowed and repaid
	CollateralAsset common.Address // Asset seized and converted
	SwapFee         uint24         // Exchange fee tier for the conversion
	Referral        uint16         // Referral code forwarded to the market
}

// Executor is the liquidation state machine. One run moves
// Idle -> Requested -> LoanPending -> Liquidated -> Converting -> Repaid ->
// Completed, with a failure exit from any active state to Aborted. A run
// executes under a single lock with a state snapshot taken at loan
// initiation, so an abort anywhere unwinds every balance it touched.
type Executor struct {
	mu sync.Mutex

	cfg      Config
	state    StateDB
	market   LendingMarket
	exchange Exchange

	guard          *oracle.Guard
	collateralFeed oracle.PriceFeed
	debtFeed       oracle.PriceFeed

	log   log.Logger
	clock func() int64

	// Set only for the duration of one FlashLoan call frame.
	current        *LiquidationRun
	pendingContext []byte

	runs []*LiquidationRun
	logs []Log
}

// NewExecutor wires an executor against its execution-domain collaborators.
func NewExecutor(
	cfg Config,
	state StateDB,
	market LendingMarket,
	exchange Exchange,
	guard *oracle.Guard,
	collateralFeed, debtFeed oracle.PriceFeed,
) *Executor {
	return &Executor{
		cfg:            cfg,
		state:          state,
		market:         market,
		exchange:       exchange,
		guard:          guard,
		collateralFeed: collateralFeed,
		debtFeed:       debtFeed,
		log:            log.NewTestLogger(log.InfoLevel),
		clock:          func() int64 { return time.Now().Unix() },
		runs:           make([]*LiquidationRun, 0),
		logs:           make([]Log, 0),
	}
}

// SetLogger replaces the executor's logger.
func (ex *Executor) SetLogger(logger log.Logger) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.log = logger
}

// SetClock overrides the time source used for swap deadlines. Used by tests.
func (ex *Executor) SetClock(now func() int64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.clock = now
}

// Execute runs the full liquidation sequence for an authenticated request.
// The request is consumed exactly once; concurrent requests serialize on the
// executor lock. A second request for an already-liquidated target finds it
// healthy and aborts with ErrNotLiquidatable, which doubles as the system's
// idempotence guard.
func (ex *Executor) Execute(req LiquidationRequest) (*LiquidationRun, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	run := &LiquidationRun{
		ID:      requestID(req, ex.state.GetBlockNumber()),
		Request: req,
		State:   StateRequested,
		Block:   ex.state.GetBlockNumber(),
	}
	ex.runs = append(ex.runs, run)

	health := ex.market.GetAccountHealth(req.Target)
	if health == nil || health.Cmp(RAY) >= 0 {
		return run, ex.abort(run, fmt.Errorf("%w: health factor %s", ErrNotLiquidatable, health))
	}

	debt := ex.market.GetDebtPrincipal(req.Target, ex.cfg.DebtAsset)
	if debt == nil || debt.Sign() == 0 {
		return run, ex.abort(run, fmt.Errorf("%w: target %s", ErrZeroDebt, req.Target.Hex()))
	}

	fctx := FlashLoanContext{
		Version:     ContextVersion,
		Target:      req.Target,
		DebtToCover: new(big.Int).Set(debt),
	}

	// Everything from loan initiation onward is all-or-nothing.
	snapshot := ex.state.Snapshot()
	ex.current = run
	ex.pendingContext = fctx.ToBytes()
	run.State = StateLoanPending

	err := ex.market.FlashLoan(ex, ex.cfg.DebtAsset, debt, ex.pendingContext, ex.cfg.Referral)

	ex.current = nil
	ex.pendingContext = nil

	if err != nil {
		ex.state.RevertToSnapshot(snapshot)
		return run, ex.abort(run, err)
	}

	run.State = StateCompleted
	ex.emitProfitRealized(run.Profit)
	ex.log.Info("liquidation run completed",
		zap.String("run", fmt.Sprintf("%x", run.ID[:8])),
		zap.String("target", req.Target.Hex()),
		zap.String("debtCovered", run.DebtCovered.String()),
		zap.String("profit", run.Profit.String()),
	)
	return run, nil
}

// OnFlashLoan is invoked by the lending market after it credits the borrowed
// funds. It is only meaningful inside a FlashLoan call frame opened by
// Execute; any other invocation fails closed without touching state.
func (ex *Executor) OnFlashLoan(caller, asset common.Address, amount, premium *big.Int, initiator common.Address, context []byte) (bool, error) {
	if caller != ex.cfg.MarketAddress {
		return false, fmt.Errorf("%w: caller %s", ErrUnauthorizedCaller, caller.Hex())
	}
	if asset != ex.cfg.DebtAsset {
		return false, fmt.Errorf("%w: borrowed %s, configured %s", ErrAssetMismatch, asset.Hex(), ex.cfg.DebtAsset.Hex())
	}
	if initiator != ex.cfg.ExecutorAddress {
		return false, fmt.Errorf("%w: initiator %s", ErrUnauthorizedCaller, initiator.Hex())
	}

	run := ex.current
	if run == nil {
		return false, ErrNoActiveRun
	}
	if !bytes.Equal(context, ex.pendingContext) {
		return false, ErrContextCorrupted
	}
	fctx, err := ContextFromBytes(context)
	if err != nil {
		return false, err
	}
	run.DebtCovered = new(big.Int).Set(fctx.DebtToCover)

	// LoanPending -> Liquidated
	if err := ex.market.Liquidate(ex.cfg.CollateralAsset, ex.cfg.DebtAsset, fctx.Target, fctx.DebtToCover, false); err != nil {
		return false, err
	}
	run.State = StateLiquidated

	// Liquidated -> Converting: convert the full seized collateral balance
	// under a freshly computed slippage floor.
	seized := ex.state.GetBalance(ex.cfg.CollateralAsset, ex.cfg.ExecutorAddress).ToBig()
	run.CollateralSeized = seized
	run.State = StateConverting

	minOut, err := ex.guard.MinimumOut(seized, ex.collateralFeed, ex.debtFeed)
	if err != nil {
		return false, err
	}

	deadline := uint64(ex.clock()) + SwapDeadlineSeconds
	amountOut, err := ex.exchange.SwapExactInput(
		ex.cfg.CollateralAsset, ex.cfg.DebtAsset, ex.cfg.SwapFee,
		ex.cfg.ExecutorAddress, deadline, seized, minOut,
	)
	if err != nil {
		return false, err
	}
	run.AmountOut = amountOut

	// Converting -> Repaid: the market settles principal+premium from our
	// balance after we return, so the balance must cover it now.
	owed := new(big.Int).Add(amount, premium)
	balance := ex.state.GetBalance(ex.cfg.DebtAsset, ex.cfg.ExecutorAddress).ToBig()
	if balance.Cmp(owed) < 0 {
		return false, fmt.Errorf("%w: received %s, owed %s", ErrInsufficientProceeds, balance, owed)
	}
	run.State = StateRepaid
	run.Profit = new(big.Int).Sub(balance, owed)

	return true, nil
}

// RescueToken transfers tokens held by the executor to the given recipient.
// Owner only.
func (ex *Executor) RescueToken(caller, token, to common.Address, amount *big.Int) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if caller != ex.cfg.Owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	value, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrInvalidAmount
	}
	if ex.state.GetBalance(token, ex.cfg.ExecutorAddress).Cmp(value) < 0 {
		return ErrInsufficientBalance
	}

	ex.state.SubBalance(token, ex.cfg.ExecutorAddress, value)
	ex.state.AddBalance(token, to, value)
	return nil
}

// Runs returns the most recent run records, newest last.
func (ex *Executor) Runs(limit int) []*LiquidationRun {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if limit <= 0 || limit > len(ex.runs) {
		limit = len(ex.runs)
	}
	start := len(ex.runs) - limit
	result := make([]*LiquidationRun, limit)
	copy(result, ex.runs[start:])
	return result
}

// Logs returns the event logs emitted so far, oldest first.
func (ex *Executor) Logs() []Log {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	result := make([]Log, len(ex.logs))
	copy(result, ex.logs)
	return result
}

func (ex *Executor) abort(run *LiquidationRun, err error) error {
	run.State = StateAborted
	run.Reason = err.Error()
	ex.log.Warn("liquidation run aborted",
		zap.String("run", fmt.Sprintf("%x", run.ID[:8])),
		zap.String("target", run.Request.Target.Hex()),
		zap.String("reason", run.Reason),
	)
	return err
}

func (ex *Executor) emitProfitRealized(profit *big.Int) {
	if profit == nil {
		profit = big.NewInt(0)
	}
	data := make([]byte, 32)
	profit.FillBytes(data)

	ex.logs = append(ex.logs, Log{
		Address: ex.cfg.ExecutorAddress,
		Topics: []common.Hash{
			TopicProfitRealized,
			common.BytesToHash(common.LeftPadBytes(ex.cfg.DebtAsset.Bytes(), 32)),
		},
		Data: data,
	})
}
