// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidator

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/palmcivet7/cross-chain-liquidator/oracle"
)

var (
	testOwner      = common.BytesToAddress([]byte{0x01})
	testExecutor   = common.BytesToAddress([]byte{0x02})
	testMarket     = common.BytesToAddress([]byte{0x03})
	testDebtAsset  = common.BytesToAddress([]byte{0x04})
	testCollateral = common.BytesToAddress([]byte{0x05})
	testTarget     = common.BytesToAddress([]byte{0x06})
	testStranger   = common.BytesToAddress([]byte{0x07})
)

const testClockUnix = 1_700_000_000

// staticFeed is a fixed price feed reading.
type staticFeed struct {
	price     *big.Int
	updatedAt int64
	err       error
}

func (f *staticFeed) LatestPrice() (*big.Int, int64, error) {
	return f.price, f.updatedAt, f.err
}

// mockMarket simulates the lending market against a MemDB ledger. FlashLoan
// credits the borrowed funds, invokes the receiver callback and settles
// principal plus premium from the receiver's balance. Liquidate debits the
// repaid debt and transfers seized collateral at a fixed ratio.
type mockMarket struct {
	state    *MemDB
	receiver common.Address

	health  map[common.Address]*big.Int
	debt    map[common.Address]*big.Int
	premium *big.Int

	// seized = debtToCover * seizeNum / seizeDen
	seizeNum *big.Int
	seizeDen *big.Int

	flashLoanCalls int
	liquidateCalls int

	// Overrides for failure injection.
	callbackCaller    common.Address
	callbackInitiator common.Address
	liquidateErr      error
}

func newMockMarket(state *MemDB) *mockMarket {
	return &mockMarket{
		state:             state,
		receiver:          testExecutor,
		health:            make(map[common.Address]*big.Int),
		debt:              make(map[common.Address]*big.Int),
		premium:           big.NewInt(5_000),
		seizeNum:          big.NewInt(105),
		seizeDen:          big.NewInt(200_000),
		callbackCaller:    testMarket,
		callbackInitiator: testExecutor,
	}
}

func (m *mockMarket) GetAccountHealth(target common.Address) *big.Int {
	if h := m.health[target]; h != nil {
		return new(big.Int).Set(h)
	}
	return new(big.Int).Mul(RAY, big.NewInt(2))
}

func (m *mockMarket) GetDebtPrincipal(target common.Address, asset common.Address) *big.Int {
	if asset != testDebtAsset {
		return big.NewInt(0)
	}
	if d := m.debt[target]; d != nil {
		return new(big.Int).Set(d)
	}
	return big.NewInt(0)
}

func (m *mockMarket) FlashLoan(receiver FlashLoanReceiver, asset common.Address, amount *big.Int, context []byte, referral uint16) error {
	m.flashLoanCalls++
	borrowed, _ := uint256.FromBig(amount)
	m.state.AddBalance(asset, m.receiver, borrowed)

	ok, err := receiver.OnFlashLoan(m.callbackCaller, asset, amount, m.premium, m.callbackInitiator, context)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("flash loan receiver rejected")
	}

	owed, _ := uint256.FromBig(new(big.Int).Add(amount, m.premium))
	if m.state.GetBalance(asset, m.receiver).Cmp(owed) < 0 {
		return errors.New("flash loan repayment failed")
	}
	m.state.SubBalance(asset, m.receiver, owed)
	return nil
}

func (m *mockMarket) Liquidate(collateralAsset, debtAsset, target common.Address, debtToCover *big.Int, receiveShares bool) error {
	m.liquidateCalls++
	if m.liquidateErr != nil {
		return m.liquidateErr
	}

	repaid, _ := uint256.FromBig(debtToCover)
	m.state.SubBalance(debtAsset, m.receiver, repaid)
	m.debt[target] = new(big.Int).Sub(m.debt[target], debtToCover)

	seizedBig := new(big.Int).Mul(debtToCover, m.seizeNum)
	seizedBig.Div(seizedBig, m.seizeDen)
	seized, _ := uint256.FromBig(seizedBig)
	m.state.AddBalance(collateralAsset, m.receiver, seized)

	// Position is healthy after liquidation.
	m.health[target] = new(big.Int).Mul(RAY, big.NewInt(2))
	return nil
}

// mockExchange fills swaps at a fixed rate against the MemDB ledger.
type mockExchange struct {
	state *MemDB
	clock func() int64

	// out = in * rateNum / rateDen
	rateNum *big.Int
	rateDen *big.Int
}

func newMockExchange(state *MemDB) *mockExchange {
	return &mockExchange{
		state:   state,
		clock:   func() int64 { return testClockUnix },
		rateNum: big.NewInt(1_995),
		rateDen: big.NewInt(1),
	}
}

func (x *mockExchange) SwapExactInput(tokenIn, tokenOut common.Address, fee uint24, recipient common.Address, deadline uint64, amountIn, minAmountOut *big.Int) (*big.Int, error) {
	if deadline < uint64(x.clock()) {
		return nil, errors.New("swap deadline passed")
	}

	out := new(big.Int).Mul(amountIn, x.rateNum)
	out.Div(out, x.rateDen)
	if out.Cmp(minAmountOut) < 0 {
		return nil, errors.New("insufficient output amount")
	}

	in, _ := uint256.FromBig(amountIn)
	if x.state.GetBalance(tokenIn, recipient).Cmp(in) < 0 {
		return nil, errors.New("insufficient input balance")
	}
	x.state.SubBalance(tokenIn, recipient, in)

	credit, _ := uint256.FromBig(out)
	x.state.AddBalance(tokenOut, recipient, credit)
	return out, nil
}

type testFixture struct {
	state    *MemDB
	market   *mockMarket
	exchange *mockExchange
	executor *Executor
}

// newTestFixture wires an executor over an unhealthy target with 1,000,000
// units of outstanding debt. At the default prices and rates a run nets
// 42,375 units of profit.
func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	state := NewMemDB()
	state.SetBlockNumber(100)
	market := newMockMarket(state)
	exchange := newMockExchange(state)

	market.health[testTarget] = new(big.Int).Mul(big.NewInt(8), new(big.Int).Div(RAY, big.NewInt(10)))
	market.debt[testTarget] = big.NewInt(1_000_000)

	guard := oracle.NewGuard(time.Hour)
	guard.SetClock(func() int64 { return testClockUnix })

	collateralFeed := &staticFeed{price: big.NewInt(2_000_00000000), updatedAt: testClockUnix}
	debtFeed := &staticFeed{price: big.NewInt(1_00000000), updatedAt: testClockUnix}

	ex := NewExecutor(Config{
		Owner:           testOwner,
		ExecutorAddress: testExecutor,
		MarketAddress:   testMarket,
		DebtAsset:       testDebtAsset,
		CollateralAsset: testCollateral,
		SwapFee:         3000,
		Referral:        0,
	}, state, market, exchange, guard, collateralFeed, debtFeed)
	ex.SetClock(func() int64 { return testClockUnix })

	return &testFixture{state: state, market: market, exchange: exchange, executor: ex}
}

func testRequest() LiquidationRequest {
	return LiquidationRequest{
		Target:       testTarget,
		OriginDomain: 1,
		OriginSender: testOwner,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newTestFixture(t)

	run, err := f.executor.Execute(testRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State != StateCompleted {
		t.Errorf("state: got %s, want %s", run.State, StateCompleted)
	}
	if got, want := run.DebtCovered, big.NewInt(1_000_000); got.Cmp(want) != 0 {
		t.Errorf("debt covered: got %s, want %s", got, want)
	}
	if got, want := run.CollateralSeized, big.NewInt(525); got.Cmp(want) != 0 {
		t.Errorf("collateral seized: got %s, want %s", got, want)
	}
	if got, want := run.Profit, big.NewInt(42_375); got.Cmp(want) != 0 {
		t.Errorf("profit: got %s, want %s", got, want)
	}

	// Profit is the only balance left after the market settles the loan.
	balance := f.state.GetBalance(testDebtAsset, testExecutor).ToBig()
	if balance.Cmp(run.Profit) != 0 {
		t.Errorf("residual balance: got %s, want %s", balance, run.Profit)
	}
	collateral := f.state.GetBalance(testCollateral, testExecutor).ToBig()
	if collateral.Sign() != 0 {
		t.Errorf("residual collateral: got %s, want 0", collateral)
	}
}

func TestExecuteEmitsProfitLog(t *testing.T) {
	f := newTestFixture(t)

	run, err := f.executor.Execute(testRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	logs := f.executor.Logs()
	if len(logs) != 1 {
		t.Fatalf("logs: got %d, want 1", len(logs))
	}
	l := logs[0]
	if l.Address != testExecutor {
		t.Errorf("log address: got %s, want %s", l.Address.Hex(), testExecutor.Hex())
	}
	if len(l.Topics) != 2 || l.Topics[0] != TopicProfitRealized {
		t.Fatalf("log topics: got %v", l.Topics)
	}
	if got := common.BytesToAddress(l.Topics[1].Bytes()); got != testDebtAsset {
		t.Errorf("asset topic: got %s, want %s", got.Hex(), testDebtAsset.Hex())
	}
	if got := new(big.Int).SetBytes(l.Data); got.Cmp(run.Profit) != 0 {
		t.Errorf("log data: got %s, want %s", got, run.Profit)
	}
}

func TestExecuteHealthyTarget(t *testing.T) {
	f := newTestFixture(t)
	f.market.health[testTarget] = new(big.Int).Set(RAY)

	run, err := f.executor.Execute(testRequest())
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("err: got %v, want ErrNotLiquidatable", err)
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
	if f.market.liquidateCalls != 0 {
		t.Errorf("healthy target was liquidated")
	}
	if len(f.executor.Logs()) != 0 {
		t.Errorf("logs emitted on aborted run")
	}
}

func TestExecuteZeroDebt(t *testing.T) {
	f := newTestFixture(t)
	f.market.debt[testTarget] = big.NewInt(0)

	_, err := f.executor.Execute(testRequest())
	if !errors.Is(err, ErrZeroDebt) {
		t.Fatalf("err: got %v, want ErrZeroDebt", err)
	}
	if f.market.flashLoanCalls != 0 {
		t.Errorf("flash loan taken for a zero-debt target")
	}
}

func TestExecuteIdempotence(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.executor.Execute(testRequest()); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// The target is healthy after the first run, so a redelivered request
	// aborts at the health check without touching balances.
	before := f.state.GetBalance(testDebtAsset, testExecutor).ToBig()
	_, err := f.executor.Execute(testRequest())
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("second Execute: got %v, want ErrNotLiquidatable", err)
	}
	after := f.state.GetBalance(testDebtAsset, testExecutor).ToBig()
	if before.Cmp(after) != 0 {
		t.Errorf("balance changed on redelivered request: %s -> %s", before, after)
	}
}

func TestExecuteInsufficientProceedsReverts(t *testing.T) {
	f := newTestFixture(t)

	// Rate low enough that proceeds clear the slippage floor but not
	// principal plus premium: 525 * 1910 = 1,002,750 < 1,005,000 owed.
	f.exchange.rateNum = big.NewInt(1_910)

	run, err := f.executor.Execute(testRequest())
	if !errors.Is(err, ErrInsufficientProceeds) {
		t.Fatalf("err: got %v, want ErrInsufficientProceeds", err)
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}

	// The whole run is a no-op: every balance the run touched is restored.
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("debt asset balance after revert: got %s, want 0", got)
	}
	if got := f.state.GetBalance(testCollateral, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("collateral balance after revert: got %s, want 0", got)
	}
}

func TestExecuteSlippageFloorHolds(t *testing.T) {
	f := newTestFixture(t)

	// Rate below the guard's floor: 525 * 1800 = 945,000 < 997,500 minimum.
	f.exchange.rateNum = big.NewInt(1_800)

	run, err := f.executor.Execute(testRequest())
	if err == nil {
		t.Fatal("expected swap failure below slippage floor")
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("debt asset balance after revert: got %s, want 0", got)
	}
}

func TestExecuteStaleFeedAborts(t *testing.T) {
	f := newTestFixture(t)

	guard := oracle.NewGuard(time.Minute)
	guard.SetClock(func() int64 { return testClockUnix })
	stale := &staticFeed{price: big.NewInt(2_000_00000000), updatedAt: testClockUnix - 3600}
	fresh := &staticFeed{price: big.NewInt(1_00000000), updatedAt: testClockUnix}

	ex := NewExecutor(Config{
		Owner:           testOwner,
		ExecutorAddress: testExecutor,
		MarketAddress:   testMarket,
		DebtAsset:       testDebtAsset,
		CollateralAsset: testCollateral,
		SwapFee:         3000,
	}, f.state, f.market, f.exchange, guard, stale, fresh)
	ex.SetClock(func() int64 { return testClockUnix })

	run, err := ex.Execute(testRequest())
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("err: got %v, want ErrPriceUnavailable", err)
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("debt asset balance after revert: got %s, want 0", got)
	}
}

func TestExecuteLiquidateFailureReverts(t *testing.T) {
	f := newTestFixture(t)
	f.market.liquidateErr = errors.New("market paused")

	run, err := f.executor.Execute(testRequest())
	if err == nil {
		t.Fatal("expected liquidation failure")
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("debt asset balance after revert: got %s, want 0", got)
	}
}

func TestOnFlashLoanUnauthorizedCaller(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.executor.OnFlashLoan(testStranger, testDebtAsset, big.NewInt(1), big.NewInt(0), testExecutor, nil)
	if !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("err: got %v, want ErrUnauthorizedCaller", err)
	}
}

func TestOnFlashLoanAssetMismatch(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.executor.OnFlashLoan(testMarket, testCollateral, big.NewInt(1), big.NewInt(0), testExecutor, nil)
	if !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("err: got %v, want ErrAssetMismatch", err)
	}
}

func TestOnFlashLoanUnauthorizedInitiator(t *testing.T) {
	f := newTestFixture(t)
	f.market.callbackInitiator = testStranger

	run, err := f.executor.Execute(testRequest())
	if !errors.Is(err, ErrUnauthorizedCaller) {
		t.Fatalf("err: got %v, want ErrUnauthorizedCaller", err)
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
}

func TestOnFlashLoanOutsideRun(t *testing.T) {
	f := newTestFixture(t)

	_, err := f.executor.OnFlashLoan(testMarket, testDebtAsset, big.NewInt(1), big.NewInt(0), testExecutor, nil)
	if !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("err: got %v, want ErrNoActiveRun", err)
	}
}

func TestOnFlashLoanCorruptedContext(t *testing.T) {
	f := newTestFixture(t)

	// The market mangles the context before invoking the callback.
	corrupting := &contextMangler{mockMarket: f.market}
	ex := NewExecutor(f.executor.cfg, f.state, corrupting, f.exchange, f.executor.guard, f.executor.collateralFeed, f.executor.debtFeed)
	ex.SetClock(func() int64 { return testClockUnix })

	run, err := ex.Execute(testRequest())
	if !errors.Is(err, ErrContextCorrupted) {
		t.Fatalf("err: got %v, want ErrContextCorrupted", err)
	}
	if run.State != StateAborted {
		t.Errorf("state: got %s, want %s", run.State, StateAborted)
	}
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("debt asset balance after revert: got %s, want 0", got)
	}
}

// contextMangler flips a byte of the flash loan context before forwarding it.
type contextMangler struct {
	*mockMarket
}

func (m *contextMangler) FlashLoan(receiver FlashLoanReceiver, asset common.Address, amount *big.Int, context []byte, referral uint16) error {
	mangled := make([]byte, len(context))
	copy(mangled, context)
	if len(mangled) > 0 {
		mangled[len(mangled)-1] ^= 0x01
	}
	return m.mockMarket.FlashLoan(receiver, asset, amount, mangled, referral)
}

func TestRescueToken(t *testing.T) {
	f := newTestFixture(t)
	f.state.AddBalance(testDebtAsset, testExecutor, uint256.NewInt(500))

	if err := f.executor.RescueToken(testStranger, testDebtAsset, testStranger, big.NewInt(500)); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("non-owner rescue: got %v, want ErrNotOwner", err)
	}
	if err := f.executor.RescueToken(testOwner, testDebtAsset, testOwner, big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero rescue: got %v, want ErrInvalidAmount", err)
	}
	if err := f.executor.RescueToken(testOwner, testDebtAsset, testOwner, big.NewInt(501)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("over rescue: got %v, want ErrInsufficientBalance", err)
	}

	if err := f.executor.RescueToken(testOwner, testDebtAsset, testOwner, big.NewInt(500)); err != nil {
		t.Fatalf("rescue: %v", err)
	}
	if got := f.state.GetBalance(testDebtAsset, testOwner).ToBig(); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("owner balance: got %s, want 500", got)
	}
	if got := f.state.GetBalance(testDebtAsset, testExecutor).ToBig(); got.Sign() != 0 {
		t.Errorf("executor balance: got %s, want 0", got)
	}
}

func TestRunsAccessor(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.executor.Execute(testRequest()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Second run aborts at the health check.
	f.executor.Execute(testRequest())

	all := f.executor.Runs(0)
	if len(all) != 2 {
		t.Fatalf("runs: got %d, want 2", len(all))
	}
	if all[0].State != StateCompleted || all[1].State != StateAborted {
		t.Errorf("run states: got %s, %s", all[0].State, all[1].State)
	}

	last := f.executor.Runs(1)
	if len(last) != 1 || last[0].State != StateAborted {
		t.Errorf("limited runs: got %v", last)
	}
}
