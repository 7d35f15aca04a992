package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"perpcore/internal/ledger"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
	"perpcore/internal/store"
)

const (
	testPool  = "main"
	usdcMint  = "USDC"
	ethMint   = "ETH"
	admin     = "admin-1"
	baseTime  = int64(1_700_000_000)
	usdcPrice = uint64(1_000_000)     // 1.00 at exponent -6
	ethPrice  = uint64(1_500_000_000) // 1500.00 at exponent -6
)

var (
	usdcKey = store.CustodyKey(testPool, usdcMint)
	ethKey  = store.CustodyKey(testPool, ethMint)
)

type fixture struct {
	t   *testing.T
	e   *Engine
	n   int
	now int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	e := NewEngine(Config{
		Store:  store.New(),
		Ledger: ledger.NewTokenLedger(),
		Logger: zerolog.Nop(),
	})
	return &fixture{t: t, e: e, now: baseTime}
}

func (f *fixture) id() string {
	f.n++
	return fmt.Sprintf("cmd-%04d", f.n)
}

func (f *fixture) exec(cmd *Command) *Result {
	f.t.Helper()
	cmd.ID = f.id()
	cmd.Time = f.now
	res, err := f.e.Execute(cmd)
	if err != nil {
		f.t.Fatalf("%s failed: %v", cmd.Kind, err)
	}
	return res
}

func (f *fixture) execErr(cmd *Command) error {
	f.t.Helper()
	cmd.ID = f.id()
	cmd.Time = f.now
	_, err := f.e.Execute(cmd)
	if err == nil {
		f.t.Fatalf("%s unexpectedly succeeded", cmd.Kind)
	}
	return err
}

func defaultPricing() state.PricingParams {
	return state.PricingParams{
		UseUnrealizedPnlInAum: true,
		MinInitialLeverage:    10_000,
		MaxInitialLeverage:    1_000_000,
		MaxLeverage:           1_000_000,
		MaxPayoffMult:         10_000,
	}
}

func defaultOracleParams() oracle.Params {
	return oracle.Params{Type: oracle.TypeTest, OracleKey: "set-by-core", MaxPriceAgeSec: 3_600}
}

func defaultBorrowRate() state.BorrowRateParams {
	return state.BorrowRateParams{OptimalUtilization: 8_000}
}

func wideRatio() state.TokenRatios {
	return state.TokenRatios{Target: 5_000, Min: 0, Max: 10_000}
}

// initExchange bootstraps a 1-of-1 multisig, the pool, and an empty ratio
// table; custodies are added per test.
func (f *fixture) initExchange() {
	f.exec(&Command{Kind: KindInit, Caller: admin, Init: &InitParams{
		MinSignatures:   1,
		Signers:         []string{admin},
		Permissions:     state.AllPermissions(),
		AllowTestOracle: true,
	}})
	f.exec(&Command{Kind: KindAddPool, Caller: admin, AddPool: &AddPoolParams{Name: testPool}})
}

func (f *fixture) addCustody(p AddCustodyParams) {
	f.t.Helper()
	f.exec(&Command{Kind: KindAddCustody, Caller: admin, AddCustody: &p})
}

func (f *fixture) setPrice(custodyKey string, price uint64) {
	f.t.Helper()
	f.exec(&Command{Kind: KindSetCustomOraclePrice, Caller: admin, SetOraclePrice: &SetOraclePriceParams{
		Pool:    testPool,
		Custody: custodyKey,
		Update: oracle.PriceUpdate{
			CustodyKey:  custodyKey,
			Price:       price,
			Expo:        -6,
			EMA:         price,
			PublishTime: f.now,
		},
	}})
}

func (f *fixture) fund(user, mint string, amount uint64) {
	f.t.Helper()
	if err := f.e.Ledger().Fund(ledger.UserAccount(user, mint), amount); err != nil {
		f.t.Fatalf("fund %s: %v", user, err)
	}
}

// twoCustodyExchange is the standard setup: USDC stable 6-dec and ETH 9-dec,
// both priced by test oracles, 50/50 targets with wide bounds.
func (f *fixture) twoCustodyExchange(usdcFees, ethFees state.Fees, ethPricing state.PricingParams) {
	f.initExchange()
	// While USDC is the only custody its target carries the whole pool;
	// adding ETH rebalances both entries to 50/50.
	f.addCustody(AddCustodyParams{
		Pool: testPool, Mint: usdcMint, Decimals: 6, IsStable: true,
		Oracle: defaultOracleParams(), Pricing: defaultPricing(),
		Permissions: state.AllPermissions(), Fees: usdcFees, BorrowRate: defaultBorrowRate(),
		Ratios: []state.TokenRatios{{Target: 10_000, Min: 0, Max: 10_000}},
	})
	f.addCustody(AddCustodyParams{
		Pool: testPool, Mint: ethMint, Decimals: 9,
		Oracle: defaultOracleParams(), Pricing: ethPricing,
		Permissions: state.AllPermissions(), Fees: ethFees, BorrowRate: defaultBorrowRate(),
		Ratios: []state.TokenRatios{wideRatio(), wideRatio()},
	})
	f.setPrice(usdcKey, usdcPrice)
	f.setPrice(ethKey, ethPrice)
}

func (f *fixture) custody(key string) *state.Custody {
	f.t.Helper()
	c, err := f.e.Store().Begin().GetCustody(key)
	if err != nil {
		f.t.Fatalf("load custody %s: %v", key, err)
	}
	return c
}

func (f *fixture) pool() *state.Pool {
	f.t.Helper()
	p, err := f.e.Store().Begin().GetPool(testPool)
	if err != nil {
		f.t.Fatalf("load pool: %v", err)
	}
	return p
}

func TestTwoCustodySeed(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 20_000_000_000)
	f.fund("alice", ethMint, 20_000_000_000)

	res := f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 15_000_000_000,
	}})
	if res.Amount == 0 {
		t.Fatal("no lp tokens minted for first deposit")
	}
	if got := f.pool().AumUSD; got != 15_000_000_000 {
		t.Fatalf("aum after usdc deposit = %d, want 15_000e6", got)
	}

	f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: ethKey, AmountIn: 10_000_000_000, // 10 ETH
	}})
	if got := f.pool().AumUSD; got != 30_000_000_000 {
		t.Fatalf("aum = %d, want 30_000e6", got)
	}
	if supply := f.e.Ledger().Supply("lp:" + testPool); supply != 30_000_000_000 {
		t.Fatalf("lp supply = %d, want 30_000e6", supply)
	}
}

func TestFixedAddLiquidityFee(t *testing.T) {
	usdcFees := state.Fees{AddLiquidity: 200, ProtocolShare: 25}
	f := newFixture(t)
	f.twoCustodyExchange(usdcFees, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 2_000_000_000)

	res := f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000, // 1,000 USDC
	}})

	c := f.custody(usdcKey)
	if c.CollectedFees.AddLiquidityUSD != 20_000_000 {
		t.Fatalf("collected add-liquidity fee = %d, want 20e6", c.CollectedFees.AddLiquidityUSD)
	}
	if c.Assets.ProtocolFees != 50_000 {
		t.Fatalf("protocol fees = %d, want 0.05e6", c.Assets.ProtocolFees)
	}
	// The vault keeps the deposit; the protocol share is carved out of the
	// owned reserve.
	if c.Assets.Owned != 999_950_000 {
		t.Fatalf("owned = %d, want 999.95e6", c.Assets.Owned)
	}
	// 980 USDC of value for 1,000 in: the fee stays with the pool.
	if res.Amount != 980_000_000 {
		t.Fatalf("lp minted = %d, want 980e6", res.Amount)
	}
}

func TestAddLiquidityFeeStatOverflow(t *testing.T) {
	usdcFees := state.Fees{AddLiquidity: 200, ProtocolShare: 25}
	f := newFixture(t)
	f.twoCustodyExchange(usdcFees, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 2_000_000_000)

	// Saturate the lifetime fee counter so the next accrual would wrap.
	tx := f.e.Store().Begin()
	c, err := tx.GetCustody(usdcKey)
	if err != nil {
		t.Fatalf("load custody: %v", err)
	}
	c.CollectedFees.AddLiquidityUSD = ^uint64(0)
	tx.PutCustody(c)
	tx.Commit()

	err = f.execErr(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000,
	}})
	if !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("err = %v, want ErrMathOverflow", err)
	}
	if got := f.custody(usdcKey).Assets.Owned; got != 0 {
		t.Fatalf("owned after rejected deposit = %d, want 0", got)
	}
}

func TestOpenPositionLeverageCap(t *testing.T) {
	ethPricing := defaultPricing()
	ethPricing.MaxInitialLeverage = 50_000
	ethPricing.MaxLeverage = 100_000
	ethPricing.TradeSpreadLong = 100
	ethPricing.TradeSpreadShort = 100
	ethFees := state.Fees{ClosePosition: 100}

	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, ethFees, ethPricing)
	f.fund("bob", ethMint, 50_000_000_000)
	f.fund("martin", ethMint, 20_000_000_000)
	f.exec(&Command{Kind: KindAddLiquidity, Caller: "bob", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: ethKey, AmountIn: 50_000_000_000,
	}})

	// Nominal x10: the entry spread and exit fee push effective leverage
	// past the x10 hard cap.
	err := f.execErr(&Command{Kind: KindOpenPosition, Caller: "martin", OpenPosition: &OpenPositionParams{
		Pool: testPool, Custody: ethKey, Side: state.SideLong,
		Price:      2_000_000_000,
		Collateral: 1_000_000_000,  // 1 ETH
		Size:       10_000_000_000, // 10 ETH
	}})
	if !errors.Is(err, perperr.ErrMaxLeverage) {
		t.Fatalf("err = %v, want ErrMaxLeverage", err)
	}
}

func TestLiquidation(t *testing.T) {
	ethPricing := defaultPricing()
	ethPricing.MaxInitialLeverage = 60_000
	ethPricing.MaxLeverage = 100_000
	ethFees := state.Fees{ClosePosition: 100, Liquidation: 100}

	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, ethFees, ethPricing)
	f.fund("bob", ethMint, 50_000_000_000)
	f.fund("martin", ethMint, 5_000_000_000)
	f.exec(&Command{Kind: KindAddLiquidity, Caller: "bob", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: ethKey, AmountIn: 50_000_000_000,
	}})

	res := f.exec(&Command{Kind: KindOpenPosition, Caller: "martin", OpenPosition: &OpenPositionParams{
		Pool: testPool, Custody: ethKey, Side: state.SideLong,
		Price:      2_000_000_000,
		Collateral: 1_000_000_000, // 1 ETH at x5
		Size:       5_000_000_000,
	}})
	posKey := res.PositionKey

	// Healthy position cannot be liquidated.
	f.now++
	err := f.execErr(&Command{Kind: KindLiquidate, Caller: "liq", Liquidate: &LiquidateParams{
		Pool: testPool, Custody: ethKey, Owner: "martin", Side: state.SideLong,
	}})
	if !errors.Is(err, perperr.ErrInvalidPositionState) {
		t.Fatalf("err = %v, want ErrInvalidPositionState", err)
	}

	f.now++
	f.setPrice(ethKey, 1_350_000_000)
	f.now++
	liqRes := f.exec(&Command{Kind: KindLiquidate, Caller: "liq", Liquidate: &LiquidateParams{
		Pool: testPool, Custody: ethKey, Owner: "martin", Side: state.SideLong,
	}})
	if liqRes.Amount == 0 {
		t.Fatal("liquidator reward is zero")
	}
	if bal := f.e.Ledger().Balance(ledger.UserAccount("liq", ethMint)); bal != liqRes.Amount {
		t.Fatalf("liquidator balance = %d, want %d", bal, liqRes.Amount)
	}
	if bal := f.e.Ledger().Balance(ledger.UserAccount("martin", ethMint)); bal == 0 {
		t.Fatal("owner received no residual payout")
	}
	if f.e.Store().Begin().Has(posKey) {
		t.Fatal("position still exists after liquidation")
	}
}

func TestPayoffCap(t *testing.T) {
	ethPricing := defaultPricing()
	ethPricing.MaxInitialLeverage = 60_000
	ethPricing.MaxLeverage = 100_000
	ethPricing.MaxPayoffMult = 2_500 // 0.25x of size

	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, ethPricing)
	f.fund("bob", ethMint, 50_000_000_000)
	f.fund("martin", ethMint, 5_000_000_000)
	f.exec(&Command{Kind: KindAddLiquidity, Caller: "bob", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: ethKey, AmountIn: 50_000_000_000,
	}})

	f.exec(&Command{Kind: KindOpenPosition, Caller: "martin", OpenPosition: &OpenPositionParams{
		Pool: testPool, Custody: ethKey, Side: state.SideLong,
		Price:      2_000_000_000,
		Collateral: 1_000_000_000,
		Size:       5_000_000_000,
	}})

	f.now++
	f.setPrice(ethKey, 3_000_000_000)
	f.now++
	res := f.exec(&Command{Kind: KindClosePosition, Caller: "martin", ClosePosition: &ClosePositionParams{
		Pool: testPool, Custody: ethKey, Side: state.SideLong, Price: 1,
	}})

	// Unbounded profit would be 5,000 USD; the payoff reserve caps it at
	// 1.25 ETH, so the payout is collateral plus cap = 1.75 ETH, under the
	// 2.25 ETH ceiling of collateral + locked.
	if res.Amount > 2_250_000_000 {
		t.Fatalf("payout %d exceeds collateral + locked reserve", res.Amount)
	}
	if res.Amount != 1_750_000_000 {
		t.Fatalf("payout = %d, want 1.75e9", res.Amount)
	}
}

func TestTokenRatioBounds(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 5_000_000_000)
	f.fund("alice", ethMint, 5_000_000_000)

	f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_500_000_000, // 1,500 USDC
	}})
	f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: ethKey, AmountIn: 1_000_000_000, // 1 ETH
	}})

	// Tighten the USDC bounds to 30-60% now that the pool sits at 50/50.
	usdc := f.custody(usdcKey)
	f.exec(&Command{Kind: KindSetCustodyConfig, Caller: admin, SetCustodyConfig: &SetCustodyConfigParams{
		Pool: testPool, Custody: usdcKey,
		IsStable: true,
		Oracle:   usdc.Oracle, Pricing: usdc.Pricing,
		Permissions: usdc.Permissions, Fees: usdc.Fees, BorrowRate: usdc.BorrowRate,
		Ratios: []state.TokenRatios{
			{Target: 5_000, Min: 3_000, Max: 6_000},
			wideRatio(),
		},
	}})

	// 2,500/4,000 = 62.5% USDC weight, above the 60% cap.
	err := f.execErr(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000,
	}})
	if !errors.Is(err, perperr.ErrTokenRatioOutOfRange) {
		t.Fatalf("add err = %v, want ErrTokenRatioOutOfRange", err)
	}

	// Removing 35% of the LP supply in USDC drops its weight to ~23%.
	supply := f.e.Ledger().Supply("lp:" + testPool)
	err = f.execErr(&Command{Kind: KindRemoveLiquidity, Caller: "alice", RemoveLiquidity: &RemoveLiquidityParams{
		Pool: testPool, Custody: usdcKey, LPAmountIn: supply * 35 / 100,
	}})
	if !errors.Is(err, perperr.ErrTokenRatioOutOfRange) {
		t.Fatalf("remove err = %v, want ErrTokenRatioOutOfRange", err)
	}
}

func TestLiquidityRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 1_000_000_000)

	f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000,
	}})
	lp := f.e.Ledger().Balance(ledger.UserAccount("alice", "lp:"+testPool))
	res := f.exec(&Command{Kind: KindRemoveLiquidity, Caller: "alice", RemoveLiquidity: &RemoveLiquidityParams{
		Pool: testPool, Custody: usdcKey, LPAmountIn: lp,
	}})
	if res.Amount > 1_000_000_000 {
		t.Fatalf("round trip returned %d, more than deposited", res.Amount)
	}
	if bal := f.e.Ledger().Balance(ledger.UserAccount("alice", usdcMint)); bal != res.Amount {
		t.Fatalf("alice balance = %d, want %d", bal, res.Amount)
	}
}

func TestMultisigAtomicity(t *testing.T) {
	f := newFixture(t)
	f.exec(&Command{Kind: KindInit, Caller: "admin-1", Init: &InitParams{
		MinSignatures:   2,
		Signers:         []string{"admin-1", "admin-2", "admin-3"},
		Permissions:     state.AllPermissions(),
		AllowTestOracle: true,
	}})

	res := f.exec(&Command{Kind: KindAddPool, Caller: "admin-1", AddPool: &AddPoolParams{Name: testPool}})
	if res.SignaturesLeft != 1 {
		t.Fatalf("signatures left = %d, want 1", res.SignaturesLeft)
	}
	if f.e.Store().Begin().Has(store.PoolKey(testPool)) {
		t.Fatal("pool created before quorum")
	}

	// Same signer again is rejected, state still untouched.
	err := f.execErr(&Command{Kind: KindAddPool, Caller: "admin-1", AddPool: &AddPoolParams{Name: testPool}})
	if !errors.Is(err, perperr.ErrMultisigAlreadySigned) {
		t.Fatalf("err = %v, want ErrMultisigAlreadySigned", err)
	}

	res = f.exec(&Command{Kind: KindAddPool, Caller: "admin-2", AddPool: &AddPoolParams{Name: testPool}})
	if res.SignaturesLeft != 0 {
		t.Fatalf("signatures left = %d, want 0", res.SignaturesLeft)
	}
	if !f.e.Store().Begin().Has(store.PoolKey(testPool)) {
		t.Fatal("pool missing after quorum")
	}

	// Replaying the executed payload is rejected.
	err = f.execErr(&Command{Kind: KindAddPool, Caller: "admin-3", AddPool: &AddPoolParams{Name: testPool}})
	if !errors.Is(err, perperr.ErrMultisigAlreadyExecuted) {
		t.Fatalf("err = %v, want ErrMultisigAlreadyExecuted", err)
	}
}

func TestDuplicateCommandRejected(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 2_000_000_000)

	cmd := &Command{
		ID: "dup-1", Kind: KindAddLiquidity, Caller: "alice", Time: f.now,
		AddLiquidity: &AddLiquidityParams{Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000},
	}
	if _, err := f.e.Execute(cmd); err != nil {
		t.Fatalf("first execution failed: %v", err)
	}
	if _, err := f.e.Execute(cmd); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("err = %v, want ErrDuplicateCommand", err)
	}
}

func TestStaleOracleRejected(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 2_000_000_000)

	f.now += 4_000 // past MaxPriceAgeSec of the seeded prices
	err := f.execErr(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000,
	}})
	if !errors.Is(err, perperr.ErrStaleOraclePrice) {
		t.Fatalf("err = %v, want ErrStaleOraclePrice", err)
	}
}

func TestSetTestTimeGating(t *testing.T) {
	f := newFixture(t)
	f.exec(&Command{Kind: KindInit, Caller: admin, Init: &InitParams{
		MinSignatures: 1,
		Signers:       []string{admin},
		Permissions:   state.AllPermissions(),
	}})

	err := f.execErr(&Command{Kind: KindSetTestTime, Caller: admin, SetTestTime: &SetTestTimeParams{
		Time: baseTime + 100,
	}})
	if !errors.Is(err, perperr.ErrInvalidEnvironment) {
		t.Fatalf("err = %v, want ErrInvalidEnvironment", err)
	}
}

func TestHashChainAdvances(t *testing.T) {
	f := newFixture(t)
	before := f.e.StateHash()
	f.initExchange()
	after := f.e.StateHash()
	if before == after {
		t.Fatal("state hash did not advance")
	}
	if f.e.Sequence() != 2 {
		t.Fatalf("sequence = %d, want 2", f.e.Sequence())
	}
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.twoCustodyExchange(state.Fees{}, state.Fees{}, defaultPricing())
	f.fund("alice", usdcMint, 2_000_000_000)
	f.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 1_000_000_000,
	}})

	snap := f.e.Snapshot()

	g := newFixture(t)
	if err := g.e.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if g.e.Sequence() != f.e.Sequence() {
		t.Fatalf("sequence = %d, want %d", g.e.Sequence(), f.e.Sequence())
	}
	if g.e.StateHash() != f.e.StateHash() {
		t.Fatal("state hash mismatch after restore")
	}
	if got := g.e.Ledger().Supply("lp:" + testPool); got != f.e.Ledger().Supply("lp:"+testPool) {
		t.Fatal("lp supply mismatch after restore")
	}

	// The restored engine keeps processing from where the source stopped.
	g.n = f.n
	g.now = f.now
	g.fund("alice", usdcMint, 1_000_000_000)
	g.exec(&Command{Kind: KindAddLiquidity, Caller: "alice", AddLiquidity: &AddLiquidityParams{
		Pool: testPool, Custody: usdcKey, AmountIn: 500_000_000,
	}})
}
