package state

import (
	"errors"
	"testing"

	fpmath "perpcore/internal/math"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
)

func scale(amount uint64, decimals int32) uint64 {
	return amount * fpmath.Pow10(uint32(decimals))
}

func poolFixture() (*Pool, *Custody, *Position, oracle.Price, oracle.Price) {
	custody := &Custody{
		Pool:     "pool1",
		Mint:     "TOKEN",
		Decimals: 9,
		Oracle: oracle.Params{
			OracleKey:      "oracle:pool1:TOKEN",
			Type:           oracle.TypeCustom,
			MaxPriceError:  100,
			MaxPriceAgeSec: 1,
		},
		Pricing: PricingParams{
			UseEMA:                true,
			UseUnrealizedPnlInAum: true,
			TradeSpreadLong:       100,
			TradeSpreadShort:      100,
			SwapSpread:            300,
			MinInitialLeverage:    10_000,
			MaxInitialLeverage:    100_000,
			MaxLeverage:           100_000,
			MaxPayoffMult:         10_000,
		},
		Permissions: AllPermissions(),
		Fees: Fees{
			Mode:            FeesModeLinear,
			MaxIncrease:     20_000,
			MaxDecrease:     20_000,
			Swap:            100,
			AddLiquidity:    200,
			RemoveLiquidity: 300,
			OpenPosition:    100,
			ClosePosition:   0,
			Liquidation:     50,
			ProtocolShare:   25,
		},
		BorrowRate: BorrowRateParams{OptimalUtilization: 5_000},
	}

	position := &Position{
		Side:             SideLong,
		Price:            scale(25_000, fpmath.PriceDecimals),
		SizeUSD:          scale(100_000, fpmath.USDDecimals), // 4x leverage
		BorrowSizeUSD:    scale(100_000, fpmath.USDDecimals),
		CollateralUSD:    scale(25_000, fpmath.USDDecimals),
		LockedAmount:     scale(4, 9),
		CollateralAmount: scale(1, 9),
	}

	pool := &Pool{
		Name:      "Test Pool",
		Custodies: []string{custody.Key(), "custody:pool1:OTHER"},
		Ratios: []TokenRatios{
			{Target: 5_000, Min: 1_000, Max: 9_000},
			{Target: 5_000, Min: 1_000, Max: 9_000},
		},
	}

	tokenPrice := oracle.Price{Price: 25_000_000, Exponent: -3}
	tokenEMAPrice := oracle.Price{Price: 25_300_000, Exponent: -3}
	return pool, custody, position, tokenPrice, tokenEMAPrice
}

func TestGetNewRatio(t *testing.T) {
	pool, custody, _, tokenPrice, _ := poolFixture()

	// add to an empty custody
	ratio, err := pool.getNewRatio(1_000, 0, custody, tokenPrice)
	if err != nil || ratio != fpmath.BPSPower {
		t.Fatalf("add to empty: got %d, %v", ratio, err)
	}

	// remove from an empty custody
	ratio, err = pool.getNewRatio(0, 1_000, custody, tokenPrice)
	if err != nil || ratio != 0 {
		t.Fatalf("remove from empty: got %d, %v", ratio, err)
	}

	// add and remove at once is invalid
	if _, err := pool.getNewRatio(1_000, 1_000, custody, tokenPrice); err == nil {
		t.Fatal("expected error for simultaneous add and remove")
	}

	// no-op on an empty pool
	ratio, err = pool.getNewRatio(0, 0, custody, tokenPrice)
	if err != nil || ratio != 0 {
		t.Fatalf("no-op on empty: got %d, %v", ratio, err)
	}

	// custody at 50% of the pool
	pool.AumUSD = scale(50_000_000, fpmath.USDDecimals)
	custody.Assets.Owned = scale(1_000, int32(custody.Decimals))

	ratio, err = pool.getNewRatio(scale(100, 9), 0, custody, tokenPrice)
	if err != nil || ratio != 5_238 {
		t.Fatalf("add 100: got %d, %v", ratio, err)
	}
	ratio, err = pool.getNewRatio(0, scale(100, 9), custody, tokenPrice)
	if err != nil || ratio != 4_736 {
		t.Fatalf("remove 100: got %d, %v", ratio, err)
	}
	ratio, err = pool.getNewRatio(0, scale(1_000, 9), custody, tokenPrice)
	if err != nil || ratio != 0 {
		t.Fatalf("remove all: got %d, %v", ratio, err)
	}
	ratio, err = pool.getNewRatio(0, 0, custody, tokenPrice)
	if err != nil || ratio != 5_000 {
		t.Fatalf("no-op: got %d, %v", ratio, err)
	}
}

func TestGetPriceSpread(t *testing.T) {
	pool, custody, _, tokenPrice, tokenEMAPrice := poolFixture()

	price, err := pool.getPrice(tokenPrice, tokenEMAPrice, SideLong, custody.Pricing.TradeSpreadLong)
	if err != nil {
		t.Fatal(err)
	}
	if price.Price != 25_553_000 || price.Exponent != -3 {
		t.Fatalf("long price: got %+v", price)
	}

	price, err = pool.getPrice(tokenPrice, tokenEMAPrice, SideShort, custody.Pricing.TradeSpreadShort)
	if err != nil {
		t.Fatal(err)
	}
	if price.Price != 24_750_000 || price.Exponent != -3 {
		t.Fatalf("short price: got %+v", price)
	}
}

func TestGetEntryFee(t *testing.T) {
	pool, custody, _, _, _ := poolFixture()
	custody.Assets.Owned = 200_000
	custody.BorrowRate.OptimalUtilization = 5_000

	entryFee := func(size uint64) uint64 {
		locked, err := custody.GetLockedAmount(size)
		if err != nil {
			t.Fatal(err)
		}
		fee, err := pool.GetEntryFee(custody.Fees.OpenPosition, size, locked, custody)
		if err != nil {
			t.Fatal(err)
		}
		return fee
	}

	cases := []struct {
		maxIncrease uint64
		optimal     uint64
		size        uint64
		want        uint64
	}{
		{20_000, 5_000, 0, 0},
		{20_000, 5_000, 100_000, 1_000},
		{20_000, 5_000, 150_000, 3_000},
		{20_000, 5_000, 200_000, 6_000},
		{20_000, 5_000, 300_000, 9_000},
		{10_000, 5_000, 100_000, 1_000},
		{10_000, 5_000, 150_000, 2_250},
		{10_000, 5_000, 200_000, 4_000},
		{10_000, 5_000, 300_000, 6_000},
		{5_000, 5_000, 100_000, 1_000},
		{5_000, 5_000, 150_000, 1_875},
		{5_000, 5_000, 200_000, 3_000},
		{5_000, 5_000, 300_000, 4_500},
		{20_000, 10_000, 100_000, 1_000},
		{20_000, 10_000, 150_000, 1_500},
		{20_000, 10_000, 200_000, 2_000},
		{20_000, 10_000, 300_000, 3_000},
	}
	for _, tc := range cases {
		custody.Fees.MaxIncrease = tc.maxIncrease
		custody.BorrowRate.OptimalUtilization = tc.optimal
		if got := entryFee(tc.size); got != tc.want {
			t.Errorf("entry fee size=%d mult=%d optimal=%d: got %d, want %d",
				tc.size, tc.maxIncrease, tc.optimal, got, tc.want)
		}
	}
}

func TestGetFee(t *testing.T) {
	pool, custody, _, tokenPrice, _ := poolFixture()

	custody.Fees.Mode = FeesModeFixed
	fee, err := pool.getFee(0, custody.Fees.Swap, scale(20, 9), 0, custody, tokenPrice)
	if err != nil || fee != 200_000_000 {
		t.Fatalf("fixed fee: got %d, %v", fee, err)
	}

	custody.Fees.Mode = FeesModeLinear
	custody.Assets.Owned = scale(15, 9) // $375,000

	// custody weight above target
	pool.AumUSD = scale(600_000, fpmath.USDDecimals)

	fee, err = pool.getFee(0, custody.Fees.Swap, scale(5, 9), 0, custody, tokenPrice)
	if err != nil || fee != 97_000_000 {
		t.Fatalf("away from target: got %d, %v", fee, err)
	}
	fee, err = pool.getFee(0, custody.Fees.Swap, 0, scale(2, 9), custody, tokenPrice)
	if err != nil || fee != 13_600_000 {
		t.Fatalf("toward target: got %d, %v", fee, err)
	}
	fee, err = pool.getFee(0, custody.Fees.Swap, 0, scale(6, 9), custody, tokenPrice)
	if err != nil || fee != 60_000_000 {
		t.Fatalf("match target: got %d, %v", fee, err)
	}

	// custody weight below target
	pool.AumUSD = scale(1_200_000, fpmath.USDDecimals)

	fee, err = pool.getFee(0, custody.Fees.Swap, scale(5, 9), 0, custody, tokenPrice)
	if err != nil || fee != 30_500_000 {
		t.Fatalf("toward target: got %d, %v", fee, err)
	}
	fee, err = pool.getFee(0, custody.Fees.Swap, 0, scale(5, 9), custody, tokenPrice)
	if err != nil || fee != 116_500_000 {
		t.Fatalf("away from target: got %d, %v", fee, err)
	}
	fee, err = pool.getFee(0, custody.Fees.Swap, scale(18, 9), 0, custody, tokenPrice)
	if err != nil || fee != 180_000_000 {
		t.Fatalf("match target: got %d, %v", fee, err)
	}
}

func TestGetFee_VirtualRejected(t *testing.T) {
	pool, custody, _, tokenPrice, _ := poolFixture()
	custody.IsVirtual = true
	_, err := pool.getFee(0, custody.Fees.Swap, 1_000, 0, custody, tokenPrice)
	if !errors.Is(err, perperr.ErrInstructionNotAllowed) {
		t.Fatalf("expected instruction not allowed, got %v", err)
	}
}

func TestGetPnLUSD(t *testing.T) {
	pool, custody, position, tokenPrice, tokenEMAPrice := poolFixture()
	now := int64(1)

	pnl := func() (uint64, uint64) {
		profit, loss, _, err := pool.GetPnLUSD(
			position, tokenPrice, tokenEMAPrice, custody,
			tokenPrice, tokenEMAPrice, custody, now, false)
		if err != nil {
			t.Fatal(err)
		}
		return profit, loss
	}

	// entry above exit price
	if profit, loss := pnl(); profit != 0 || loss != scale(1_000, fpmath.USDDecimals) {
		t.Fatalf("initial pnl: got profit=%d loss=%d", profit, loss)
	}

	// deeper loss
	position.Price = scale(25_400, fpmath.PriceDecimals)
	if profit, loss := pnl(); profit != 0 || loss != 2_559_055_119 {
		t.Fatalf("losing pnl: got profit=%d loss=%d", profit, loss)
	}

	// winning position
	position.Price = scale(24_500, fpmath.PriceDecimals)
	if profit, loss := pnl(); profit != 1_020_408_163 || loss != 0 {
		t.Fatalf("winning pnl: got profit=%d loss=%d", profit, loss)
	}
}

func TestGetPnLUSD_PayoffCap(t *testing.T) {
	pool, custody, position, tokenPrice, tokenEMAPrice := poolFixture()

	// tiny locked reserve caps the payout
	position.Price = scale(20_000, fpmath.PriceDecimals)
	position.LockedAmount = scale(1, 6) // 0.001 token
	profit, _, _, err := pool.GetPnLUSD(
		position, tokenPrice, tokenEMAPrice, custody,
		tokenPrice, tokenEMAPrice, custody, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	capUSD, err := tokenPrice.GetAssetAmountUSD(position.LockedAmount, custody.Decimals)
	if err != nil {
		t.Fatal(err)
	}
	if profit != capUSD {
		t.Fatalf("profit %d must be capped at locked value %d", profit, capUSD)
	}

	// no payoff before the open time has passed
	profit, _, _, err = pool.GetPnLUSD(
		position, tokenPrice, tokenEMAPrice, custody,
		tokenPrice, tokenEMAPrice, custody, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if profit != 0 {
		t.Fatalf("profit before open time must be zero, got %d", profit)
	}
}

func TestGetLeverage(t *testing.T) {
	pool, custody, position, tokenPrice, tokenEMAPrice := poolFixture()

	leverage := func() uint64 {
		l, err := pool.GetLeverage(
			position, tokenPrice, tokenEMAPrice, custody,
			tokenPrice, tokenEMAPrice, custody, 1)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	cases := []struct {
		price uint64
		want  uint64
	}{
		{scale(25_000, fpmath.PriceDecimals), 41_666},
		{scale(20_000, fpmath.PriceDecimals), 20_512},
		{scale(15_000, fpmath.PriceDecimals), 11_111},
		{scale(27_000, fpmath.PriceDecimals), 60_000},
		{scale(32_000, fpmath.PriceDecimals), 426_666},
		{0, 40_000},
		{scale(40_000, fpmath.PriceDecimals), ^uint64(0)},
	}
	for _, tc := range cases {
		position.Price = tc.price
		if got := leverage(); got != tc.want {
			t.Errorf("leverage at entry %d: got %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestCheckLeverage(t *testing.T) {
	pool, custody, position, tokenPrice, tokenEMAPrice := poolFixture()

	ok, err := pool.CheckLeverage(
		position, tokenPrice, tokenEMAPrice, custody,
		tokenPrice, tokenEMAPrice, custody, 1, true)
	if err != nil || !ok {
		t.Fatalf("4x inside bounds: got %v, %v", ok, err)
	}

	position.Price = scale(40_000, fpmath.PriceDecimals)
	ok, err = pool.CheckLeverage(
		position, tokenPrice, tokenEMAPrice, custody,
		tokenPrice, tokenEMAPrice, custody, 1, false)
	if err != nil || ok {
		t.Fatalf("wiped margin must fail leverage check: got %v, %v", ok, err)
	}
}

func TestGetLiquidationPrice(t *testing.T) {
	pool, custody, position, tokenPrice, _ := poolFixture()

	liqPrice := func() uint64 {
		p, err := pool.GetLiquidationPrice(position, tokenPrice, custody, custody, 0)
		if err != nil {
			t.Fatal(err)
		}
		return p
	}

	cases := []struct {
		price uint64
		want  uint64
	}{
		{scale(25_000, fpmath.PriceDecimals), scale(21_250, fpmath.PriceDecimals)},
		{scale(24_500, fpmath.PriceDecimals), scale(20_825, fpmath.PriceDecimals)},
		{scale(20_000, fpmath.PriceDecimals), scale(17_000, fpmath.PriceDecimals)},
		{scale(26_000, fpmath.PriceDecimals), scale(22_100, fpmath.PriceDecimals)},
		{scale(35_000, fpmath.PriceDecimals), scale(29_750, fpmath.PriceDecimals)},
		{0, 0},
	}
	for _, tc := range cases {
		position.Price = tc.price
		if got := liqPrice(); got != tc.want {
			t.Errorf("liquidation price at entry %d: got %d, want %d", tc.price, got, tc.want)
		}
	}
}

func TestGetCloseAmount(t *testing.T) {
	pool, custody, position, tokenPrice, tokenEMAPrice := poolFixture()

	amount, fee, profit, loss, err := pool.GetCloseAmount(
		position, tokenPrice, tokenEMAPrice, custody,
		tokenPrice, tokenEMAPrice, custody, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if amount != 948_616_600 || fee != 0 || profit != 0 || loss != scale(1_000, fpmath.USDDecimals) {
		t.Fatalf("close amount: got amount=%d fee=%d profit=%d loss=%d", amount, fee, profit, loss)
	}
}

func TestCheckTokenRatio(t *testing.T) {
	pool, custody, _, tokenPrice, _ := poolFixture()
	pool.AumUSD = scale(50_000_000, fpmath.USDDecimals)
	custody.Assets.Owned = scale(1_000, 9) // 50% weight

	// inside bounds
	ok, err := pool.CheckTokenRatio(0, scale(100, 9), 0, custody, tokenPrice)
	if err != nil || !ok {
		t.Fatalf("inside bounds: got %v, %v", ok, err)
	}

	// pushing above max is rejected
	pool.Ratios[0].Max = 5_100
	ok, err = pool.CheckTokenRatio(0, scale(100, 9), 0, custody, tokenPrice)
	if err != nil || ok {
		t.Fatalf("above max: got %v, %v", ok, err)
	}

	// an improving move is allowed even out of range
	pool.Ratios[0].Max = 4_000
	ok, err = pool.CheckTokenRatio(0, 0, scale(100, 9), custody, tokenPrice)
	if err != nil || !ok {
		t.Fatalf("improving move: got %v, %v", ok, err)
	}
}

func TestCheckAvailableAmount(t *testing.T) {
	pool, custody, _, _, _ := poolFixture()
	custody.Assets.Owned = 1_000
	custody.Assets.Collateral = 200
	custody.Assets.Locked = 300

	ok, err := pool.CheckAvailableAmount(900, custody)
	if err != nil || !ok {
		t.Fatalf("900 of 900 available: got %v, %v", ok, err)
	}
	ok, err = pool.CheckAvailableAmount(901, custody)
	if err != nil || ok {
		t.Fatalf("901 of 900 available: got %v, %v", ok, err)
	}
}

func TestGetSwapAmount(t *testing.T) {
	pool, custodyIn, _, _, _ := poolFixture()
	custodyOut := &Custody{Mint: "USDC", Decimals: 6}

	inPrice := oracle.Price{Price: 25_000_000_000, Exponent: -6}
	outPrice := oracle.Price{Price: 1_000_000, Exponent: -6}

	// 1 token at 25,000 against a 1 USD stable, 300 BPS swap spread
	amount, err := pool.GetSwapAmount(
		inPrice, inPrice, outPrice, outPrice, custodyIn, custodyOut, scale(1, 9))
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(25_000 * 1_000_000 * 97 / 100)
	if amount != want {
		t.Fatalf("swap amount: got %d, want %d", amount, want)
	}
}

func TestPoolValidate(t *testing.T) {
	pool, _, _, _, _ := poolFixture()
	if !pool.Validate() {
		t.Fatal("fixture pool must validate")
	}
	pool.Ratios[0].Target = 6_000
	if pool.Validate() {
		t.Fatal("ratios not summing to 100% must fail")
	}
	pool.Ratios[0].Target = 5_000
	pool.Custodies[1] = pool.Custodies[0]
	if pool.Validate() {
		t.Fatal("duplicate custody must fail")
	}
}
