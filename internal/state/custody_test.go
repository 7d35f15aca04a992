package state

import (
	"errors"
	"testing"

	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
)

func TestGetInterestAmountUSD(t *testing.T) {
	_, custody, position, _, _ := poolFixture()

	custody.BorrowRate = BorrowRateParams{
		BaseRate:           0,
		Slope1:             80_000,
		Slope2:             120_000,
		OptimalUtilization: 8_000,
	}
	custody.Assets.Locked = scale(9, 9)
	custody.Assets.Owned = scale(10, 9)

	if err := custody.UpdateBorrowRate(3_600); err != nil {
		t.Fatal(err)
	}
	// 90% utilisation, past the optimal point
	if custody.RateState.CurrentRate != 140_000 {
		t.Fatalf("rate at 90%% utilisation: got %d", custody.RateState.CurrentRate)
	}

	interest, err := custody.GetInterestAmountUSD(position, 3_600)
	if err != nil || interest != 0 {
		t.Fatalf("no time elapsed: got %d, %v", interest, err)
	}

	interest, err = custody.GetInterestAmountUSD(position, 7_200)
	if err != nil || interest != scale(14, fpmath.USDDecimals) {
		t.Fatalf("one hour accrued: got %d, %v", interest, err)
	}

	if err := custody.UpdateBorrowRate(7_200); err != nil {
		t.Fatal(err)
	}
	interest, err = custody.GetInterestAmountUSD(position, 7_199)
	if err != nil || interest != scale(14, fpmath.USDDecimals) {
		t.Fatalf("clock behind last update: got %d, %v", interest, err)
	}

	position.CumulativeInterestSnapshot = 70_000
	interest, err = custody.GetInterestAmountUSD(position, 7_200)
	if err != nil || interest != scale(7, fpmath.USDDecimals) {
		t.Fatalf("snapshot halves the charge: got %d, %v", interest, err)
	}
}

func TestBorrowRateCurve(t *testing.T) {
	_, custody, _, _, _ := poolFixture()
	custody.BorrowRate = BorrowRateParams{
		BaseRate:           10_000,
		Slope1:             80_000,
		Slope2:             120_000,
		OptimalUtilization: 8_000,
	}

	cases := []struct {
		utilization uint64
		want        uint64
	}{
		{0, 10_000},
		{4_000, 50_000},         // base + slope1/2
		{8_000, 90_000},         // base + slope1 at optimal
		{9_000, 150_000},        // halfway up the second slope
		{fpmath.BPSPower, 210_000}, // fully utilised
	}
	for _, tc := range cases {
		rate, err := custody.borrowRate(tc.utilization)
		if err != nil {
			t.Fatal(err)
		}
		if rate != tc.want {
			t.Errorf("rate at u=%d: got %d, want %d", tc.utilization, rate, tc.want)
		}
	}
}

func TestCumulativeInterestMonotonic(t *testing.T) {
	_, custody, _, _, _ := poolFixture()
	custody.BorrowRate = BorrowRateParams{BaseRate: 10_000, OptimalUtilization: 8_000}

	var last uint64
	for _, now := range []int64{0, 100, 3_600, 3_601, 10_000} {
		if err := custody.UpdateBorrowRate(now); err != nil {
			t.Fatal(err)
		}
		if custody.RateState.CumulativeInterest < last {
			t.Fatalf("cumulative interest decreased at t=%d", now)
		}
		last = custody.RateState.CumulativeInterest
	}
}

func TestLockUnlockFunds(t *testing.T) {
	_, custody, _, _, _ := poolFixture()
	custody.Assets.Owned = 1_000

	if err := custody.LockFunds(600); err != nil {
		t.Fatal(err)
	}
	if err := custody.LockFunds(500); !errors.Is(err, perperr.ErrCustodyAmountLimit) {
		t.Fatalf("locking past owned: got %v", err)
	}

	custody.Pricing.MaxUtilization = 7_000
	if err := custody.LockFunds(200); !errors.Is(err, perperr.ErrMaxUtilization) {
		t.Fatalf("locking past max utilisation: got %v", err)
	}
	custody.Pricing.MaxUtilization = 0
	if err := custody.LockFunds(200); err != nil {
		t.Fatal(err)
	}

	if err := custody.UnlockFunds(800); err != nil {
		t.Fatal(err)
	}
	if custody.Assets.Locked != 0 {
		t.Fatalf("locked after full unlock: got %d", custody.Assets.Locked)
	}
	if err := custody.UnlockFunds(1); !errors.Is(err, perperr.ErrMathOverflow) {
		t.Fatalf("unlocking below zero: got %v", err)
	}
}

func TestPositionStatsRoundTrip(t *testing.T) {
	_, custody, _, _, _ := poolFixture()

	a := &Position{
		Side: SideLong, Price: 20_000_000_000,
		SizeUSD: 100_000_000, BorrowSizeUSD: 100_000_000,
		CollateralUSD: 25_000_000, LockedAmount: 5_000,
	}
	b := &Position{
		Side: SideLong, Price: 30_000_000_000,
		SizeUSD: 300_000_000, BorrowSizeUSD: 300_000_000,
		CollateralUSD: 75_000_000, LockedAmount: 15_000,
	}

	if err := custody.AddPositionStats(a, 0); err != nil {
		t.Fatal(err)
	}
	if err := custody.AddPositionStats(b, 0); err != nil {
		t.Fatal(err)
	}

	collective := custody.GetCollectivePosition(SideLong)
	if collective.SizeUSD != 400_000_000 {
		t.Fatalf("collective size: got %d", collective.SizeUSD)
	}
	// size-weighted entry: (20k*100 + 30k*300) / 400
	if collective.Price != 27_500_000_000 {
		t.Fatalf("collective entry price: got %d", collective.Price)
	}
	if custody.TradeStats.OILongUSD != 400_000_000 {
		t.Fatalf("open interest: got %d", custody.TradeStats.OILongUSD)
	}

	if err := custody.RemovePositionStats(b); err != nil {
		t.Fatal(err)
	}
	collective = custody.GetCollectivePosition(SideLong)
	if collective.SizeUSD != 100_000_000 || collective.Price != 20_000_000_000 {
		t.Fatalf("after remove: got size=%d price=%d", collective.SizeUSD, collective.Price)
	}

	if err := custody.RemovePositionStats(a); err != nil {
		t.Fatal(err)
	}
	if custody.LongPositions.OpenPositions != 0 || custody.TradeStats.OILongUSD != 0 {
		t.Fatal("stats must be empty after removing all positions")
	}
	if err := custody.RemovePositionStats(a); !errors.Is(err, perperr.ErrInvalidCustodyState) {
		t.Fatalf("removing from empty stats: got %v", err)
	}
}

func TestPositionLockedBounds(t *testing.T) {
	_, custody, _, _, _ := poolFixture()
	custody.Pricing.MaxPositionLockedUSD = 1_000_000

	pos := &Position{Side: SideLong, Price: 1_000_000, SizeUSD: 500_000}
	if err := custody.AddPositionStats(pos, 2_000_000); !errors.Is(err, perperr.ErrPositionAmountLimit) {
		t.Fatalf("per-position bound: got %v", err)
	}

	custody.Pricing.MaxPositionLockedUSD = 0
	custody.Pricing.MaxTotalLockedUSD = 400_000
	if err := custody.AddPositionStats(pos, 0); !errors.Is(err, perperr.ErrPositionAmountLimit) {
		t.Fatalf("total bound: got %v", err)
	}
}

func TestCustodyValidate(t *testing.T) {
	_, custody, _, _, _ := poolFixture()
	if !custody.Validate() {
		t.Fatal("fixture custody must validate")
	}
	custody.Assets.Owned = 10
	custody.Assets.Locked = 20
	if custody.Validate() {
		t.Fatal("locked above owned must fail")
	}
}
