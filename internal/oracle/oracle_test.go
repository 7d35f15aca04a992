package oracle_test

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
)

func testParams() *oracle.Params {
	return &oracle.Params{
		OracleKey:      "oracle:pool1:ETH",
		Type:           oracle.TypeCustom,
		MaxPriceError:  100, // 1%
		MaxPriceAgeSec: 30,
	}
}

func testRecord() *oracle.CustomOracle {
	return &oracle.CustomOracle{
		Price:       1_500_000_000, // 1500 at -6
		Expo:        -6,
		Conf:        1_000_000,
		EMA:         1_520_000_000,
		PublishTime: 1_000,
	}
}

func TestGetPrice_SpotAndEMA(t *testing.T) {
	p, err := oracle.GetPrice(testRecord(), testParams(), 1_010, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 1_500_000_000 || p.Exponent != -6 {
		t.Fatalf("unexpected spot price %+v", p)
	}

	p, err = oracle.GetPrice(testRecord(), testParams(), 1_010, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Price != 1_520_000_000 {
		t.Fatalf("unexpected ema price %+v", p)
	}
}

func TestGetPrice_Stale(t *testing.T) {
	_, err := oracle.GetPrice(testRecord(), testParams(), 1_031, false)
	if !errors.Is(err, perperr.ErrStaleOraclePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
	// exactly at the bound is still fresh
	if _, err := oracle.GetPrice(testRecord(), testParams(), 1_030, false); err != nil {
		t.Fatalf("price at max age must validate, got %v", err)
	}
}

func TestGetPrice_ConfidenceBound(t *testing.T) {
	rec := testRecord()
	rec.Conf = 20_000_000 // 1.33% of value
	_, err := oracle.GetPrice(rec, testParams(), 1_010, false)
	if !errors.Is(err, perperr.ErrInvalidOraclePrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestGetPrice_ZeroValue(t *testing.T) {
	rec := testRecord()
	rec.Price = 0
	_, err := oracle.GetPrice(rec, testParams(), 1_010, false)
	if !errors.Is(err, perperr.ErrInvalidOraclePrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestGetPrice_UnsupportedAndNone(t *testing.T) {
	params := testParams()
	params.Type = oracle.TypePyth
	if _, err := oracle.GetPrice(testRecord(), params, 1_010, false); !errors.Is(err, perperr.ErrUnsupportedOracle) {
		t.Fatalf("expected unsupported oracle, got %v", err)
	}
	params.Type = oracle.TypeNone
	if _, err := oracle.GetPrice(testRecord(), params, 1_010, false); !errors.Is(err, perperr.ErrInvalidOracleState) {
		t.Fatalf("expected invalid oracle state, got %v", err)
	}
}

func TestPrice_USDConversions(t *testing.T) {
	p := oracle.Price{Price: 1_500_000_000, Exponent: -6}

	usd, err := p.GetAssetAmountUSD(10_000_000_000, 9) // 10 tokens at 9 decimals
	if err != nil || usd != 15_000_000_000 {
		t.Fatalf("to usd: got %d, %v", usd, err)
	}

	tokens, err := p.GetTokenAmount(15_000_000_000, 9)
	if err != nil || tokens != 10_000_000_000 {
		t.Fatalf("from usd: got %d, %v", tokens, err)
	}
}

func TestPrice_CmpAcrossExponents(t *testing.T) {
	a := oracle.Price{Price: 25_000_000, Exponent: -3}
	b := oracle.Price{Price: 25_000_000_000, Exponent: -6}
	if a.Cmp(b) != 0 {
		t.Fatal("equal prices at different exponents must compare equal")
	}
	c := oracle.Price{Price: 25_300_000, Exponent: -3}
	if !a.Less(c) || c.Less(a) {
		t.Fatal("ordering broken")
	}
}

func TestPrice_GetMinPriceStableClamp(t *testing.T) {
	spot := oracle.Price{Price: 1_020_000, Exponent: -6}
	ema := oracle.Price{Price: 1_050_000, Exponent: -6}
	min := spot.GetMinPrice(ema, true)
	if min.Cmp(oracle.OneUSD()) != 0 {
		t.Fatalf("stable valuation must clamp to 1 USD, got %+v", min)
	}
	min = spot.GetMinPrice(ema, false)
	if min.Cmp(spot) != 0 {
		t.Fatalf("non-stable valuation must take min(spot, ema), got %+v", min)
	}
}

func TestVerifySignedUpdate(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	update := &oracle.PriceUpdate{
		CustodyKey:  "custody:pool1:ETH",
		Price:       1_500_000_000,
		Expo:        -6,
		Conf:        500_000,
		EMA:         1_510_000_000,
		PublishTime: 2_000,
	}
	msg := update.SignedMessage()
	sig := ed25519.Sign(priv, msg)

	if err := oracle.VerifySignedUpdate(update, msg, sig, pub); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// tampered params
	tampered := *update
	tampered.Price = 1
	if err := oracle.VerifySignedUpdate(&tampered, msg, sig, pub); !errors.Is(err, perperr.ErrPermissionlessOracleMessageMismatch) {
		t.Fatalf("expected message mismatch, got %v", err)
	}

	// wrong signer
	otherPub, otherPriv, _ := ed25519.GenerateKey(nil)
	_ = otherPub
	badSig := ed25519.Sign(otherPriv, msg)
	if err := oracle.VerifySignedUpdate(update, msg, badSig, pub); !errors.Is(err, perperr.ErrPermissionlessOracleSignerMismatch) {
		t.Fatalf("expected signer mismatch, got %v", err)
	}

	// missing signature
	if err := oracle.VerifySignedUpdate(update, msg, nil, pub); !errors.Is(err, perperr.ErrPermissionlessOracleMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
}

func TestPriceUpdate_ApplyMonotonic(t *testing.T) {
	rec := testRecord()
	update := &oracle.PriceUpdate{Price: 10, Expo: -6, PublishTime: 999}
	if update.Apply(rec) {
		t.Fatal("stale update must be ignored")
	}
	if rec.Price != 1_500_000_000 {
		t.Fatal("stale update must not mutate the record")
	}
	update.PublishTime = 1_001
	if !update.Apply(rec) || rec.Price != 10 {
		t.Fatal("fresh update must apply")
	}
}
