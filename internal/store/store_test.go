package store

import (
	"bytes"
	"errors"
	"testing"

	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
)

func testCustody() *state.Custody {
	return &state.Custody{
		Pool:     "main",
		Mint:     "ETH",
		Decimals: 9,
		Oracle: oracle.Params{
			OracleKey:      OracleKey("main", "ETH"),
			Type:           oracle.TypeCustom,
			MaxPriceError:  100,
			MaxPriceAgeSec: 60,
		},
		Pricing: state.PricingParams{
			MinInitialLeverage: 10_000,
			MaxInitialLeverage: 100_000,
			MaxLeverage:        100_000,
			MaxPayoffMult:      10_000,
		},
		Permissions: state.AllPermissions(),
		Assets:      state.Assets{Owned: 5_000, Locked: 1_000},
	}
}

func TestTxIsolation(t *testing.T) {
	s := New()

	tx := s.Begin()
	tx.PutCustody(testCustody())
	if s.Keys("custody:") != nil {
		t.Fatal("uncommitted write visible in base store")
	}
	if !tx.Has(CustodyKey("main", "ETH")) {
		t.Fatal("write not visible inside its own transaction")
	}
	tx.Commit()

	if got := s.Keys("custody:"); len(got) != 1 {
		t.Fatalf("committed keys: got %v", got)
	}

	// a discarded transaction leaves no trace
	tx = s.Begin()
	c, err := tx.GetCustody(CustodyKey("main", "ETH"))
	if err != nil {
		t.Fatal(err)
	}
	c.Assets.Locked = 4_000
	tx.PutCustody(c)
	tx.Delete(PoolKey("main"))
	tx = nil

	check := s.Begin()
	c, err = check.GetCustody(CustodyKey("main", "ETH"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Assets.Locked != 1_000 {
		t.Fatalf("abandoned transaction leaked: locked=%d", c.Assets.Locked)
	}
}

func TestLoadsAreCopies(t *testing.T) {
	s := New()
	tx := s.Begin()
	tx.PutCustody(testCustody())
	tx.Commit()

	tx = s.Begin()
	a, _ := tx.GetCustody(CustodyKey("main", "ETH"))
	b, _ := tx.GetCustody(CustodyKey("main", "ETH"))
	a.Assets.Owned = 0
	if b.Assets.Owned != 5_000 {
		t.Fatal("loads must not alias each other")
	}
}

func TestDeleteAndMissing(t *testing.T) {
	s := New()
	tx := s.Begin()
	pos := &state.Position{
		Owner: "martin", Pool: "main",
		Custody: CustodyKey("main", "ETH"), Side: state.SideLong,
		SizeUSD: 1,
	}
	tx.PutPosition(pos)
	tx.Commit()

	key := PositionKey("martin", "main", CustodyKey("main", "ETH"), state.SideLong)
	tx = s.Begin()
	tx.Delete(key)
	if _, err := tx.GetPosition(key); !errors.Is(err, perperr.ErrInvalidPositionState) {
		t.Fatalf("deleted position: got %v", err)
	}
	tx.Commit()

	tx = s.Begin()
	if _, err := tx.GetPool("nope"); !errors.Is(err, perperr.ErrInvalidPoolState) {
		t.Fatalf("missing pool: got %v", err)
	}
	if _, err := tx.GetPerpetuals(); !errors.Is(err, perperr.ErrInvalidPerpetualsConfig) {
		t.Fatalf("missing perpetuals: got %v", err)
	}
	if _, err := tx.GetOracle(OracleKey("main", "ETH")); !errors.Is(err, perperr.ErrInvalidOracleAccount) {
		t.Fatalf("missing oracle: got %v", err)
	}
}

func TestDigestDeterminism(t *testing.T) {
	build := func(reverse bool) *Store {
		s := New()
		tx := s.Begin()
		records := []func(){
			func() { tx.PutPool(&state.Pool{Name: "main", AumUSD: 42}) },
			func() { tx.PutCustody(testCustody()) },
			func() { tx.PutOracle(OracleKey("main", "ETH"), &oracle.CustomOracle{Price: 7, Expo: -3}) },
		}
		if reverse {
			for i := len(records) - 1; i >= 0; i-- {
				records[i]()
			}
		} else {
			for _, f := range records {
				f()
			}
		}
		tx.Commit()
		return s
	}

	a, b := build(false), build(true)
	if !bytes.Equal(a.Digest(), b.Digest()) {
		t.Fatal("digest must be order independent")
	}

	tx := b.Begin()
	p, _ := tx.GetPool("main")
	p.AumUSD++
	tx.PutPool(p)
	tx.Commit()
	if bytes.Equal(a.Digest(), b.Digest()) {
		t.Fatal("digest must change with state")
	}
}

func TestExportRestore(t *testing.T) {
	s := New()
	tx := s.Begin()
	tx.PutPerpetuals(&state.Perpetuals{
		Permissions: state.AllPermissions(),
		Pools:       []string{"main"},
	})
	tx.PutPool(&state.Pool{Name: "main", Custodies: []string{CustodyKey("main", "ETH")},
		Ratios: []state.TokenRatios{{Target: 10_000, Max: 10_000}}})
	tx.PutCustody(testCustody())
	m, err := state.NewMultisig([]string{"alice", "bob"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sign("alice", state.PayloadHash([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	tx.PutMultisig(m)
	tx.Commit()

	restored := Restore(s.Export())
	if !bytes.Equal(restored.Digest(), s.Digest()) {
		t.Fatal("restore must reproduce the digest")
	}

	tx = restored.Begin()
	got, err := tx.GetMultisig()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Signed[0] || got.Signed[1] {
		t.Fatalf("multisig round state lost: %+v", got.Signed)
	}
}
