package store

import (
	"perpcore/internal/oracle"
	"perpcore/internal/state"
)

// Record keys. Perpetuals and Multisig are singletons; the rest are keyed by
// their identifying tuple. Custody keys match state.Custody.Key so positions
// and pools can reference custodies by the same string.

const (
	perpetualsKey = "perpetuals"
	multisigKey   = "multisig"
)

func PerpetualsKey() string { return perpetualsKey }

func MultisigKey() string { return multisigKey }

func PoolKey(name string) string { return "pool:" + name }

func CustodyKey(pool, mint string) string { return "custody:" + pool + ":" + mint }

func OracleKey(pool, mint string) string { return "oracle:" + pool + ":" + mint }

func PositionKey(owner, pool, custodyKey string, side state.Side) string {
	return "position:" + owner + ":" + pool + ":" + custodyKey + ":" + side.String()
}

func encodePerpetuals(p *state.Perpetuals) []byte {
	var e encoder
	e.u8(p.Permissions.Bits())
	e.boolean(p.AllowTestOracle)
	e.i64(p.TestTime)
	e.i64(p.InceptionTime)
	e.u16(uint16(len(p.Pools)))
	for _, name := range p.Pools {
		e.str(name)
	}
	return e.buf
}

func decodePerpetuals(buf []byte) (*state.Perpetuals, error) {
	d := decoder{buf: buf}
	p := &state.Perpetuals{}
	p.Permissions = state.PermissionsFromBits(d.u8())
	p.AllowTestOracle = d.boolean()
	p.TestTime = d.i64()
	p.InceptionTime = d.i64()
	n := int(d.u16())
	for i := 0; i < n; i++ {
		p.Pools = append(p.Pools, d.str())
	}
	return p, d.finish()
}

func encodePool(p *state.Pool) []byte {
	var e encoder
	e.str(p.Name)
	e.u16(uint16(len(p.Custodies)))
	for i, key := range p.Custodies {
		e.str(key)
		e.u64(p.Ratios[i].Target)
		e.u64(p.Ratios[i].Min)
		e.u64(p.Ratios[i].Max)
	}
	e.u64(p.AumUSD)
	e.str(p.LPTokenMint)
	e.i64(p.InceptionTime)
	return e.buf
}

func decodePool(buf []byte) (*state.Pool, error) {
	d := decoder{buf: buf}
	p := &state.Pool{}
	p.Name = d.str()
	n := int(d.u16())
	for i := 0; i < n; i++ {
		p.Custodies = append(p.Custodies, d.str())
		p.Ratios = append(p.Ratios, state.TokenRatios{
			Target: d.u64(),
			Min:    d.u64(),
			Max:    d.u64(),
		})
	}
	p.AumUSD = d.u64()
	p.LPTokenMint = d.str()
	p.InceptionTime = d.i64()
	return p, d.finish()
}

func encodeCustody(c *state.Custody) []byte {
	var e encoder
	e.str(c.Pool)
	e.str(c.Mint)
	e.u8(c.Decimals)
	e.boolean(c.IsStable)
	e.boolean(c.IsVirtual)

	e.str(c.Oracle.OracleKey)
	e.i32(int32(c.Oracle.Type))
	e.bytes(c.Oracle.Authority)
	e.u64(c.Oracle.MaxPriceError)
	e.u32(c.Oracle.MaxPriceAgeSec)

	e.boolean(c.Pricing.UseEMA)
	e.boolean(c.Pricing.UseUnrealizedPnlInAum)
	e.u64(c.Pricing.TradeSpreadLong)
	e.u64(c.Pricing.TradeSpreadShort)
	e.u64(c.Pricing.SwapSpread)
	e.u64(c.Pricing.MinInitialLeverage)
	e.u64(c.Pricing.MaxInitialLeverage)
	e.u64(c.Pricing.MaxLeverage)
	e.u64(c.Pricing.MaxPayoffMult)
	e.u64(c.Pricing.MaxUtilization)
	e.u64(c.Pricing.MaxPositionLockedUSD)
	e.u64(c.Pricing.MaxTotalLockedUSD)

	e.u8(c.Permissions.Bits())

	e.i32(int32(c.Fees.Mode))
	e.u64(c.Fees.MaxIncrease)
	e.u64(c.Fees.MaxDecrease)
	e.u64(c.Fees.Swap)
	e.u64(c.Fees.AddLiquidity)
	e.u64(c.Fees.RemoveLiquidity)
	e.u64(c.Fees.OpenPosition)
	e.u64(c.Fees.ClosePosition)
	e.u64(c.Fees.Liquidation)
	e.u64(c.Fees.ProtocolShare)

	e.u64(c.BorrowRate.BaseRate)
	e.u64(c.BorrowRate.Slope1)
	e.u64(c.BorrowRate.Slope2)
	e.u64(c.BorrowRate.OptimalUtilization)

	e.u64(c.Assets.Collateral)
	e.u64(c.Assets.ProtocolFees)
	e.u64(c.Assets.Owned)
	e.u64(c.Assets.Locked)

	encodeFeesStats(&e, &c.CollectedFees)
	encodeVolumeStats(&e, &c.Volume)

	e.u64(c.TradeStats.ProfitUSD)
	e.u64(c.TradeStats.LossUSD)
	e.u64(c.TradeStats.OILongUSD)
	e.u64(c.TradeStats.OIShortUSD)

	e.u64(c.RateState.CurrentRate)
	e.u64(c.RateState.CumulativeInterest)
	e.i64(c.RateState.LastUpdate)

	encodePositionStats(&e, &c.LongPositions)
	encodePositionStats(&e, &c.ShortPositions)
	return e.buf
}

func encodeFeesStats(e *encoder, s *state.FeesStats) {
	e.u64(s.SwapUSD)
	e.u64(s.AddLiquidityUSD)
	e.u64(s.RemoveLiquidityUSD)
	e.u64(s.OpenPositionUSD)
	e.u64(s.ClosePositionUSD)
	e.u64(s.LiquidationUSD)
}

func encodeVolumeStats(e *encoder, s *state.VolumeStats) {
	e.u64(s.SwapUSD)
	e.u64(s.AddLiquidityUSD)
	e.u64(s.RemoveLiquidityUSD)
	e.u64(s.OpenPositionUSD)
	e.u64(s.ClosePositionUSD)
	e.u64(s.LiquidationUSD)
}

func encodePositionStats(e *encoder, s *state.PositionStats) {
	e.u64(s.OpenPositions)
	e.u64(s.CollateralUSD)
	e.u64(s.SizeUSD)
	e.u64(s.BorrowSizeUSD)
	e.u64(s.LockedAmount)
	e.u64(s.WeightedPrice)
	e.u64(s.CumulativeInterestSnapshot)
}

func decodeCustody(buf []byte) (*state.Custody, error) {
	d := decoder{buf: buf}
	c := &state.Custody{}
	c.Pool = d.str()
	c.Mint = d.str()
	c.Decimals = d.u8()
	c.IsStable = d.boolean()
	c.IsVirtual = d.boolean()

	c.Oracle.OracleKey = d.str()
	c.Oracle.Type = oracle.Type(d.i32())
	c.Oracle.Authority = d.bytes()
	c.Oracle.MaxPriceError = d.u64()
	c.Oracle.MaxPriceAgeSec = d.u32()

	c.Pricing.UseEMA = d.boolean()
	c.Pricing.UseUnrealizedPnlInAum = d.boolean()
	c.Pricing.TradeSpreadLong = d.u64()
	c.Pricing.TradeSpreadShort = d.u64()
	c.Pricing.SwapSpread = d.u64()
	c.Pricing.MinInitialLeverage = d.u64()
	c.Pricing.MaxInitialLeverage = d.u64()
	c.Pricing.MaxLeverage = d.u64()
	c.Pricing.MaxPayoffMult = d.u64()
	c.Pricing.MaxUtilization = d.u64()
	c.Pricing.MaxPositionLockedUSD = d.u64()
	c.Pricing.MaxTotalLockedUSD = d.u64()

	c.Permissions = state.PermissionsFromBits(d.u8())

	c.Fees.Mode = state.FeesMode(d.i32())
	c.Fees.MaxIncrease = d.u64()
	c.Fees.MaxDecrease = d.u64()
	c.Fees.Swap = d.u64()
	c.Fees.AddLiquidity = d.u64()
	c.Fees.RemoveLiquidity = d.u64()
	c.Fees.OpenPosition = d.u64()
	c.Fees.ClosePosition = d.u64()
	c.Fees.Liquidation = d.u64()
	c.Fees.ProtocolShare = d.u64()

	c.BorrowRate.BaseRate = d.u64()
	c.BorrowRate.Slope1 = d.u64()
	c.BorrowRate.Slope2 = d.u64()
	c.BorrowRate.OptimalUtilization = d.u64()

	c.Assets.Collateral = d.u64()
	c.Assets.ProtocolFees = d.u64()
	c.Assets.Owned = d.u64()
	c.Assets.Locked = d.u64()

	decodeFeesStats(&d, &c.CollectedFees)
	decodeVolumeStats(&d, &c.Volume)

	c.TradeStats.ProfitUSD = d.u64()
	c.TradeStats.LossUSD = d.u64()
	c.TradeStats.OILongUSD = d.u64()
	c.TradeStats.OIShortUSD = d.u64()

	c.RateState.CurrentRate = d.u64()
	c.RateState.CumulativeInterest = d.u64()
	c.RateState.LastUpdate = d.i64()

	decodePositionStats(&d, &c.LongPositions)
	decodePositionStats(&d, &c.ShortPositions)
	return c, d.finish()
}

func decodeFeesStats(d *decoder, s *state.FeesStats) {
	s.SwapUSD = d.u64()
	s.AddLiquidityUSD = d.u64()
	s.RemoveLiquidityUSD = d.u64()
	s.OpenPositionUSD = d.u64()
	s.ClosePositionUSD = d.u64()
	s.LiquidationUSD = d.u64()
}

func decodeVolumeStats(d *decoder, s *state.VolumeStats) {
	s.SwapUSD = d.u64()
	s.AddLiquidityUSD = d.u64()
	s.RemoveLiquidityUSD = d.u64()
	s.OpenPositionUSD = d.u64()
	s.ClosePositionUSD = d.u64()
	s.LiquidationUSD = d.u64()
}

func decodePositionStats(d *decoder, s *state.PositionStats) {
	s.OpenPositions = d.u64()
	s.CollateralUSD = d.u64()
	s.SizeUSD = d.u64()
	s.BorrowSizeUSD = d.u64()
	s.LockedAmount = d.u64()
	s.WeightedPrice = d.u64()
	s.CumulativeInterestSnapshot = d.u64()
}

func encodePosition(p *state.Position) []byte {
	var e encoder
	e.str(p.Owner)
	e.str(p.Pool)
	e.str(p.Custody)
	e.str(p.CollateralCustody)
	e.i32(int32(p.Side))
	e.i64(p.OpenTime)
	e.i64(p.UpdateTime)
	e.u64(p.Price)
	e.u64(p.SizeUSD)
	e.u64(p.BorrowSizeUSD)
	e.u64(p.CollateralUSD)
	e.u64(p.CollateralAmount)
	e.u64(p.UnrealizedProfitUSD)
	e.u64(p.UnrealizedLossUSD)
	e.u64(p.CumulativeInterestSnapshot)
	e.u64(p.LockedAmount)
	return e.buf
}

func decodePosition(buf []byte) (*state.Position, error) {
	d := decoder{buf: buf}
	p := &state.Position{}
	p.Owner = d.str()
	p.Pool = d.str()
	p.Custody = d.str()
	p.CollateralCustody = d.str()
	p.Side = state.Side(d.i32())
	p.OpenTime = d.i64()
	p.UpdateTime = d.i64()
	p.Price = d.u64()
	p.SizeUSD = d.u64()
	p.BorrowSizeUSD = d.u64()
	p.CollateralUSD = d.u64()
	p.CollateralAmount = d.u64()
	p.UnrealizedProfitUSD = d.u64()
	p.UnrealizedLossUSD = d.u64()
	p.CumulativeInterestSnapshot = d.u64()
	p.LockedAmount = d.u64()
	return p, d.finish()
}

func encodeOracle(o *oracle.CustomOracle) []byte {
	var e encoder
	e.u64(o.Price)
	e.i32(o.Expo)
	e.u64(o.Conf)
	e.u64(o.EMA)
	e.i64(o.PublishTime)
	return e.buf
}

func decodeOracle(buf []byte) (*oracle.CustomOracle, error) {
	d := decoder{buf: buf}
	o := &oracle.CustomOracle{}
	o.Price = d.u64()
	o.Expo = d.i32()
	o.Conf = d.u64()
	o.EMA = d.u64()
	o.PublishTime = d.i64()
	return o, d.finish()
}

func encodeMultisig(m *state.Multisig) []byte {
	var e encoder
	e.u8(m.MinSignatures)
	e.u16(uint16(len(m.Signers)))
	for _, s := range m.Signers {
		e.str(s)
	}
	e.bytes(m.InstructionHash)
	e.u16(uint16(len(m.Signed)))
	for _, s := range m.Signed {
		e.boolean(s)
	}
	e.boolean(m.Executed)
	return e.buf
}

func decodeMultisig(buf []byte) (*state.Multisig, error) {
	d := decoder{buf: buf}
	m := &state.Multisig{}
	m.MinSignatures = d.u8()
	n := int(d.u16())
	for i := 0; i < n; i++ {
		m.Signers = append(m.Signers, d.str())
	}
	m.InstructionHash = d.bytes()
	n = int(d.u16())
	for i := 0; i < n; i++ {
		m.Signed = append(m.Signed, d.boolean())
	}
	m.Executed = d.boolean()
	return m, d.finish()
}
