package oracle

import (
	fpmath "perpcore/internal/math"
	"perpcore/internal/perperr"
)

// Type selects the price source variant for a custody.
type Type int32

const (
	TypeNone Type = iota
	TypeCustom
	TypePyth
	TypeTest
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCustom:
		return "Custom"
	case TypePyth:
		return "Pyth"
	case TypeTest:
		return "Test"
	default:
		return "Unknown"
	}
}

// Params configures oracle validation for one custody.
type Params struct {
	// OracleKey references the price record in the object store.
	OracleKey string
	Type      Type
	// Authority is the ed25519 public key allowed to sign permissionless
	// custom price updates.
	Authority []byte
	// MaxPriceError is the confidence bound in BPS of the price value.
	MaxPriceError uint64
	// MaxPriceAgeSec is the staleness bound.
	MaxPriceAgeSec uint32
}

// Validate checks the structural consistency of the params.
func (p *Params) Validate() bool {
	return p.Type == TypeNone || p.OracleKey != ""
}

// CustomOracle is the stored price record for custom and test oracles. A
// stale update is silently ignored; publish_time is monotonically
// non-decreasing.
type CustomOracle struct {
	Price       uint64
	Expo        int32
	Conf        uint64
	EMA         uint64
	PublishTime int64
}

// Set overwrites the record in place.
func (o *CustomOracle) Set(price uint64, expo int32, conf, ema uint64, publishTime int64) {
	o.Price = price
	o.Expo = expo
	o.Conf = conf
	o.EMA = ema
	o.PublishTime = publishTime
}

// GetPrice extracts a validated Price from the stored record. useEMA selects
// the smoothed variant used for LP valuation and long-horizon checks.
func GetPrice(record *CustomOracle, params *Params, now int64, useEMA bool) (Price, error) {
	switch params.Type {
	case TypeCustom, TypeTest:
	case TypeNone:
		return Price{}, perperr.ErrInvalidOracleState
	default:
		return Price{}, perperr.ErrUnsupportedOracle
	}
	if record == nil {
		return Price{}, perperr.ErrInvalidOracleAccount
	}

	value := record.Price
	if useEMA {
		value = record.EMA
	}
	if value == 0 {
		return Price{}, perperr.ErrInvalidOraclePrice
	}

	if now > record.PublishTime &&
		now-record.PublishTime > int64(params.MaxPriceAgeSec) {
		return Price{}, perperr.ErrStaleOraclePrice
	}

	if params.MaxPriceError > 0 {
		errBPS, err := fpmath.MulDiv(record.Conf, fpmath.BPSPower, value)
		if err != nil {
			return Price{}, err
		}
		if errBPS > params.MaxPriceError {
			return Price{}, perperr.ErrInvalidOraclePrice
		}
	}

	return Price{
		Price:       value,
		Exponent:    record.Expo,
		Conf:        record.Conf,
		PublishTime: record.PublishTime,
	}, nil
}
