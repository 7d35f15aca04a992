// Package perperr defines the error taxonomy shared by the settlement core.
// Every command either commits fully or fails with one of these errors; there
// is no local recovery inside the core.
package perperr

import "errors"

// Numeric.
var ErrMathOverflow = errors.New("overflow in arithmetic operation")

// Oracle.
var (
	ErrUnsupportedOracle    = errors.New("unsupported price oracle")
	ErrInvalidOracleAccount = errors.New("invalid oracle account")
	ErrInvalidOracleState   = errors.New("invalid oracle state")
	ErrStaleOraclePrice     = errors.New("stale oracle price")
	ErrInvalidOraclePrice   = errors.New("invalid oracle price")

	ErrPermissionlessOracleMissingSignature = errors.New("permissionless oracle update requires an ed25519 signature")
	ErrPermissionlessOracleSignerMismatch   = errors.New("permissionless oracle message signed by unexpected key")
	ErrPermissionlessOracleMessageMismatch  = errors.New("permissionless oracle message does not match parameters")
)

// Permission / authorisation.
var (
	ErrInstructionNotAllowed        = errors.New("instruction is not allowed at this time")
	ErrMultisigAccountNotAuthorized = errors.New("account is not authorized to sign this instruction")
	ErrMultisigAlreadySigned        = errors.New("account has already signed this instruction")
	ErrMultisigAlreadyExecuted      = errors.New("this instruction has already been executed")
	ErrInvalidEnvironment           = errors.New("instruction is not allowed in production")
)

// State shape.
var (
	ErrInvalidPoolState         = errors.New("invalid pool state")
	ErrInvalidCustodyState      = errors.New("invalid custody state")
	ErrInvalidPositionState     = errors.New("invalid position state")
	ErrInvalidPerpetualsConfig  = errors.New("invalid perpetuals config")
	ErrInvalidPoolConfig        = errors.New("invalid pool config")
	ErrInvalidCustodyConfig     = errors.New("invalid custody config")
	ErrInvalidCollateralCustody = errors.New("invalid collateral custody")
)

// Economic constraints.
var (
	ErrMaxPriceSlippage           = errors.New("price slippage limit exceeded")
	ErrMaxLeverage                = errors.New("position leverage limit exceeded")
	ErrCustodyAmountLimit         = errors.New("custody amount limit exceeded")
	ErrPositionAmountLimit        = errors.New("position amount limit exceeded")
	ErrTokenRatioOutOfRange       = errors.New("token ratio out of range")
	ErrInsufficientAmountReturned = errors.New("not enough tokens returned")
	ErrMaxUtilization             = errors.New("utilization limit exceeded")
	ErrInsufficientFunds          = errors.New("insufficient funds")
)

// Other.
var ErrUnsupportedToken = errors.New("token is not supported")
