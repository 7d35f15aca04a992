package core

import (
	"encoding/json"

	"perpcore/internal/event"
	"perpcore/internal/ledger"
	"perpcore/internal/oracle"
	"perpcore/internal/perperr"
	"perpcore/internal/state"
	"perpcore/internal/store"
)

// handleInit bootstraps the global config and the admin multisig. It is only
// valid on an empty store and the caller must be one of the named signers.
func (e *Engine) handleInit(x *execution, cmd *Command) (*Result, error) {
	p := cmd.Init
	if p == nil {
		return nil, ErrInvalidArgument
	}
	if x.tx.Has(store.PerpetualsKey()) {
		return nil, perperr.ErrInvalidPerpetualsConfig
	}

	ms, err := state.NewMultisig(p.Signers, p.MinSignatures)
	if err != nil {
		return nil, err
	}
	if _, err := ms.SignerIndex(cmd.Caller); err != nil {
		return nil, err
	}

	perp := &state.Perpetuals{
		Permissions:     p.Permissions,
		InceptionTime:   x.now,
		AllowTestOracle: p.AllowTestOracle,
	}
	x.tx.PutPerpetuals(perp)
	x.tx.PutMultisig(ms)

	x.emit(event.TypeAdminActionExecuted, "", &event.AdminActionExecuted{Action: "init"})
	return &Result{}, nil
}

// adminPayload serialises the parameters an admin signs. The command id and
// caller are excluded so every signer covers the same bytes.
func adminPayload(cmd *Command) ([]byte, error) {
	var params any
	switch cmd.Kind {
	case KindAddPool:
		params = cmd.AddPool
	case KindRemovePool:
		params = cmd.RemovePool
	case KindAddCustody:
		params = cmd.AddCustody
	case KindRemoveCustody:
		params = cmd.RemoveCustody
	case KindSetCustodyConfig:
		params = cmd.SetCustodyConfig
	case KindSetBorrowRate:
		params = cmd.SetBorrowRate
	case KindSetPermissions:
		params = cmd.SetPermissions
	case KindWithdrawFees:
		params = cmd.WithdrawFees
	case KindSetCustomOraclePrice:
		params = cmd.SetOraclePrice
	case KindSetTestTime:
		params = cmd.SetTestTime
	default:
		return nil, ErrInvalidArgument
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return append([]byte(cmd.Kind.String()+":"), body...), nil
}

// handleAdmin runs the multisig-gated commands. A signature short of quorum
// commits only the multisig record; the quorum signature executes the action
// in the same command.
func (e *Engine) handleAdmin(x *execution, cmd *Command) (*Result, error) {
	payload, err := adminPayload(cmd)
	if err != nil {
		return nil, err
	}
	ms, err := x.tx.GetMultisig()
	if err != nil {
		return nil, err
	}
	left, err := ms.Sign(cmd.Caller, state.PayloadHash(payload))
	if err != nil {
		return nil, err
	}
	if left > 0 {
		x.tx.PutMultisig(ms)
		x.emit(event.TypeAdminActionExecuted, "", &event.AdminActionExecuted{
			Action: "sign_" + cmd.Kind.String(),
		})
		return &Result{SignaturesLeft: left}, nil
	}

	res, err := e.executeAdmin(x, cmd)
	if err != nil {
		return nil, err
	}
	ms.MarkExecuted()
	x.tx.PutMultisig(ms)
	return res, nil
}

func (e *Engine) executeAdmin(x *execution, cmd *Command) (*Result, error) {
	switch cmd.Kind {
	case KindAddPool:
		return e.adminAddPool(x, cmd.AddPool)
	case KindRemovePool:
		return e.adminRemovePool(x, cmd.RemovePool)
	case KindAddCustody:
		return e.adminAddCustody(x, cmd.AddCustody)
	case KindRemoveCustody:
		return e.adminRemoveCustody(x, cmd.RemoveCustody)
	case KindSetCustodyConfig:
		return e.adminSetCustodyConfig(x, cmd.SetCustodyConfig)
	case KindSetBorrowRate:
		return e.adminSetBorrowRate(x, cmd.SetBorrowRate)
	case KindSetPermissions:
		return e.adminSetPermissions(x, cmd.SetPermissions)
	case KindWithdrawFees:
		return e.adminWithdrawFees(x, cmd.WithdrawFees)
	case KindSetCustomOraclePrice:
		return e.adminSetOraclePrice(x, cmd.SetOraclePrice)
	case KindSetTestTime:
		return e.adminSetTestTime(x, cmd.SetTestTime)
	default:
		return nil, ErrInvalidArgument
	}
}

func (e *Engine) adminAddPool(x *execution, p *AddPoolParams) (*Result, error) {
	if p == nil || p.Name == "" {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	if x.tx.Has(store.PoolKey(p.Name)) {
		return nil, perperr.ErrInvalidPoolConfig
	}
	pool := &state.Pool{
		Name:          p.Name,
		LPTokenMint:   "lp:" + p.Name,
		InceptionTime: x.now,
	}
	perp.Pools = append(perp.Pools, p.Name)
	if !perp.Validate() {
		return nil, perperr.ErrInvalidPerpetualsConfig
	}
	x.tx.PutPool(pool)
	x.tx.PutPerpetuals(perp)
	x.emit(event.TypeAdminActionExecuted, p.Name, &event.AdminActionExecuted{
		Action: "add_pool", Pool: p.Name,
	})
	return &Result{}, nil
}

func (e *Engine) adminRemovePool(x *execution, p *RemovePoolParams) (*Result, error) {
	if p == nil || p.Name == "" {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Name)
	if err != nil {
		return nil, err
	}
	if len(pool.Custodies) > 0 {
		return nil, perperr.ErrInvalidPoolState
	}
	kept := perp.Pools[:0]
	for _, name := range perp.Pools {
		if name != p.Name {
			kept = append(kept, name)
		}
	}
	perp.Pools = kept
	x.tx.Delete(store.PoolKey(p.Name))
	x.tx.PutPerpetuals(perp)
	x.emit(event.TypeAdminActionExecuted, p.Name, &event.AdminActionExecuted{
		Action: "remove_pool", Pool: p.Name,
	})
	return &Result{}, nil
}

func (e *Engine) adminAddCustody(x *execution, p *AddCustodyParams) (*Result, error) {
	if p == nil || p.Mint == "" {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	if p.Oracle.Type == oracle.TypeTest && !perp.AllowTestOracle {
		return nil, perperr.ErrInvalidEnvironment
	}

	custody := &state.Custody{
		Pool:        p.Pool,
		Mint:        p.Mint,
		Decimals:    p.Decimals,
		IsStable:    p.IsStable,
		IsVirtual:   p.IsVirtual,
		Oracle:      p.Oracle,
		Pricing:     p.Pricing,
		Permissions: p.Permissions,
		Fees:        p.Fees,
		BorrowRate:  p.BorrowRate,
	}
	custody.RateState.LastUpdate = x.now
	// The oracle record is owned by the core; its key is derived, not chosen.
	custody.Oracle.OracleKey = store.OracleKey(p.Pool, p.Mint)
	if !custody.Validate() {
		return nil, perperr.ErrInvalidCustodyConfig
	}
	if x.tx.Has(custody.Key()) {
		return nil, perperr.ErrInvalidCustodyConfig
	}

	pool.Custodies = append(pool.Custodies, custody.Key())
	if len(p.Ratios) != len(pool.Custodies) {
		return nil, perperr.ErrInvalidPoolConfig
	}
	pool.Ratios = append([]state.TokenRatios(nil), p.Ratios...)
	if !pool.Validate() {
		return nil, perperr.ErrInvalidPoolConfig
	}

	if !x.tx.Has(custody.Oracle.OracleKey) {
		x.tx.PutOracle(custody.Oracle.OracleKey, &oracle.CustomOracle{})
	}
	x.tx.PutCustody(custody)
	x.tx.PutPool(pool)
	x.emit(event.TypeAdminActionExecuted, p.Pool, &event.AdminActionExecuted{
		Action: "add_custody", Pool: p.Pool,
	})
	return &Result{}, nil
}

func (e *Engine) adminRemoveCustody(x *execution, p *RemoveCustodyParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	if custody.Assets != (state.Assets{}) ||
		custody.LongPositions.OpenPositions > 0 || custody.ShortPositions.OpenPositions > 0 {
		return nil, perperr.ErrInvalidCustodyState
	}

	kept := pool.Custodies[:0]
	for _, key := range pool.Custodies {
		if key != p.Custody {
			kept = append(kept, key)
		}
	}
	if len(kept) == len(pool.Custodies) {
		return nil, perperr.ErrUnsupportedToken
	}
	pool.Custodies = kept
	if len(p.Ratios) != len(pool.Custodies) {
		return nil, perperr.ErrInvalidPoolConfig
	}
	pool.Ratios = append([]state.TokenRatios(nil), p.Ratios...)
	if !pool.Validate() {
		return nil, perperr.ErrInvalidPoolConfig
	}

	x.tx.Delete(p.Custody)
	x.tx.Delete(custody.Oracle.OracleKey)
	x.tx.PutPool(pool)
	x.emit(event.TypeAdminActionExecuted, p.Pool, &event.AdminActionExecuted{
		Action: "remove_custody", Pool: p.Pool,
	})
	return &Result{}, nil
}

func (e *Engine) adminSetCustodyConfig(x *execution, p *SetCustodyConfigParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	pool, err := x.tx.GetPool(p.Pool)
	if err != nil {
		return nil, err
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	if p.Oracle.Type == oracle.TypeTest && !perp.AllowTestOracle {
		return nil, perperr.ErrInvalidEnvironment
	}

	if _, err := pool.GetTokenID(p.Custody); err != nil {
		return nil, err
	}
	if len(p.Ratios) != len(pool.Ratios) {
		return nil, perperr.ErrInvalidPoolConfig
	}
	pool.Ratios = append([]state.TokenRatios(nil), p.Ratios...)
	if !pool.Validate() {
		return nil, perperr.ErrInvalidPoolConfig
	}

	custody.IsStable = p.IsStable
	custody.IsVirtual = p.IsVirtual
	custody.Oracle = p.Oracle
	custody.Oracle.OracleKey = store.OracleKey(custody.Pool, custody.Mint)
	custody.Pricing = p.Pricing
	custody.Permissions = p.Permissions
	custody.Fees = p.Fees
	custody.BorrowRate = p.BorrowRate
	if !custody.Validate() {
		return nil, perperr.ErrInvalidCustodyConfig
	}

	x.tx.PutCustody(custody)
	x.tx.PutPool(pool)
	x.emit(event.TypeAdminActionExecuted, p.Pool, &event.AdminActionExecuted{
		Action: "set_custody_config", Pool: p.Pool,
	})
	return &Result{}, nil
}

func (e *Engine) adminSetBorrowRate(x *execution, p *SetBorrowRateParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	if !p.Params.Validate() {
		return nil, perperr.ErrInvalidCustodyConfig
	}
	// Settle the elapsed interval at the old curve before switching.
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	custody.BorrowRate = p.Params
	if err := custody.UpdateBorrowRate(x.now); err != nil {
		return nil, err
	}
	x.tx.PutCustody(custody)
	x.emit(event.TypeAdminActionExecuted, p.Pool, &event.AdminActionExecuted{
		Action: "set_borrow_rate", Pool: p.Pool,
	})
	return &Result{}, nil
}

func (e *Engine) adminSetPermissions(x *execution, p *SetPermissionsParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	perp.Permissions = p.Permissions
	x.tx.PutPerpetuals(perp)
	x.emit(event.TypeAdminActionExecuted, "", &event.AdminActionExecuted{Action: "set_permissions"})
	return &Result{}, nil
}

func (e *Engine) adminWithdrawFees(x *execution, p *WithdrawFeesParams) (*Result, error) {
	if p == nil || p.Amount == 0 || p.Receiver == "" {
		return nil, ErrInvalidArgument
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	if p.Amount > custody.Assets.ProtocolFees {
		return nil, perperr.ErrInsufficientFunds
	}
	custody.Assets.ProtocolFees -= p.Amount

	vault := ledger.CustodyAccount(custody.Key(), custody.Mint)
	x.batch.Add(ledger.UserAccount(p.Receiver, custody.Mint), vault,
		custody.Mint, p.Amount, ledger.JournalTypeFeeWithdrawal)

	x.tx.PutCustody(custody)
	x.emit(event.TypeAdminActionExecuted, p.Pool, &event.AdminActionExecuted{
		Action: "withdraw_fees", Pool: p.Pool,
	})
	return &Result{Amount: p.Amount}, nil
}

func (e *Engine) adminSetTestTime(x *execution, p *SetTestTimeParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	perp, err := x.tx.GetPerpetuals()
	if err != nil {
		return nil, err
	}
	if !perp.AllowTestOracle {
		return nil, perperr.ErrInvalidEnvironment
	}
	perp.TestTime = p.Time
	x.tx.PutPerpetuals(perp)
	x.emit(event.TypeAdminActionExecuted, "", &event.AdminActionExecuted{Action: "set_test_time"})
	return &Result{}, nil
}

func (e *Engine) adminSetOraclePrice(x *execution, p *SetOraclePriceParams) (*Result, error) {
	if p == nil {
		return nil, ErrInvalidArgument
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	return e.applyOracleUpdate(x, custody, &p.Update)
}

// handleSetOraclePricePermissionless applies a price update signed by the
// custody's oracle authority, without the admin multisig.
func (e *Engine) handleSetOraclePricePermissionless(x *execution, cmd *Command) (*Result, error) {
	p := cmd.SetOraclePrice
	if p == nil {
		return nil, ErrInvalidArgument
	}
	custody, err := x.tx.GetCustody(p.Custody)
	if err != nil {
		return nil, err
	}
	if custody.Oracle.Type != oracle.TypeCustom {
		return nil, perperr.ErrUnsupportedOracle
	}
	if p.Update.CustodyKey != p.Custody {
		return nil, perperr.ErrPermissionlessOracleMessageMismatch
	}
	if err := oracle.VerifySignedUpdate(&p.Update, p.Message, p.Signature, custody.Oracle.Authority); err != nil {
		return nil, err
	}
	return e.applyOracleUpdate(x, custody, &p.Update)
}

// applyOracleUpdate writes the update into the custody's oracle record. A
// stale publish time is a silent no-op that still commits.
func (e *Engine) applyOracleUpdate(x *execution, custody *state.Custody, upd *oracle.PriceUpdate) (*Result, error) {
	switch custody.Oracle.Type {
	case oracle.TypeCustom, oracle.TypeTest:
	default:
		return nil, perperr.ErrUnsupportedOracle
	}
	rec, err := x.tx.GetOracle(custody.Oracle.OracleKey)
	if err != nil {
		return nil, err
	}
	upd.Apply(rec)
	x.tx.PutOracle(custody.Oracle.OracleKey, rec)

	x.emit(event.TypeOraclePriceSet, custody.Pool, &event.OraclePriceSet{
		Custody:     custody.Key(),
		Price:       rec.Price,
		Expo:        rec.Expo,
		EMA:         rec.EMA,
		PublishTime: rec.PublishTime,
	})
	return &Result{}, nil
}
