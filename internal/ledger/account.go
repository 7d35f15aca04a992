package ledger

import (
	"fmt"
	"strings"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	// AccountScopeUser holds trader and LP wallets.
	AccountScopeUser AccountScope = iota
	// AccountScopeCustody holds the pool token vaults owned by the
	// transfer authority, one per custody.
	AccountScopeCustody
	// AccountScopeSupply is the issuance counterpart of mint and burn; its
	// balance is the negated circulating supply of the mint.
	AccountScopeSupply
)

// AccountKey identifies one token account.
type AccountKey struct {
	Scope AccountScope
	// Entity is the owner principal for user accounts and the custody
	// store key for custody vaults. Empty for supply accounts.
	Entity string
	Mint   string
}

// UserAccount is the wallet of a trader or liquidity provider.
func UserAccount(owner, mint string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Entity: owner, Mint: mint}
}

// CustodyAccount is the vault of one custody, controlled by the transfer
// authority.
func CustodyAccount(custodyKey, mint string) AccountKey {
	return AccountKey{Scope: AccountScopeCustody, Entity: custodyKey, Mint: mint}
}

func supplyAccount(mint string) AccountKey {
	return AccountKey{Scope: AccountScopeSupply, Mint: mint}
}

// ParseAccountPath is the inverse of AccountPath. Entities may themselves
// contain colons (custody store keys do), mints never do, so the mint is the
// last segment and the entity is everything in between.
func ParseAccountPath(path string) (AccountKey, error) {
	i := strings.IndexByte(path, ':')
	j := strings.LastIndexByte(path, ':')
	if i < 0 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}
	scope, mint := path[:i], path[j+1:]
	switch scope {
	case "user":
		if i == j {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		return UserAccount(path[i+1:j], mint), nil
	case "custody":
		if i == j {
			return AccountKey{}, fmt.Errorf("malformed account path %q", path)
		}
		return CustodyAccount(path[i+1:j], mint), nil
	case "supply":
		return supplyAccount(mint), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in %q", path)
}

// AccountPath renders the key for storage and logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return "user:" + k.Entity + ":" + k.Mint
	case AccountScopeCustody:
		return "custody:" + k.Entity + ":" + k.Mint
	case AccountScopeSupply:
		return "supply:" + k.Mint
	}
	return "unknown"
}
