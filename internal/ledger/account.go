package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota
	SubTypeDebt

	// System sub-types
	SubTypeSystemDebtIssued

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID is the numeric id of a ledger asset. Collateral assets are numbered
// from 1 in registry order; the synthetic debt asset is always 0.
type AssetID uint16

const DebtAssetID AssetID = 0

// SystemEntity is the entity name used for the engine's own accounts.
const SystemEntity = "synthledger"

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// CollateralKey is the account holding a participant's deposit of one asset.
func CollateralKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeCollateral, assetID)
}

// DebtKey is the account holding a participant's minted debt.
func DebtKey(userID uuid.UUID) AccountKey {
	return NewUserAccountKey(userID, SubTypeDebt, DebtAssetID)
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsUser reports whether the account belongs to a participant.
func (k AccountKey) IsUser() bool {
	return k.Scope == AccountScopeUser
}

// UserID returns the participant id of a user account.
func (k AccountKey) UserID() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// AccountPath returns the string representation for storage/logging.
//
//	user:<uuid>:collateral:<asset>
//	system:<name>:debt_issued:<asset>
//	external:deposits:<asset>
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d", k.UserID(), k.SubType, k.AssetID)
	case AccountScopeSystem:
		name := strings.TrimRight(string(k.EntityID[:]), "\x00")
		return fmt.Sprintf("system:%s:%s:%d", name, k.SubType, k.AssetID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%d", k.SubType, k.AssetID)
	}
	return "unknown"
}

func (s AccountSubType) String() string {
	switch s {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeDebt:
		return "debt"
	case SubTypeSystemDebtIssued:
		return "debt_issued"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

func parseSubType(s string) (AccountSubType, error) {
	for st := SubTypeCollateral; st <= SubTypeExternalWithdrawals; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown account sub-type %q", s)
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	parseAsset := func(s string) (AssetID, error) {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("account %q: bad asset id: %w", path, err)
		}
		return AssetID(v), nil
	}

	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account %q: %w", path, err)
		}
		st, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := parseAsset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewUserAccountKey(uid, st, asset), nil

	case len(parts) == 4 && parts[0] == "system":
		st, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := parseAsset(parts[3])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(parts[1], st, asset), nil

	case len(parts) == 3 && parts[0] == "external":
		st, err := parseSubType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		asset, err := parseAsset(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st, asset), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
