package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// CollateralOf returns the participant's deposited amount of one asset.
func CollateralOf(r Reader, userID uuid.UUID, assetID AssetID) *uint256.Int {
	return userAmount(r, CollateralKey(userID, assetID))
}

// DebtOf returns the participant's outstanding minted debt.
func DebtOf(r Reader, userID uuid.UUID) *uint256.Int {
	return userAmount(r, DebtKey(userID))
}

func userAmount(r Reader, key AccountKey) *uint256.Int {
	b := r.Balance(key)
	if b.Sign() < 0 {
		panic(fmt.Sprintf("FATAL: user account %s is negative: %s", key.AccountPath(), b))
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		panic(fmt.Sprintf("FATAL: user account %s exceeds 256 bits", key.AccountPath()))
	}
	return v
}
