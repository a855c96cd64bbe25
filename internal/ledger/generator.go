package ledger

import (
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds the batch for one operation. All entries share the
// batch id, event reference, sequence and timestamp.
type JournalGenerator struct {
	batch *Batch
}

func NewJournalGenerator(eventRef string, sequence int64, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 2),
		},
	}
}

func (jg *JournalGenerator) add(debit, credit AccountKey, assetID AssetID, amount *uint256.Int, jt JournalType) *Batch {
	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	})
	return jg.batch
}

// Deposit moves funds: external:deposits → user:collateral
func (jg *JournalGenerator) Deposit(userID uuid.UUID, assetID AssetID, amount *uint256.Int) *Batch {
	return jg.add(
		CollateralKey(userID, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit,
	)
}

// Redeem moves funds: user:collateral → external:withdrawals
func (jg *JournalGenerator) Redeem(userID uuid.UUID, assetID AssetID, amount *uint256.Int) *Batch {
	return jg.add(
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		CollateralKey(userID, assetID),
		assetID, amount, JournalTypeRedeem,
	)
}

// Seize moves a debtor's collateral out to the liquidator:
// user:collateral → external:withdrawals
func (jg *JournalGenerator) Seize(debtor uuid.UUID, assetID AssetID, amount *uint256.Int) *Batch {
	return jg.add(
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		CollateralKey(debtor, assetID),
		assetID, amount, JournalTypeLiquidationSeize,
	)
}

// Mint records new debt: system:debt_issued → user:debt
func (jg *JournalGenerator) Mint(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.add(
		DebtKey(userID),
		NewSystemAccountKey(SystemEntity, SubTypeSystemDebtIssued, DebtAssetID),
		DebtAssetID, amount, JournalTypeMint,
	)
}

// Burn retires debt: user:debt → system:debt_issued
func (jg *JournalGenerator) Burn(userID uuid.UUID, amount *uint256.Int) *Batch {
	return jg.add(
		NewSystemAccountKey(SystemEntity, SubTypeSystemDebtIssued, DebtAssetID),
		DebtKey(userID),
		DebtAssetID, amount, JournalTypeBurn,
	)
}

// BurnForLiquidation retires a debtor's debt repaid by a liquidator.
func (jg *JournalGenerator) BurnForLiquidation(debtor uuid.UUID, amount *uint256.Int) *Batch {
	return jg.add(
		NewSystemAccountKey(SystemEntity, SubTypeSystemDebtIssued, DebtAssetID),
		DebtKey(debtor),
		DebtAssetID, amount, JournalTypeLiquidationBurn,
	)
}

// Batch returns the batch built so far.
func (jg *JournalGenerator) Batch() *Batch {
	return jg.batch
}
