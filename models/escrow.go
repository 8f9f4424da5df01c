package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EscrowState is the per-package DvP escrow record. A package has no row
// until its seller deposits tokens; the row then walks
// Escrowed -> Settled or Escrowed -> Refunded.
type EscrowState struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	PackageId          int             `gorm:"uniqueIndex;not null" json:"package_id"`
	Status             EscrowStatus    `gorm:"size:20;not null" json:"status"`
	EscrowedTokens     decimal.Decimal `gorm:"type:decimal(30);default:0" json:"escrowed_tokens"`
	TotalUSDCDeposited decimal.Decimal `gorm:"type:decimal(30);default:0" json:"total_usdc_deposited"`
	TotalRefunded      decimal.Decimal `gorm:"type:decimal(30);default:0" json:"total_refunded"`
	// DepositSeq hands out the per-package deposit ordering used for
	// pro-rata remainder allocation. Monotonic, never reused.
	DepositSeq int        `gorm:"default:0" json:"deposit_seq"`
	SettledAt  *time.Time `json:"settled_at"`
	RefundedAt *time.Time `json:"refunded_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EscrowPosition is one buyer's cumulative payment commitment against a
// package. Rows are retained after settlement/refund for audit.
type EscrowPosition struct {
	ID            int             `gorm:"primary_key" json:"id"`
	PackageId     int             `gorm:"uniqueIndex:idx_pkg_buyer;not null" json:"package_id"`
	BuyerAddress  string          `gorm:"uniqueIndex:idx_pkg_buyer;size:64;not null" json:"buyer_address"`
	UsdcAmount    decimal.Decimal `gorm:"type:decimal(30);default:0" json:"usdc_amount"`
	TokensOwed    decimal.Decimal `gorm:"type:decimal(30);default:0" json:"tokens_owed"`
	Settled       bool            `gorm:"default:false" json:"settled"`
	RefundedUSDC  decimal.Decimal `gorm:"type:decimal(30);default:0" json:"refunded_usdc"`
	OrderSeq      int             `gorm:"index;not null" json:"order_seq"`
	FirstDeposit  time.Time       `gorm:"autoCreateTime" json:"first_deposit"`
	LastDepositAt time.Time       `gorm:"autoUpdateTime" json:"last_deposit_at"`
}

// GetEscrowState returns the escrow row for a package, or nil when the
// package was never escrowed.
func GetEscrowState(tx *gorm.DB, packageId int) (*EscrowState, error) {
	var state EscrowState
	err := tx.Where("package_id = ?", packageId).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetEscrowStateForUpdate row-locks the escrow record inside a posting
// transaction.
func GetEscrowStateForUpdate(tx *gorm.DB, packageId int) (*EscrowState, error) {
	var state EscrowState
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("package_id = ?", packageId).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetEscrowPositions returns all buyer positions of a package in deposit
// order. The order is the remainder-allocation order at settlement.
func GetEscrowPositions(tx *gorm.DB, packageId int) ([]EscrowPosition, error) {
	var positions []EscrowPosition
	err := tx.Where("package_id = ?", packageId).
		Order("order_seq ASC").Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

// GetEscrowPosition returns one buyer's position or nil.
func GetEscrowPosition(tx *gorm.DB, packageId int, buyer string) (*EscrowPosition, error) {
	var position EscrowPosition
	err := tx.Where("package_id = ? AND buyer_address = ?", packageId, buyer).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &position, nil
}

// SumPositionDeposits recomputes sum(usdc_amount) for invariant checks
// against EscrowState.TotalUSDCDeposited.
func SumPositionDeposits(tx *gorm.DB, packageId int) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := tx.Model(&EscrowPosition{}).Where("package_id = ?", packageId).
		Select("SUM(usdc_amount)").Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
