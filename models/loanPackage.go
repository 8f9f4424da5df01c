package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoanPackage is one securitized batch of loan exposure, tokenized as
// fungible, non-transferable shares. Metadata is fixed at creation; the only
// subsequent mutations are the status machine and SettledAt (set once).
type LoanPackage struct {
	ID            int             `gorm:"primary_key" json:"id"`
	SellerAddress string          `gorm:"size:64;index;not null" json:"seller_address"`
	TotalSupply   decimal.Decimal `gorm:"type:decimal(30);not null" json:"total_supply"`
	SalePrice     decimal.Decimal `gorm:"type:decimal(30);not null" json:"sale_price"`
	// IssuedSupply tracks minted minus burned; it never exceeds TotalSupply.
	IssuedSupply decimal.Decimal `gorm:"type:decimal(30);default:0" json:"issued_supply"`
	LoanTapeHash string          `gorm:"size:128;not null" json:"loan_tape_hash"`
	PackageName  string          `gorm:"size:255;not null" json:"package_name"`
	Description  string          `gorm:"type:text" json:"description"`
	Status       PackageStatus   `gorm:"size:20;index;not null" json:"status"`
	SettledAt    *time.Time      `json:"settled_at"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// HolderBalance is the per (package, holder) share ledger. Shares are not
// transferable; rows change only through Mint/Burn driven by escrow
// settlement, refunds and default write-offs.
type HolderBalance struct {
	ID            int             `gorm:"primary_key" json:"id"`
	PackageId     int             `gorm:"uniqueIndex:idx_pkg_holder;not null" json:"package_id"`
	HolderAddress string          `gorm:"uniqueIndex:idx_pkg_holder;size:64;not null" json:"holder_address"`
	Balance       decimal.Decimal `gorm:"type:decimal(30);default:0" json:"balance"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

const activePackagesCacheKey = "settlement:activePackages"

func (p *LoanPackage) GetId() int {
	return p.ID
}

// Notional returns salePrice * totalSupply, the full value buyers must fund
// before settlement.
func (p *LoanPackage) Notional() decimal.Decimal {
	return p.SalePrice.Mul(p.TotalSupply)
}

// GetPackageById loads a package or returns PackageNotFoundError.
func GetPackageById(tx *gorm.DB, packageId int) (*LoanPackage, error) {
	var pkg LoanPackage
	err := tx.Where("id = ?", packageId).First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &PackageNotFoundError{PackageId: packageId}
		}
		return nil, err
	}
	return &pkg, nil
}

// GetPackageForUpdate loads a package with a row lock, for use inside a
// posting transaction.
func GetPackageForUpdate(tx *gorm.DB, packageId int) (*LoanPackage, error) {
	var pkg LoanPackage
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", packageId).First(&pkg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &PackageNotFoundError{PackageId: packageId}
		}
		return nil, err
	}
	return &pkg, nil
}

// ApplyStatus writes a validated status transition. Callers must have
// checked CanTransitionTo already; this re-checks as the last line of
// defense before the write.
func ApplyStatus(tx *gorm.DB, pkg *LoanPackage, target PackageStatus) error {
	if !pkg.Status.CanTransitionTo(target) {
		return &InvalidStatusTransitionError{Current: pkg.Status, Target: target}
	}
	updates := map[string]interface{}{"status": target}
	if target == PackageStatusActive && pkg.SettledAt == nil {
		now := time.Now().UTC()
		updates["settled_at"] = &now
		pkg.SettledAt = &now
	}
	if err := tx.Model(&LoanPackage{}).Where("id = ?", pkg.ID).Updates(updates).Error; err != nil {
		return err
	}
	pkg.Status = target
	InvalidateActivePackagesCache()
	return nil
}

// Mint increases a holder's share balance and the package's issued supply.
// Caller authorization is enforced one layer up; this enforces the supply
// invariant sum(balances) <= totalSupply.
func Mint(tx *gorm.DB, pkg *LoanPackage, to string, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("mint amount must be positive, got %s", amount)
	}
	newIssued := pkg.IssuedSupply.Add(amount)
	if newIssued.GreaterThan(pkg.TotalSupply) {
		return fmt.Errorf("mint of %s would exceed total supply %s (issued %s)",
			amount, pkg.TotalSupply, pkg.IssuedSupply)
	}

	var balance HolderBalance
	err := tx.Where("package_id = ? AND holder_address = ?", pkg.ID, to).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = HolderBalance{PackageId: pkg.ID, HolderAddress: to, Balance: amount}
		if err := tx.Create(&balance).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		if err := tx.Model(&HolderBalance{}).Where("id = ?", balance.ID).
			Update("balance", balance.Balance.Add(amount)).Error; err != nil {
			return err
		}
	}

	if err := tx.Model(&LoanPackage{}).Where("id = ?", pkg.ID).
		Update("issued_supply", newIssued).Error; err != nil {
		return err
	}
	pkg.IssuedSupply = newIssued
	return nil
}

// Burn decreases a holder's share balance and the package's issued supply.
// Burning more than the holder's balance is an InsufficientBalanceError,
// reported distinctly from PackageNotFound.
func Burn(tx *gorm.DB, pkg *LoanPackage, from string, amount decimal.Decimal) error {
	if amount.IsNegative() || amount.IsZero() {
		return fmt.Errorf("burn amount must be positive, got %s", amount)
	}

	var balance HolderBalance
	err := tx.Where("package_id = ? AND holder_address = ?", pkg.ID, from).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &InsufficientBalanceError{
			PackageId: pkg.ID, Holder: from,
			Balance: decimal.Zero, Requested: amount,
		}
	} else if err != nil {
		return err
	}
	if balance.Balance.LessThan(amount) {
		return &InsufficientBalanceError{
			PackageId: pkg.ID, Holder: from,
			Balance: balance.Balance, Requested: amount,
		}
	}

	if err := tx.Model(&HolderBalance{}).Where("id = ?", balance.ID).
		Update("balance", balance.Balance.Sub(amount)).Error; err != nil {
		return err
	}
	newIssued := pkg.IssuedSupply.Sub(amount)
	if err := tx.Model(&LoanPackage{}).Where("id = ?", pkg.ID).
		Update("issued_supply", newIssued).Error; err != nil {
		return err
	}
	pkg.IssuedSupply = newIssued
	return nil
}

// BalanceOf returns the holder's current share balance (zero if no row).
func BalanceOf(tx *gorm.DB, holder string, packageId int) (decimal.Decimal, error) {
	if _, err := GetPackageById(tx, packageId); err != nil {
		return decimal.Zero, err
	}
	var balance HolderBalance
	err := tx.Where("package_id = ? AND holder_address = ?", packageId, holder).First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, err
	}
	return balance.Balance, nil
}

// GetHolders lists addresses with a positive balance, in first-mint order.
// The order is stable so pro-rata distribution folds are reproducible.
func GetHolders(tx *gorm.DB, packageId int) ([]HolderBalance, error) {
	if _, err := GetPackageById(tx, packageId); err != nil {
		return nil, err
	}
	var holders []HolderBalance
	err := tx.Where("package_id = ? AND balance > 0", packageId).
		Order("id ASC").Find(&holders).Error
	if err != nil {
		return nil, err
	}
	return holders, nil
}

// GetActivePackages returns ids of Active packages, cached briefly in redis.
func GetActivePackages(ctx context.Context, db *gorm.DB) ([]int, error) {
	var ids []int
	exists, err := config.GetRedisObject(activePackagesCacheKey, &ids)
	if err == nil && exists {
		return ids, nil
	}

	err = db.WithContext(ctx).Model(&LoanPackage{}).
		Where("status = ?", PackageStatusActive).
		Order("id ASC").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(activePackagesCacheKey, &ids, 30*time.Second)
	return ids, nil
}

func InvalidateActivePackagesCache() {
	_ = config.DeleteRedisKeys(activePackagesCacheKey)
}

// SumHolderBalances folds the balance ledger of one package; used by the
// ledger-verify command and invariant tests.
func SumHolderBalances(tx *gorm.DB, packageId int) (decimal.Decimal, error) {
	var sum decimal.NullDecimal
	err := tx.Model(&HolderBalance{}).Where("package_id = ?", packageId).
		Select("SUM(balance)").Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
