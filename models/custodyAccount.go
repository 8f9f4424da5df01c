package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustodyAccount is one payment-currency balance inside the internal
// custody ledger. Buyers, sellers, holders and the escrow/servicing pool
// accounts all live here; the ledger is the default transfer rail backing
// DvP settlement when no external rail is wired.
type CustodyAccount struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Address   string          `gorm:"uniqueIndex;size:64;not null" json:"address"`
	Balance   decimal.Decimal `gorm:"type:decimal(30);default:0" json:"balance"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// CustodyTransfer is the immutable movement record written for every
// ledger transfer, keyed back to the protocol operation that caused it.
type CustodyTransfer struct {
	ID            int             `gorm:"primary_key" json:"id"`
	FromAddress   string          `gorm:"size:64;index;not null" json:"from_address"`
	ToAddress     string          `gorm:"size:64;index;not null" json:"to_address"`
	Amount        decimal.Decimal `gorm:"type:decimal(30);not null" json:"amount"`
	ReferenceType string          `gorm:"size:40;index" json:"reference_type"`
	PackageId     int             `gorm:"index" json:"package_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// Well-known pool addresses of the custody ledger.
const (
	EscrowPoolAddress    = "escrow-pool"
	ServicingPoolAddress = "servicing-pool"
)

var ErrInsufficientFunds = errors.New("insufficient funds in custody account")

// GetCustodyAccountForUpdate row-locks an account, creating it with a zero
// balance on first touch.
func GetCustodyAccountForUpdate(tx *gorm.DB, address string) (*CustodyAccount, error) {
	var account CustodyAccount
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = CustodyAccount{Address: address, Balance: decimal.Zero}
		if err := tx.Create(&account).Error; err != nil {
			return nil, err
		}
		return &account, nil
	} else if err != nil {
		return nil, err
	}
	return &account, nil
}

// MoveFunds debits from and credits to inside the caller's transaction,
// writing the movement record. Fails with ErrInsufficientFunds without
// touching either balance when the debit side cannot cover the amount.
func MoveFunds(tx *gorm.DB, from string, to string, amount decimal.Decimal, referenceType string, packageId int) error {
	if amount.IsNegative() {
		return errors.New("transfer amount cannot be negative")
	}
	if amount.IsZero() || from == to {
		return nil
	}

	// Lock in address order to avoid deadlocks between concurrent transfers.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	accounts := map[string]*CustodyAccount{}
	for _, addr := range []string{first, second} {
		account, err := GetCustodyAccountForUpdate(tx, addr)
		if err != nil {
			return err
		}
		accounts[addr] = account
	}

	debit := accounts[from]
	credit := accounts[to]
	if debit.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}

	if err := tx.Model(&CustodyAccount{}).Where("id = ?", debit.ID).
		Update("balance", debit.Balance.Sub(amount)).Error; err != nil {
		return err
	}
	if err := tx.Model(&CustodyAccount{}).Where("id = ?", credit.ID).
		Update("balance", credit.Balance.Add(amount)).Error; err != nil {
		return err
	}

	movement := CustodyTransfer{
		FromAddress:   from,
		ToAddress:     to,
		Amount:        amount,
		ReferenceType: referenceType,
		PackageId:     packageId,
	}
	return tx.Create(&movement).Error
}

// CustodyBalanceOf reads an account balance (zero if the account does not
// exist yet).
func CustodyBalanceOf(tx *gorm.DB, address string) (decimal.Decimal, error) {
	var account CustodyAccount
	err := tx.Where("address = ?", address).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}
