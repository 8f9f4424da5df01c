package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// User backs the caller identity context: a wallet address, a role and a
// KYC status. The settlement core trusts the identity resolved by the auth
// middleware and only enforces its own role checks.
type User struct {
	ID            int       `gorm:"primary_key" json:"id"`
	WalletAddress string    `gorm:"uniqueIndex;size:64;not null" json:"wallet_address"`
	Role          UserRole  `gorm:"size:10;not null" json:"role"`
	KycStatus     KycStatus `gorm:"size:15;not null;default:not_started" json:"kyc_status"`
	CompanyName   string    `gorm:"size:255" json:"company_name"`
	Password      string    `gorm:"size:255" json:"-"`
	IsActive      *bool     `gorm:"default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUserByWallet(ctx context.Context, db *gorm.DB, wallet string) (*User, error) {
	var user User
	err := db.WithContext(ctx).Where("wallet_address = ?", wallet).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}

func GetUserById(ctx context.Context, db *gorm.DB, id int) (*User, error) {
	var user User
	err := db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}
