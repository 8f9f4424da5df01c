// seed-admin creates or updates the settlement console admin user.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-admin
//
// Override the defaults with ADMIN_WALLET / ADMIN_PASSWORD.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
	"gorm.io/gorm"
)

const (
	defaultAdminWallet   = "settlement-admin"
	defaultAdminPassword = "Settl3ment@dmin"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.Migrate(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrations failed: %v\n", err)
		os.Exit(1)
	}

	wallet := os.Getenv("ADMIN_WALLET")
	if wallet == "" {
		wallet = defaultAdminWallet
	}
	wallet = utils.NormalizeAddress(wallet)
	password := os.Getenv("ADMIN_PASSWORD")
	if password == "" {
		password = defaultAdminPassword
	}

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Model(&models.User{}).Where("wallet_address = ?", wallet).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			WalletAddress: wallet,
			Role:          models.UserRoleAdmin,
			KycStatus:     models.KycStatusApproved,
			Password:      hashedStr,
			IsActive:      utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin user: wallet=%q\n", wallet)
		return
	}

	if err := db.WithContext(ctx).Model(&models.User{}).Where("wallet_address = ?", wallet).Updates(map[string]any{
		"password":   hashedStr,
		"is_active":  utils.NewTrue(),
		"role":       models.UserRoleAdmin,
		"kyc_status": models.KycStatusApproved,
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update admin user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated admin user: wallet=%q\n", wallet)
}
