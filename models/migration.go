package models

import "gorm.io/gorm"

// Migrate runs AutoMigrate for every table the engine owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&LoanPackage{},
		&HolderBalance{},
		&EscrowState{},
		&EscrowPosition{},
		&ServicingSnapshot{},
		&CustodyAccount{},
		&CustodyTransfer{},
		&EventRecord{},
		&IdempotencyKey{},
		&User{},
	)
}
