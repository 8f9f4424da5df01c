package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquirePackagePostingLock serializes mutating protocol operations per
// package across instances using MySQL advisory locks. Operations on
// different packages proceed concurrently; two mutations of the same
// package are mutually exclusive and totally ordered.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will run the posting transaction.
func AcquirePackagePostingLock(tx *gorm.DB, packageId int) error {
	lockName := fmt.Sprintf("package:%d", packageId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for package_id=%d", packageId)
	}
	return nil
}

func ReleasePackagePostingLock(tx *gorm.DB, packageId int) {
	lockName := fmt.Sprintf("package:%d", packageId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
