package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ServicingSnapshot is one immutable record of a loan-payment collection
// event against an active package. The sequence per package is append-only;
// rows are never updated or reordered, and PrincipalOutstanding is
// non-increasing across SequenceNo.
type ServicingSnapshot struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	PackageId            int             `gorm:"uniqueIndex:idx_pkg_seq;not null" json:"package_id"`
	SequenceNo           int             `gorm:"uniqueIndex:idx_pkg_seq;not null" json:"sequence_no"`
	Timestamp            time.Time       `gorm:"not null" json:"timestamp"`
	PrincipalCollected   decimal.Decimal `gorm:"type:decimal(30);default:0" json:"principal_collected"`
	InterestCollected    decimal.Decimal `gorm:"type:decimal(30);default:0" json:"interest_collected"`
	PrincipalOutstanding decimal.Decimal `gorm:"type:decimal(30);default:0" json:"principal_outstanding"`
	ServicingDataHash    string          `gorm:"size:128;not null" json:"servicing_data_hash"`
	// OverAmortized flags a principal payment that exceeded the remaining
	// outstanding balance (clamped at zero, accepted, observable).
	OverAmortized bool      `gorm:"default:false" json:"over_amortized"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// GetLatestSnapshot returns the newest snapshot or NoSnapshotsError.
func GetLatestSnapshot(tx *gorm.DB, packageId int) (*ServicingSnapshot, error) {
	var snapshot ServicingSnapshot
	err := tx.Where("package_id = ?", packageId).
		Order("sequence_no DESC").First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NoSnapshotsError{PackageId: packageId}
	} else if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetSnapshots returns the full ordered sequence, NoSnapshotsError if empty.
func GetSnapshots(tx *gorm.DB, packageId int) ([]ServicingSnapshot, error) {
	var snapshots []ServicingSnapshot
	err := tx.Where("package_id = ?", packageId).
		Order("sequence_no ASC").Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, &NoSnapshotsError{PackageId: packageId}
	}
	return snapshots, nil
}

func GetSnapshotBySequence(tx *gorm.DB, packageId int, sequenceNo int) (*ServicingSnapshot, error) {
	var snapshot ServicingSnapshot
	err := tx.Where("package_id = ? AND sequence_no = ?", packageId, sequenceNo).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NoSnapshotsError{PackageId: packageId}
	} else if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// GetTotalPrincipalCollected folds principal over the sequence.
func GetTotalPrincipalCollected(tx *gorm.DB, packageId int) (decimal.Decimal, error) {
	return sumSnapshotColumn(tx, packageId, "principal_collected")
}

// GetTotalInterestCollected folds interest over the sequence.
func GetTotalInterestCollected(tx *gorm.DB, packageId int) (decimal.Decimal, error) {
	return sumSnapshotColumn(tx, packageId, "interest_collected")
}

func sumSnapshotColumn(tx *gorm.DB, packageId int, column string) (decimal.Decimal, error) {
	var count int64
	if err := tx.Model(&ServicingSnapshot{}).Where("package_id = ?", packageId).Count(&count).Error; err != nil {
		return decimal.Zero, err
	}
	if count == 0 {
		return decimal.Zero, &NoSnapshotsError{PackageId: packageId}
	}
	var sum decimal.NullDecimal
	err := tx.Model(&ServicingSnapshot{}).Where("package_id = ?", packageId).
		Select("SUM(" + column + ")").Scan(&sum).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal, nil
}
