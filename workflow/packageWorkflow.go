package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
	"gorm.io/gorm"
)

type NewLoanPackage struct {
	// PackageId is optional: external addressing schemes may supply their
	// own id. Zero means auto-assign.
	PackageId    int             `json:"package_id"`
	TotalSupply  decimal.Decimal `json:"total_supply" binding:"required"`
	SalePrice    decimal.Decimal `json:"sale_price" binding:"required"`
	LoanTapeHash string          `json:"loan_tape_hash" binding:"required"`
	PackageName  string          `json:"package_name" binding:"required"`
	Description  string          `json:"description"`
}

type packageCreatedPayload struct {
	PackageId    int             `json:"package_id"`
	Seller       string          `json:"seller"`
	TotalSupply  decimal.Decimal `json:"total_supply"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	LoanTapeHash string          `json:"loan_tape_hash"`
}

type statusUpdatedPayload struct {
	PackageId int                  `json:"package_id"`
	OldStatus models.PackageStatus `json:"old_status"`
	NewStatus models.PackageStatus `json:"new_status"`
}

type packageDefaultedPayload struct {
	PackageId int       `json:"package_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CreatePackage registers a new loan package for the calling seller. The
// metadata is immutable after this call; only the status machine moves.
func CreatePackage(ctx context.Context, db *gorm.DB, logger *logrus.Logger, input NewLoanPackage) (*models.LoanPackage, error) {

	seller, ok := utils.GetWalletFromContext(ctx)
	if !ok || seller == "" {
		return nil, &models.NotPackageSellerError{Caller: "", Seller: ""}
	}
	seller = utils.NormalizeAddress(seller)

	if !input.TotalSupply.IsPositive() {
		return nil, &models.InvalidTotalSupplyError{TotalSupply: input.TotalSupply}
	}
	if !input.SalePrice.IsPositive() {
		return nil, &models.InvalidSalePriceError{SalePrice: input.SalePrice}
	}

	pkg := models.LoanPackage{
		ID:            input.PackageId,
		SellerAddress: seller,
		TotalSupply:   input.TotalSupply,
		SalePrice:     input.SalePrice,
		IssuedSupply:  decimal.Zero,
		LoanTapeHash:  input.LoanTapeHash,
		PackageName:   input.PackageName,
		Description:   input.Description,
		Status:        models.PackageStatusCreated,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.PackageId != 0 {
			var count int64
			if err := tx.Model(&models.LoanPackage{}).Where("id = ?", input.PackageId).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return &models.PackageAlreadyExistsError{PackageId: input.PackageId}
			}
		}
		if err := tx.Create(&pkg).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return &models.PackageAlreadyExistsError{PackageId: input.PackageId}
			}
			return err
		}
		return models.PublishEvent(ctx, tx, pkg.ID, models.EventTypePackageCreated, packageCreatedPayload{
			PackageId:    pkg.ID,
			Seller:       seller,
			TotalSupply:  pkg.TotalSupply,
			SalePrice:    pkg.SalePrice,
			LoanTapeHash: pkg.LoanTapeHash,
		})
	})
	if err != nil {
		config.LogError(logger, "packageWorkflow.go", "CreatePackage", "CreatePackage", input, err)
		return nil, err
	}
	return &pkg, nil
}

// UpdateStatus applies one transition of the package status machine.
// Restricted to authorized operators; the escrow workflow goes through the
// same path when settlement activates a package.
func UpdateStatus(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, newStatus models.PackageStatus) error {

	caller, _ := utils.GetWalletFromContext(ctx)
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	if !isAdmin && !config.IsAuthorizedOperator(caller) {
		return &models.NotAuthorizedOperatorError{Caller: caller}
	}

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		return applyStatusWithEvents(ctx, tx, pkg, newStatus)
	})
	if err != nil {
		config.LogError(logger, "packageWorkflow.go", "UpdateStatus", "Transition", map[string]interface{}{
			"package_id": packageId, "new_status": newStatus,
		}, err)
		return err
	}
	return nil
}

// applyStatusWithEvents is shared by UpdateStatus, MarkDefaulted and the
// settlement path: it validates the transition and stages the events.
func applyStatusWithEvents(ctx context.Context, tx *gorm.DB, pkg *models.LoanPackage, newStatus models.PackageStatus) error {
	oldStatus := pkg.Status
	if err := models.ApplyStatus(tx, pkg, newStatus); err != nil {
		return err
	}
	if err := models.PublishEvent(ctx, tx, pkg.ID, models.EventTypePackageStatusUpdated, statusUpdatedPayload{
		PackageId: pkg.ID, OldStatus: oldStatus, NewStatus: newStatus,
	}); err != nil {
		return err
	}
	if newStatus == models.PackageStatusDefaulted {
		return models.PublishEvent(ctx, tx, pkg.ID, models.EventTypePackageDefaulted, packageDefaultedPayload{
			PackageId: pkg.ID, Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// MarkDefaulted is the convenience Active -> Defaulted transition. Default
// is forward-only: it stops further servicing but never unwinds a completed
// settlement or recorded snapshots.
func MarkDefaulted(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int) error {
	return UpdateStatus(ctx, db, logger, packageId, models.PackageStatusDefaulted)
}

// MintTokens / BurnTokens expose the registry's restricted supply
// operations for operator tooling (e.g. default write-offs). The DvP
// settlement path mints through the same models layer inside its own
// transaction.

func MintTokens(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, to string, amount decimal.Decimal) error {
	return mintBurn(ctx, db, logger, packageId, to, amount, true)
}

func BurnTokens(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, from string, amount decimal.Decimal) error {
	return mintBurn(ctx, db, logger, packageId, from, amount, false)
}

func mintBurn(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, holder string, amount decimal.Decimal, mint bool) error {

	caller, _ := utils.GetWalletFromContext(ctx)
	if !config.IsAuthorizedOperator(caller) {
		return &models.NotAuthorizedOperatorError{Caller: caller}
	}
	holder = utils.NormalizeAddress(holder)

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	funcName := "BurnTokens"
	if mint {
		funcName = "MintTokens"
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if mint {
			return models.Mint(tx, pkg, holder, amount)
		}
		return models.Burn(tx, pkg, holder, amount)
	})
	if err != nil {
		config.LogError(logger, "packageWorkflow.go", funcName, "Apply", map[string]interface{}{
			"package_id": packageId, "holder": holder, "amount": amount,
		}, err)
		return err
	}
	return nil
}
