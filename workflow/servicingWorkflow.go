package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
	"gorm.io/gorm"
)

type PaymentInput struct {
	Principal         decimal.Decimal `json:"principal"`
	Interest          decimal.Decimal `json:"interest"`
	ServicingDataHash string          `json:"servicing_data_hash" binding:"required"`
	// PaymentSupplied is the currency amount actually moved by the servicer.
	// It must equal Principal + Interest exactly.
	PaymentSupplied decimal.Decimal `json:"payment_supplied"`
}

type paymentRecordedPayload struct {
	PackageId            int             `json:"package_id"`
	SequenceNo           int             `json:"sequence_no"`
	Principal            decimal.Decimal `json:"principal"`
	Interest             decimal.Decimal `json:"interest"`
	PrincipalOutstanding decimal.Decimal `json:"principal_outstanding"`
	ServicingDataHash    string          `json:"servicing_data_hash"`
	Timestamp            time.Time       `json:"timestamp"`
	OverAmortized        bool            `json:"over_amortized"`
}

type paymentDistributedPayload struct {
	PackageId  int             `json:"package_id"`
	SequenceNo int             `json:"sequence_no"`
	Holder     string          `json:"holder"`
	Amount     decimal.Decimal `json:"amount"`
}

// RecordPayment appends one servicing snapshot for an active package and
// pulls the matching currency amount from the servicer into the servicing
// pool. The snapshot sequence is append-only; amounts are validated against
// the funds actually supplied before anything is written.
func RecordPayment(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, input PaymentInput, transferer CurrencyTransferer) (*models.ServicingSnapshot, error) {

	caller, _ := utils.GetWalletFromContext(ctx)
	caller = utils.NormalizeAddress(caller)

	if input.Principal.IsNegative() || input.Interest.IsNegative() {
		return nil, fmt.Errorf("payment amounts cannot be negative")
	}
	expected := input.Principal.Add(input.Interest)
	if expected.IsZero() {
		return nil, &models.ZeroPaymentError{}
	}
	if !input.PaymentSupplied.Equal(expected) {
		return nil, &models.PaymentMismatchError{Expected: expected, Received: input.PaymentSupplied}
	}

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return nil, err
	}
	defer ReleasePackagePostingLock(db, packageId)

	var snapshot models.ServicingSnapshot
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if caller != pkg.SellerAddress && !config.IsAuthorizedOperator(caller) {
			return &models.NotPackageSellerError{Caller: caller, Seller: pkg.SellerAddress}
		}
		if pkg.Status != models.PackageStatusActive {
			return &models.PackageNotActiveError{PackageId: packageId}
		}

		if transferer == nil {
			transferer = &LedgerTransferer{Tx: tx}
		}
		if err := transferWithTimeout(ctx, transferer, caller, models.ServicingPoolAddress,
			expected, "servicing_payment", packageId); err != nil {
			return err
		}

		// Outstanding starts at the notional (salePrice * totalSupply) and
		// only ever decreases by collected principal.
		outstanding := pkg.Notional()
		sequenceNo := 1
		latest, err := models.GetLatestSnapshot(tx, packageId)
		if err == nil {
			outstanding = latest.PrincipalOutstanding
			sequenceNo = latest.SequenceNo + 1
		} else if _, ok := err.(*models.NoSnapshotsError); !ok {
			return err
		}

		overAmortized := false
		newOutstanding := outstanding.Sub(input.Principal)
		if newOutstanding.IsNegative() {
			overAmortized = true
			newOutstanding = decimal.Zero
			config.LogWarn(logger, "servicingWorkflow.go", "RecordPayment", "OverAmortized", map[string]interface{}{
				"package_id": packageId, "outstanding": outstanding, "principal": input.Principal,
			}, "principal payment exceeds outstanding balance; clamping to zero")
		}

		now := time.Now().UTC()
		snapshot = models.ServicingSnapshot{
			PackageId:            packageId,
			SequenceNo:           sequenceNo,
			Timestamp:            now,
			PrincipalCollected:   input.Principal,
			InterestCollected:    input.Interest,
			PrincipalOutstanding: newOutstanding,
			ServicingDataHash:    input.ServicingDataHash,
			OverAmortized:        overAmortized,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}

		return models.PublishEvent(ctx, tx, packageId, models.EventTypePaymentRecorded, paymentRecordedPayload{
			PackageId:            packageId,
			SequenceNo:           sequenceNo,
			Principal:            input.Principal,
			Interest:             input.Interest,
			PrincipalOutstanding: newOutstanding,
			ServicingDataHash:    input.ServicingDataHash,
			Timestamp:            now,
			OverAmortized:        overAmortized,
		})
	})
	if err != nil {
		config.LogError(logger, "servicingWorkflow.go", "RecordPayment", "SnapshotPosting", map[string]interface{}{
			"package_id": packageId, "input": input,
		}, err)
		return nil, err
	}
	return &snapshot, nil
}

// DistributionShare is the pure pro-rata formula:
// floor(payment * balance / totalSupply). The floor guarantees the shares of
// all holders never sum above the payment; any rounding dust stays in the
// servicing pool.
func DistributionShare(payment, balance, totalSupply decimal.Decimal) decimal.Decimal {
	if totalSupply.IsZero() || !balance.IsPositive() || !payment.IsPositive() {
		return decimal.Zero
	}
	share, _ := payment.Mul(balance).QuoRem(totalSupply, 0)
	return share
}

// CalculateDistribution answers "what would this holder receive of a payment
// of paymentAmount" without moving anything.
func CalculateDistribution(ctx context.Context, db *gorm.DB, packageId int, holder string, paymentAmount decimal.Decimal) (decimal.Decimal, error) {
	holder = utils.NormalizeAddress(holder)
	pkg, err := models.GetPackageById(db.WithContext(ctx), packageId)
	if err != nil {
		return decimal.Zero, err
	}
	balance, err := models.BalanceOf(db.WithContext(ctx), holder, packageId)
	if err != nil {
		return decimal.Zero, err
	}
	return DistributionShare(paymentAmount, balance, pkg.TotalSupply), nil
}

// DistributePayment pays one recorded snapshot out to current holders,
// pro-rata by share balance. The posting is idempotent on
// (package, sequence): a retried or redelivered call after success is a
// no-op, so holders are never paid twice for the same snapshot.
func DistributePayment(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, sequenceNo int, transferer CurrencyTransferer) error {

	caller, _ := utils.GetWalletFromContext(ctx)
	if !config.IsAuthorizedOperator(caller) {
		return &models.NotAuthorizedOperatorError{Caller: caller}
	}

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	messageId := fmt.Sprintf("distribution:%d:%d", packageId, sequenceNo)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		snapshot, err := models.GetSnapshotBySequence(tx, packageId, sequenceNo)
		if err != nil {
			return err
		}

		skip, err := BeginIdempotency(tx, packageId, "PaymentDistribution", messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		payment := snapshot.PrincipalCollected.Add(snapshot.InterestCollected)
		holders, err := models.GetHolders(tx, packageId)
		if err != nil {
			return err
		}
		if transferer == nil {
			transferer = &LedgerTransferer{Tx: tx}
		}

		for _, holder := range holders {
			share := DistributionShare(payment, holder.Balance, pkg.TotalSupply)
			if !share.IsPositive() {
				continue
			}
			if err := transferWithTimeout(ctx, transferer, models.ServicingPoolAddress,
				holder.HolderAddress, share, "payment_distribution", packageId); err != nil {
				return err
			}
			if err := models.PublishEvent(ctx, tx, packageId, models.EventTypePaymentDistributed, paymentDistributedPayload{
				PackageId: packageId, SequenceNo: sequenceNo,
				Holder: holder.HolderAddress, Amount: share,
			}); err != nil {
				return err
			}
		}

		return MarkIdempotencySucceeded(tx, packageId, "PaymentDistribution", messageId)
	})
	if err != nil {
		config.LogError(logger, "servicingWorkflow.go", "DistributePayment", "DistributionPosting", map[string]interface{}{
			"package_id": packageId, "sequence_no": sequenceNo,
		}, err)
		return err
	}
	return nil
}
