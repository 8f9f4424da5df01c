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

type tokensEscrowedPayload struct {
	PackageId   int             `json:"package_id"`
	Seller      string          `json:"seller"`
	TokenAmount decimal.Decimal `json:"token_amount"`
}

type usdcDepositedPayload struct {
	PackageId      int             `json:"package_id"`
	Buyer          string          `json:"buyer"`
	Amount         decimal.Decimal `json:"amount"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
}

type dealSettledPayload struct {
	PackageId  int             `json:"package_id"`
	Seller     string          `json:"seller"`
	TotalUSDC  decimal.Decimal `json:"total_usdc"`
	BuyerCount int             `json:"buyer_count"`
	SettledAt  time.Time       `json:"settled_at"`
}

type dealRefundedPayload struct {
	PackageId     int             `json:"package_id"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	BuyerCount    int             `json:"buyer_count"`
	RefundedAt    time.Time       `json:"refunded_at"`
}

// DepositTokens opens the escrow for a package. Only the package's seller
// may call it, the full token supply must be committed in one shot, and a
// package can be escrowed exactly once (a refunded escrow stays closed).
func DepositTokens(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, tokenAmount decimal.Decimal) error {

	caller, _ := utils.GetWalletFromContext(ctx)
	caller = utils.NormalizeAddress(caller)

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if caller != pkg.SellerAddress {
			return &models.NotPackageSellerError{Caller: caller, Seller: pkg.SellerAddress}
		}
		if !tokenAmount.Equal(pkg.TotalSupply) {
			return &models.InvalidTokenAmountError{Expected: pkg.TotalSupply, Provided: tokenAmount}
		}

		state, err := models.GetEscrowStateForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if state != nil {
			// Settled, Refunded or live escrow: the slot is used either way.
			return &models.PackageAlreadyEscrowedError{PackageId: packageId}
		}

		state = &models.EscrowState{
			PackageId:          packageId,
			Status:             models.EscrowStatusEscrowed,
			EscrowedTokens:     tokenAmount,
			TotalUSDCDeposited: decimal.Zero,
			TotalRefunded:      decimal.Zero,
		}
		if err := tx.Create(state).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return &models.PackageAlreadyEscrowedError{PackageId: packageId}
			}
			return err
		}

		return models.PublishEvent(ctx, tx, packageId, models.EventTypeTokensEscrowed, tokensEscrowedPayload{
			PackageId: packageId, Seller: caller, TokenAmount: tokenAmount,
		})
	})
	if err != nil {
		config.LogError(logger, "escrowWorkflow.go", "DepositTokens", "OpenEscrow", map[string]interface{}{
			"package_id": packageId, "token_amount": tokenAmount,
		}, err)
		return err
	}
	return nil
}

// DepositUSDC records a buyer's payment commitment. Deposits accumulate per
// buyer; a second deposit from the same wallet tops up the existing position
// without consuming a new ordering slot.
func DepositUSDC(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, amount decimal.Decimal, transferer CurrencyTransferer) error {

	buyer, _ := utils.GetWalletFromContext(ctx)
	buyer = utils.NormalizeAddress(buyer)

	if amount.IsNegative() || amount.IsZero() {
		return &models.ZeroDepositError{}
	}

	if config.RequireKycForDeposits() {
		user, err := models.GetUserByWallet(ctx, db, buyer)
		if err != nil {
			return err
		}
		if user == nil || user.KycStatus != models.KycStatusApproved {
			return &models.KycNotApprovedError{Wallet: buyer}
		}
	}

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.GetPackageForUpdate(tx, packageId); err != nil {
			return err
		}
		state, err := models.GetEscrowStateForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if state == nil || state.Status != models.EscrowStatusEscrowed {
			if state != nil && state.Status == models.EscrowStatusSettled {
				return &models.PackageAlreadySettledError{PackageId: packageId}
			}
			return &models.PackageNotEscrowedError{PackageId: packageId}
		}

		if transferer == nil {
			transferer = &LedgerTransferer{Tx: tx}
		}
		if err := transferWithTimeout(ctx, transferer, buyer, models.EscrowPoolAddress, amount, "usdc_deposit", packageId); err != nil {
			return err
		}

		position, err := models.GetEscrowPosition(tx, packageId, buyer)
		if err != nil {
			return err
		}
		if position == nil {
			state.DepositSeq++
			if err := tx.Model(&models.EscrowState{}).Where("id = ?", state.ID).
				Update("deposit_seq", state.DepositSeq).Error; err != nil {
				return err
			}
			position = &models.EscrowPosition{
				PackageId:    packageId,
				BuyerAddress: buyer,
				UsdcAmount:   amount,
				OrderSeq:     state.DepositSeq,
			}
			if err := tx.Create(position).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&models.EscrowPosition{}).Where("id = ?", position.ID).
				Update("usdc_amount", position.UsdcAmount.Add(amount)).Error; err != nil {
				return err
			}
		}

		newTotal := state.TotalUSDCDeposited.Add(amount)
		if err := tx.Model(&models.EscrowState{}).Where("id = ?", state.ID).
			Update("total_usdc_deposited", newTotal).Error; err != nil {
			return err
		}

		return models.PublishEvent(ctx, tx, packageId, models.EventTypeUSDCDeposited, usdcDepositedPayload{
			PackageId: packageId, Buyer: buyer, Amount: amount, TotalDeposited: newTotal,
		})
	})
	if err != nil {
		config.LogError(logger, "escrowWorkflow.go", "DepositUSDC", "RecordDeposit", map[string]interface{}{
			"package_id": packageId, "buyer": buyer, "amount": amount,
		}, err)
		return err
	}
	return nil
}

// CanSettle reports whether the deal is fully funded: tokens in escrow and
// total deposits covering salePrice * totalSupply.
func CanSettle(ctx context.Context, db *gorm.DB, packageId int) (bool, error) {
	pkg, err := models.GetPackageById(db.WithContext(ctx), packageId)
	if err != nil {
		return false, err
	}
	state, err := models.GetEscrowState(db.WithContext(ctx), packageId)
	if err != nil {
		return false, err
	}
	if state == nil || state.Status != models.EscrowStatusEscrowed {
		return false, nil
	}
	return state.TotalUSDCDeposited.GreaterThanOrEqual(pkg.Notional()), nil
}

// AllocateTokens splits totalSupply pro-rata over the deposits: each buyer
// gets floor(deposit * totalSupply / totalDeposited) and the rounding
// remainder goes to the last buyer in deposit order, so every escrowed token
// is delivered.
func AllocateTokens(deposits []decimal.Decimal, totalSupply, totalDeposited decimal.Decimal) []decimal.Decimal {
	allocations := make([]decimal.Decimal, len(deposits))
	if len(deposits) == 0 || totalDeposited.IsZero() {
		return allocations
	}
	sum := decimal.Zero
	for i, deposit := range deposits {
		floor, _ := deposit.Mul(totalSupply).QuoRem(totalDeposited, 0)
		allocations[i] = floor
		sum = sum.Add(floor)
	}
	allocations[len(allocations)-1] = allocations[len(allocations)-1].Add(totalSupply.Sub(sum))
	return allocations
}

// Settle executes the atomic DvP exchange: every buyer is minted their
// pro-rata share, the seller receives the full deposited amount, and the
// package activates. Any transfer failure rolls the whole posting back.
func Settle(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, transferer CurrencyTransferer) error {

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		state, err := models.GetEscrowStateForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if state == nil {
			return &models.PackageNotEscrowedError{PackageId: packageId}
		}
		switch state.Status {
		case models.EscrowStatusSettled:
			return &models.PackageAlreadySettledError{PackageId: packageId}
		case models.EscrowStatusRefunded:
			return &models.PackageNotEscrowedError{PackageId: packageId}
		}

		required := pkg.Notional()
		if state.TotalUSDCDeposited.LessThan(required) {
			return &models.InsufficientDepositsError{
				Required: required, Deposited: state.TotalUSDCDeposited,
			}
		}

		positions, err := models.GetEscrowPositions(tx, packageId)
		if err != nil {
			return err
		}
		deposits := make([]decimal.Decimal, len(positions))
		for i, position := range positions {
			deposits[i] = position.UsdcAmount
		}
		allocations := AllocateTokens(deposits, pkg.TotalSupply, state.TotalUSDCDeposited)

		for i, position := range positions {
			owed := allocations[i]
			if owed.IsPositive() {
				if err := models.Mint(tx, pkg, position.BuyerAddress, owed); err != nil {
					return err
				}
			}
			if err := tx.Model(&models.EscrowPosition{}).Where("id = ?", position.ID).
				Updates(map[string]interface{}{"tokens_owed": owed, "settled": true}).Error; err != nil {
				return err
			}
		}

		if transferer == nil {
			transferer = &LedgerTransferer{Tx: tx}
		}
		if err := transferWithTimeout(ctx, transferer, models.EscrowPoolAddress, pkg.SellerAddress,
			state.TotalUSDCDeposited, "settlement_proceeds", packageId); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.EscrowState{}).Where("id = ?", state.ID).
			Updates(map[string]interface{}{
				"status":     models.EscrowStatusSettled,
				"settled_at": &now,
			}).Error; err != nil {
			return err
		}

		if err := applyStatusWithEvents(ctx, tx, pkg, models.PackageStatusActive); err != nil {
			return err
		}
		return models.PublishEvent(ctx, tx, packageId, models.EventTypeDealSettled, dealSettledPayload{
			PackageId:  packageId,
			Seller:     pkg.SellerAddress,
			TotalUSDC:  state.TotalUSDCDeposited,
			BuyerCount: len(positions),
			SettledAt:  now,
		})
	})
	if err != nil {
		config.LogError(logger, "escrowWorkflow.go", "Settle", "SettlePosting", map[string]interface{}{
			"package_id": packageId,
		}, err)
		return err
	}
	return nil
}

// Refund unwinds a live escrow: every buyer gets their full deposit back, no
// tokens are minted, and the package returns to its pre-escrow footing (the
// status stays Created; the escrow slot itself is spent).
func Refund(ctx context.Context, db *gorm.DB, logger *logrus.Logger, packageId int, transferer CurrencyTransferer) error {

	caller, _ := utils.GetWalletFromContext(ctx)
	caller = utils.NormalizeAddress(caller)

	if err := AcquirePackagePostingLock(db, packageId); err != nil {
		return err
	}
	defer ReleasePackagePostingLock(db, packageId)

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pkg, err := models.GetPackageForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if caller != pkg.SellerAddress && !config.IsAuthorizedOperator(caller) {
			return &models.NotPackageSellerError{Caller: caller, Seller: pkg.SellerAddress}
		}

		state, err := models.GetEscrowStateForUpdate(tx, packageId)
		if err != nil {
			return err
		}
		if state == nil {
			return &models.PackageNotEscrowedError{PackageId: packageId}
		}
		switch state.Status {
		case models.EscrowStatusSettled:
			return &models.PackageAlreadySettledError{PackageId: packageId}
		case models.EscrowStatusRefunded:
			return &models.PackageNotEscrowedError{PackageId: packageId}
		}

		positions, err := models.GetEscrowPositions(tx, packageId)
		if err != nil {
			return err
		}
		if transferer == nil {
			transferer = &LedgerTransferer{Tx: tx}
		}

		refunded := 0
		totalRefunded := decimal.Zero
		for _, position := range positions {
			if !position.UsdcAmount.IsPositive() {
				continue
			}
			if err := transferWithTimeout(ctx, transferer, models.EscrowPoolAddress, position.BuyerAddress,
				position.UsdcAmount, "escrow_refund", packageId); err != nil {
				return err
			}
			if err := tx.Model(&models.EscrowPosition{}).Where("id = ?", position.ID).
				Updates(map[string]interface{}{
					"refunded_usdc": position.UsdcAmount,
					"usdc_amount":   decimal.Zero,
				}).Error; err != nil {
				return err
			}
			totalRefunded = totalRefunded.Add(position.UsdcAmount)
			refunded++
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.EscrowState{}).Where("id = ?", state.ID).
			Updates(map[string]interface{}{
				"status":               models.EscrowStatusRefunded,
				"total_refunded":       totalRefunded,
				"total_usdc_deposited": decimal.Zero,
				"refunded_at":          &now,
			}).Error; err != nil {
			return err
		}

		return models.PublishEvent(ctx, tx, packageId, models.EventTypeDealRefunded, dealRefundedPayload{
			PackageId: packageId, TotalRefunded: totalRefunded, BuyerCount: refunded, RefundedAt: now,
		})
	})
	if err != nil {
		config.LogError(logger, "escrowWorkflow.go", "Refund", "RefundPosting", map[string]interface{}{
			"package_id": packageId,
		}, err)
		return err
	}
	return nil
}
