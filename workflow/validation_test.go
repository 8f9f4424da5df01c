package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
)

// Input guards run before any DB work, so these tests pass a nil *gorm.DB:
// touching the database would panic and fail the test.

func TestCreatePackage_RejectsNonPositiveSupply(t *testing.T) {
	ctx := utils.SetWalletInContext(context.Background(), "seller-validate")
	for _, supply := range []string{"0", "-1"} {
		_, err := CreatePackage(ctx, nil, config.GetLogger(), NewLoanPackage{
			TotalSupply:  dec(supply),
			SalePrice:    dec("10"),
			LoanTapeHash: "hash",
			PackageName:  "guard-supply",
		})
		var supplyErr *models.InvalidTotalSupplyError
		if !errors.As(err, &supplyErr) {
			t.Fatalf("supply=%s: expected InvalidTotalSupplyError, got %v", supply, err)
		}
		if !supplyErr.TotalSupply.Equal(dec(supply)) {
			t.Fatalf("supply=%s: error carries %s", supply, supplyErr.TotalSupply)
		}
	}
}

func TestCreatePackage_RejectsNonPositivePrice(t *testing.T) {
	ctx := utils.SetWalletInContext(context.Background(), "seller-validate")
	for _, price := range []string{"0", "-10"} {
		_, err := CreatePackage(ctx, nil, config.GetLogger(), NewLoanPackage{
			TotalSupply:  dec("1000"),
			SalePrice:    dec(price),
			LoanTapeHash: "hash",
			PackageName:  "guard-price",
		})
		var priceErr *models.InvalidSalePriceError
		if !errors.As(err, &priceErr) {
			t.Fatalf("price=%s: expected InvalidSalePriceError, got %v", price, err)
		}
	}
}

func TestCreatePackage_RequiresCaller(t *testing.T) {
	_, err := CreatePackage(context.Background(), nil, config.GetLogger(), NewLoanPackage{
		TotalSupply:  dec("1000"),
		SalePrice:    dec("10"),
		LoanTapeHash: "hash",
		PackageName:  "guard-caller",
	})
	var sellerErr *models.NotPackageSellerError
	if !errors.As(err, &sellerErr) {
		t.Fatalf("expected NotPackageSellerError, got %v", err)
	}
}

func TestDepositUSDC_RejectsNonPositiveAmount(t *testing.T) {
	ctx := utils.SetWalletInContext(context.Background(), "buyer-validate")
	for _, amount := range []decimal.Decimal{decimal.Zero, dec("-5")} {
		err := DepositUSDC(ctx, nil, config.GetLogger(), 1, amount, nil)
		var zeroErr *models.ZeroDepositError
		if !errors.As(err, &zeroErr) {
			t.Fatalf("amount=%s: expected ZeroDepositError, got %v", amount, err)
		}
	}
}
