package workflow_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"github.com/thurmanlabs/settlement_backend/utils"
	"github.com/thurmanlabs/settlement_backend/workflow"
	"gorm.io/gorm"
)

// End-to-end settlement scenarios against a real MySQL instance.
//
// Usage:
//   INTEGRATION_TESTS=1 DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go test ./workflow -run Scenario -v
//
// Each scenario creates its own package, so runs are independent and the
// suite can be re-run against a dirty database.

var connectOnce sync.Once

func integrationDB(t *testing.T) *gorm.DB {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run DB scenarios")
	}
	connectOnce.Do(func() {
		config.ConnectDatabaseWithRetry()
	})
	db := config.GetDB()
	if db == nil {
		t.Fatal("database not initialized")
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func ctxWithWallet(wallet string) context.Context {
	ctx := utils.SetWalletInContext(context.Background(), wallet)
	return utils.SetUserIdInContext(ctx, 1)
}

func fundCustody(t *testing.T, db *gorm.DB, address string, amount decimal.Decimal) {
	t.Helper()
	account := models.CustodyAccount{Address: address, Balance: amount}
	if err := db.Where("address = ?", address).
		Assign(map[string]interface{}{"balance": amount}).
		FirstOrCreate(&account).Error; err != nil {
		t.Fatalf("fund custody %s: %v", address, err)
	}
	if err := db.Model(&models.CustodyAccount{}).Where("address = ?", address).
		Update("balance", amount).Error; err != nil {
		t.Fatalf("set custody balance %s: %v", address, err)
	}
}

func custodyBalance(t *testing.T, db *gorm.DB, address string) decimal.Decimal {
	t.Helper()
	balance, err := models.CustodyBalanceOf(db, address)
	if err != nil {
		t.Fatalf("custody balance %s: %v", address, err)
	}
	return balance
}

func createTestPackage(t *testing.T, db *gorm.DB, seller string, supply, price string) *models.LoanPackage {
	t.Helper()
	pkg, err := workflow.CreatePackage(ctxWithWallet(seller), db, config.GetLogger(), workflow.NewLoanPackage{
		TotalSupply:  mustDec(t, supply),
		SalePrice:    mustDec(t, price),
		LoanTapeHash: "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8",
		PackageName:  "Scenario Package",
	})
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	return pkg
}

func mustDec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestScenario_FullSettlement(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	logger := config.GetLogger()

	seller := "seller-full-settlement"
	buyerA := "buyer-a-full-settlement"
	buyerB := "buyer-b-full-settlement"

	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyerA, mustDec(t, "4000"))
	fundCustody(t, db, buyerB, mustDec(t, "6000"))
	sellerBefore := custodyBalance(t, db, seller)

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyerA), db, logger, pkg.ID, mustDec(t, "4000"), nil); err != nil {
		t.Fatalf("deposit buyer A: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyerB), db, logger, pkg.ID, mustDec(t, "6000"), nil); err != nil {
		t.Fatalf("deposit buyer B: %v", err)
	}

	canSettle, err := workflow.CanSettle(context.Background(), db, pkg.ID)
	if err != nil || !canSettle {
		t.Fatalf("expected settleable deal, got canSettle=%v err=%v", canSettle, err)
	}
	if err := workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	balanceA, _ := models.BalanceOf(db, buyerA, pkg.ID)
	balanceB, _ := models.BalanceOf(db, buyerB, pkg.ID)
	if !balanceA.Equal(mustDec(t, "400")) || !balanceB.Equal(mustDec(t, "600")) {
		t.Fatalf("expected 400/600 tokens, got %s/%s", balanceA, balanceB)
	}

	sellerAfter := custodyBalance(t, db, seller)
	if !sellerAfter.Sub(sellerBefore).Equal(mustDec(t, "10000")) {
		t.Fatalf("seller proceeds: expected +10000, got +%s", sellerAfter.Sub(sellerBefore))
	}

	reloaded, err := models.GetPackageById(db, pkg.ID)
	if err != nil {
		t.Fatalf("reload package: %v", err)
	}
	if reloaded.Status != models.PackageStatusActive {
		t.Fatalf("expected Active package, got %s", reloaded.Status)
	}
	if reloaded.SettledAt == nil {
		t.Fatal("expected SettledAt to be set")
	}
	state, _ := models.GetEscrowState(db, pkg.ID)
	if state == nil || state.Status != models.EscrowStatusSettled {
		t.Fatalf("expected Settled escrow, got %+v", state)
	}

	// Settling twice must fail cleanly.
	err = workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, nil)
	var alreadySettled *models.PackageAlreadySettledError
	if !errors.As(err, &alreadySettled) {
		t.Fatalf("expected PackageAlreadySettledError, got %v", err)
	}
}

func TestScenario_InsufficientDeposits(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	logger := config.GetLogger()

	seller := "seller-insufficient"
	buyer := "buyer-insufficient"

	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "5000"))

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyer), db, logger, pkg.ID, mustDec(t, "5000"), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, nil)
	var insufficient *models.InsufficientDepositsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDepositsError, got %v", err)
	}
	if !insufficient.Required.Equal(mustDec(t, "10000")) || !insufficient.Deposited.Equal(mustDec(t, "5000")) {
		t.Fatalf("expected required=10000 deposited=5000, got %s/%s",
			insufficient.Required, insufficient.Deposited)
	}
}

func TestScenario_DepositBeforeEscrow(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")

	seller := "seller-no-escrow"
	buyer := "buyer-no-escrow"
	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "1000"))

	err := workflow.DepositUSDC(ctxWithWallet(buyer), db, config.GetLogger(), pkg.ID, mustDec(t, "1000"), nil)
	var notEscrowed *models.PackageNotEscrowedError
	if !errors.As(err, &notEscrowed) {
		t.Fatalf("expected PackageNotEscrowedError, got %v", err)
	}
}

func TestScenario_SellerOnlyAndExactSupply(t *testing.T) {
	db := integrationDB(t)
	logger := config.GetLogger()

	seller := "seller-exact-supply"
	pkg := createTestPackage(t, db, seller, "1000", "10")

	err := workflow.DepositTokens(ctxWithWallet("not-the-seller"), db, logger, pkg.ID, mustDec(t, "1000"))
	var notSeller *models.NotPackageSellerError
	if !errors.As(err, &notSeller) {
		t.Fatalf("expected NotPackageSellerError, got %v", err)
	}

	err = workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "999"))
	var badAmount *models.InvalidTokenAmountError
	if !errors.As(err, &badAmount) {
		t.Fatalf("expected InvalidTokenAmountError, got %v", err)
	}
	if !badAmount.Expected.Equal(mustDec(t, "1000")) || !badAmount.Provided.Equal(mustDec(t, "999")) {
		t.Fatalf("expected expected=1000 provided=999, got %s/%s", badAmount.Expected, badAmount.Provided)
	}

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	err = workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000"))
	var alreadyEscrowed *models.PackageAlreadyEscrowedError
	if !errors.As(err, &alreadyEscrowed) {
		t.Fatalf("expected PackageAlreadyEscrowedError, got %v", err)
	}
}

type failingTransferer struct{}

func (f *failingTransferer) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, referenceType string, packageId int) error {
	return &models.TransferFailedError{To: to, Amount: amount, Cause: errors.New("rail unavailable")}
}

func TestScenario_TransferFailureRollsBackSettlement(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	logger := config.GetLogger()

	seller := "seller-rollback"
	buyer := "buyer-rollback"
	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "10000"))

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyer), db, logger, pkg.ID, mustDec(t, "10000"), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	err := workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, &failingTransferer{})
	var transferFailed *models.TransferFailedError
	if !errors.As(err, &transferFailed) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}

	// Nothing from the failed posting may be visible.
	balance, _ := models.BalanceOf(db, buyer, pkg.ID)
	if !balance.IsZero() {
		t.Fatalf("expected zero token balance after rollback, got %s", balance)
	}
	state, _ := models.GetEscrowState(db, pkg.ID)
	if state == nil || state.Status != models.EscrowStatusEscrowed {
		t.Fatalf("expected escrow still Escrowed, got %+v", state)
	}
	reloaded, _ := models.GetPackageById(db, pkg.ID)
	if reloaded.Status != models.PackageStatusCreated {
		t.Fatalf("expected package still Created, got %s", reloaded.Status)
	}
}

func TestScenario_RefundReturnsDeposits(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	logger := config.GetLogger()

	seller := "seller-refund"
	buyer := "buyer-refund"
	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "7000"))

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyer), db, logger, pkg.ID, mustDec(t, "7000"), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !custodyBalance(t, db, buyer).IsZero() {
		t.Fatal("expected buyer funds moved into escrow pool")
	}

	if err := workflow.Refund(ctxWithWallet(seller), db, logger, pkg.ID, nil); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if !custodyBalance(t, db, buyer).Equal(mustDec(t, "7000")) {
		t.Fatalf("expected full refund, buyer balance %s", custodyBalance(t, db, buyer))
	}
	state, _ := models.GetEscrowState(db, pkg.ID)
	if state == nil || state.Status != models.EscrowStatusRefunded {
		t.Fatalf("expected Refunded escrow, got %+v", state)
	}
	if !state.TotalRefunded.Equal(mustDec(t, "7000")) || !state.TotalUSDCDeposited.IsZero() {
		t.Fatalf("expected total_refunded=7000 deposits=0, got %s/%s",
			state.TotalRefunded, state.TotalUSDCDeposited)
	}
	reloaded, _ := models.GetPackageById(db, pkg.ID)
	if reloaded.Status != models.PackageStatusCreated {
		t.Fatalf("expected package back at Created, got %s", reloaded.Status)
	}

	// The escrow slot is spent: a second refund reports not-escrowed.
	err := workflow.Refund(ctxWithWallet(seller), db, logger, pkg.ID, nil)
	var notEscrowed *models.PackageNotEscrowedError
	if !errors.As(err, &notEscrowed) {
		t.Fatalf("expected PackageNotEscrowedError, got %v", err)
	}
}

func TestScenario_ServicingLifecycle(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	logger := config.GetLogger()

	seller := "seller-servicing"
	buyer := "buyer-servicing"
	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "10000"))

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyer), db, logger, pkg.ID, mustDec(t, "10000"), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Seller received 10000 at settlement; servicing payments draw on it.
	hash := "fd53cabc38dd25d3de6e2d3b8a0bde55f80b1bd1e6b46cbdac1b2e3a8e7fe0a2"
	snapshot, err := workflow.RecordPayment(ctxWithWallet(seller), db, logger, pkg.ID, workflow.PaymentInput{
		Principal:         mustDec(t, "100"),
		Interest:          mustDec(t, "20"),
		ServicingDataHash: hash,
		PaymentSupplied:   mustDec(t, "120"),
	}, nil)
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if snapshot.SequenceNo != 1 {
		t.Fatalf("expected sequence 1, got %d", snapshot.SequenceNo)
	}
	// Outstanding starts at the 10000 notional.
	if !snapshot.PrincipalOutstanding.Equal(mustDec(t, "9900")) {
		t.Fatalf("expected outstanding 9900, got %s", snapshot.PrincipalOutstanding)
	}

	// Supplied amount must match principal + interest exactly.
	_, err = workflow.RecordPayment(ctxWithWallet(seller), db, logger, pkg.ID, workflow.PaymentInput{
		Principal:         mustDec(t, "100"),
		Interest:          mustDec(t, "20"),
		ServicingDataHash: hash,
		PaymentSupplied:   mustDec(t, "119"),
	}, nil)
	var mismatch *models.PaymentMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected PaymentMismatchError, got %v", err)
	}
	if !mismatch.Expected.Equal(mustDec(t, "120")) || !mismatch.Received.Equal(mustDec(t, "119")) {
		t.Fatalf("expected 120/119, got %s/%s", mismatch.Expected, mismatch.Received)
	}

	// Distribution is idempotent on (package, sequence).
	t.Setenv("AUTHORIZED_OPERATORS", "ops-servicing")
	buyerBefore := custodyBalance(t, db, buyer)
	if err := workflow.DistributePayment(ctxWithWallet("ops-servicing"), db, logger, pkg.ID, 1, nil); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := workflow.DistributePayment(ctxWithWallet("ops-servicing"), db, logger, pkg.ID, 1, nil); err != nil {
		t.Fatalf("repeat distribute: %v", err)
	}
	buyerAfter := custodyBalance(t, db, buyer)
	// Sole holder of the full supply receives the full 120, exactly once.
	if !buyerAfter.Sub(buyerBefore).Equal(mustDec(t, "120")) {
		t.Fatalf("expected +120 exactly once, got +%s", buyerAfter.Sub(buyerBefore))
	}
}

func TestScenario_DefaultStopsServicing(t *testing.T) {
	db := integrationDB(t)
	t.Setenv("REQUIRE_KYC_FOR_DEPOSITS", "false")
	t.Setenv("AUTHORIZED_OPERATORS", "ops-default")
	logger := config.GetLogger()

	seller := "seller-default"
	buyer := "buyer-default"
	pkg := createTestPackage(t, db, seller, "1000", "10")
	fundCustody(t, db, buyer, mustDec(t, "10000"))

	// Default before funding is invalid: Created -> Defaulted is not a
	// legal transition.
	err := workflow.MarkDefaulted(ctxWithWallet("ops-default"), db, logger, pkg.ID)
	var badTransition *models.InvalidStatusTransitionError
	if !errors.As(err, &badTransition) {
		t.Fatalf("expected InvalidStatusTransitionError, got %v", err)
	}

	if err := workflow.DepositTokens(ctxWithWallet(seller), db, logger, pkg.ID, mustDec(t, "1000")); err != nil {
		t.Fatalf("deposit tokens: %v", err)
	}
	if err := workflow.DepositUSDC(ctxWithWallet(buyer), db, logger, pkg.ID, mustDec(t, "10000"), nil); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := workflow.Settle(ctxWithWallet("anyone"), db, logger, pkg.ID, nil); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := workflow.MarkDefaulted(ctxWithWallet("ops-default"), db, logger, pkg.ID); err != nil {
		t.Fatalf("mark defaulted: %v", err)
	}

	_, err = workflow.RecordPayment(ctxWithWallet(seller), db, logger, pkg.ID, workflow.PaymentInput{
		Principal:         mustDec(t, "10"),
		Interest:          mustDec(t, "1"),
		ServicingDataHash: "aa",
		PaymentSupplied:   mustDec(t, "11"),
	}, nil)
	var notActive *models.PackageNotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("expected PackageNotActiveError, got %v", err)
	}
}
