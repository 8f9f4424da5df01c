// ledger-verify audits the settlement ledger invariants against a live DB:
//
//   - sum(holder balances) == issued supply, and issued supply <= total supply
//   - escrow state totals match the sum of buyer positions
//   - settled packages delivered the full token supply
//   - servicing snapshot sequences are gapless and principal outstanding is
//     non-increasing
//
// Exits non-zero when any package fails a check.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/ledger-verify [-package-id N]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/thurmanlabs/settlement_backend/config"
	"github.com/thurmanlabs/settlement_backend/models"
	"gorm.io/gorm"
)

func main() {
	packageID := flag.Int("package-id", 0, "Optional: verify only one package. If zero, verifies all packages.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	var packages []models.LoanPackage
	q := db.WithContext(ctx).Model(&models.LoanPackage{}).Order("id ASC")
	if *packageID != 0 {
		q = q.Where("id = ?", *packageID)
	}
	if err := q.Find(&packages).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to list packages: %v\n", err)
		os.Exit(1)
	}
	if len(packages) == 0 {
		fmt.Fprintln(os.Stderr, "no packages found to verify")
		return
	}

	failures := 0
	for _, pkg := range packages {
		for _, problem := range verifyPackage(db.WithContext(ctx), &pkg) {
			failures++
			fmt.Printf("FAIL package=%d: %s\n", pkg.ID, problem)
		}
	}

	fmt.Printf("verified %d package(s), %d failure(s)\n", len(packages), failures)
	if failures > 0 {
		os.Exit(2)
	}
}

func verifyPackage(tx *gorm.DB, pkg *models.LoanPackage) []string {
	var problems []string

	balanceSum, err := models.SumHolderBalances(tx, pkg.ID)
	if err != nil {
		return append(problems, fmt.Sprintf("sum holder balances: %v", err))
	}
	if !balanceSum.Equal(pkg.IssuedSupply) {
		problems = append(problems, fmt.Sprintf(
			"holder balances sum %s != issued supply %s", balanceSum, pkg.IssuedSupply))
	}
	if pkg.IssuedSupply.GreaterThan(pkg.TotalSupply) {
		problems = append(problems, fmt.Sprintf(
			"issued supply %s exceeds total supply %s", pkg.IssuedSupply, pkg.TotalSupply))
	}

	state, err := models.GetEscrowState(tx, pkg.ID)
	if err != nil {
		return append(problems, fmt.Sprintf("load escrow state: %v", err))
	}
	if state != nil {
		positionSum, err := models.SumPositionDeposits(tx, pkg.ID)
		if err != nil {
			return append(problems, fmt.Sprintf("sum position deposits: %v", err))
		}
		if !positionSum.Equal(state.TotalUSDCDeposited) {
			problems = append(problems, fmt.Sprintf(
				"position deposits sum %s != escrow total %s", positionSum, state.TotalUSDCDeposited))
		}
		if state.Status == models.EscrowStatusSettled && !pkg.IssuedSupply.Equal(pkg.TotalSupply) {
			problems = append(problems, fmt.Sprintf(
				"settled escrow but issued supply %s != total supply %s", pkg.IssuedSupply, pkg.TotalSupply))
		}
		if state.Status == models.EscrowStatusRefunded && !state.TotalUSDCDeposited.IsZero() {
			problems = append(problems, fmt.Sprintf(
				"refunded escrow still carries deposits %s", state.TotalUSDCDeposited))
		}
	}

	snapshots, err := models.GetSnapshots(tx, pkg.ID)
	if err != nil {
		if _, ok := err.(*models.NoSnapshotsError); ok {
			return problems
		}
		return append(problems, fmt.Sprintf("load snapshots: %v", err))
	}
	prevOutstanding := pkg.Notional()
	for i, s := range snapshots {
		if s.SequenceNo != i+1 {
			problems = append(problems, fmt.Sprintf(
				"snapshot sequence gap: expected %d, got %d", i+1, s.SequenceNo))
		}
		if s.PrincipalOutstanding.GreaterThan(prevOutstanding) {
			problems = append(problems, fmt.Sprintf(
				"snapshot %d outstanding %s increased from %s", s.SequenceNo, s.PrincipalOutstanding, prevOutstanding))
		}
		prevOutstanding = s.PrincipalOutstanding
	}
	return problems
}
