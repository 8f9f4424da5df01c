package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/thurmanlabs/settlement_backend/models"
)

// NOTE: These tests are intentionally DB-free. They pin the settlement math:
// - pro-rata allocation delivers every escrowed token exactly once
// - distribution shares never sum above the payment
// Full DB scenarios are covered by the gated tests in settlement_scenarios_test.go.

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAllocateTokens_EvenSplit(t *testing.T) {
	// supply=1000, price=10 -> required 10000; buyers 4000 + 6000
	allocations := AllocateTokens(
		[]decimal.Decimal{dec("4000"), dec("6000")},
		dec("1000"), dec("10000"),
	)
	if !allocations[0].Equal(dec("400")) {
		t.Fatalf("buyer 0: expected 400, got %s", allocations[0])
	}
	if !allocations[1].Equal(dec("600")) {
		t.Fatalf("buyer 1: expected 600, got %s", allocations[1])
	}
}

func TestAllocateTokens_RemainderGoesToLastBuyer(t *testing.T) {
	// supply=100 over three equal deposits: floor gives 33 each, the last
	// buyer in deposit order absorbs the single leftover token.
	allocations := AllocateTokens(
		[]decimal.Decimal{dec("1000"), dec("1000"), dec("1000")},
		dec("100"), dec("3000"),
	)
	expected := []string{"33", "33", "34"}
	for i, want := range expected {
		if !allocations[i].Equal(dec(want)) {
			t.Fatalf("buyer %d: expected %s, got %s", i, want, allocations[i])
		}
	}
}

func TestAllocateTokens_SumAlwaysEqualsSupply(t *testing.T) {
	cases := [][]string{
		{"1"},
		{"1", "1"},
		{"7", "11", "13"},
		{"9999", "1", "5000"},
		{"3", "3", "3", "3", "3", "3", "3"},
	}
	supply := dec("1000")
	for _, deposits := range cases {
		ds := make([]decimal.Decimal, len(deposits))
		total := decimal.Zero
		for i, s := range deposits {
			ds[i] = dec(s)
			total = total.Add(ds[i])
		}
		allocations := AllocateTokens(ds, supply, total)
		sum := decimal.Zero
		for _, a := range allocations {
			if a.IsNegative() {
				t.Fatalf("deposits=%v: negative allocation %s", deposits, a)
			}
			sum = sum.Add(a)
		}
		if !sum.Equal(supply) {
			t.Fatalf("deposits=%v: allocations sum %s != supply %s", deposits, sum, supply)
		}
	}
}

func TestAllocateTokens_EmptyAndZero(t *testing.T) {
	if got := AllocateTokens(nil, dec("1000"), decimal.Zero); len(got) != 0 {
		t.Fatalf("expected empty allocation, got %v", got)
	}
	got := AllocateTokens([]decimal.Decimal{decimal.Zero}, dec("1000"), decimal.Zero)
	if len(got) != 1 || !got[0].IsZero() {
		t.Fatalf("expected single zero allocation, got %v", got)
	}
}

func TestDistributionShare_Floors(t *testing.T) {
	// payment=100, balance=333, supply=1000 -> floor(33.3) = 33
	share := DistributionShare(dec("100"), dec("333"), dec("1000"))
	if !share.Equal(dec("33")) {
		t.Fatalf("expected 33, got %s", share)
	}
}

func TestDistributionShare_NeverOverpays(t *testing.T) {
	payment := dec("100")
	supply := dec("1000")
	balances := []string{"333", "333", "334"}
	sum := decimal.Zero
	for _, b := range balances {
		sum = sum.Add(DistributionShare(payment, dec(b), supply))
	}
	if sum.GreaterThan(payment) {
		t.Fatalf("distributed %s exceeds payment %s", sum, payment)
	}
}

func TestDistributionShare_FullBalanceGetsFullPayment(t *testing.T) {
	share := DistributionShare(dec("120"), dec("1000"), dec("1000"))
	if !share.Equal(dec("120")) {
		t.Fatalf("expected 120, got %s", share)
	}
}

func TestDistributionShare_ZeroGuards(t *testing.T) {
	if !DistributionShare(dec("100"), decimal.Zero, dec("1000")).IsZero() {
		t.Fatal("zero balance should yield zero share")
	}
	if !DistributionShare(dec("100"), dec("500"), decimal.Zero).IsZero() {
		t.Fatal("zero supply should yield zero share")
	}
	if !DistributionShare(decimal.Zero, dec("500"), dec("1000")).IsZero() {
		t.Fatal("zero payment should yield zero share")
	}
}

type blockingTransferer struct{}

func (b *blockingTransferer) Transfer(ctx context.Context, from, to string, amount decimal.Decimal, referenceType string, packageId int) error {
	select {
	case <-ctx.Done():
		return &models.TransferFailedError{To: to, Amount: amount, Cause: ctx.Err()}
	case <-time.After(time.Minute):
		return nil
	}
}

func TestTransferWithTimeout_BoundedWait(t *testing.T) {
	t.Setenv("TRANSFER_TIMEOUT_SECONDS", "1")

	start := time.Now()
	err := transferWithTimeout(context.Background(), &blockingTransferer{},
		"a", "b", dec("10"), "test", 1)
	elapsed := time.Since(start)

	var transferErr *models.TransferFailedError
	if !errors.As(err, &transferErr) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("transfer wait not bounded: took %s", elapsed)
	}
}
