package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Protocol errors are typed so callers can branch on them with errors.As
// instead of string matching. Each carries the identifiers/amounts relevant
// to the failure; none is retried internally.

type PackageNotFoundError struct {
	PackageId int
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package %d not found", e.PackageId)
}

type PackageAlreadyExistsError struct {
	PackageId int
}

func (e *PackageAlreadyExistsError) Error() string {
	return fmt.Sprintf("package %d already exists", e.PackageId)
}

type InvalidTotalSupplyError struct {
	TotalSupply decimal.Decimal
}

func (e *InvalidTotalSupplyError) Error() string {
	return fmt.Sprintf("invalid total supply %s: must be positive", e.TotalSupply)
}

type InvalidSalePriceError struct {
	SalePrice decimal.Decimal
}

func (e *InvalidSalePriceError) Error() string {
	return fmt.Sprintf("invalid sale price %s: must be positive", e.SalePrice)
}

type InvalidStatusTransitionError struct {
	Current PackageStatus
	Target  PackageStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.Current, e.Target)
}

type NotPackageSellerError struct {
	Caller string
	Seller string
}

func (e *NotPackageSellerError) Error() string {
	return fmt.Sprintf("caller %s is not the package seller %s", e.Caller, e.Seller)
}

type NotAuthorizedOperatorError struct {
	Caller string
}

func (e *NotAuthorizedOperatorError) Error() string {
	return fmt.Sprintf("caller %s is not an authorized operator", e.Caller)
}

type KycNotApprovedError struct {
	Wallet string
}

func (e *KycNotApprovedError) Error() string {
	return fmt.Sprintf("wallet %s has no approved KYC record", e.Wallet)
}

type InsufficientBalanceError struct {
	PackageId int
	Holder    string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("holder %s has balance %s in package %d, requested %s",
		e.Holder, e.Balance, e.PackageId, e.Requested)
}

type InvalidTokenAmountError struct {
	Expected decimal.Decimal
	Provided decimal.Decimal
}

func (e *InvalidTokenAmountError) Error() string {
	return fmt.Sprintf("invalid token amount: expected %s, provided %s", e.Expected, e.Provided)
}

type PackageAlreadyEscrowedError struct {
	PackageId int
}

func (e *PackageAlreadyEscrowedError) Error() string {
	return fmt.Sprintf("package %d is already escrowed", e.PackageId)
}

type PackageNotEscrowedError struct {
	PackageId int
}

func (e *PackageNotEscrowedError) Error() string {
	return fmt.Sprintf("package %d is not escrowed", e.PackageId)
}

type PackageAlreadySettledError struct {
	PackageId int
}

func (e *PackageAlreadySettledError) Error() string {
	return fmt.Sprintf("package %d is already settled", e.PackageId)
}

type ZeroDepositError struct{}

func (e *ZeroDepositError) Error() string {
	return "deposit amount must be greater than zero"
}

type InsufficientDepositsError struct {
	Required  decimal.Decimal
	Deposited decimal.Decimal
}

func (e *InsufficientDepositsError) Error() string {
	return fmt.Sprintf("insufficient deposits: required %s, deposited %s", e.Required, e.Deposited)
}

type TransferFailedError struct {
	To     string
	Amount decimal.Decimal
	Cause  error
}

func (e *TransferFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transfer of %s to %s failed: %v", e.Amount, e.To, e.Cause)
	}
	return fmt.Sprintf("transfer of %s to %s failed", e.Amount, e.To)
}

func (e *TransferFailedError) Unwrap() error { return e.Cause }

type PackageNotActiveError struct {
	PackageId int
}

func (e *PackageNotActiveError) Error() string {
	return fmt.Sprintf("package %d is not active", e.PackageId)
}

type ZeroPaymentError struct{}

func (e *ZeroPaymentError) Error() string {
	return "payment must include a non-zero principal or interest amount"
}

type PaymentMismatchError struct {
	Expected decimal.Decimal
	Received decimal.Decimal
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("payment mismatch: expected %s, received %s", e.Expected, e.Received)
}

type NoSnapshotsError struct {
	PackageId int
}

func (e *NoSnapshotsError) Error() string {
	return fmt.Sprintf("package %d has no servicing snapshots", e.PackageId)
}
