package models

import "fmt"

type PackageStatus string

const (
	PackageStatusCreated   PackageStatus = "Created"
	PackageStatusActive    PackageStatus = "Active"
	PackageStatusSettled   PackageStatus = "Settled"
	PackageStatusDefaulted PackageStatus = "Defaulted"
)

// ParsePackageStatus validates external status input (API, CLI).
func ParsePackageStatus(s string) (PackageStatus, error) {
	switch PackageStatus(s) {
	case PackageStatusCreated, PackageStatusActive, PackageStatusSettled, PackageStatusDefaulted:
		return PackageStatus(s), nil
	}
	return "", fmt.Errorf("invalid package status %q", s)
}

// CanTransitionTo is the registry status transition table.
// Created -> Active (escrow settlement), Active -> Settled (normal
// completion, terminal), Active -> Defaulted (terminal). A package cannot
// default before it is funded.
func (s PackageStatus) CanTransitionTo(target PackageStatus) bool {
	switch s {
	case PackageStatusCreated:
		return target == PackageStatusActive
	case PackageStatusActive:
		return target == PackageStatusSettled || target == PackageStatusDefaulted
	default:
		return false
	}
}

func (s PackageStatus) IsTerminal() bool {
	return s == PackageStatusSettled || s == PackageStatusDefaulted
}

type EscrowStatus string

const (
	EscrowStatusEscrowed EscrowStatus = "Escrowed"
	EscrowStatusSettled  EscrowStatus = "Settled"
	EscrowStatusRefunded EscrowStatus = "Refunded"
)

type EventType string

const (
	EventTypePackageCreated       EventType = "PackageCreated"
	EventTypePackageStatusUpdated EventType = "PackageStatusUpdated"
	EventTypePackageDefaulted     EventType = "PackageDefaulted"
	EventTypeTokensEscrowed       EventType = "TokensEscrowed"
	EventTypeUSDCDeposited        EventType = "USDCDeposited"
	EventTypeDealSettled          EventType = "DealSettled"
	EventTypeDealRefunded         EventType = "DealRefunded"
	EventTypePaymentRecorded      EventType = "PaymentRecorded"
	EventTypePaymentDistributed   EventType = "PaymentDistributed"
)

type OutboxPublishStatus = string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

type UserRole string

const (
	UserRoleBuyer  UserRole = "buyer"
	UserRoleSeller UserRole = "seller"
	UserRoleAdmin  UserRole = "admin"
)

type KycStatus string

const (
	KycStatusNotStarted KycStatus = "not_started"
	KycStatusPending    KycStatus = "pending"
	KycStatusApproved   KycStatus = "approved"
	KycStatusRejected   KycStatus = "rejected"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)
