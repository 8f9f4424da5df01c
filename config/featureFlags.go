package config

import (
	"os"
	"strings"
)

// RequireKycForDeposits gates buyer USDC deposits on an approved KYC status.
// Default is on; set REQUIRE_KYC_FOR_DEPOSITS=false only in dev/test stacks.
func RequireKycForDeposits() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REQUIRE_KYC_FOR_DEPOSITS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// AuthorizedOperators returns the wallet addresses allowed to call mint/burn
// and to drive settlement/servicing postings.
//
// Set via env:
// - AUTHORIZED_OPERATORS="0xabc...,0xdef..."
func AuthorizedOperators() []string {
	raw := os.Getenv("AUTHORIZED_OPERATORS")
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsAuthorizedOperator reports whether wallet may operate the registry
// (mint/burn) and post settlements/servicing payments.
func IsAuthorizedOperator(wallet string) bool {
	wallet = strings.ToLower(strings.TrimSpace(wallet))
	if wallet == "" {
		return false
	}
	for _, op := range AuthorizedOperators() {
		if op == wallet {
			return true
		}
	}
	return false
}
