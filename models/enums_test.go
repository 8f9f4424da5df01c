package models

import "testing"

func TestPackageStatusTransitions(t *testing.T) {
	cases := []struct {
		from    PackageStatus
		to      PackageStatus
		allowed bool
	}{
		{PackageStatusCreated, PackageStatusActive, true},
		{PackageStatusCreated, PackageStatusSettled, false},
		{PackageStatusCreated, PackageStatusDefaulted, false},
		{PackageStatusCreated, PackageStatusCreated, false},
		{PackageStatusActive, PackageStatusSettled, true},
		{PackageStatusActive, PackageStatusDefaulted, true},
		{PackageStatusActive, PackageStatusCreated, false},
		{PackageStatusSettled, PackageStatusActive, false},
		{PackageStatusSettled, PackageStatusDefaulted, false},
		{PackageStatusDefaulted, PackageStatusActive, false},
		{PackageStatusDefaulted, PackageStatusSettled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.allowed {
			t.Errorf("%s -> %s: expected allowed=%v, got %v", c.from, c.to, c.allowed, got)
		}
	}
}

func TestPackageStatusTerminal(t *testing.T) {
	if PackageStatusCreated.IsTerminal() || PackageStatusActive.IsTerminal() {
		t.Fatal("Created/Active must not be terminal")
	}
	if !PackageStatusSettled.IsTerminal() || !PackageStatusDefaulted.IsTerminal() {
		t.Fatal("Settled/Defaulted must be terminal")
	}
}

func TestParsePackageStatus(t *testing.T) {
	for _, s := range []string{"Created", "Active", "Settled", "Defaulted"} {
		if _, err := ParsePackageStatus(s); err != nil {
			t.Errorf("ParsePackageStatus(%q): unexpected error %v", s, err)
		}
	}
	for _, s := range []string{"", "created", "ACTIVE", "Cancelled"} {
		if _, err := ParsePackageStatus(s); err == nil {
			t.Errorf("ParsePackageStatus(%q): expected error", s)
		}
	}
}
