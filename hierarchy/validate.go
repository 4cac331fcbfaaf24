package hierarchy

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/residence-registry/fault"
)

// ValidateLabel checks a property label.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return fault.Validation("label", "must not be empty")
	}
	return nil
}

// ValidateOrdinal checks a level ordinal. Ground floors use 0, basements
// go negative.
func ValidateOrdinal(ordinal int) error {
	if ordinal < -20 || ordinal > 500 {
		return fault.Validation("ordinal", "%d out of range", ordinal)
	}
	return nil
}

func ValidateUnitNumber(n string) error {
	if strings.TrimSpace(n) == "" {
		return fault.Validation("unit_number", "must not be empty")
	}
	return nil
}

// ValidateOccupant checks the editable fields of an occupant record.
func ValidateOccupant(o Occupant) error {
	if strings.TrimSpace(o.Name) == "" {
		return fault.Validation("name", "must not be empty")
	}
	if o.HouseholdSize < 1 {
		return fault.Validation("household_size", "must be at least 1, got %d", o.HouseholdSize)
	}
	if o.MonthlyFee.IsNegative() {
		return fault.Validation("monthly_fee", "must not be negative")
	}
	if err := ValidateCents("monthly_fee", o.MonthlyFee); err != nil {
		return err
	}
	if o.BalanceDue.IsNegative() {
		return fault.Validation("balance_due", "must not be negative")
	}
	if err := ValidateCents("balance_due", o.BalanceDue); err != nil {
		return err
	}
	if o.Status != "" && !o.Status.Valid() {
		return fault.Validation("status", "unknown status %q", o.Status)
	}
	return nil
}

// ValidateCents rejects amounts with sub-cent digits. Money is stored with
// two decimal places.
func ValidateCents(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return fault.Validation(field, "%s has more than 2 decimal places", amount.String())
	}
	return nil
}
