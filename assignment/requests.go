package assignment

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/residence-registry/assets"
	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// REQUESTS
// =============================================================================

// Placement is the caller's cascading selection: property, then level, then
// unit. LevelID is nil only for units that hang off no level.
type Placement struct {
	PropertyID hierarchy.PropertyID `json:"propertyId" validate:"required"`
	LevelID    *hierarchy.LevelID   `json:"levelId,omitempty"`
	UnitID     hierarchy.UnitID     `json:"unitId" validate:"required"`
}

// Attachment is an asset uploaded together with an assignment. It is
// written only after the assignment has committed.
type Attachment struct {
	Kind  assets.Kind `validate:"required,oneof=primaryImage document"`
	Index int         `validate:"gte=0"`
	Data  []byte      `validate:"required"`
	Mime  string      `validate:"required"`
}

type AssignRequest struct {
	OccupantID hierarchy.OccupantID `json:"occupantId" validate:"required"`
	Placement
	Override   bool        `json:"override"`
	Attachment *Attachment `json:"-"`
}

type CreateOccupantRequest struct {
	Name          string          `json:"name" validate:"required"`
	BirthDate     time.Time       `json:"birthDate"`
	HouseholdSize int             `json:"householdSize" validate:"gte=0,lte=50"`
	MonthlyFee    decimal.Decimal `json:"monthlyFee"`
	CreatorRef    string          `json:"creatorRef"`
	Placement     *Placement      `json:"placement,omitempty"`
}

// EditOccupantRequest patches the fields that are set.
type EditOccupantRequest struct {
	ID            hierarchy.OccupantID `validate:"required"`
	Name          *string              `validate:"omitnil,min=1"`
	BirthDate     *time.Time
	HouseholdSize *int `validate:"omitnil,gte=1,lte=50"`
	MonthlyFee    *decimal.Decimal
}

type UploadRequest struct {
	OwnerKind assets.OwnerKind `validate:"required,oneof=property level occupant"`
	OwnerID   string           `validate:"required"`
	Attachment
}

// =============================================================================
// VALIDATION
// =============================================================================

// check runs the struct tags and reports the first failure as a
// fault.ValidationError.
func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fault.Validation("", "%v", err)
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fault.Validation(fieldName(fe.Field()), "failed %s=%s", fe.Tag(), fe.Param())
	}
	return fault.Validation(fieldName(fe.Field()), "failed %s", fe.Tag())
}

func fieldName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func positive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fault.Validation(field, "must be positive, got %s", amount.String())
	}
	return hierarchy.ValidateCents(field, amount)
}
