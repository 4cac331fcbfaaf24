/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the hierarchy model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Hierarchy:
    PropertyDTO, LevelDTO, UnitDTO
    CreatePropertyRequest, CreateLevelRequest, CreateUnitRequest

  Occupants:
    OccupantDTO, CreateOccupantRequest, EditOccupantRequest, AmountRequest

  Workflow:
    AssignmentDTO, RemovalDTO, AssetDTO

DATES:
  Birth dates travel as YYYY-MM-DD, timestamps as RFC3339. Money travels as
  decimal strings ("1250.00").

SEE ALSO:
  - handlers.go: Uses these types
  - assignment/requests.go: Workflow request types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/residence-registry/assets"
	"github.com/warp/residence-registry/assignment"
	"github.com/warp/residence-registry/hierarchy"
)

// =============================================================================
// HIERARCHY
// =============================================================================

type PropertyDTO struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	ImagePath string `json:"imagePath,omitempty"`
	ImageURL  string `json:"imageUrl,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type LevelDTO struct {
	ID         string `json:"id"`
	PropertyID string `json:"propertyId"`
	Ordinal    int    `json:"ordinal"`
	Name       string `json:"name"`
	ImagePath  string `json:"imagePath,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type UnitDTO struct {
	ID         string  `json:"id"`
	PropertyID string  `json:"propertyId"`
	LevelID    *string `json:"levelId"`
	UnitNumber string  `json:"unitNumber"`
	CreatedAt  string  `json:"createdAt"`
}

type CreatePropertyRequest struct {
	Label string `json:"label"`
}

type CreateLevelRequest struct {
	Ordinal int    `json:"ordinal"`
	Name    string `json:"name"`
}

type CreateUnitRequest struct {
	UnitNumber string  `json:"unitNumber"`
	LevelID    *string `json:"levelId"`
}

// =============================================================================
// OCCUPANTS
// =============================================================================

type OccupantDTO struct {
	ID            string  `json:"id"`
	UnitID        *string `json:"unitId"`
	Name          string  `json:"name"`
	BirthDate     string  `json:"birthDate,omitempty"`
	HouseholdSize int     `json:"householdSize"`
	MonthlyFee    string  `json:"monthlyFee"`
	BalanceDue    string  `json:"balanceDue"`
	CreatorRef    string  `json:"creatorRef,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

type CreateOccupantRequest struct {
	Name          string                `json:"name"`
	BirthDate     string                `json:"birthDate"` // YYYY-MM-DD, optional
	HouseholdSize int                   `json:"householdSize"`
	MonthlyFee    decimal.Decimal       `json:"monthlyFee"`
	CreatorRef    string                `json:"creatorRef"`
	Placement     *assignment.Placement `json:"placement"`
}

// EditOccupantRequest patches the fields that are present.
type EditOccupantRequest struct {
	Name          *string          `json:"name"`
	BirthDate     *string          `json:"birthDate"`
	HouseholdSize *int             `json:"householdSize"`
	MonthlyFee    *decimal.Decimal `json:"monthlyFee"`
	Status        *string          `json:"status"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// =============================================================================
// WORKFLOW
// =============================================================================

type AssignmentDTO struct {
	Occupant  OccupantDTO `json:"occupant"`
	AssetPath string      `json:"assetPath,omitempty"`
	AssetURL  string      `json:"assetUrl,omitempty"`
	Warning   string      `json:"warning,omitempty"`
}

type RemovalDTO struct {
	RemovedLevels []string      `json:"removedLevels"`
	RemovedUnits  []string      `json:"removedUnits"`
	Orphans       []OccupantDTO `json:"orphans"`
}

type AssetDTO struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (h *Handler) toPropertyDTO(p hierarchy.Property) PropertyDTO {
	return PropertyDTO{
		ID:        string(p.ID),
		Label:     p.Label,
		ImagePath: p.ImagePath,
		ImageURL:  h.assetURL(p.ImagePath),
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) toLevelDTO(l hierarchy.Level) LevelDTO {
	return LevelDTO{
		ID:         string(l.ID),
		PropertyID: string(l.PropertyID),
		Ordinal:    l.Ordinal,
		Name:       l.Name,
		ImagePath:  l.ImagePath,
		ImageURL:   h.assetURL(l.ImagePath),
		CreatedAt:  l.CreatedAt.Format(time.RFC3339),
	}
}

func toUnitDTO(u hierarchy.Unit) UnitDTO {
	dto := UnitDTO{
		ID:         string(u.ID),
		PropertyID: string(u.PropertyID),
		UnitNumber: u.UnitNumber,
		CreatedAt:  u.CreatedAt.Format(time.RFC3339),
	}
	if u.LevelID != nil {
		dto.LevelID = strPtr(string(*u.LevelID))
	}
	return dto
}

func toOccupantDTO(o hierarchy.Occupant) OccupantDTO {
	dto := OccupantDTO{
		ID:            string(o.ID),
		Name:          o.Name,
		HouseholdSize: o.HouseholdSize,
		MonthlyFee:    o.MonthlyFee.StringFixed(2),
		BalanceDue:    o.BalanceDue.StringFixed(2),
		CreatorRef:    o.CreatorRef,
		Status:        string(o.Status),
		CreatedAt:     o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     o.UpdatedAt.Format(time.RFC3339),
	}
	if o.UnitID != nil {
		dto.UnitID = strPtr(string(*o.UnitID))
	}
	if !o.BirthDate.IsZero() {
		dto.BirthDate = o.BirthDate.Format(time.DateOnly)
	}
	return dto
}

func toOccupantDTOs(list []hierarchy.Occupant) []OccupantDTO {
	dtos := make([]OccupantDTO, len(list))
	for i, o := range list {
		dtos[i] = toOccupantDTO(o)
	}
	return dtos
}

func toRemovalDTO(r assignment.Removal) RemovalDTO {
	dto := RemovalDTO{
		RemovedLevels: convertIDs(r.Cascade.RemovedLevels),
		RemovedUnits:  convertIDs(r.Cascade.RemovedUnits),
		Orphans:       toOccupantDTOs(r.Orphans),
	}
	return dto
}

func (h *Handler) assetURL(p string) string {
	if p == "" {
		return ""
	}
	return assets.URL(h.assetPrefix, p)
}

func convertIDs[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
