/*
Package assignment implements the occupant placement workflow.

PURPOSE:
  Drives the cascading selection (property -> level -> unit) and the
  atomic (re)assignment of occupants to units, including recovery of
  occupants orphaned by deletions.

STATE MACHINE (per occupant):
  UNASSIGNED --assign-->   ASSIGNED
  ASSIGNED   --reassign--> ASSIGNED
  ASSIGNED   --(unit or property deleted)--> UNASSIGNED

TRANSACTIONAL CONTRACT:
  1. Validate that the unit belongs to the stated property and level.
  2. Commit the occupant's unit change in one store transaction.
  3. Only then write any attached asset.

  A failure in 1 aborts before any mutation. A failure in 3 is returned as
  Result.Warning; the relational change from 2 stands. The asset tree and
  the database are two substrates that are never joined by one transaction.

REASSIGNMENT AND ASSETS:
  Assets stored under the previous owner path are left in place. New uploads
  go to the path derived from the new placement.

SEE ALSO:
  - hierarchy/store.go: Store contract
  - assets/resolver.go: Path derivation
*/
package assignment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/residence-registry/assets"
	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

// AssetWriter is the part of assets.FileStore the workflow writes through.
type AssetWriter interface {
	Store(ctx context.Context, path string, data []byte, mime string) error
}

type Service struct {
	store  hierarchy.TxStore
	assets AssetWriter
	log    logrus.FieldLogger
}

func NewService(store hierarchy.TxStore, writer AssetWriter, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{store: store, assets: writer, log: log}
}

// Result is the outcome of an assignment. Warning carries a post-commit
// asset failure; the assignment itself succeeded when err is nil.
type Result struct {
	Occupant  hierarchy.Occupant
	AssetPath string
	Warning   error
}

// =============================================================================
// ASSIGN / REASSIGN
// =============================================================================

// Assign places the occupant in the requested unit. An occupant living in
// another unit is only moved when req.Override is set.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Result, error) {
	if err := check(req); err != nil {
		return Result{}, err
	}
	return s.assign(ctx, req, false)
}

// Reassign moves a currently assigned occupant. Override is implied.
func (s *Service) Reassign(ctx context.Context, req AssignRequest) (Result, error) {
	if err := check(req); err != nil {
		return Result{}, err
	}
	req.Override = true
	return s.assign(ctx, req, true)
}

func (s *Service) assign(ctx context.Context, req AssignRequest, mustBeAssigned bool) (Result, error) {
	log := s.log.WithFields(logrus.Fields{
		"occupant_id": req.OccupantID,
		"unit_id":     req.UnitID,
		"override":    req.Override,
	})

	var (
		result    Result
		assetPath string
	)
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		// 1. Validate
		current, err := tx.GetOccupant(ctx, req.OccupantID)
		if err != nil {
			return err
		}
		if mustBeAssigned && !current.Assigned() {
			return fault.Conflict("occupant", string(req.OccupantID), "not assigned to any unit; assign it first")
		}
		owner, err := resolvePlacement(ctx, tx, req.Placement)
		if err != nil {
			return err
		}
		if req.Attachment != nil {
			owner.Kind, owner.ID = assets.OwnerOccupant, string(req.OccupantID)
			assetPath, err = assets.ResolvePath(assets.Ref{
				Owner: owner,
				Kind:  req.Attachment.Kind,
				Index: req.Attachment.Index,
				Mime:  req.Attachment.Mime,
			})
			if err != nil {
				return err
			}
		}

		// 2. Commit
		result.Occupant, err = tx.AssignOccupant(ctx, req.OccupantID, req.UnitID, req.Override)
		return err
	})
	if err != nil {
		log.WithError(err).Debug("assignment: rejected")
		return Result{}, err
	}
	log.Info("assignment: committed")

	// 3. Upload
	if req.Attachment != nil {
		result.AssetPath = assetPath
		if werr := s.assets.Store(ctx, assetPath, req.Attachment.Data, req.Attachment.Mime); werr != nil {
			result.Warning = fmt.Errorf("occupant %s assigned but asset not stored: %w", req.OccupantID, werr)
			log.WithError(werr).WithField("path", assetPath).Warn("assignment: asset upload failed after commit")
		}
	}
	return result, nil
}

// resolvePlacement checks that the unit belongs to the stated property and
// level and returns the asset owner rooted at that placement.
func resolvePlacement(ctx context.Context, st hierarchy.Store, p Placement) (assets.Owner, error) {
	unit, err := st.GetUnit(ctx, p.UnitID)
	if err != nil {
		return assets.Owner{}, err
	}
	if unit.PropertyID != p.PropertyID {
		return assets.Owner{}, fault.Validation("unitId",
			"unit %s belongs to property %q, not %s", unit.ID, unit.PropertyID, p.PropertyID)
	}
	owner := assets.Owner{PropertyID: string(unit.PropertyID)}

	switch {
	case p.LevelID == nil && unit.LevelID == nil:
		return owner, nil
	case p.LevelID == nil:
		return assets.Owner{}, fault.Validation("levelId", "unit %s is on level %s", unit.ID, *unit.LevelID)
	case unit.LevelID == nil || *unit.LevelID != *p.LevelID:
		return assets.Owner{}, fault.Validation("levelId", "unit %s is not on level %s", unit.ID, *p.LevelID)
	}

	level, err := st.GetLevel(ctx, *p.LevelID)
	if err != nil {
		return assets.Owner{}, err
	}
	if level.PropertyID != p.PropertyID {
		return assets.Owner{}, fault.Validation("levelId",
			"level %s belongs to property %s, not %s", level.ID, level.PropertyID, p.PropertyID)
	}
	owner.LevelOrdinal = hierarchy.Ptr(level.Ordinal)
	return owner, nil
}

// =============================================================================
// ORPHAN RECOVERY
// =============================================================================

// Removal reports what a deletion detached. Orphans are the occupants that
// became unassigned, ready to be re-surfaced for reassignment.
type Removal struct {
	Cascade hierarchy.CascadeResult
	Orphans []hierarchy.Occupant
}

func (s *Service) RemoveProperty(ctx context.Context, id hierarchy.PropertyID) (Removal, error) {
	var out Removal
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		var err error
		if out.Cascade, err = tx.DeleteProperty(ctx, id); err != nil {
			return err
		}
		out.Orphans, err = occupants(ctx, tx, out.Cascade.UnassignedOccupantIDs)
		return err
	})
	if err != nil {
		return Removal{}, err
	}
	s.log.WithFields(logrus.Fields{
		"property_id": id,
		"levels":      len(out.Cascade.RemovedLevels),
		"units":       len(out.Cascade.RemovedUnits),
		"orphans":     len(out.Orphans),
	}).Info("assignment: property removed")
	return out, nil
}

func (s *Service) RemoveUnit(ctx context.Context, id hierarchy.UnitID) (Removal, error) {
	var out Removal
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		orphanIDs, err := tx.DeleteUnit(ctx, id)
		if err != nil {
			return err
		}
		out.Cascade = hierarchy.CascadeResult{RemovedUnits: []hierarchy.UnitID{id}, UnassignedOccupantIDs: orphanIDs}
		out.Orphans, err = occupants(ctx, tx, orphanIDs)
		return err
	})
	if err != nil {
		return Removal{}, err
	}
	s.log.WithFields(logrus.Fields{"unit_id": id, "orphans": len(out.Orphans)}).Info("assignment: unit removed")
	return out, nil
}

// Unassigned lists occupants waiting for a unit.
func (s *Service) Unassigned(ctx context.Context) ([]hierarchy.Occupant, error) {
	return s.store.ListUnassignedOccupants(ctx)
}

func occupants(ctx context.Context, st hierarchy.Store, ids []hierarchy.OccupantID) ([]hierarchy.Occupant, error) {
	out := make([]hierarchy.Occupant, 0, len(ids))
	for _, id := range ids {
		o, err := st.GetOccupant(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// =============================================================================
// UPLOADS
// =============================================================================

// UploadAsset stores an asset for a property, level or occupant at the path
// derived from the owner's current placement. A primary image of a property
// or level is recorded on the entity.
func (s *Service) UploadAsset(ctx context.Context, req UploadRequest) (string, error) {
	if err := check(req); err != nil {
		return "", err
	}
	owner, err := s.owner(ctx, req.OwnerKind, req.OwnerID)
	if err != nil {
		return "", err
	}
	path, err := assets.ResolvePath(assets.Ref{Owner: owner, Kind: req.Kind, Index: req.Index, Mime: req.Mime})
	if err != nil {
		return "", err
	}
	if err := s.assets.Store(ctx, path, req.Data, req.Mime); err != nil {
		return "", err
	}

	if req.Kind == assets.KindPrimaryImage {
		switch req.OwnerKind {
		case assets.OwnerProperty:
			err = s.store.SetPropertyImage(ctx, hierarchy.PropertyID(req.OwnerID), path)
		case assets.OwnerLevel:
			err = s.store.SetLevelImage(ctx, hierarchy.LevelID(req.OwnerID), path)
		}
		if err != nil {
			return "", fmt.Errorf("asset stored at %s but not recorded: %w", path, err)
		}
	}
	s.log.WithFields(logrus.Fields{"owner_kind": req.OwnerKind, "owner_id": req.OwnerID, "path": path}).
		Info("assignment: asset uploaded")
	return path, nil
}

// OwnerDir returns the directory holding the assets of an owner at its
// current placement.
func (s *Service) OwnerDir(ctx context.Context, kind assets.OwnerKind, id string) (string, error) {
	owner, err := s.owner(ctx, kind, id)
	if err != nil {
		return "", err
	}
	return assets.OwnerDir(owner)
}

// owner resolves the placement segments of an asset owner from the store.
func (s *Service) owner(ctx context.Context, kind assets.OwnerKind, id string) (assets.Owner, error) {
	switch kind {
	case assets.OwnerProperty:
		p, err := s.store.GetProperty(ctx, hierarchy.PropertyID(id))
		if err != nil {
			return assets.Owner{}, err
		}
		return assets.Owner{Kind: kind, ID: string(p.ID), PropertyID: string(p.ID)}, nil

	case assets.OwnerLevel:
		l, err := s.store.GetLevel(ctx, hierarchy.LevelID(id))
		if err != nil {
			return assets.Owner{}, err
		}
		return assets.Owner{Kind: kind, ID: string(l.ID), PropertyID: string(l.PropertyID), LevelOrdinal: hierarchy.Ptr(l.Ordinal)}, nil

	case assets.OwnerOccupant:
		o, err := s.store.GetOccupant(ctx, hierarchy.OccupantID(id))
		if err != nil {
			return assets.Owner{}, err
		}
		owner := assets.Owner{Kind: kind, ID: string(o.ID)}
		if !o.Assigned() {
			return owner, nil
		}
		unit, err := s.store.GetUnit(ctx, *o.UnitID)
		if err != nil {
			return assets.Owner{}, err
		}
		owner.PropertyID = string(unit.PropertyID)
		if unit.LevelID != nil {
			level, err := s.store.GetLevel(ctx, *unit.LevelID)
			if err != nil {
				return assets.Owner{}, err
			}
			owner.LevelOrdinal = hierarchy.Ptr(level.Ordinal)
		}
		return owner, nil
	}
	return assets.Owner{}, fault.Validation("ownerKind", "unknown owner kind %q", kind)
}

// =============================================================================
// OCCUPANT LIFECYCLE
// =============================================================================

// CreateOccupant creates an occupant, placed when req.Placement is set and
// unassigned otherwise.
func (s *Service) CreateOccupant(ctx context.Context, req CreateOccupantRequest) (hierarchy.Occupant, error) {
	if err := check(req); err != nil {
		return hierarchy.Occupant{}, err
	}
	o := hierarchy.Occupant{
		Name:          req.Name,
		BirthDate:     req.BirthDate,
		HouseholdSize: req.HouseholdSize,
		MonthlyFee:    req.MonthlyFee,
		CreatorRef:    req.CreatorRef,
		Status:        hierarchy.StatusActive,
	}

	var created hierarchy.Occupant
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		if req.Placement != nil {
			if _, err := resolvePlacement(ctx, tx, *req.Placement); err != nil {
				return err
			}
			o.UnitID = hierarchy.Ptr(req.Placement.UnitID)
		}
		var err error
		created, err = tx.CreateOccupant(ctx, o)
		return err
	})
	if err != nil {
		return hierarchy.Occupant{}, err
	}
	s.log.WithFields(logrus.Fields{"occupant_id": created.ID, "assigned": created.Assigned()}).
		Info("assignment: occupant created")
	return created, nil
}

func (s *Service) EditOccupant(ctx context.Context, req EditOccupantRequest) (hierarchy.Occupant, error) {
	if err := check(req); err != nil {
		return hierarchy.Occupant{}, err
	}
	return s.mutate(ctx, req.ID, func(o *hierarchy.Occupant) error {
		if req.Name != nil {
			o.Name = *req.Name
		}
		if req.BirthDate != nil {
			o.BirthDate = *req.BirthDate
		}
		if req.HouseholdSize != nil {
			o.HouseholdSize = *req.HouseholdSize
		}
		if req.MonthlyFee != nil {
			o.MonthlyFee = *req.MonthlyFee
		}
		return nil
	})
}

func (s *Service) SetStatus(ctx context.Context, id hierarchy.OccupantID, status hierarchy.OccupantStatus) (hierarchy.Occupant, error) {
	if !status.Valid() {
		return hierarchy.Occupant{}, fault.Validation("status", "unknown status %q", status)
	}
	return s.mutate(ctx, id, func(o *hierarchy.Occupant) error {
		o.Status = status
		return nil
	})
}

// RecordCharge adds amount to the occupant's balance due.
func (s *Service) RecordCharge(ctx context.Context, id hierarchy.OccupantID, amount decimal.Decimal) (hierarchy.Occupant, error) {
	if err := positive("amount", amount); err != nil {
		return hierarchy.Occupant{}, err
	}
	return s.mutate(ctx, id, func(o *hierarchy.Occupant) error {
		o.BalanceDue = o.BalanceDue.Add(amount)
		return nil
	})
}

// RecordPayment settles part or all of the balance due.
func (s *Service) RecordPayment(ctx context.Context, id hierarchy.OccupantID, amount decimal.Decimal) (hierarchy.Occupant, error) {
	if err := positive("amount", amount); err != nil {
		return hierarchy.Occupant{}, err
	}
	return s.mutate(ctx, id, func(o *hierarchy.Occupant) error {
		if amount.GreaterThan(o.BalanceDue) {
			return fault.Validation("amount", "payment %s exceeds balance due %s",
				amount.StringFixed(2), o.BalanceDue.StringFixed(2))
		}
		o.BalanceDue = o.BalanceDue.Sub(amount)
		return nil
	})
}

// DeleteOccupant hard-deletes an occupant that owes nothing.
func (s *Service) DeleteOccupant(ctx context.Context, id hierarchy.OccupantID) error {
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		o, err := tx.GetOccupant(ctx, id)
		if err != nil {
			return err
		}
		if o.HasDebt() {
			return fault.Conflict("occupant", string(id), "outstanding balance %s", o.BalanceDue.StringFixed(2))
		}
		return tx.DeleteOccupant(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.WithField("occupant_id", id).Info("assignment: occupant deleted")
	return nil
}

// mutate applies fn to the stored occupant and writes it back in one
// transaction.
func (s *Service) mutate(ctx context.Context, id hierarchy.OccupantID, fn func(*hierarchy.Occupant) error) (hierarchy.Occupant, error) {
	var out hierarchy.Occupant
	err := s.store.WithTx(ctx, func(tx hierarchy.Store) error {
		o, err := tx.GetOccupant(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
		out, err = tx.UpdateOccupant(ctx, o)
		return err
	})
	return out, err
}
