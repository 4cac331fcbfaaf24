package assignment

import (
	"context"
	"iter"

	"github.com/warp/residence-registry/hierarchy"
)

// =============================================================================
// CASCADING SELECTORS
// =============================================================================
//
// Each selector is a lazy, finite sequence: nothing is queried until it is
// ranged over, and ranging again queries again. A failed query yields one
// (zero, err) pair and stops.

// Properties lists every property, ordered by label.
func (s *Service) Properties(ctx context.Context) iter.Seq2[hierarchy.Property, error] {
	return sequence(func() ([]hierarchy.Property, error) {
		return s.store.ListProperties(ctx)
	})
}

// Levels lists the levels of one property, ordered by ordinal.
func (s *Service) Levels(ctx context.Context, propertyID hierarchy.PropertyID) iter.Seq2[hierarchy.Level, error] {
	return sequence(func() ([]hierarchy.Level, error) {
		if _, err := s.store.GetProperty(ctx, propertyID); err != nil {
			return nil, err
		}
		return s.store.ListLevels(ctx, propertyID)
	})
}

// Units lists the units on one level, ordered by unit number.
func (s *Service) Units(ctx context.Context, levelID hierarchy.LevelID) iter.Seq2[hierarchy.Unit, error] {
	return sequence(func() ([]hierarchy.Unit, error) {
		if _, err := s.store.GetLevel(ctx, levelID); err != nil {
			return nil, err
		}
		return s.store.ListUnits(ctx, levelID)
	})
}

func sequence[T any](load func() ([]T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		items, err := load()
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Collect drains a selector into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
