/*
Package seed loads a YAML hierarchy document into the store.

PURPOSE:
  Seeds properties, levels and units through the idempotent upserts, so the
  same document can be applied on every start without creating duplicates.

YAML SCHEMA:

  properties:
    - label: "North Tower"
      image: "/p-1/p-1/primaryImage.jpg"   # optional
      units: ["G-01"]                  # optional, units without a level
      levels:
        - ordinal: 1
          name: "Ground"               # optional, defaults to "Level <n>"
          units: ["101", "102"]

USAGE:

  doc, err := seed.LoadFile("seed.yaml")
  res, err := seed.Apply(ctx, store, doc)

SEE ALSO:
  - hierarchy/store.go: Upsert semantics
*/
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// Document is the root of a seed file.
type Document struct {
	Properties []PropertyYAML `yaml:"properties"`
}

// PropertyYAML represents one property and everything beneath it.
type PropertyYAML struct {
	Label  string      `yaml:"label"`
	Image  string      `yaml:"image,omitempty"`
	Units  []string    `yaml:"units,omitempty"` // units not attached to a level
	Levels []LevelYAML `yaml:"levels,omitempty"`
}

// LevelYAML represents a floor and its units.
type LevelYAML struct {
	Ordinal int      `yaml:"ordinal"`
	Name    string   `yaml:"name,omitempty"`
	Units   []string `yaml:"units,omitempty"`
}

// Result counts what an application created. Existing rows are not counted.
type Result struct {
	Properties int
	Levels     int
	Units      int
}

// Empty reports whether nothing was created.
func (r Result) Empty() bool {
	return r.Properties == 0 && r.Levels == 0 && r.Units == 0
}

func (r Result) String() string {
	return fmt.Sprintf("%d properties, %d levels, %d units created", r.Properties, r.Levels, r.Units)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse decodes and validates a seed document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// LoadFile reads and parses a seed file.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Validate rejects documents whose natural keys are empty or repeated.
func (d Document) Validate() error {
	labels := make(map[string]bool)
	for i, p := range d.Properties {
		field := fmt.Sprintf("properties[%d]", i)
		if strings.TrimSpace(p.Label) == "" {
			return fault.Validation(field+".label", "must not be empty")
		}
		if labels[p.Label] {
			return fault.Validation(field+".label", "duplicate label %q", p.Label)
		}
		labels[p.Label] = true

		ordinals := make(map[int]bool)
		numbers := make(map[string]bool)
		checkUnits := func(prefix string, units []string) error {
			for j, n := range units {
				if strings.TrimSpace(n) == "" {
					return fault.Validation(fmt.Sprintf("%s.units[%d]", prefix, j), "must not be empty")
				}
				if numbers[n] {
					return fault.Validation(fmt.Sprintf("%s.units[%d]", prefix, j), "duplicate unit number %q", n)
				}
				numbers[n] = true
			}
			return nil
		}
		if err := checkUnits(field, p.Units); err != nil {
			return err
		}
		for j, l := range p.Levels {
			lf := fmt.Sprintf("%s.levels[%d]", field, j)
			if ordinals[l.Ordinal] {
				return fault.Validation(lf+".ordinal", "duplicate ordinal %d", l.Ordinal)
			}
			ordinals[l.Ordinal] = true
			if err := checkUnits(lf, l.Units); err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// APPLY
// =============================================================================

// Apply upserts the document in one transaction.
func Apply(ctx context.Context, store hierarchy.TxStore, doc Document) (Result, error) {
	if err := doc.Validate(); err != nil {
		return Result{}, err
	}
	var res Result
	err := store.WithTx(ctx, func(tx hierarchy.Store) error {
		res = Result{}
		existing, err := tx.ListProperties(ctx)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, p := range existing {
			known[p.Label] = true
		}
		for _, py := range doc.Properties {
			if err := applyProperty(ctx, tx, py, known[py.Label], &res); err != nil {
				return fmt.Errorf("seed property %q: %w", py.Label, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func applyProperty(ctx context.Context, tx hierarchy.Store, py PropertyYAML, existed bool, res *Result) error {
	prop, err := tx.UpsertProperty(ctx, py.Label, hierarchy.PropertyData{ImagePath: py.Image})
	if err != nil {
		return err
	}
	if !existed {
		res.Properties++
	}

	levels, err := tx.ListLevels(ctx, prop.ID)
	if err != nil {
		return err
	}
	ordinals := make(map[int]bool, len(levels))
	for _, l := range levels {
		ordinals[l.Ordinal] = true
	}
	units, err := tx.ListUnitsByProperty(ctx, prop.ID)
	if err != nil {
		return err
	}
	numbers := make(map[string]bool, len(units))
	for _, u := range units {
		numbers[u.UnitNumber] = true
	}

	upsertUnits := func(list []string, levelID *hierarchy.LevelID) error {
		for _, n := range list {
			if _, err := tx.UpsertUnit(ctx, prop.ID, n, hierarchy.UnitData{LevelID: levelID}); err != nil {
				return fmt.Errorf("unit %q: %w", n, err)
			}
			if !numbers[n] {
				numbers[n] = true
				res.Units++
			}
		}
		return nil
	}

	if err := upsertUnits(py.Units, nil); err != nil {
		return err
	}
	for _, ly := range py.Levels {
		level, err := tx.UpsertLevel(ctx, prop.ID, ly.Ordinal, hierarchy.LevelData{Name: ly.Name})
		if err != nil {
			return fmt.Errorf("level %d: %w", ly.Ordinal, err)
		}
		if !ordinals[ly.Ordinal] {
			ordinals[ly.Ordinal] = true
			res.Levels++
		}
		if err := upsertUnits(ly.Units, &level.ID); err != nil {
			return err
		}
	}
	return nil
}
