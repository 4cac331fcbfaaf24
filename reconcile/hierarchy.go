package reconcile

// HierarchyModel is the target structure of the residence registry:
// properties -> levels -> units -> occupants.
//
// Link columns added to pre-existing flat tables are nullable, and every
// NOT NULL column carries a default, so the model can be applied to a
// populated database without touching its rows.
func HierarchyModel() Model {
	return Model{
		{
			Name: "properties",
			Columns: []Column{
				{Name: "id", Type: TypeText, PrimaryKey: true},
				{Name: "label", Type: TypeText, Default: "''"},
				{Name: "image_path", Type: TypeText, Nullable: true},
				{Name: "created_at", Type: TypeTimestamp, Nullable: true},
			},
			Uniques: []Unique{
				{Name: "uq_properties_label", Columns: []string{"label"}},
			},
		},
		{
			Name: "levels",
			Columns: []Column{
				{Name: "id", Type: TypeText, PrimaryKey: true},
				{Name: "property_id", Type: TypeText, Default: "''"},
				{Name: "ordinal", Type: TypeInteger, Default: "0"},
				{Name: "name", Type: TypeText, Default: "''"},
				{Name: "image_path", Type: TypeText, Nullable: true},
				{Name: "created_at", Type: TypeTimestamp, Nullable: true},
			},
			ForeignKeys: []ForeignKey{
				{Column: "property_id", RefTable: "properties", RefColumn: "id", OnDelete: "CASCADE"},
			},
			Uniques: []Unique{
				{Name: "uq_levels_property_ordinal", Columns: []string{"property_id", "ordinal"}},
			},
		},
		{
			Name: "units",
			Columns: []Column{
				{Name: "id", Type: TypeText, PrimaryKey: true},
				{Name: "property_id", Type: TypeText, Nullable: true},
				{Name: "level_id", Type: TypeText, Nullable: true},
				{Name: "unit_number", Type: TypeText, Default: "''"},
				{Name: "created_at", Type: TypeTimestamp, Nullable: true},
			},
			ForeignKeys: []ForeignKey{
				{Column: "property_id", RefTable: "properties", RefColumn: "id", OnDelete: "CASCADE"},
				{Column: "level_id", RefTable: "levels", RefColumn: "id", OnDelete: "SET NULL"},
			},
			Uniques: []Unique{
				{Name: "uq_units_property_number", Columns: []string{"property_id", "unit_number"}},
			},
		},
		{
			Name: "occupants",
			Columns: []Column{
				{Name: "id", Type: TypeText, PrimaryKey: true},
				{Name: "unit_id", Type: TypeText, Nullable: true},
				{Name: "name", Type: TypeText, Default: "''"},
				{Name: "birth_date", Type: TypeTimestamp, Nullable: true},
				{Name: "household_size", Type: TypeInteger, Default: "1"},
				{Name: "monthly_fee", Type: TypeDecimal, Default: "0"},
				{Name: "balance_due", Type: TypeDecimal, Default: "0"},
				{Name: "creator_ref", Type: TypeText, Nullable: true},
				{Name: "status", Type: TypeText, Default: "'ACTIVE'"},
				{Name: "created_at", Type: TypeTimestamp, Nullable: true},
				{Name: "updated_at", Type: TypeTimestamp, Nullable: true},
			},
			ForeignKeys: []ForeignKey{
				{Column: "unit_id", RefTable: "units", RefColumn: "id", OnDelete: "SET NULL"},
			},
		},
	}
}
