// Package dimension breaks a materialized cohort down along demographic,
// visit, and site axes. The registry of axes is data; the engine runs
// the generate/validate/execute pipeline for each axis concurrently.
package dimension

import "github.com/cohort/cohort/internal/platform/schemacat"

// Spec describes one breakdown axis: the columns its result must
// produce and the table purposes its join target is drawn from.
type Spec struct {
	Name                  string   `json:"name"`
	RequiredOutputColumns []string `json:"required_output_columns"`
	SourcePurposes        []string `json:"source_purposes"`
}

// DefaultRegistry returns the standard breakdown axes. Deployments may
// extend the slice before constructing the engine.
func DefaultRegistry() []Spec {
	return []Spec{
		{
			Name:                  "age_groups",
			RequiredOutputColumns: []string{"age_group", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeDemographics},
		},
		{
			Name:                  "gender",
			RequiredOutputColumns: []string{"gender", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeDemographics},
		},
		{
			Name:                  "race",
			RequiredOutputColumns: []string{"race", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeDemographics},
		},
		{
			Name:                  "ethnicity",
			RequiredOutputColumns: []string{"ethnicity", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeDemographics},
		},
		{
			Name:                  "visit_level",
			RequiredOutputColumns: []string{"visit_level", "encounter_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeEncounters},
		},
		{
			Name:                  "admit_source",
			RequiredOutputColumns: []string{"admit_source", "encounter_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeEncounters},
		},
		{
			Name:                  "admit_type",
			RequiredOutputColumns: []string{"admit_type", "encounter_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeEncounters},
		},
		{
			Name:                  "urban_rural",
			RequiredOutputColumns: []string{"urban_rural", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeSites},
		},
		{
			Name:                  "teaching",
			RequiredOutputColumns: []string{"teaching_status", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeSites},
		},
		{
			Name:                  "bed_count",
			RequiredOutputColumns: []string{"bed_count_range", "patient_count", "percentage"},
			SourcePurposes:        []string{schemacat.PurposeSites},
		},
	}
}
