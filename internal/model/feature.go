package model

// ValidationIssue describes one structural problem found in a geometry.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is attached to a Feature by the validation layer.
// It annotates; it never carries modified geometry.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Feature is one decoded source record: geometry plus an open
// attribute bag. IDs are unique within a dataset; SourceIndex points
// back at the originating record for error correlation.
type Feature struct {
	ID          int64                `json:"id"`
	Geometry    GeometryRecord       `json:"geometry"`
	Attributes  map[string]AttrValue `json:"attributes,omitempty"`
	Validation  *ValidationResult    `json:"validation,omitempty"`
	SourceIndex int                  `json:"source_index"`
}
