package models

// Material is a stock item, optionally allocated to a job.
type Material struct {
	Base
	JobID    string  `json:"jobId,omitempty"`
	Name     string  `json:"name"`
	SKU      string  `json:"sku,omitempty"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit,omitempty"`
	UnitCost float64 `json:"unitCost,omitempty"`
	Supplier string  `json:"supplier,omitempty"`
	Notes    string  `json:"notes,omitempty"`
}

// Type implements Entity.
func (*Material) Type() EntityType { return EntityMaterial }

// Validate checks the name and amounts.
func (m *Material) Validate() error {
	f := fieldErrors{}
	f.require("name", m.Name)
	f.nonNegative("quantity", m.Quantity)
	f.nonNegative("unitCost", m.UnitCost)
	return f.err(EntityMaterial)
}

// Clone returns a deep copy.
func (m *Material) Clone() Entity {
	cp := *m
	return &cp
}

// RewriteReference updates the job reference.
func (m *Material) RewriteReference(oldID, newID string) bool {
	if m.JobID != "" && m.JobID == oldID {
		m.JobID = newID
		return true
	}
	return false
}
