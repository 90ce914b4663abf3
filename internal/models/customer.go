package models

// Customer statuses.
const (
	CustomerActive   = "active"
	CustomerInactive = "inactive"
	CustomerLead     = "lead"
)

// Customer is a client of the business.
type Customer struct {
	Base
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Notes   string `json:"notes,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Type implements Entity.
func (*Customer) Type() EntityType { return EntityCustomer }

// Validate checks required fields and formats.
func (c *Customer) Validate() error {
	f := fieldErrors{}
	f.require("name", c.Name)
	f.email("email", c.Email)
	f.oneOf("status", c.Status, CustomerActive, CustomerInactive, CustomerLead)
	return f.err(EntityCustomer)
}

// Clone returns a deep copy.
func (c *Customer) Clone() Entity {
	cp := *c
	return &cp
}

// RewriteReference is a no-op: customers reference nothing.
func (*Customer) RewriteReference(string, string) bool { return false }
