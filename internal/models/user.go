package models

// User roles.
const (
	RoleOwner  = "owner"
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)

// User is a member of the business who can be assigned jobs.
type User struct {
	Base
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
	Role   string `json:"role,omitempty"`
	Active bool   `json:"active"`
}

// Type implements Entity.
func (*User) Type() EntityType { return EntityUser }

// Validate checks name, email and role.
func (u *User) Validate() error {
	f := fieldErrors{}
	f.require("name", u.Name)
	f.require("email", u.Email)
	f.email("email", u.Email)
	f.oneOf("role", u.Role, RoleOwner, RoleWorker, RoleAdmin)
	return f.err(EntityUser)
}

// Clone returns a deep copy.
func (u *User) Clone() Entity {
	cp := *u
	return &cp
}

// RewriteReference is a no-op: users reference nothing.
func (*User) RewriteReference(string, string) bool { return false }
