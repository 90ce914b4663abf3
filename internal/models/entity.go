// Package models provides data model definitions for the KHS sync core.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
)

// EntityType names one of the synchronized business collections.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityJob      EntityType = "job"
	EntityMaterial EntityType = "material"
	EntityUser     EntityType = "user"
)

// EntityTypes lists every synchronized type in drain priority order.
var EntityTypes = []EntityType{EntityUser, EntityCustomer, EntityJob, EntityMaterial}

// ParseEntityType accepts singular or collection names ("job", "jobs").
func ParseEntityType(s string) (EntityType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range EntityTypes {
		if s == string(t) || s == t.Collection() {
			return t, nil
		}
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", s))
}

// Valid reports whether t is a known type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCustomer, EntityJob, EntityMaterial, EntityUser:
		return true
	}
	return false
}

// Collection returns the REST collection path segment for t.
func (t EntityType) Collection() string {
	return string(t) + "s"
}

// Priority returns the drain priority for mutations of t. Referenced types
// drain before the types that reference them.
func (t EntityType) Priority() int {
	switch t {
	case EntityUser:
		return 4
	case EntityCustomer:
		return 3
	case EntityJob:
		return 2
	case EntityMaterial:
		return 1
	}
	return 0
}

// Base carries the identity and timestamps common to every entity.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Meta gives access to the embedded Base through the Entity interface.
func (b *Base) Meta() *Base {
	return b
}

// Entity is the closed set of synchronized business objects.
type Entity interface {
	Type() EntityType
	Meta() *Base
	Validate() error
	Clone() Entity
	// RewriteReference replaces references to oldID with newID and reports
	// whether anything changed.
	RewriteReference(oldID, newID string) bool
}

// New returns an empty entity of type t.
func New(t EntityType) (Entity, error) {
	switch t {
	case EntityCustomer:
		return &Customer{}, nil
	case EntityJob:
		return &Job{}, nil
	case EntityMaterial:
		return &Material{}, nil
	case EntityUser:
		return &User{}, nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", t))
}

// DecodeEntity decodes a JSON payload into the entity variant for t.
func DecodeEntity(t EntityType, data []byte) (Entity, error) {
	e, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("decode %s", t), err)
	}
	return e, nil
}

// Encode returns the canonical JSON payload of e.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type(), err)
	}
	return data, nil
}

// Patch is a partial update keyed by JSON field name.
type Patch map[string]any

// ApplyPatch overlays patch on current and returns the merged entity.
// The patch may not change the id or the creation time.
func ApplyPatch(current Entity, patch Patch) (Entity, error) {
	data, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("encode current: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode current: %w", err)
	}

	for k, v := range patch {
		switch k {
		case "id":
			if s, _ := v.(string); s != current.Meta().ID {
				return nil, apperrors.New(apperrors.ErrInvalid, "patch may not change id")
			}
		case "createdAt":
			if !sameInstant(v, current.Meta().CreatedAt) {
				return nil, apperrors.New(apperrors.ErrInvalid, "patch may not change createdAt")
			}
		}
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode patch", err)
	}
	return DecodeEntity(current.Type(), merged)
}

func sameInstant(v any, t time.Time) bool {
	switch val := v.(type) {
	case time.Time:
		return val.Equal(t)
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, val)
		return err == nil && parsed.Equal(t)
	}
	return false
}

// fieldErrors collects validation failures keyed by JSON field name.
type fieldErrors map[string]string

func (f fieldErrors) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		f[field] = "is required"
	}
}

func (f fieldErrors) email(field, value string) {
	if value == "" {
		return
	}
	at := strings.Index(value, "@")
	if at < 1 || at == len(value)-1 || strings.ContainsAny(value, " \t") {
		f[field] = "is not a valid email address"
	}
}

func (f fieldErrors) oneOf(field, value string, allowed ...string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	f[field] = fmt.Sprintf("must be one of %s", strings.Join(allowed, ", "))
}

func (f fieldErrors) nonNegative(field string, value float64) {
	if value < 0 {
		f[field] = "must not be negative"
	}
}

func (f fieldErrors) err(t EntityType) error {
	if len(f) == 0 {
		return nil
	}
	return apperrors.Validation("invalid "+string(t), f)
}

// References returns the ids of other entities that e points at.
func References(e Entity) []string {
	var refs []string
	add := func(id string) {
		if id != "" {
			refs = append(refs, id)
		}
	}
	switch v := e.(type) {
	case *Job:
		add(v.CustomerID)
		add(v.AssignedTo)
	case *Material:
		add(v.JobID)
	}
	return refs
}
