package models

import "time"

// Job statuses.
const (
	JobQuote      = "quote"
	JobScheduled  = "scheduled"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
)

// Job is a unit of field work performed for a customer.
type Job struct {
	Base
	CustomerID    string     `json:"customerId"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Status        string     `json:"status,omitempty"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Address       string     `json:"address,omitempty"`
	EstimatedCost float64    `json:"estimatedCost,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// Type implements Entity.
func (*Job) Type() EntityType { return EntityJob }

// Validate checks required fields, status and cost.
func (j *Job) Validate() error {
	f := fieldErrors{}
	f.require("customerId", j.CustomerID)
	f.require("title", j.Title)
	f.oneOf("status", j.Status, JobQuote, JobScheduled, JobInProgress, JobCompleted, JobCancelled)
	f.nonNegative("estimatedCost", j.EstimatedCost)
	return f.err(EntityJob)
}

// Clone returns a deep copy.
func (j *Job) Clone() Entity {
	cp := *j
	if j.ScheduledDate != nil {
		d := *j.ScheduledDate
		cp.ScheduledDate = &d
	}
	return &cp
}

// RewriteReference updates the customer and assignee references.
func (j *Job) RewriteReference(oldID, newID string) bool {
	changed := false
	if j.CustomerID == oldID {
		j.CustomerID = newID
		changed = true
	}
	if j.AssignedTo == oldID {
		j.AssignedTo = newID
		changed = true
	}
	return changed
}
