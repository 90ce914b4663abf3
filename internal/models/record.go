package models

import "time"

// Record is the local, versioned copy of one entity.
type Record struct {
	Type         EntityType `json:"type"`
	ID           string     `json:"id"`
	Version      int64      `json:"version"`
	LastModified int64      `json:"lastModified"` // ms since epoch, monotonic per store
	Synced       bool       `json:"synced"`
	Deleted      bool       `json:"deleted"`
	Entity       Entity     `json:"entity"`

	// ServerUpdatedAt is the server's updatedAt (ms since epoch) of the last
	// copy both sides agreed on. Zero until the record is first synced.
	ServerUpdatedAt int64 `json:"serverUpdatedAt,omitempty"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "records"
}

// LastModifiedTime returns LastModified as time.Time.
func (r *Record) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified)
}

// BaseTime returns ServerUpdatedAt as time.Time, or the zero time when the
// record was never synced.
func (r *Record) BaseTime() time.Time {
	if r.ServerUpdatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.ServerUpdatedAt).UTC()
}

// Clone returns a copy whose entity can be mutated independently.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Entity != nil {
		cp.Entity = r.Entity.Clone()
	}
	return &cp
}
