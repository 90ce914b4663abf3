package models

import (
	"encoding/json"
	"time"
)

// ConflictLog records a resolved conflict for user awareness.
type ConflictLog struct {
	ID              string          `db:"id" json:"id"`
	EntityType      EntityType      `db:"entity_type" json:"entityType"`
	EntityID        string          `db:"entity_id" json:"entityId"`
	Policy          string          `db:"policy" json:"policy"`
	Winner          string          `db:"winner" json:"winner"` // server, client
	LocalModified   int64           `db:"local_modified" json:"localModified"`   // ms
	ServerUpdated   int64           `db:"server_updated" json:"serverUpdated"`   // ms
	LocalPayload    json.RawMessage `db:"local_payload" json:"localPayload"`
	ServerPayload   json.RawMessage `db:"server_payload" json:"serverPayload"`
	ResolvedPayload json.RawMessage `db:"resolved_payload" json:"resolvedPayload"`
	DetectedAt      int64           `db:"detected_at" json:"detectedAt"` // ms
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
