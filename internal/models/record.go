package models

import "time"

// VectorRecord is one stored vector. ID is assigned by the owning store on first
// sight of Fingerprint and never changes.
type VectorRecord struct {
	ID          uint64      `json:"id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Vector      Vector      `json:"vector,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ReferrerLink records that ParentID at an aggregated level came from SourceID at SourceLevel.
type ReferrerLink struct {
	ParentID    uint64    `json:"parent_id"`
	SourceLevel string    `json:"source_level"`
	SourceID    uint64    `json:"source_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// LevelInfo is the versioned metadata record kept with every level.
type LevelInfo struct {
	LevelID       string    `json:"level_id" yaml:"level_id"`
	SchemaVersion int       `json:"schema_version" yaml:"schema_version"`
	Dimensions    int       `json:"dimensions" yaml:"dimensions"`
	Metric        string    `json:"metric" yaml:"metric"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// Cursor is the aggregation checkpoint for one child -> parent edge.
type Cursor struct {
	ChildID   string    `json:"child_id"`
	ChildPath string    `json:"child_path"`
	LastID    uint64    `json:"last_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
