package models

import "time"

// MigrationRecord marks a (name, version) migration task as applied. The pair
// appears at most once per installation; presence means the task's effect is
// guaranteed already in place.
type MigrationRecord struct {
	Name       string    `json:"name" bson:"name"`
	Version    string    `json:"version" bson:"version"`
	ExecutedAt time.Time `json:"executed_at" bson:"executed_at"`
	DurationMs int64     `json:"duration_ms" bson:"duration_ms"`
}
