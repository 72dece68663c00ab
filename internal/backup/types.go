// Package backup takes consistent point-in-time snapshots of the engram
// SQLite database, verifies them and prunes old ones.
package backup

import "time"

// Config holds snapshot configuration.
type Config struct {
	// DBPath is the SQLite database file to snapshot.
	DBPath string

	// Dir is where snapshots are written.
	Dir string

	// Keep is how many snapshots survive pruning (default: 7).
	Keep int

	// Verify runs an integrity check on every new snapshot.
	Verify bool
}

// Info describes a snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result is the outcome of one snapshot.
type Result struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
	Pruned   int           `json:"pruned"`
}
