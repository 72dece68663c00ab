// Package notify tells a running server about writes made by other
// processes sharing its data directory, using event files and fsnotify.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Event types.
const (
	EventRemembered = "remembered"
	EventForgotten  = "forgotten"
)

// Event is the payload written to an event file.
type Event struct {
	Type     string `json:"type"`
	ItemID   string `json:"item_id,omitempty"`
	Category string `json:"category"`
	Key      string `json:"key"`
	Time     int64  `json:"time"`
}

// EventWriter writes event files to {dataPath}/events/.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer for dataPath.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events")}
}

// Notify writes one event file. Safe to call concurrently.
func (w *EventWriter) Notify(evt Event) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if evt.Time == 0 {
		evt.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	// Write under a temporary name and rename so the watcher never reads
	// a partial file.
	name := fmt.Sprintf("%d-%s", evt.Time, sanitize(evt.Category+"_"+evt.Key))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	return os.Rename(tmp, filepath.Join(w.dir, name+".event"))
}

// sanitize replaces characters unsafe for filenames.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '.':
			return '_'
		}
		return r
	}, s)
}
