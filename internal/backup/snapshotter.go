package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix  = "engram-snapshot-"
	fileSuffix  = ".db"
	stampLayout = "20060102-150405.000000"
)

// Snapshotter takes and prunes snapshots of one database.
type Snapshotter struct {
	cfg Config
	now func() time.Time
}

// New validates cfg and creates the snapshot directory.
func New(cfg Config) (*Snapshotter, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 7
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Snapshotter{cfg: cfg, now: time.Now}, nil
}

// Snapshot writes a new timestamped snapshot, verifies it when configured
// and prunes all but the newest Keep snapshots.
func (s *Snapshotter) Snapshot(ctx context.Context) (*Result, error) {
	start := time.Now()
	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	path := filepath.Join(s.cfg.Dir, filePrefix+s.now().UTC().Format(stampLayout)+fileSuffix)
	if err := snapshotSQLite(ctx, s.cfg.DBPath, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	res := &Result{Path: path, Size: info.Size()}

	if s.cfg.Verify {
		if err := verifySnapshot(ctx, path); err != nil {
			return res, fmt.Errorf("snapshot verification failed: %w", err)
		}
		res.Verified = true
	}

	pruned, err := s.prune()
	if err != nil {
		log.Printf("backup: prune failed: %v", err)
	}
	res.Pruned = pruned
	res.Duration = time.Since(start)
	return res, nil
}

// List returns snapshots newest first.
func (s *Snapshotter) List() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var out []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts, err := time.Parse(stampLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(s.cfg.Dir, name), Timestamp: ts, Size: fi.Size()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Restore replaces the database with a verified snapshot. Nothing may
// hold the database open. The previous file is kept until the copy
// succeeds and put back if it fails.
func (s *Snapshotter) Restore(ctx context.Context, snapshotPath string) error {
	if _, err := os.Stat(snapshotPath); err != nil {
		return fmt.Errorf("snapshot not found: %w", err)
	}

	previous := s.cfg.DBPath + ".pre-restore"
	hadPrevious := false
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		if err := snapshotSQLite(ctx, s.cfg.DBPath, previous); err != nil {
			return fmt.Errorf("failed to save current database: %w", err)
		}
		hadPrevious = true
		defer os.Remove(previous)
	}
	// Stale WAL files would be replayed over the restored file.
	_ = os.Remove(s.cfg.DBPath + "-wal")
	_ = os.Remove(s.cfg.DBPath + "-shm")

	if err := copyVerified(ctx, snapshotPath, s.cfg.DBPath); err != nil {
		if hadPrevious {
			if rbErr := copyVerified(ctx, previous, s.cfg.DBPath); rbErr != nil {
				return fmt.Errorf("restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("restore failed, rolled back to previous state: %w", err)
		}
		return err
	}

	log.Printf("backup: database restored from %s", snapshotPath)
	return nil
}

// Run snapshots every interval until ctx is cancelled.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.Snapshot(ctx)
			if err != nil {
				log.Printf("backup: scheduled snapshot failed: %v", err)
				continue
			}
			log.Printf("backup: snapshot %s size=%d verified=%v pruned=%d", res.Path, res.Size, res.Verified, res.Pruned)
		}
	}
}

func (s *Snapshotter) prune() (int, error) {
	snapshots, err := s.List()
	if err != nil {
		return 0, err
	}
	if len(snapshots) <= s.cfg.Keep {
		return 0, nil
	}

	var lastErr error
	removed := 0
	for _, old := range snapshots[s.cfg.Keep:] {
		if err := os.Remove(old.Path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("failed to delete some snapshots: %w", lastErr)
	}
	return removed, nil
}
