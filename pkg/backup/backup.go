// Package backup snapshots the pipeline database with tiered retention and
// supports verified restores.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prodpilot/prodpilot/pkg/database"
)

const (
	backupPerm = 0o600
	tsLayout   = "2006-01-02T15-04-05Z"
	suffix     = ".db.gz"

	keepDaily   = 7
	keepWeekly  = 4
	keepMonthly = 12
)

// sqliteHeader is the 16-byte magic at the start of every SQLite database.
var sqliteHeader = []byte("SQLite format 3\x00")

// Manager snapshots the database into <artifactsRoot>/backups and restores
// from selected snapshots.
type Manager struct {
	client *database.Client
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// Status summarizes the backup directory for operators.
type Status struct {
	Dir        string     `json:"dir"`
	Count      int        `json:"count"`
	TotalBytes int64      `json:"total_bytes"`
	Newest     *time.Time `json:"newest,omitempty"`
}

// NewManager creates a Manager writing under artifactsRoot/backups.
func NewManager(client *database.Client, artifactsRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		client: client,
		dir:    filepath.Join(artifactsRoot, "backups"),
		logger: logger,
		now:    time.Now,
	}
}

// Snapshot writes a consistent compressed copy of the database and then
// enforces retention. Returns the snapshot path.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup dir: %w", err)
	}

	// VACUUM INTO produces a consistent snapshot without blocking readers,
	// independent of WAL checkpoint state.
	staging := filepath.Join(m.dir, ".staging.sqlite")
	_ = os.Remove(staging)
	if _, err := m.client.DB().ExecContext(ctx, `VACUUM INTO ?`, staging); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}
	defer func() { _ = os.Remove(staging) }()

	path := filepath.Join(m.dir, m.now().UTC().Format(tsLayout)+suffix)
	if err := gzipFile(staging, path); err != nil {
		return "", err
	}

	if err := m.enforceRetention(); err != nil {
		m.logger.Error("backup retention failed", "error", err)
	}
	m.logger.Info("database snapshot written", "path", path)
	return path, nil
}

// Restore replaces the live database with the named snapshot. The snapshot is
// decompressed to a staging path and verified (header plus integrity check)
// before anything touches the live file; the previous database is kept as a
// recovery copy.
func (m *Manager) Restore(ctx context.Context, snapshotPath, dbPath string) error {
	staging := dbPath + ".staging"
	if err := gunzipFile(snapshotPath, staging); err != nil {
		return err
	}
	defer func() { _ = os.Remove(staging) }()

	if err := verifySnapshot(ctx, staging); err != nil {
		return fmt.Errorf("snapshot %s failed verification: %w", snapshotPath, err)
	}

	if _, err := os.Stat(dbPath); err == nil {
		if err := copyFile(dbPath, dbPath+".recovery"); err != nil {
			return fmt.Errorf("failed to create recovery copy: %w", err)
		}
	}

	if err := os.Rename(staging, dbPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}
	m.logger.Info("database restored", "snapshot", snapshotPath)
	return nil
}

// Status reports the state of the backup directory.
func (m *Manager) Status() (*Status, error) {
	st := &Status{Dir: m.dir}
	snapshots, err := m.listSnapshots()
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, err
	}
	for _, s := range snapshots {
		st.Count++
		st.TotalBytes += s.size
		if st.Newest == nil || s.ts.After(*st.Newest) {
			ts := s.ts
			st.Newest = &ts
		}
	}
	return st, nil
}

type snapshot struct {
	path string
	ts   time.Time
	size int64
}

func (m *Manager) listSnapshots() ([]snapshot, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var out []snapshot
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		ts, err := time.Parse(tsLayout, strings.TrimSuffix(name, suffix))
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, snapshot{path: filepath.Join(m.dir, name), ts: ts, size: info.Size()})
	}
	return out, nil
}

// enforceRetention keeps the newest snapshot per calendar day for the last 7
// days, per ISO week for the last 4 weeks, and per month for the last 12
// months; everything else is deleted.
func (m *Manager) enforceRetention() error {
	snapshots, err := m.listSnapshots()
	if err != nil {
		return err
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ts.After(snapshots[j].ts) })

	keep := map[string]bool{}
	markTier(snapshots, keep, keepDaily, func(t time.Time) string {
		return t.Format("2006-01-02")
	})
	markTier(snapshots, keep, keepWeekly, func(t time.Time) string {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	})
	markTier(snapshots, keep, keepMonthly, func(t time.Time) string {
		return t.Format("2006-01")
	})

	for _, s := range snapshots {
		if keep[s.path] {
			continue
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("failed to remove expired backup %s: %w", s.path, err)
		}
		m.logger.Debug("expired backup removed", "path", s.path)
	}
	return nil
}

// markTier marks the newest snapshot of each of the first n distinct periods.
// snapshots must be sorted newest first.
func markTier(snapshots []snapshot, keep map[string]bool, n int, key func(time.Time) string) {
	seen := map[string]bool{}
	for _, s := range snapshots {
		k := key(s.ts)
		if seen[k] {
			continue
		}
		if len(seen) >= n {
			return
		}
		seen[k] = true
		keep[s.path] = true
	}
}

// verifySnapshot checks the SQLite header and runs an integrity check on the
// decompressed staging file.
func verifySnapshot(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}
	header := make([]byte, len(sqliteHeader))
	_, readErr := io.ReadFull(f, header)
	_ = f.Close()
	if readErr != nil {
		return fmt.Errorf("failed to read database header: %w", readErr)
	}
	if !bytes.Equal(header, sqliteHeader) {
		return fmt.Errorf("not a sqlite database")
	}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open staging database: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed to run: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported %q", result)
	}
	return nil
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, backupPerm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to finalize %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}
	return nil
}

func gunzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read snapshot %s: %w", src, err)
	}
	defer func() { _ = gz.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, backupPerm)
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, backupPerm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
