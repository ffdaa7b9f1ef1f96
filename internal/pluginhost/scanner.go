package pluginhost

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// DefaultScanInterval is the hot-reload poll period, default 1 s.
const DefaultScanInterval = time.Second

// ScanResult is what one scan found changed since the last one.
type ScanResult struct {
	Changed []string
	Added   []string
	Removed []string
}

// HasChanges reports whether any of the three sets is non-empty.
func (r ScanResult) HasChanges() bool {
	return len(r.Changed) > 0 || len(r.Added) > 0 || len(r.Removed) > 0
}

// Scanner watches a directory for `.wasm` files and reports adds, changes
// (by modification time), and removals between polls. The first scan
// pre-populates its cache from the directory so startup doesn't report every
// preexisting file as added.
type Scanner struct {
	log      *slog.Logger
	dir      string
	interval time.Duration
	lastScan time.Time
	cached   map[string]time.Time
}

// NewScanner creates a Scanner pre-populated with dir's current contents.
func NewScanner(log *slog.Logger, dir string, interval time.Duration) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	s := &Scanner{log: log, dir: dir, interval: interval}
	s.cached = scanDir(log, dir)
	return s
}

// ShouldScan reports whether interval has elapsed since the last Scan call.
func (s *Scanner) ShouldScan(now time.Time) bool {
	return s.lastScan.IsZero() || now.Sub(s.lastScan) >= s.interval
}

// Scan walks the directory again and diffs against the cached state.
func (s *Scanner) Scan(now time.Time) ScanResult {
	s.lastScan = now
	current := scanDir(s.log, s.dir)

	var result ScanResult
	for path, modTime := range current {
		cached, ok := s.cached[path]
		if !ok {
			result.Added = append(result.Added, path)
			continue
		}
		if !cached.Equal(modTime) {
			result.Changed = append(result.Changed, path)
		}
	}
	for path := range s.cached {
		if _, ok := current[path]; !ok {
			result.Removed = append(result.Removed, path)
		}
	}

	s.cached = current
	return result
}

func scanDir(log *slog.Logger, dir string) map[string]time.Time {
	out := make(map[string]time.Time)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("reading plugin directory", "dir", dir, "err", err)
		}
		return out
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			log.Warn("reading plugin file info", "name", entry.Name(), "err", err)
			continue
		}
		out[filepath.Join(dir, entry.Name())] = info.ModTime()
	}

	return out
}
