package retention

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"mediatoolkit/internal/schedule"
)

// Result summarizes one sweep across all directories.
type Result struct {
	Removed int
	Failed  int
	Freed   int64
}

// Sweeper deletes entries older than a max age from a fixed set of directories.
type Sweeper struct {
	mu   sync.Mutex
	dirs []string
	now  func() time.Time
}

func NewSweeper(dirs ...string) *Sweeper {
	return &Sweeper{dirs: dirs, now: time.Now}
}

// Sweep removes every entry whose modification time is maxAge or more in the past.
// A maxAge of zero removes everything. Failures on single entries are logged and skipped.
func (s *Sweeper) Sweep(maxAge time.Duration) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var total Result
	for _, dir := range s.dirs {
		res := s.sweepDir(dir, cutoff)
		total.Removed += res.Removed
		total.Failed += res.Failed
		total.Freed += res.Freed
	}
	if total.Removed > 0 || total.Failed > 0 {
		log.Info().
			Int("removed", total.Removed).
			Int("failed", total.Failed).
			Str("freed", humanize.IBytes(uint64(total.Freed))).
			Dur("max_age", maxAge).
			Msg("retention sweep finished")
	}
	return total
}

// Register runs Sweep(maxAge) on sched every interval, independent of any task.
func (s *Sweeper) Register(sched *schedule.Scheduler, interval, maxAge time.Duration) error {
	return sched.Every("retention-sweep", interval, func() { s.Sweep(maxAge) }) //nolint:wrapcheck
}

func (s *Sweeper) sweepDir(dir string, cutoff time.Time) Result {
	var res Result
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Str("dir", dir).Err(err).Msg("read dir for sweep failed")
			res.Failed++
		}
		return res
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// vanished between listing and stat
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		entryPath := filepath.Join(dir, entry.Name())
		size := entrySize(entryPath, info)
		if err := os.RemoveAll(entryPath); err != nil {
			log.Warn().Str("path", entryPath).Err(err).Msg("remove expired entry failed")
			res.Failed++
			continue
		}
		log.Debug().Str("path", entryPath).Msg("removed expired entry")
		res.Removed++
		res.Freed += size
	}
	return res
}

func entrySize(entryPath string, info os.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(entryPath, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // best-effort accounting
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
