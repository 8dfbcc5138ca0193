package ingest

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultTempFileTTL             = 2 * time.Hour
	DefaultTempFileCleanupInterval = 30 * time.Minute
)

// Sweeper removes spooled uploads left behind by a crashed process.
type Sweeper struct {
	dir   string
	ttl   time.Duration
	clock clockwork.Clock
}

func NewSweeper(dir string, ttl time.Duration, clk clockwork.Clock) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultTempFileTTL
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Sweeper{dir: dir, ttl: ttl, clock: clk}
}

// Start runs Sweep every interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTempFileCleanupInterval
	}
	go s.loop(ctx, interval)
}

func (s *Sweeper) loop(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := s.Sweep(); err != nil {
				log.Printf("[ingest] sweep temp files error: %v", err)
			}
		}
	}
}

// Sweep removes upload temp files older than the TTL and returns how many went.
func (s *Sweeper) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, TempFilePattern))
	if err != nil {
		return 0, err
	}
	cutoff := s.clock.Now().Add(-s.ttl)
	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[ingest] remove temp file %s failed: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
