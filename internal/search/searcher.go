package search

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"screenlens/internal/history"
	"screenlens/internal/metrics"
)

// Searcher debounces query input and runs scans off the caller's goroutine.
// Every query gets a monotonically increasing token; a scan's results are
// committed only while its token is still the newest and the searcher has not
// been dismissed.
type Searcher struct {
	index    *Index
	debounce time.Duration
	minLen   int
	commit   func(results []history.Record)
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	// scanFn exists so tests can substitute a slow scan.
	scanFn func(query string) []history.Record

	mu     sync.Mutex
	timer  *time.Timer
	token  uint64
	active bool
}

type Config struct {
	Index       *Index
	Debounce    time.Duration
	MinQueryLen int
	Commit      func(results []history.Record)
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func NewSearcher(cfg Config) *Searcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.MinQueryLen <= 0 {
		cfg.MinQueryLen = 2
	}
	s := &Searcher{
		index:    cfg.Index,
		debounce: cfg.Debounce,
		minLen:   cfg.MinQueryLen,
		commit:   cfg.Commit,
		logger:   cfg.Logger,
		metrics:  m,
		active:   true,
	}
	s.scanFn = cfg.Index.Scan
	return s
}

// SetQuery registers a keystroke. Any pending debounce timer is cancelled;
// the scan runs only after the debounce window passes with no further input.
// Queries shorter than the minimum length commit an empty result immediately.
func (s *Searcher) SetQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}

	s.token++
	tok := s.token
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	trimmed := strings.TrimSpace(query)
	if len([]rune(trimmed)) < s.minLen {
		if s.commit != nil {
			s.commit(nil)
		}
		return
	}

	s.timer = time.AfterFunc(s.debounce, func() {
		s.runScan(tok, trimmed)
	})
}

// Dismiss cancels any pending work and suppresses all further commits until
// Activate is called again.
func (s *Searcher) Dismiss() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Activate re-arms the searcher after a Dismiss.
func (s *Searcher) Activate() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
}

func (s *Searcher) runScan(tok uint64, query string) {
	s.mu.Lock()
	stale := tok != s.token || !s.active
	s.mu.Unlock()
	if stale {
		s.metrics.StaleSearches.Inc()
		return
	}

	results := s.scanFn(query)
	s.metrics.SearchScans.Inc()

	// Re-check after the scan: a newer query may have started meanwhile, or
	// the search surface may have been dismissed.
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok != s.token || !s.active {
		s.metrics.StaleSearches.Inc()
		return
	}
	if s.commit != nil {
		s.commit(results)
	}
}
