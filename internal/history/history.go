// Package history owns the durable, bounded collection of past screenshot
// analyses. All mutations go through the Repository, which serializes them
// internally and persists asynchronously through a single writer goroutine.
package history

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"screenlens/internal/metrics"
	"screenlens/internal/storage"
)

// recordsKey is the settings key the serialized collection lives under.
const recordsKey = "history.records"

// Record is one stored analysis. Immutable after creation.
type Record struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"date"`
	Instruction string    `json:"instruction"`
	Summary     string    `json:"summary"`
}

type Repository struct {
	store   *storage.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics
	enabled bool
	limit   int

	mu      sync.Mutex
	records []Record
	loaded  bool

	// pending is the snapshot awaiting durable write; kick wakes the writer.
	// flushCh carries synchronous flush requests so the writer goroutine
	// stays the only caller of store.Set.
	pmu        sync.Mutex
	pending    []Record
	hasPending bool
	kick       chan struct{}
	flushCh    chan chan error
	done       chan struct{}
	stopped    chan struct{}
}

type Config struct {
	Store          *storage.Store
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Enabled        bool
	RetentionLimit int
}

func New(cfg Config) *Repository {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.RetentionLimit <= 0 {
		cfg.RetentionLimit = 20
	}
	r := &Repository{
		store:   cfg.Store,
		logger:  cfg.Logger,
		metrics: m,
		enabled: cfg.Enabled,
		limit:   cfg.RetentionLimit,
		kick:    make(chan struct{}, 1),
		flushCh: make(chan chan error),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.persistLoop()
	return r
}

// Enabled reports whether appends are recorded.
func (r *Repository) Enabled() bool {
	return r.enabled
}

// Load returns the current collection, reading the durable store on first
// use. Missing or corrupt data loads as an empty collection.
func (r *Repository) Load(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return snapshot(r.records), nil
}

// Append stores a new record at the head and evicts the oldest entries past
// the retention limit. A no-op when history is disabled. The returned
// collection is authoritative immediately; the durable write happens in the
// background.
func (r *Repository) Append(ctx context.Context, instruction, summary string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if !r.enabled {
		return snapshot(r.records), nil
	}

	rec := Record{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Instruction: strings.TrimSpace(instruction),
		Summary:     summary,
	}
	r.records = append([]Record{rec}, r.records...)
	if len(r.records) > r.limit {
		r.records = r.records[:r.limit]
	}
	r.schedulePersist()
	return snapshot(r.records), nil
}

// Delete removes the record with the given id. Absent ids are ignored.
func (r *Repository) Delete(ctx context.Context, id string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	idx := -1
	for i, rec := range r.records {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return snapshot(r.records), nil
	}
	r.records = append(r.records[:idx:idx], r.records[idx+1:]...)
	r.schedulePersist()
	return snapshot(r.records), nil
}

// Clear removes every record.
func (r *Repository) Clear(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.records = nil
	r.schedulePersist()
	return nil, nil
}

// Flush writes the current collection to the durable store and waits for the
// write to finish. The write itself runs on the background writer so store
// access stays single-goroutine; only after Close has drained the writer does
// Flush write directly.
func (r *Repository) Flush(ctx context.Context) error {
	r.mu.Lock()
	records := snapshot(r.records)
	r.mu.Unlock()

	r.pmu.Lock()
	r.pending = records
	r.hasPending = true
	r.pmu.Unlock()

	ack := make(chan error, 1)
	select {
	case r.flushCh <- ack:
	case <-r.stopped:
		return r.persist(ctx, records)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the background writer after draining any pending write.
func (r *Repository) Close() {
	close(r.done)
	<-r.stopped
}

func (r *Repository) ensureLoaded(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	raw, ok, err := r.store.Get(ctx, recordsKey)
	if err != nil {
		return err
	}
	if ok {
		var records []Record
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			r.logger.Warn().Err(err).Msg("history payload corrupt, starting empty")
			records = nil
		}
		r.records = records
	}
	r.loaded = true
	return nil
}

// schedulePersist hands the current snapshot to the writer goroutine.
// Consecutive mutations coalesce: only the newest snapshot is written.
func (r *Repository) schedulePersist() {
	records := snapshot(r.records)

	r.pmu.Lock()
	r.pending = records
	r.hasPending = true
	r.pmu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Repository) persistLoop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.kick:
			_ = r.flushPending()
		case ack := <-r.flushCh:
			ack <- r.flushPending()
		case <-r.done:
			_ = r.flushPending()
			return
		}
	}
}

func (r *Repository) flushPending() error {
	r.pmu.Lock()
	if !r.hasPending {
		r.pmu.Unlock()
		return nil
	}
	records := r.pending
	r.hasPending = false
	r.pmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.persist(ctx, records); err != nil {
		r.metrics.PersistFailures.Inc()
		r.logger.Error().Err(err).Int("records", len(records)).Msg("failed to persist history")
		return err
	}
	return nil
}

func (r *Repository) persist(ctx context.Context, records []Record) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := r.store.Set(ctx, recordsKey, string(payload)); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func snapshot(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
