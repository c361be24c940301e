// Package session holds the in-memory registry of agent conversation sessions.
//
// Records live for a fixed timeout measured from creation. Expiry is lazy:
// Get and Update evict a record the moment they observe it has aged out, and
// SweepExpired (or the optional background sweeper) reclaims records nobody
// reads again.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/kristal-gateway/internal/logging"
)

// DefaultTimeout is used when New is given a non-positive timeout.
const DefaultTimeout = 60 * time.Minute

// Record is the metadata kept for one upstream session.
type Record struct {
	SessionID    string    `json:"sessionId"`
	ClientID     string    `json:"clientId"`
	KristalID    string    `json:"kristalId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	MessageCount int       `json:"messageCount"`
}

// Registry maps session IDs to records. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[string]Record
	timeout time.Duration
	now     func() time.Time
	onSweep func(evicted int)
	log     *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithLogger attaches a logger; the registry is silent without one.
func WithLogger(log *logging.Logger) Option {
	return func(r *Registry) {
		r.log = log.Sub("session")
	}
}

// WithSweepHook calls fn after each background sweep that evicted records.
func WithSweepHook(fn func(evicted int)) Option {
	return func(r *Registry) {
		r.onSweep = fn
	}
}

// New creates an empty registry whose records expire timeout after creation.
func New(timeout time.Duration, opts ...Option) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Registry{
		records: make(map[string]Record),
		timeout: timeout,
		now:     time.Now,
		log:     logging.New(nil, "silent"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Timeout returns the configured record lifetime.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Now reads the registry clock. Callers stamp CreatedAt with it so a new
// record is judged against the same clock that expires it.
func (r *Registry) Now() time.Time { return r.now() }

// expired reports whether rec has reached the timeout. A record exactly
// timeout old is expired.
func (r *Registry) expired(rec Record, now time.Time) bool {
	return now.Sub(rec.CreatedAt) >= r.timeout
}

// Create stores rec under id, replacing any record already there.
func (r *Registry) Create(id string, rec Record) {
	rec.SessionID = id
	r.mu.Lock()
	_, replaced := r.records[id]
	r.records[id] = rec
	r.mu.Unlock()

	r.log.Debug().
		Str("sessionId", id).
		Str("clientId", rec.ClientID).
		Bool("replaced", replaced).
		Msg("session stored")
}

// Get returns a copy of the record for id. An expired record is removed and
// reported as absent.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	if r.expired(rec, r.now()) {
		delete(r.records, id)
		r.log.Debug().Str("sessionId", id).Msg("session expired on read")
		return Record{}, false
	}
	return rec, true
}

// Update applies fn to the stored record for id. It returns false, without
// calling fn, when the record is absent or expired; an expired record is
// evicted rather than revived. fn cannot change SessionID or CreatedAt.
func (r *Registry) Update(id string, fn func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false
	}
	if r.expired(rec, r.now()) {
		delete(r.records, id)
		return false
	}

	sessionID, createdAt := rec.SessionID, rec.CreatedAt
	fn(&rec)
	rec.SessionID, rec.CreatedAt = sessionID, createdAt
	r.records[id] = rec
	return true
}

// Delete removes id and reports whether a record was present.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()

	if ok {
		r.log.Debug().Str("sessionId", id).Msg("session deleted")
	}
	return ok
}

// SweepExpired evicts every expired record and returns how many were removed.
// Age is evaluated under the lock, so a record replaced by Create while a
// sweep is waiting is judged by its new creation time.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	evicted := 0
	for id, rec := range r.records {
		if r.expired(rec, now) {
			delete(r.records, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of stored records, including expired records that
// have not been evicted yet.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
// The returned channel is closed once the sweeper goroutine has exited.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.SweepExpired(); n > 0 {
					r.log.Debug().Int("evicted", n).Msg("sweep finished")
					if r.onSweep != nil {
						r.onSweep(n)
					}
				}
			}
		}
	}()

	r.log.Debug().Dur("interval", interval).Dur("timeout", r.timeout).Msg("session sweeper started")
	return done
}
