package runtime

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"

	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/models"
)

const (
	// DefaultSessionTTL is how long an idle session is kept
	DefaultSessionTTL = time.Hour

	// DefaultSweepSchedule runs the eviction sweep once a minute
	DefaultSweepSchedule = "@every 1m"
)

// Session is the server-held handle of one flow execution
type Session struct {
	ID string

	mu           sync.Mutex
	flow         *Flow
	waiting      *models.WaitingRecord
	busy         bool
	saved        bool
	createdAt    time.Time
	lastActivity time.Time
	seq          atomic.Int64
}

// Flow returns the flow owned by the session
func (s *Session) Flow() *Flow {
	return s.flow
}

func (s *Session) nextSeq() int64 {
	return s.seq.Add(1)
}

// SessionInfo is a snapshot of a session
type SessionInfo struct {
	ID           string                `json:"id"`
	FlowID       string                `json:"flow_id"`
	Status       models.FlowStatus     `json:"status"`
	Busy         bool                  `json:"busy"`
	Waiting      *models.WaitingRecord `json:"waiting,omitempty"`
	RetryCounts  map[string]int        `json:"retry_counts,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	LastActivity time.Time             `json:"last_activity"`
}

// infoLocked reads the flow through its own lock; the producer goroutine
// mutates the flow without holding s.mu
func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		FlowID:       s.flow.ID(),
		Status:       s.flow.Status(),
		Busy:         s.busy,
		Waiting:      s.waiting,
		RetryCounts:  s.flow.RetryCounts(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// SessionRegistry holds live sessions and evicts idle ones
type SessionRegistry struct {
	cache   *gocache.Cache
	ttl     time.Duration
	now     func() time.Time
	logger  logging.Logger
	cron    *cron.Cron
	cronMu  sync.Mutex
	evictMu sync.RWMutex
	onEvict []func(id string)
}

// RegistryOption configures a SessionRegistry
type RegistryOption func(*SessionRegistry)

// WithRegistryLogger sets the logger of the registry
func WithRegistryLogger(l logging.Logger) RegistryOption {
	return func(r *SessionRegistry) { r.logger = l }
}

// WithRegistryClock overrides the time source used for idle checks
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) { r.now = now }
}

// NewSessionRegistry creates a registry evicting sessions idle longer than ttl
func NewSessionRegistry(ttl time.Duration, opts ...RegistryOption) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	r := &SessionRegistry{
		// Expiry is decided from last activity by Sweep, not by the cache
		cache:  gocache.New(gocache.NoExpiration, 0),
		ttl:    ttl,
		now:    time.Now,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache.OnEvicted(func(id string, _ interface{}) {
		r.evictMu.RLock()
		hooks := append([]func(string){}, r.onEvict...)
		r.evictMu.RUnlock()
		for _, fn := range hooks {
			fn(id)
		}
	})
	return r
}

// OnEvict registers a callback run after a session is deleted or swept.
// Sweep runs it while holding the session lock, so it must not call back
// into the registry for that session.
func (r *SessionRegistry) OnEvict(fn func(id string)) {
	r.evictMu.Lock()
	defer r.evictMu.Unlock()
	r.onEvict = append(r.onEvict, fn)
}

// TTL returns the idle timeout
func (r *SessionRegistry) TTL() time.Duration {
	return r.ttl
}

// Create registers a new session owning flow and returns it
func (r *SessionRegistry) Create(flow *Flow) *Session {
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		flow:         flow,
		createdAt:    now,
		lastActivity: now,
	}
	flow.bind(s.ID)
	r.cache.Set(s.ID, s, gocache.NoExpiration)
	r.logger.LogFlowExecution(flow.ID(), s.ID, "session-created", nil)
	return s
}

// Get returns a session by id
func (r *SessionRegistry) Get(id string) (*Session, error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return v.(*Session), nil
}

// Update runs fn under the session lock, the single critical section for
// lookup, verification and mutation. Activity is recorded when fn succeeds.
func (r *SessionRegistry) Update(id string, fn func(s *Session) error) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := r.cache.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := fn(s); err != nil {
		return err
	}
	s.lastActivity = r.now()
	return nil
}

// Info returns a snapshot of a session
func (r *SessionRegistry) Info(id string) (SessionInfo, error) {
	s, err := r.Get(id)
	if err != nil {
		return SessionInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// List returns snapshots of every live session, oldest first
func (r *SessionRegistry) List() []SessionInfo {
	items := r.cache.Items()
	out := make([]SessionInfo, 0, len(items))
	for _, item := range items {
		s := item.Object.(*Session)
		s.mu.Lock()
		out = append(out, s.infoLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes a session
func (r *SessionRegistry) Delete(id string) error {
	if _, ok := r.cache.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.cache.Delete(id)
	return nil
}

// Len returns the number of live sessions
func (r *SessionRegistry) Len() int {
	return r.cache.ItemCount()
}

// Sweep evicts sessions idle longer than the TTL and returns how many were
// removed. Sessions executing a step are never evicted.
func (r *SessionRegistry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	evicted := 0
	for id, item := range r.cache.Items() {
		s := item.Object.(*Session)
		// decided and deleted under s.mu so a concurrent Update cannot mark
		// the session busy in between
		s.mu.Lock()
		if !s.busy && s.lastActivity.Before(cutoff) {
			r.cache.Delete(id)
			evicted++
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		r.logger.LogSystemEvent("session-sweep", map[string]interface{}{
			"evicted":   evicted,
			"remaining": r.cache.ItemCount(),
		})
	}
	return evicted
}

// StartJanitor runs Sweep on a cron schedule such as "@every 1m"
func (r *SessionRegistry) StartJanitor(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("janitor already running")
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("session janitor started", logging.String("schedule", schedule), logging.Duration("ttl", r.ttl))
	return nil
}

// Stop halts the janitor and waits for a running sweep to finish
func (r *SessionRegistry) Stop() {
	r.cronMu.Lock()
	c := r.cron
	r.cron = nil
	r.cronMu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (r *SessionRegistry) touch(s *Session) {
	s.mu.Lock()
	s.lastActivity = r.now()
	s.mu.Unlock()
}
