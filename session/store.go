// Package session keeps the authoritative state of in-flight authentication
// attempts.
//
// A Store owns every AuthSession it creates. Callers only ever see value
// snapshots, and every mutation goes through a Store method that holds the
// store lock for its full duration. Each session carries a deferred expiry
// task in the scheduler, re-armed whenever its deadline moves, and a
// recurring sweep drops sessions whose deadline has passed.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/internal/schedule"
	"github.com/layer-3/authflow/ports"
)

const (
	DefaultTimeout       = 15 * time.Minute
	DefaultMaxAttempts   = 3
	DefaultSweepInterval = 5 * time.Minute

	keyPrefix    = "session:"
	sweepKey     = keyPrefix + "sweep"
	expirePrefix = keyPrefix + "expire:"

	reasonTooManyAttempts = "too many attempts"
)

// Config tunes session lifetimes.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	SweepInterval time.Duration
}

// DefaultConfig returns the standard lifetimes.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		MaxAttempts:   DefaultMaxAttempts,
		SweepInterval: DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithScheduler shares sched with the store. Without it the store runs its
// own scheduler and stops it on Close.
func WithScheduler(sched *schedule.Scheduler) Option {
	return func(s *Store) { s.sched = sched }
}

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

func WithObserver(o ports.SessionObserver) Option { return func(s *Store) { s.observer = o } }

// Stats summarises the store contents.
type Stats struct {
	Total    int
	ByStatus map[core.SessionStatus]int
}

// Store is the session table.
type Store struct {
	cfg      Config
	clock    clock.Clock
	sched    *schedule.Scheduler
	ownSched bool
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*core.AuthSession
	observer ports.SessionObserver
	pending  []notification
	closed   bool

	// notifyMu serializes delivery so the observer sees changes in the
	// order they were applied.
	notifyMu sync.Mutex
}

type notification struct {
	session core.AuthSession
	payload core.EventPayload
}

// NewStore creates a Store and arms its sweep.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*core.AuthSession),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.log = logger.OrNop(s.log).With(logger.Component("session_store"))
	if s.sched == nil {
		s.sched = schedule.New(s.clock, s.log)
		s.sched.Start(schedule.DefaultResolution)
		s.ownSched = true
	}

	s.sched.Every(sweepKey, s.cfg.SweepInterval, func() { s.Sweep() })
	return s
}

// SetObserver replaces the observer told about state changes.
func (s *Store) SetObserver(o ports.SessionObserver) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// CreateSession always creates a new session, even when one exists for the
// same email. Use GetSessionByEmail first for reuse.
func (s *Store) CreateSession(email string, meta core.SessionMetadata) core.AuthSession {
	now := s.clock.Now()
	sess := &core.AuthSession{
		ID:        uuid.NewString(),
		Email:     normalizeEmail(email),
		Status:    core.StatusPendingCreation,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Timeout),
		Metadata:  meta,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.armExpiry(sess)
	snap := snapshot(sess)
	s.mu.Unlock()

	s.metrics.SessionCreated()
	s.log.Debug("session created", logger.SessionID(sess.ID), logger.Email(sess.Email),
		logger.Provider(string(meta.Provider)))
	return snap
}

// GetSession returns a live or failed session. A session past its deadline
// is marked expired and reported as a miss.
func (s *Store) GetSession(id string) (core.AuthSession, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return core.AuthSession{}, false
	}
	if s.expireIfDue(sess) {
		s.mu.Unlock()
		s.flush()
		return core.AuthSession{}, false
	}
	if sess.Status == core.StatusExpired {
		s.mu.Unlock()
		return core.AuthSession{}, false
	}
	snap := snapshot(sess)
	s.mu.Unlock()
	return snap, true
}

// Inspect returns the raw record, expired or not. It never changes state.
func (s *Store) Inspect(id string) (core.AuthSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return core.AuthSession{}, false
	}
	return snapshot(sess), true
}

// UpdateSessionStatus moves the session to status and records payload as its
// last event. Moves backwards and moves out of a terminal status are ignored;
// the unchanged snapshot is returned. Advancing to ready-for-login or
// authenticated extends the deadline from now.
func (s *Store) UpdateSessionStatus(id string, status core.SessionStatus, payload core.EventPayload) (core.AuthSession, bool) {
	if !status.Valid() {
		return core.AuthSession{}, false
	}

	s.mu.Lock()
	sess, ok := s.live(id)
	if !ok {
		s.mu.Unlock()
		s.flush()
		return core.AuthSession{}, false
	}
	if sess.Status.Terminal() || status.Rank() < sess.Status.Rank() {
		snap := snapshot(sess)
		s.mu.Unlock()
		s.log.Debug("status change ignored", logger.SessionID(id),
			zap.String("from", string(sess.Status)), zap.String("to", string(status)))
		return snap, true
	}

	now := s.clock.Now()
	changed := sess.Status != status
	sess.Status = status

	switch status {
	case core.StatusReadyForLogin, core.StatusAuthenticated:
		sess.ExpiresAt = now.Add(s.cfg.Timeout)
		s.armExpiry(sess)
	case core.StatusFailed, core.StatusExpired:
		s.sched.Cancel(expireKey(id))
		if status == core.StatusExpired && payload == nil {
			payload = core.SessionExpired{Email: sess.Email}
		}
	}

	if payload != nil {
		sess.LastEvent = &core.LastEvent{Type: payload.Type(), Timestamp: now, Payload: payload}
	}
	snap := snapshot(sess)
	if payload != nil {
		s.enqueue(snap, payload)
	}
	s.mu.Unlock()

	if changed {
		s.metrics.SessionTransition(string(status))
	}
	s.flush()
	return snap, true
}

// RecordEvent stores payload as the session's last event and notifies the
// observer. Status and deadline are left alone.
func (s *Store) RecordEvent(id string, payload core.EventPayload) (core.AuthSession, bool) {
	if payload == nil {
		return core.AuthSession{}, false
	}
	s.mu.Lock()
	sess, ok := s.live(id)
	if !ok {
		s.mu.Unlock()
		s.flush()
		return core.AuthSession{}, false
	}
	sess.LastEvent = &core.LastEvent{Type: payload.Type(), Timestamp: s.clock.Now(), Payload: payload}
	snap := snapshot(sess)
	s.enqueue(snap, payload)
	s.mu.Unlock()

	s.flush()
	return snap, true
}

// IncrementAttempts counts a failed attempt. Reaching MaxAttempts fails the
// session for good. Terminal sessions are returned unchanged.
func (s *Store) IncrementAttempts(id string) (core.AuthSession, bool) {
	s.mu.Lock()
	sess, ok := s.live(id)
	if !ok {
		s.mu.Unlock()
		s.flush()
		return core.AuthSession{}, false
	}
	if sess.Status.Terminal() {
		snap := snapshot(sess)
		s.mu.Unlock()
		return snap, true
	}

	sess.Attempts++
	locked := sess.Attempts >= s.cfg.MaxAttempts
	var payload core.AuthFailed
	if locked {
		sess.Status = core.StatusFailed
		payload = core.AuthFailed{Email: sess.Email, Reason: reasonTooManyAttempts}
		sess.LastEvent = &core.LastEvent{Type: payload.Type(), Timestamp: s.clock.Now(), Payload: payload}
		s.sched.Cancel(expireKey(id))
	}
	snap := snapshot(sess)
	if locked {
		s.enqueue(snap, payload)
	}
	s.mu.Unlock()

	if locked {
		s.metrics.SessionTransition(string(core.StatusFailed))
		s.log.Info("session locked out", logger.SessionID(id), zap.Int("attempts", snap.Attempts))
	}
	s.flush()
	return snap, true
}

// SetSessionUserID attaches the resolved identity. It reports false for
// missing, expired or failed sessions.
func (s *Store) SetSessionUserID(id, userID string) bool {
	s.mu.Lock()
	sess, ok := s.live(id)
	if !ok || sess.Status.Terminal() {
		s.mu.Unlock()
		s.flush()
		return false
	}
	sess.Metadata.UserID = userID
	s.mu.Unlock()
	return true
}

// CanAttemptAuth reports whether the session exists, is within its attempt
// budget and is not terminal.
func (s *Store) CanAttemptAuth(id string) bool {
	s.mu.Lock()
	sess, ok := s.live(id)
	allowed := ok && !sess.Status.Terminal() && sess.Attempts < s.cfg.MaxAttempts
	s.mu.Unlock()

	s.flush()
	return allowed
}

// GetSessionByEmail returns the oldest non-expired session for email.
func (s *Store) GetSessionByEmail(email string) (core.AuthSession, bool) {
	email = normalizeEmail(email)

	s.mu.Lock()
	var best *core.AuthSession
	for _, sess := range s.sessions {
		if sess.Email != email || sess.Status == core.StatusExpired {
			continue
		}
		if s.expireIfDue(sess) {
			continue
		}
		if best == nil || sess.CreatedAt.Before(best.CreatedAt) ||
			(sess.CreatedAt.Equal(best.CreatedAt) && sess.ID < best.ID) {
			best = sess
		}
	}
	var snap core.AuthSession
	if best != nil {
		snap = snapshot(best)
	}
	s.mu.Unlock()

	s.flush()
	return snap, best != nil
}

// ExpireSession marks the session expired without removing it.
func (s *Store) ExpireSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if sess.Status == core.StatusExpired {
		s.mu.Unlock()
		return true
	}
	s.markExpired(sess)
	s.mu.Unlock()

	s.flush()
	return true
}

// DeleteSession removes the session and its expiry task.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	s.sched.Cancel(expireKey(id))
	return ok
}

// Sweep removes every session past its deadline, whatever its status, and
// returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	var removed []string
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.sched.Cancel(expireKey(id))
	}
	if len(removed) > 0 {
		s.log.Debug("swept expired sessions", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// Stats counts sessions by status.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Total: len(s.sessions), ByStatus: make(map[core.SessionStatus]int)}
	for _, sess := range s.sessions {
		st.ByStatus[sess.Status]++
	}
	return st
}

// Close cancels every task the store armed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.ownSched {
		s.sched.Close()
		return
	}
	s.sched.CancelPrefix(keyPrefix)
}

// live returns the session when present and not expired. A session found
// past its deadline is expired on the spot; the caller must flush after
// unlocking. Requires s.mu.
func (s *Store) live(id string) (*core.AuthSession, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if s.expireIfDue(sess) {
		return nil, false
	}
	if sess.Status == core.StatusExpired {
		return nil, false
	}
	return sess, true
}

// expireIfDue requires s.mu.
func (s *Store) expireIfDue(sess *core.AuthSession) bool {
	if sess.Status == core.StatusExpired || !s.clock.Now().After(sess.ExpiresAt) {
		return false
	}
	s.markExpired(sess)
	return true
}

// markExpired requires s.mu. Failed sessions keep their status but are still
// reported expired to the caller through the time check.
func (s *Store) markExpired(sess *core.AuthSession) {
	s.sched.Cancel(expireKey(sess.ID))
	if sess.Status == core.StatusFailed {
		return
	}
	payload := core.SessionExpired{Email: sess.Email}
	sess.Status = core.StatusExpired
	sess.LastEvent = &core.LastEvent{Type: payload.Type(), Timestamp: s.clock.Now(), Payload: payload}
	s.metrics.SessionTransition(string(core.StatusExpired))
	s.enqueue(snapshot(sess), payload)
}

// armExpiry requires s.mu.
func (s *Store) armExpiry(sess *core.AuthSession) {
	if s.closed {
		return
	}
	id := sess.ID
	s.sched.At(expireKey(id), sess.ExpiresAt, func() { s.onExpire(id) })
}

func (s *Store) onExpire(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status.Terminal() || s.clock.Now().Before(sess.ExpiresAt) {
		s.mu.Unlock()
		return
	}
	s.markExpired(sess)
	s.mu.Unlock()

	s.log.Debug("session expired", logger.SessionID(id))
	s.flush()
}

// enqueue requires s.mu. Queue order is mutation order.
func (s *Store) enqueue(snap core.AuthSession, payload core.EventPayload) {
	s.pending = append(s.pending, notification{session: snap, payload: payload})
}

// flush hands queued notifications to the observer one at a time. Whichever
// caller holds notifyMu drains changes queued by others as well.
func (s *Store) flush() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		n := s.pending[0]
		s.pending[0] = notification{}
		s.pending = s.pending[1:]
		o := s.observer
		s.mu.Unlock()

		if o != nil {
			o.SessionChanged(n.session, n.payload)
		}
	}
}

func expireKey(id string) string { return expirePrefix + id }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func snapshot(sess *core.AuthSession) core.AuthSession {
	out := *sess
	if sess.LastEvent != nil {
		le := *sess.LastEvent
		out.LastEvent = &le
	}
	return out
}
