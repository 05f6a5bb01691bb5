// Package events keeps a bounded, ordered history of auth events per session
// and fans progress notifications out to live subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/internal/idx"
	"github.com/layer-3/authflow/internal/logger"
	"github.com/layer-3/authflow/internal/metrics"
	"github.com/layer-3/authflow/internal/schedule"
	"github.com/layer-3/authflow/ports"
)

const (
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultSweepInterval    = time.Minute
	DefaultClearDelay       = 2 * time.Second
	DefaultMaxEvents        = 50
	DefaultSubscriberBuffer = 16

	keyPrefix   = "events:"
	sweepKey    = keyPrefix + "sweep"
	idlePrefix  = keyPrefix + "idle:"
	clearPrefix = keyPrefix + "clear:"

	forwardTimeout = 5 * time.Second
)

// Config bounds the store.
type Config struct {
	IdleTimeout         time.Duration
	SweepInterval       time.Duration
	ClearDelay          time.Duration
	MaxEventsPerSession int
	SubscriberBuffer    int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:         DefaultIdleTimeout,
		SweepInterval:       DefaultSweepInterval,
		ClearDelay:          DefaultClearDelay,
		MaxEventsPerSession: DefaultMaxEvents,
		SubscriberBuffer:    DefaultSubscriberBuffer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ClearDelay <= 0 {
		c.ClearDelay = d.ClearDelay
	}
	if c.MaxEventsPerSession <= 0 {
		c.MaxEventsPerSession = d.MaxEventsPerSession
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}

type Option func(*Store)

func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithScheduler shares sched with the store. Without it the store runs its
// own scheduler and stops it on Close.
func WithScheduler(sched *schedule.Scheduler) Option {
	return func(s *Store) { s.sched = sched }
}

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithPublisher forwards every stored event to p.
func WithPublisher(p ports.EventPublisher) Option { return func(s *Store) { s.forwarder = p } }

// Stats summarises the whole store.
type Stats struct {
	Sessions    int
	Events      int
	Subscribers int
}

// SessionStats describes one session log.
type SessionStats struct {
	Events       int
	Subscribers  int
	LastActivity time.Time
}

type subscriber struct {
	ch     chan core.SSEAuthEvent
	closed bool
}

type sessionLog struct {
	events       []core.AuthEvent
	lastActivity time.Time
	subs         map[uint64]*subscriber
}

// Store is the per-session event log.
type Store struct {
	cfg       Config
	clock     clock.Clock
	sched     *schedule.Scheduler
	ownSched  bool
	log       *zap.Logger
	metrics   *metrics.Metrics
	ids       *idx.Generator
	forwarder ports.EventPublisher

	mu      sync.Mutex
	logs    map[string]*sessionLog
	nextSub uint64
	closed  bool
}

var _ ports.SessionObserver = (*Store)(nil)

// NewStore creates a Store and arms its sweep.
func NewStore(cfg Config, opts ...Option) *Store {
	s := &Store{
		cfg:  cfg.withDefaults(),
		ids:  idx.NewGenerator(),
		logs: make(map[string]*sessionLog),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.log = logger.OrNop(s.log).With(logger.Component("event_store"))
	if s.sched == nil {
		s.sched = schedule.New(s.clock, s.log)
		s.sched.Start(schedule.DefaultResolution)
		s.ownSched = true
	}

	s.sched.Every(sweepKey, s.cfg.SweepInterval, func() { s.Sweep() })
	return s
}

// StoreEvent appends payload to the session's log, evicting the oldest event
// past the cap, and resets the session's idle timer.
func (s *Store) StoreEvent(sessionID string, payload core.EventPayload) core.AuthEvent {
	s.mu.Lock()
	ev, _ := s.appendLocked(sessionID, payload)
	s.mu.Unlock()

	s.metrics.EventStored(string(payload.Type()))
	s.forward(ev)
	return ev
}

// appendLocked requires s.mu. IDs and timestamps are assigned under the lock
// so that log order, id order and delivery order agree.
func (s *Store) appendLocked(sessionID string, payload core.EventPayload) (core.AuthEvent, *sessionLog) {
	now := s.clock.Now()
	ev := core.AuthEvent{
		ID:        s.ids.NewAt(now),
		Timestamp: now,
		SessionID: sessionID,
		Payload:   payload,
	}
	l := s.touch(sessionID, now)
	l.events = append(l.events, ev)
	if over := len(l.events) - s.cfg.MaxEventsPerSession; over > 0 {
		n := copy(l.events, l.events[over:])
		clear(l.events[n:])
		l.events = l.events[:n]
	}
	return ev, l
}

// GetSessionEvents returns the session's events in store order.
func (s *Store) GetSessionEvents(sessionID string) []core.AuthEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[sessionID]
	if !ok {
		return nil
	}
	out := make([]core.AuthEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (s *Store) GetLatestEvent(sessionID string) (core.AuthEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[sessionID]
	if !ok || len(l.events) == 0 {
		return core.AuthEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

// Subscribe registers a buffered channel for events published from now on.
// The returned func removes exactly this subscription and closes the channel;
// it is safe to call more than once. A subscriber that falls behind loses its
// oldest undelivered events.
func (s *Store) Subscribe(sessionID string) (<-chan core.SSEAuthEvent, func()) {
	sub := &subscriber{ch: make(chan core.SSEAuthEvent, s.cfg.SubscriberBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	l := s.logs[sessionID]
	if l == nil {
		l = s.touch(sessionID, s.clock.Now())
	}
	if l.subs == nil {
		l.subs = make(map[uint64]*subscriber)
	}
	s.nextSub++
	id := s.nextSub
	l.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { s.unsubscribe(sessionID, id) })
	}
}

// SubscribeFunc bridges a callback onto Subscribe. fn runs on its own
// goroutine; a panic in fn is logged and the subscription keeps running.
func (s *Store) SubscribeFunc(sessionID string, fn func(core.SSEAuthEvent)) func() {
	ch, unsubscribe := s.Subscribe(sessionID)
	go func() {
		for ev := range ch {
			s.invoke(sessionID, fn, ev)
		}
	}()
	return unsubscribe
}

func (s *Store) invoke(sessionID string, fn func(core.SSEAuthEvent), ev core.SSEAuthEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber callback panicked", logger.SessionID(sessionID), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

func (s *Store) unsubscribe(sessionID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[sessionID]
	if !ok {
		return
	}
	sub, ok := l.subs[id]
	if !ok {
		return
	}
	delete(l.subs, id)
	closeSub(sub)
	if len(l.subs) == 0 {
		l.subs = nil
	}
}

// PublishSSEEvent hands ev to every current subscriber of the session without
// blocking and returns how many received it.
func (s *Store) PublishSSEEvent(sessionID string, ev core.SSEAuthEvent) int {
	s.mu.Lock()
	var delivered, dropped int
	if l, ok := s.logs[sessionID]; ok {
		delivered, dropped = fanOut(l, ev)
	}
	s.mu.Unlock()

	s.reportDelivery(sessionID, delivered, dropped)
	return delivered
}

// fanOut requires s.mu.
func fanOut(l *sessionLog, ev core.SSEAuthEvent) (delivered, dropped int) {
	for _, sub := range l.subs {
		if send(sub, ev) {
			dropped++
		}
		delivered++
	}
	return delivered, dropped
}

func (s *Store) reportDelivery(sessionID string, delivered, dropped int) {
	if delivered == 0 {
		return
	}
	s.metrics.Delivered(delivered)
	if dropped > 0 {
		s.metrics.Dropped(dropped)
		s.log.Warn("slow subscribers lost events", logger.SessionID(sessionID), zap.Int("dropped", dropped))
	}
}

// send requires s.mu, which makes it the only writer to sub.ch. It reports
// whether an older event was evicted to make room.
func send(sub *subscriber, ev core.SSEAuthEvent) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- ev:
		return false
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- ev:
	default:
	}
	return true
}

// CreateAndPublishSSEEvent projects ev with its progress value and publishes
// it.
func (s *Store) CreateAndPublishSSEEvent(sessionID string, ev core.AuthEvent, message, nextAction string) core.SSEAuthEvent {
	sse := core.NewSSEEvent(sessionID, ev, message, nextAction)
	s.PublishSSEEvent(sessionID, sse)
	return sse
}

// SessionChanged records a session transition and notifies subscribers. The
// append and the fan-out share one critical section, so subscribers see
// events in store order; forwarding to the broker happens afterwards.
func (s *Store) SessionChanged(session core.AuthSession, payload core.EventPayload) {
	if payload == nil {
		return
	}
	message, next := Presentation(payload, session.Status)

	s.mu.Lock()
	ev, l := s.appendLocked(session.ID, payload)
	delivered, dropped := fanOut(l, core.NewSSEEvent(session.ID, ev, message, next))
	s.mu.Unlock()

	s.metrics.EventStored(string(payload.Type()))
	s.reportDelivery(session.ID, delivered, dropped)
	s.forward(ev)
}

func (s *Store) HasActiveSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.logs[sessionID]
	return ok
}

// ClearSession drops the session's events, subscribers and timers together.
func (s *Store) ClearSession(sessionID string) {
	s.mu.Lock()
	l, ok := s.logs[sessionID]
	delete(s.logs, sessionID)
	if ok {
		for _, sub := range l.subs {
			closeSub(sub)
		}
	}
	s.mu.Unlock()

	s.sched.Cancel(idlePrefix + sessionID)
	s.sched.Cancel(clearPrefix + sessionID)
}

// Sweep clears every session idle for longer than the idle window.
func (s *Store) Sweep() int {
	cutoff := s.clock.Now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var stale []string
	for id, l := range s.logs {
		if l.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	for _, id := range stale {
		s.ClearSession(id)
	}
	if len(stale) > 0 {
		s.log.Debug("swept idle event logs", zap.Int("count", len(stale)))
	}
	return len(stale)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Sessions: len(s.logs)}
	for _, l := range s.logs {
		st.Events += len(l.events)
		st.Subscribers += len(l.subs)
	}
	return st
}

func (s *Store) SessionStats(sessionID string) (SessionStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[sessionID]
	if !ok {
		return SessionStats{}, false
	}
	return SessionStats{Events: len(l.events), Subscribers: len(l.subs), LastActivity: l.lastActivity}, true
}

// Close cancels the store's timers and closes every subscriber channel.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, l := range s.logs {
		for _, sub := range l.subs {
			closeSub(sub)
		}
		l.subs = nil
	}
	s.mu.Unlock()

	if s.ownSched {
		s.sched.Close()
		return
	}
	s.sched.CancelPrefix(keyPrefix)
}

// touch returns the session's log, creating it if needed, and re-arms its
// idle timer. Requires s.mu.
func (s *Store) touch(sessionID string, now time.Time) *sessionLog {
	l, ok := s.logs[sessionID]
	if !ok {
		l = &sessionLog{}
		s.logs[sessionID] = l
	}
	l.lastActivity = now
	if !s.closed {
		s.sched.Cancel(clearPrefix + sessionID)
		s.sched.After(idlePrefix+sessionID, s.cfg.IdleTimeout, func() { s.onIdle(sessionID) })
	}
	return l
}

// onIdle tells subscribers the session went quiet, then clears it after
// ClearDelay so the notice can drain.
func (s *Store) onIdle(sessionID string) {
	s.mu.Lock()
	l, ok := s.logs[sessionID]
	if !ok || s.clock.Now().Sub(l.lastActivity) < s.cfg.IdleTimeout {
		s.mu.Unlock()
		return
	}
	var email string
	if n := len(l.events); n > 0 {
		email = l.events[n-1].Email()
	}
	s.mu.Unlock()

	payload := core.SessionExpired{Email: email}
	ev := core.AuthEvent{SessionID: sessionID, Timestamp: s.clock.Now(), Payload: payload}
	message, next := Presentation(payload, core.StatusExpired)
	s.CreateAndPublishSSEEvent(sessionID, ev, message, next)

	s.log.Debug("event log idle", logger.SessionID(sessionID))
	s.sched.After(clearPrefix+sessionID, s.cfg.ClearDelay, func() { s.clearIfIdle(sessionID) })
}

// clearIfIdle skips sessions that saw an event after going idle.
func (s *Store) clearIfIdle(sessionID string) {
	s.mu.Lock()
	l, ok := s.logs[sessionID]
	idle := ok && s.clock.Now().Sub(l.lastActivity) >= s.cfg.IdleTimeout
	s.mu.Unlock()

	if idle {
		s.ClearSession(sessionID)
	}
}

func (s *Store) forward(ev core.AuthEvent) {
	if s.forwarder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()
	if err := s.forwarder.PublishAuthEvent(ctx, ev); err != nil {
		s.log.Warn("forward auth event failed", logger.SessionID(ev.SessionID), logger.Err(err))
	}
}

func closeSub(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
