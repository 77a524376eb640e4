// Package stream runs turn event sources in the background and fans them
// out to any number of subscribers. A client disconnect detaches its queue
// only; the turn keeps running until its source yields a terminal event.
package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/pkg/models"
)

var (
	// ErrNoStream is returned by Subscribe when the session has no stream.
	ErrNoStream = errors.New("no stream for session")

	// ErrAlreadyActive is returned by StartStream when a non-complete
	// stream already exists for the session.
	ErrAlreadyActive = errors.New("stream already active")
)

const (
	// DefaultRingSize is how many recent events the replay ring keeps.
	DefaultRingSize = 100

	// DefaultQueueSize bounds each subscriber queue. Overflow drops new
	// events for that subscriber; the producer never blocks.
	DefaultQueueSize = 200

	// DefaultGrace is how long a completed stream lingers for late
	// joiners before the sweep removes it.
	DefaultGrace = 5 * time.Minute
)

// Info is a read-only view of one stream's state.
type Info struct {
	SessionID   string           `json:"session_id"`
	Active      bool             `json:"active"`
	StartedAt   time.Time        `json:"started_at"`
	LastEventAt time.Time        `json:"last_event_at"`
	EventCount  int              `json:"event_count"`
	Subscribers int              `json:"subscribers"`
	Terminal    models.EventType `json:"terminal,omitempty"`
}

type subscriber struct {
	ch     chan models.StreamEvent
	closed bool
}

type stream struct {
	sessionID string
	ring      []models.StreamEvent
	subs      map[*subscriber]struct{}
	startedAt time.Time
	lastEvent time.Time
	eventSeen int
	complete  bool
	final     *models.StreamEvent
	interrupt func()
	abort     chan struct{}
	aborted   bool
}

// Manager owns the stream map. Nothing else mutates it.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*stream

	ringSize  int
	queueSize int
	grace     time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option adjusts manager construction.
type Option func(*Manager)

// WithRingSize overrides the replay ring capacity.
func WithRingSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ringSize = n
		}
	}
}

// WithQueueSize overrides the subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithGrace overrides how long completed streams wait for the sweep.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithMetrics attaches the metrics collector set.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty stream manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		streams:   make(map[string]*stream),
		ringSize:  DefaultRingSize,
		queueSize: DefaultQueueSize,
		grace:     DefaultGrace,
		logger:    logger.With("component", "stream"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartStream installs a stream for the session and spawns the pump
// goroutine. ErrAlreadyActive if a non-complete stream holds the ID; a
// completed leftover is replaced.
func (m *Manager) StartStream(sessionID string, source <-chan models.StreamEvent, interrupt func()) error {
	m.mu.Lock()
	if existing, ok := m.streams[sessionID]; ok && !existing.complete {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	st := &stream{
		sessionID: sessionID,
		subs:      make(map[*subscriber]struct{}),
		startedAt: m.now(),
		lastEvent: m.now(),
		interrupt: interrupt,
		abort:     make(chan struct{}),
	}
	m.streams[sessionID] = st
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveStreams.Inc()
	}
	go m.pump(st, source)
	return nil
}

// pump moves events from the source into the ring and subscriber queues
// until a terminal event, source close, or abort.
func (m *Manager) pump(st *stream, source <-chan models.StreamEvent) {
	for {
		select {
		case <-st.abort:
			m.finalize(st, models.StreamEvent{
				Type:      models.EventAborted,
				SessionID: st.sessionID,
				Timestamp: m.now(),
			})
			// The producer may still be flushing a backlog; keep
			// consuming until it closes so its sends never block and
			// its own cleanup can run.
			go func() {
				for range source {
				}
			}()
			return
		case ev, ok := <-source:
			if !ok {
				// Source closed without a terminal. Treat as a
				// protocol slip and close the stream cleanly.
				m.logger.Warn("event source closed without terminal", "session_id", st.sessionID)
				m.finalize(st, models.StreamEvent{
					Type:      models.EventError,
					SessionID: st.sessionID,
					Error:     "event source ended unexpectedly",
					Timestamp: m.now(),
				})
				return
			}
			if ev.Terminal() {
				m.finalize(st, ev)
				return
			}
			m.dispatch(st, ev)
		}
	}
}

// dispatch appends the event to the ring and offers it to every
// subscriber. Full queues drop the event with a warning.
func (m *Manager) dispatch(st *stream, ev models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.complete {
		return
	}
	m.appendLocked(st, ev)
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			if m.metrics != nil {
				m.metrics.SubscriberDrops.Inc()
			}
			m.logger.Warn("subscriber queue full, dropping event",
				"session_id", st.sessionID, "event_type", ev.Type)
		}
	}
}

// finalize records the terminal event, delivers it, and closes every
// subscriber queue. Completion is monotonic.
func (m *Manager) finalize(st *stream, ev models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.complete {
		return
	}
	st.complete = true
	st.final = &ev
	m.appendLocked(st, ev)
	for sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			m.logger.Warn("subscriber queue full, dropping terminal",
				"session_id", st.sessionID, "event_type", ev.Type)
		}
		sub.closed = true
		close(sub.ch)
	}
	st.subs = make(map[*subscriber]struct{})
	if m.metrics != nil {
		m.metrics.ActiveStreams.Dec()
	}
	m.logger.Debug("stream finalized", "session_id", st.sessionID, "terminal", ev.Type)
}

func (m *Manager) appendLocked(st *stream, ev models.StreamEvent) {
	st.ring = append(st.ring, ev)
	if len(st.ring) > m.ringSize {
		st.ring = st.ring[len(st.ring)-m.ringSize:]
	}
	st.lastEvent = m.now()
	st.eventSeen++
}

// Subscribe attaches a bounded queue to the session's stream. When
// includeBuffer is set the ring snapshot (and, for completed streams, the
// terminal event) is delivered first; the snapshot-vs-live split is atomic
// under the manager lock. The cancel func detaches the queue only.
func (m *Manager) Subscribe(sessionID string, includeBuffer bool) (<-chan models.StreamEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[sessionID]
	if !ok {
		return nil, nil, ErrNoStream
	}

	size := m.queueSize
	if includeBuffer && len(st.ring)+1 > size {
		size = len(st.ring) + 1
	}
	sub := &subscriber{ch: make(chan models.StreamEvent, size)}

	if includeBuffer {
		for _, ev := range st.ring {
			sub.ch <- ev
		}
		if st.complete && st.final != nil && !ringEndsWith(st.ring, st.final) {
			sub.ch <- *st.final
		}
	} else if st.complete && st.final != nil {
		// Live-only subscribers to a completed stream still get the
		// terminal so they can close out.
		sub.ch <- *st.final
	}

	if st.complete {
		sub.closed = true
		close(sub.ch)
	} else {
		st.subs[sub] = struct{}{}
	}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, attached := st.subs[sub]; attached {
			delete(st.subs, sub)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	return sub.ch, cancel, nil
}

func ringEndsWith(ring []models.StreamEvent, final *models.StreamEvent) bool {
	if len(ring) == 0 {
		return false
	}
	last := ring[len(ring)-1]
	return last.Type == final.Type && last.Timestamp.Equal(final.Timestamp)
}

// AbortStream invokes the stored interrupt callback and signals the pump,
// which finalizes with an aborted terminal. False when no active stream.
func (m *Manager) AbortStream(sessionID string) bool {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	if !ok || st.complete || st.aborted {
		m.mu.Unlock()
		return false
	}
	st.aborted = true
	interrupt := st.interrupt
	close(st.abort)
	m.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	m.logger.Info("stream aborted", "session_id", sessionID)
	return true
}

// HasActiveStream reports whether a non-complete stream exists.
func (m *Manager) HasActiveStream(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[sessionID]
	return ok && !st.complete
}

// StreamInfo returns the read-only view for one session.
func (m *Manager) StreamInfo(sessionID string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[sessionID]
	if !ok {
		return Info{}, false
	}
	return m.infoLocked(st), true
}

// ActiveStreams lists every non-complete stream.
func (m *Manager) ActiveStreams() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, st := range m.streams {
		if !st.complete {
			out = append(out, m.infoLocked(st))
		}
	}
	return out
}

func (m *Manager) infoLocked(st *stream) Info {
	info := Info{
		SessionID:   st.sessionID,
		Active:      !st.complete,
		StartedAt:   st.startedAt,
		LastEventAt: st.lastEvent,
		EventCount:  st.eventSeen,
		Subscribers: len(st.subs),
	}
	if st.complete && st.final != nil {
		info.Terminal = st.final.Type
	}
	return info
}

// Rekey atomically moves a stream registered under a temporary ID to the
// definitive session ID. Existing subscribers hold the channel, not the
// key, so they follow transparently. False if the temp ID is absent or
// the real ID is taken by an active stream. If the real ID is never
// observed the stream is simply reaped under the temp ID.
func (m *Manager) Rekey(tempID, realID string) bool {
	if tempID == realID || realID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.streams[tempID]
	if !ok {
		return false
	}
	if existing, taken := m.streams[realID]; taken && !existing.complete {
		return false
	}
	delete(m.streams, tempID)
	st.sessionID = realID
	m.streams[realID] = st
	m.logger.Debug("stream rekeyed", "temp_id", tempID, "session_id", realID)
	return true
}

// Sweep removes completed streams whose last event predates the grace
// interval and that have no subscribers left. Returns how many were
// removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, st := range m.streams {
		if st.complete && len(st.subs) == 0 && now.Sub(st.lastEvent) > m.grace {
			delete(m.streams, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept completed streams", "count", removed)
	}
	return removed
}

// DrainAll aborts every active stream. Called on shutdown.
func (m *Manager) DrainAll() {
	m.mu.Lock()
	var ids []string
	for id, st := range m.streams {
		if !st.complete {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.AbortStream(id)
	}
}
