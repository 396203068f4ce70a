package state

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/events"
	"github.com/yourusername/minecraft-supervisor/internal/query"
)

// Status is the authoritative classification of the supervised server.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusOnline   Status = "online"
	StatusStopping Status = "stopping"
)

// allowedEdges is the complete transition table. Anything else requires
// an explicit Override.
var allowedEdges = map[Status][]Status{
	StatusOffline:  {StatusStarting},
	StatusStarting: {StatusOnline, StatusOffline},
	StatusOnline:   {StatusStopping, StatusOffline},
	StatusStopping: {StatusOffline},
}

// Snapshot is an immutable view of the server state handed to callers
// and published on every status change.
type Snapshot struct {
	Status            Status
	LastStatusChange  time.Time
	StartTime         time.Time
	StopTime          time.Time
	Uptime            time.Duration
	MOTD              string
	MapName           string
	NumPlayers        int
	MaxPlayers        int
	PeakPlayers       int
	EmptySince        time.Time
	ConsecutiveErrors int
	GraceExpired      bool
	CrashDetected     bool
}

// Prober abstracts the query client for the polling loop.
type Prober interface {
	BasicStats() (query.Stats, error)
}

const (
	startingQuietWindow = 10 * time.Second
	graceFailWindow     = 3 * time.Minute
)

// Manager is a polling state machine with hysteresis: single probe
// failures never flip the status, and transitions only follow the edges
// in allowedEdges.
type Manager struct {
	cfg    *config.MonitorConfig
	prober Prober
	now    func() time.Time

	statusChanged     *events.Feed[Snapshot]
	serverEmpty       *events.Feed[Snapshot]
	serverActive      *events.Feed[Snapshot]
	inactivityExpired *events.Feed[Snapshot]
	tooManyErrors     *events.Feed[Snapshot]

	mu                sync.Mutex
	snap              Snapshot
	inactivityMinutes int
	enteredStatusAt   time.Time
	ticksInStatus     int
	inactivityFired   bool
	errorsFired       bool
	graceExpiredAt    time.Time
}

// NewManager creates a manager in the offline state.
func NewManager(cfg *config.MonitorConfig, prober Prober) *Manager {
	m := &Manager{
		cfg:               cfg,
		prober:            prober,
		now:               time.Now,
		statusChanged:     events.NewFeed[Snapshot](),
		serverEmpty:       events.NewFeed[Snapshot](),
		serverActive:      events.NewFeed[Snapshot](),
		inactivityExpired: events.NewFeed[Snapshot](),
		tooManyErrors:     events.NewFeed[Snapshot](),
		inactivityMinutes: cfg.InactivityTimeout,
	}
	m.snap.Status = StatusOffline
	m.enteredStatusAt = m.now()
	return m
}

// StatusChanged fires with the fresh snapshot on every transition.
func (m *Manager) StatusChanged() *events.Feed[Snapshot] { return m.statusChanged }

// ServerEmpty fires when the player count first drops to zero.
func (m *Manager) ServerEmpty() *events.Feed[Snapshot] { return m.serverEmpty }

// ServerActive fires when players return after an empty period.
func (m *Manager) ServerActive() *events.Feed[Snapshot] { return m.serverActive }

// InactivityExpired fires once per empty period when the configured
// inactivity timeout elapses.
func (m *Manager) InactivityExpired() *events.Feed[Snapshot] { return m.inactivityExpired }

// TooManyErrors fires when consecutive probe errors reach the ceiling
// while the server is considered online.
func (m *Manager) TooManyErrors() *events.Feed[Snapshot] { return m.tooManyErrors }

// Snapshot returns a copy of the current state with derived uptime.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.derived()
}

func (m *Manager) derived() Snapshot {
	s := m.snap
	if s.Status == StatusOnline && !s.StartTime.IsZero() {
		s.Uptime = m.now().Sub(s.StartTime)
	}
	return s
}

// Status returns just the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Status
}

// SetInactivityTimeout changes the empty-server shutdown threshold in
// minutes; zero disables it.
func (m *Manager) SetInactivityTimeout(minutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inactivityMinutes = minutes
	m.inactivityFired = false
}

// InactivityTimeout returns the current threshold in minutes.
func (m *Manager) InactivityTimeout() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inactivityMinutes
}

// SetCrashDetected marks or clears the crash flag on the snapshot.
func (m *Manager) SetCrashDetected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CrashDetected = v
}

// MarkStarting records an explicit start request.
func (m *Manager) MarkStarting() error { return m.transition(StatusStarting, false) }

// MarkOnline records a confirmed startup, either from a successful probe
// or the console's fully-started marker.
func (m *Manager) MarkOnline() error { return m.transition(StatusOnline, false) }

// MarkStopping records an explicit stop request.
func (m *Manager) MarkStopping() error { return m.transition(StatusStopping, false) }

// MarkOffline records a confirmed shutdown.
func (m *Manager) MarkOffline() error { return m.transition(StatusOffline, false) }

// Override forces the status outside the transition table. Manual
// correction only.
func (m *Manager) Override(s Status) {
	log.Printf("[State] Manual override to %s", s)
	m.transition(s, true)
}

// Reset discards all accumulated state and returns to offline.
func (m *Manager) Reset() {
	m.mu.Lock()
	minutes := m.inactivityMinutes
	m.snap = Snapshot{Status: StatusOffline, LastStatusChange: m.now()}
	m.enteredStatusAt = m.now()
	m.ticksInStatus = 0
	m.inactivityFired = false
	m.errorsFired = false
	m.graceExpiredAt = time.Time{}
	m.inactivityMinutes = minutes
	snap := m.derived()
	m.mu.Unlock()

	log.Printf("[State] State reset")
	m.statusChanged.Publish(snap)
}

func (m *Manager) transition(to Status, forced bool) error {
	m.mu.Lock()
	from := m.snap.Status
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !forced && !edgeAllowed(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("state: transition %s -> %s not allowed", from, to)
	}

	now := m.now()
	m.snap.Status = to
	m.snap.LastStatusChange = now
	m.enteredStatusAt = now
	m.ticksInStatus = 0
	m.errorsFired = false

	switch to {
	case StatusStarting:
		if from == StatusOffline || forced {
			m.snap.StartTime = now
		}
		m.snap.ConsecutiveErrors = 0
		m.snap.GraceExpired = false
		m.graceExpiredAt = time.Time{}
	case StatusStopping, StatusOffline:
		m.snap.StopTime = now
		m.snap.EmptySince = time.Time{}
		m.inactivityFired = false
	}

	snap := m.derived()
	m.mu.Unlock()

	log.Printf("[State] %s -> %s", from, to)
	m.statusChanged.Publish(snap)
	return nil
}

func edgeAllowed(from, to Status) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run polls on the configured interval until the context ends, with an
// immediate first check.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.CheckIntervalDuration()
	m.Check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one poll cycle: throttle, probe, classify.
func (m *Manager) Check() {
	if m.throttled() {
		return
	}

	stats, err := m.prober.BasicStats()
	if err != nil || !stats.Online {
		m.handleFailure()
		return
	}
	m.handleSuccess(stats)
}

// throttled implements the deterministic per-status tick throttle:
// nothing for the first 10 seconds of starting, then every second tick;
// every second tick while stopping.
func (m *Manager) throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticksInStatus++
	switch m.snap.Status {
	case StatusStarting:
		if m.now().Sub(m.enteredStatusAt) < startingQuietWindow {
			return true
		}
		return m.ticksInStatus%2 == 1
	case StatusStopping:
		return m.ticksInStatus%2 == 1
	}
	return false
}

func (m *Manager) handleSuccess(stats query.Stats) {
	m.mu.Lock()
	status := m.snap.Status
	m.snap.ConsecutiveErrors = 0
	m.errorsFired = false
	m.snap.GraceExpired = false
	m.graceExpiredAt = time.Time{}
	m.snap.MOTD = stats.MOTD
	m.snap.MapName = stats.MapName
	m.snap.NumPlayers = stats.NumPlayers
	m.snap.MaxPlayers = stats.MaxPlayers
	if stats.NumPlayers > m.snap.PeakPlayers {
		m.snap.PeakPlayers = stats.NumPlayers
	}
	m.mu.Unlock()

	if status == StatusStarting {
		m.MarkOnline()
		status = StatusOnline
	}
	if status == StatusOnline {
		m.evaluateInactivity(stats.NumPlayers)
	}
}

// evaluateInactivity tracks the empty-since timestamp and fires the
// empty/active/timeout events.
func (m *Manager) evaluateInactivity(players int) {
	m.mu.Lock()
	now := m.now()

	if players > 0 {
		if m.snap.EmptySince.IsZero() {
			m.mu.Unlock()
			return
		}
		m.snap.EmptySince = time.Time{}
		m.inactivityFired = false
		snap := m.derived()
		m.mu.Unlock()
		log.Printf("[State] Players returned, inactivity clock cleared")
		m.serverActive.Publish(snap)
		return
	}

	if m.snap.EmptySince.IsZero() {
		m.snap.EmptySince = now
		m.inactivityFired = false
		snap := m.derived()
		m.mu.Unlock()
		log.Printf("[State] Server is empty")
		m.serverEmpty.Publish(snap)
		return
	}

	minutes := m.inactivityMinutes
	fired := m.inactivityFired
	elapsed := now.Sub(m.snap.EmptySince)
	if minutes > 0 && !fired && elapsed >= time.Duration(minutes)*time.Minute {
		m.inactivityFired = true
		snap := m.derived()
		m.mu.Unlock()
		log.Printf("[State] Server empty for %v, inactivity timeout reached", elapsed.Round(time.Second))
		m.inactivityExpired.Publish(snap)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) handleFailure() {
	m.mu.Lock()
	m.snap.ConsecutiveErrors++
	errors := m.snap.ConsecutiveErrors
	status := m.snap.Status
	now := m.now()

	switch status {
	case StatusStarting:
		grace := time.Duration(m.cfg.StartupGrace) * time.Second
		if !m.snap.GraceExpired && now.Sub(m.snap.StartTime) > grace {
			m.snap.GraceExpired = true
			m.graceExpiredAt = now
			log.Printf("[State] Startup grace period expired")
		}
		stuckPastGrace := m.snap.GraceExpired && now.Sub(m.graceExpiredAt) > graceFailWindow
		tooManyWhileStarting := errors >= m.cfg.ErrorCeiling
		m.mu.Unlock()
		if stuckPastGrace || tooManyWhileStarting {
			log.Printf("[State] Startup never completed (%d consecutive probe failures)", errors)
			m.MarkOffline()
		}

	case StatusOnline:
		fireCeiling := errors >= m.cfg.ErrorCeiling && !m.errorsFired
		if fireCeiling {
			m.errorsFired = true
		}
		snap := m.derived()
		m.mu.Unlock()
		if fireCeiling {
			log.Printf("[State] %d consecutive probe errors, server may be hung", errors)
			m.tooManyErrors.Publish(snap)
		}
		if errors >= m.cfg.OfflineThreshold {
			log.Printf("[State] Server stopped responding (%d consecutive probe failures)", errors)
			m.MarkOffline()
		}

	case StatusStopping:
		m.mu.Unlock()
		m.MarkOffline()

	default:
		m.mu.Unlock()
	}
}
