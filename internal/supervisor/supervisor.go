package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/events"
	"github.com/yourusername/minecraft-supervisor/internal/query"
	"github.com/yourusername/minecraft-supervisor/internal/state"
)

var (
	// ErrStartPending is returned when a start is already in flight.
	ErrStartPending = errors.New("supervisor: start already in progress")
	// ErrServerNotRunning is returned by commands that need a live server.
	ErrServerNotRunning = errors.New("supervisor: server is not running")
)

const (
	// An offline status with a process that has stayed responsive this
	// long is corrected to starting.
	responsiveCorrection = 2 * time.Minute
	crashRestartDelay    = 5 * time.Second
)

// ProcessController is the supervisor's view of the process manager.
type ProcessController interface {
	Start() error
	Stop() error
	ForceKill() error
	IsRunning() bool
	IsShuttingDown() bool
	IsResponsive() bool
	SendLine(line string) error
	Output() *events.Feed[string]
	ErrorOutput() *events.Feed[string]
	FullyStarted() *events.Feed[struct{}]
	Crashed() *events.Feed[string]
}

// Commander is the supervisor's view of the remote console client.
type Commander interface {
	SendCommand(command string) (string, error)
	Connect() error
	Disconnect()
}

// StatsClient is the supervisor's view of the query client.
type StatsClient interface {
	BasicStats() (query.Stats, error)
	FullStats() (query.Stats, error)
	SetKnownOffline(known bool)
}

// WakeControl is the supervisor's view of the wake listener.
type WakeControl interface {
	Start() error
	Stop()
	Running() bool
	ConnectionDetected() *events.Feed[net.Addr]
}

// Connectivity is a point-in-time reachability report for each signal
// source.
type Connectivity struct {
	Process bool `json:"process"`
	Query   bool `json:"query"`
	Rcon    bool `json:"rcon"`
}

// Supervisor composes the process manager, state machine, protocol
// clients, and wake listener, and arbitrates when their signals
// disagree.
type Supervisor struct {
	cfg     *config.Config
	process ProcessController
	states  *state.Manager
	queries StatsClient
	console Commander
	wake    WakeControl
	sched   *cron.Cron

	serverStarted *events.Feed[state.Snapshot]
	serverStopped *events.Feed[state.Snapshot]
	serverCrashed *events.Feed[string]

	mu              sync.Mutex
	pendingStart    bool
	wakeEnabled     bool
	autoRestart     bool
	responsiveSince time.Time
	now             func() time.Time
}

// New wires the components together and subscribes to their feeds.
func New(cfg *config.Config, process ProcessController, states *state.Manager, queries StatsClient, console Commander, wake WakeControl) *Supervisor {
	s := &Supervisor{
		cfg:           cfg,
		process:       process,
		states:        states,
		queries:       queries,
		console:       console,
		wake:          wake,
		serverStarted: events.NewFeed[state.Snapshot](),
		serverStopped: events.NewFeed[state.Snapshot](),
		serverCrashed: events.NewFeed[string](),
		wakeEnabled:   cfg.Wake.Enabled,
		autoRestart:   cfg.Server.AutoRestart,
		now:           time.Now,
	}

	process.FullyStarted().Subscribe(func(struct{}) {
		if err := states.MarkOnline(); err == nil {
			log.Printf("[Supervisor] Console reported startup complete")
		}
	})
	process.Crashed().Subscribe(s.handleCrash)

	states.StatusChanged().Subscribe(func(snap state.Snapshot) {
		queries.SetKnownOffline(snap.Status == state.StatusOffline)
		switch snap.Status {
		case state.StatusOnline:
			s.serverStarted.Publish(snap)
		case state.StatusOffline:
			s.serverStopped.Publish(snap)
		}
	})

	states.InactivityExpired().Subscribe(func(snap state.Snapshot) {
		log.Printf("[Supervisor] Server idle past the inactivity timeout, shutting down")
		go s.Stop()
	})

	wake.ConnectionDetected().Subscribe(func(addr net.Addr) {
		log.Printf("[Supervisor] Wake signal from %s", addr)
		go func() {
			if err := s.Start(); err != nil && !errors.Is(err, ErrStartPending) {
				log.Printf("[Supervisor] Wake-triggered start failed: %v", err)
			}
		}()
	})

	return s
}

// StatusChanged fires with the fresh snapshot on every transition.
func (s *Supervisor) StatusChanged() *events.Feed[state.Snapshot] { return s.states.StatusChanged() }

// ServerStarted fires on transitions into online.
func (s *Supervisor) ServerStarted() *events.Feed[state.Snapshot] { return s.serverStarted }

// ServerStopped fires on transitions into offline.
func (s *Supervisor) ServerStopped() *events.Feed[state.Snapshot] { return s.serverStopped }

// ServerCrashed fires with the crash reason.
func (s *Supervisor) ServerCrashed() *events.Feed[string] { return s.serverCrashed }

// ServerOutput fires with each stdout console line.
func (s *Supervisor) ServerOutput() *events.Feed[string] { return s.process.Output() }

// ServerError fires with each stderr console line.
func (s *Supervisor) ServerError() *events.Feed[string] { return s.process.ErrorOutput() }

// ConnectionDetected fires when the wake listener sees a client.
func (s *Supervisor) ConnectionDetected() *events.Feed[net.Addr] { return s.wake.ConnectionDetected() }

// Run starts the polling loop, the wake listener, and the restart
// schedule, then blocks until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if schedule := s.cfg.Server.RestartSchedule; schedule != "" {
		s.sched = cron.New()
		if _, err := s.sched.AddFunc(schedule, func() {
			log.Printf("[Supervisor] Scheduled restart")
			if err := s.Restart(); err != nil {
				log.Printf("[Supervisor] Scheduled restart failed: %v", err)
			}
		}); err != nil {
			return fmt.Errorf("supervisor: restart schedule: %w", err)
		}
		s.sched.Start()
	}

	if s.IsWakeOnDemandEnabled() && !s.process.IsRunning() {
		s.wake.Start()
	}

	go s.states.Run(ctx)

	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Start launches the server. Idempotent while running; concurrent
// callers beyond the first get ErrStartPending.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.pendingStart {
		s.mu.Unlock()
		return ErrStartPending
	}
	s.pendingStart = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.pendingStart = false
		s.mu.Unlock()
	}()

	if s.process.IsRunning() {
		return nil
	}

	log.Printf("[Supervisor] Starting server")

	// The real server needs the port the wake listener is squatting on.
	s.wake.Stop()

	// Status flips before the spawn so no concurrent read sees a stale
	// offline while the process comes up.
	if err := s.states.MarkStarting(); err != nil {
		s.states.Override(state.StatusStarting)
	}

	if err := s.process.Start(); err != nil {
		log.Printf("[Supervisor] Launch failed: %v", err)
		s.states.MarkOffline()
		if s.IsWakeOnDemandEnabled() {
			s.wake.Start()
		}
		return err
	}
	return nil
}

// Stop shuts the server down gracefully, escalating if it lingers, and
// hands the port back to the wake listener. Idempotent while offline.
func (s *Supervisor) Stop() error {
	if !s.process.IsRunning() && s.states.Status() == state.StatusOffline {
		return nil
	}

	log.Printf("[Supervisor] Stopping server")
	if err := s.states.MarkStopping(); err != nil {
		s.states.Override(state.StatusStopping)
	}

	err := s.process.Stop()
	if s.process.IsRunning() {
		log.Printf("[Supervisor] Server still up after stop, force killing")
		err = s.process.ForceKill()
	}

	s.states.MarkOffline()
	s.console.Disconnect()

	if s.IsWakeOnDemandEnabled() {
		s.wake.Start()
	}
	return err
}

// Restart is a stop followed by a start.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// State returns the reconciled snapshot.
func (s *Supervisor) State() state.Snapshot {
	s.reconcile()
	return s.states.Snapshot()
}

// IsRunning reports reconciled process liveness.
func (s *Supervisor) IsRunning() bool {
	s.reconcile()
	return s.process.IsRunning()
}

// IsShuttingDown reports whether a stop is in flight.
func (s *Supervisor) IsShuttingDown() bool {
	return s.process.IsShuttingDown() || s.states.Status() == state.StatusStopping
}

// reconcile corrects mismatches between the state machine and the
// process table before any public read.
func (s *Supervisor) reconcile() {
	status := s.states.Status()
	running := s.process.IsRunning()

	switch {
	case status == state.StatusOnline && !running:
		log.Printf("[Supervisor] Status online but process is gone, correcting to offline")
		s.states.MarkOffline()
		s.clearResponsive()

	case status == state.StatusOffline && running && s.process.IsResponsive():
		s.mu.Lock()
		if s.responsiveSince.IsZero() {
			s.responsiveSince = s.now()
			s.mu.Unlock()
			return
		}
		since := s.now().Sub(s.responsiveSince)
		s.mu.Unlock()
		if since > responsiveCorrection {
			log.Printf("[Supervisor] Responsive process found while offline, correcting to starting")
			s.states.MarkStarting()
			s.clearResponsive()
		}

	default:
		s.clearResponsive()
	}
}

func (s *Supervisor) clearResponsive() {
	s.mu.Lock()
	s.responsiveSince = time.Time{}
	s.mu.Unlock()
}

// SendCommand runs an admin command: remote console first, console
// stdin as the fallback. The fallback produces no output.
func (s *Supervisor) SendCommand(command string) (string, error) {
	if !s.IsRunning() {
		return "", ErrServerNotRunning
	}

	if s.cfg.Rcon.Enabled {
		out, err := s.console.SendCommand(command)
		if err == nil {
			return out, nil
		}
		log.Printf("[Supervisor] Remote console failed (%v), writing to stdin", err)
	}

	if err := s.process.SendLine(command); err != nil {
		return "", fmt.Errorf("supervisor: send command: %w", err)
	}
	return "", nil
}

// BasicStats returns the best-effort basic query snapshot.
func (s *Supervisor) BasicStats() (query.Stats, error) { return s.queries.BasicStats() }

// FullStats returns the best-effort full query snapshot.
func (s *Supervisor) FullStats() (query.Stats, error) { return s.queries.FullStats() }

// SetInactivityTimeout updates the empty-server shutdown threshold.
func (s *Supervisor) SetInactivityTimeout(minutes int) { s.states.SetInactivityTimeout(minutes) }

// InactivityTimeout returns the threshold in minutes.
func (s *Supervisor) InactivityTimeout() int { return s.states.InactivityTimeout() }

// SetWakeOnDemandEnabled toggles wake-on-demand and applies the new
// setting immediately.
func (s *Supervisor) SetWakeOnDemandEnabled(enabled bool) {
	s.mu.Lock()
	s.wakeEnabled = enabled
	s.mu.Unlock()

	if enabled {
		if !s.process.IsRunning() {
			s.wake.Start()
		}
		return
	}
	s.wake.Stop()
}

// IsWakeOnDemandEnabled reports the current wake-on-demand setting.
func (s *Supervisor) IsWakeOnDemandEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakeEnabled
}

// SetAutoRestart toggles restart-after-crash.
func (s *Supervisor) SetAutoRestart(enabled bool) {
	s.mu.Lock()
	s.autoRestart = enabled
	s.mu.Unlock()
}

// CheckConnectivity probes each signal source once.
func (s *Supervisor) CheckConnectivity() Connectivity {
	c := Connectivity{Process: s.process.IsRunning() && s.process.IsResponsive()}

	if stats, err := s.queries.BasicStats(); err == nil && stats.Online {
		c.Query = true
	}
	if s.cfg.Rcon.Enabled {
		if err := s.console.Connect(); err == nil {
			c.Rcon = true
		}
	}
	return c
}

// ResetState returns the state machine to a clean offline baseline.
// Manual correction for when reality and bookkeeping have diverged.
func (s *Supervisor) ResetState() {
	s.states.Reset()
	s.clearResponsive()
	s.mu.Lock()
	s.pendingStart = false
	s.mu.Unlock()
}

// handleCrash forces a consistent offline state and optionally schedules
// a restart.
func (s *Supervisor) handleCrash(reason string) {
	log.Printf("[Supervisor] Server crashed: %s", reason)
	s.states.SetCrashDetected(true)
	s.states.Override(state.StatusOffline)

	// Kill whatever is left so a half-dead process cannot hold the port.
	if s.process.IsRunning() {
		s.process.ForceKill()
	}
	s.serverCrashed.Publish(reason)

	s.mu.Lock()
	restart := s.autoRestart
	s.mu.Unlock()

	if restart {
		log.Printf("[Supervisor] Auto-restart in %v", crashRestartDelay)
		time.AfterFunc(crashRestartDelay, func() {
			s.states.SetCrashDetected(false)
			if err := s.Start(); err != nil {
				log.Printf("[Supervisor] Auto-restart failed: %v", err)
			}
		})
		return
	}

	if s.IsWakeOnDemandEnabled() {
		s.wake.Start()
	}
}

// Shutdown stops background work and the server itself.
func (s *Supervisor) Shutdown() {
	log.Printf("[Supervisor] Shutting down")
	if s.sched != nil {
		s.sched.Stop()
	}
	s.wake.Stop()
	if s.process.IsRunning() {
		if err := s.Stop(); err != nil {
			log.Printf("[Supervisor] Shutdown stop failed: %v", err)
		}
	}
	s.console.Disconnect()
}
