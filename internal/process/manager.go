package process

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/events"
)

var (
	// ErrDirectoryNotFound is returned when the configured working
	// directory does not exist.
	ErrDirectoryNotFound = errors.New("process: working directory not found")
	// ErrExecutableNotFound is returned when the start script or server
	// jar is missing from the working directory.
	ErrExecutableNotFound = errors.New("process: executable not found")
	// ErrNotRunning is returned by operations that need a live process.
	ErrNotRunning = errors.New("process: not running")
)

const (
	heartbeatInterval = 10 * time.Second
	termGrace         = 5 * time.Second
)

// Manager owns the game server child process: spawning it, scanning its
// console streams, detecting crashes, and tearing it down in escalating
// stages when asked.
type Manager struct {
	cfg *config.ServerConfig

	// heartbeatEvery is overridden in tests to observe the escalation
	// without the full interval.
	heartbeatEvery time.Duration

	output       *events.Feed[string]
	errorOutput  *events.Feed[string]
	fullyStarted *events.Feed[struct{}]
	crashed      *events.Feed[string]

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	running      bool
	shuttingDown bool
	crashSeen    bool
	artifact     string
	exited       chan struct{}
	stopBeat     chan struct{}
}

// NewManager creates an idle manager for the configured server.
func NewManager(cfg *config.ServerConfig) *Manager {
	return &Manager{
		cfg:            cfg,
		heartbeatEvery: heartbeatInterval,
		output:         events.NewFeed[string](),
		errorOutput:    events.NewFeed[string](),
		fullyStarted:   events.NewFeed[struct{}](),
		crashed:        events.NewFeed[string](),
	}
}

// Output fires once per stdout line the server prints.
func (m *Manager) Output() *events.Feed[string] { return m.output }

// ErrorOutput fires once per stderr line the server prints.
func (m *Manager) ErrorOutput() *events.Feed[string] { return m.errorOutput }

// FullyStarted fires when the console shows the startup-complete marker.
func (m *Manager) FullyStarted() *events.Feed[struct{}] { return m.fullyStarted }

// Crashed fires with a reason when console output or process exit points
// at an abnormal termination.
func (m *Manager) Crashed() *events.Feed[string] { return m.crashed }

// Start validates the configured launch target and spawns the server.
// A no-op when the process is already up.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	info, err := os.Stat(m.cfg.WorkingDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDirectoryNotFound, m.cfg.WorkingDir)
	}

	cmd, artifact, err := m.buildCommand()
	if err != nil {
		return err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		removeIfSet(artifact)
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeIfSet(artifact)
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeIfSet(artifact)
		return fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		removeIfSet(artifact)
		return fmt.Errorf("process: launch: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.stdin = stdin
	m.running = true
	m.shuttingDown = false
	m.crashSeen = false
	m.artifact = artifact
	m.exited = make(chan struct{})
	m.stopBeat = make(chan struct{})
	exited := m.exited
	stopBeat := m.stopBeat
	m.mu.Unlock()

	log.Printf("[Process] Server started (pid %d)", cmd.Process.Pid)

	go m.scanStream(stdout, m.output, true)
	go m.scanStream(stderr, m.errorOutput, false)
	go m.waitForExit(cmd, exited)
	go m.heartbeat(exited, stopBeat)

	return nil
}

// buildCommand assembles the launch command for the configured mode. In
// script mode a throwaway wrapper script carries the cd into the working
// directory; in direct mode the jar is run with the configured heap.
func (m *Manager) buildCommand() (*exec.Cmd, string, error) {
	switch m.cfg.Launch {
	case config.LaunchScript:
		scriptPath := filepath.Join(m.cfg.WorkingDir, m.cfg.StartScript)
		if _, err := os.Stat(scriptPath); err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrExecutableNotFound, scriptPath)
		}
		wrapper, err := writeWrapperScript(m.cfg.WorkingDir, m.cfg.StartScript)
		if err != nil {
			return nil, "", err
		}
		var cmd *exec.Cmd
		if runtime.GOOS == "windows" {
			cmd = exec.Command("cmd", "/C", wrapper)
		} else {
			cmd = exec.Command("/bin/sh", wrapper)
		}
		cmd.Dir = m.cfg.WorkingDir
		return cmd, wrapper, nil

	case config.LaunchDirect:
		jarPath := filepath.Join(m.cfg.WorkingDir, m.cfg.JarFile)
		if _, err := os.Stat(jarPath); err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrExecutableNotFound, jarPath)
		}
		heap := m.cfg.JavaHeap
		if heap == "" {
			heap = "2G"
		}
		cmd := exec.Command("java", "-Xmx"+heap, "-jar", m.cfg.JarFile, "nogui")
		cmd.Dir = m.cfg.WorkingDir
		return cmd, "", nil
	}

	return nil, "", fmt.Errorf("process: unknown launch mode %q", m.cfg.Launch)
}

// writeWrapperScript drops a uuid-named one-shot script next to the temp
// dir so the start script always runs from its own directory.
func writeWrapperScript(workingDir, startScript string) (string, error) {
	name := "launch-" + uuid.NewString()
	var path, body string
	if runtime.GOOS == "windows" {
		path = filepath.Join(os.TempDir(), name+".bat")
		body = fmt.Sprintf("@echo off\r\ncd /d \"%s\"\r\ncall \"%s\"\r\n", workingDir, startScript)
	} else {
		path = filepath.Join(os.TempDir(), name+".sh")
		body = fmt.Sprintf("#!/bin/sh\ncd \"%s\"\nexec \"./%s\"\n", workingDir, startScript)
	}
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		return "", fmt.Errorf("process: write wrapper script: %w", err)
	}
	return path, nil
}

// waitForExit reaps the child and settles manager state exactly once.
func (m *Manager) waitForExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	m.mu.Lock()
	wasShuttingDown := m.shuttingDown
	crashSeen := m.crashSeen
	m.running = false
	m.shuttingDown = false
	if m.stdin != nil {
		m.stdin.Close()
		m.stdin = nil
	}
	artifact := m.artifact
	m.artifact = ""
	m.mu.Unlock()

	close(exited)
	removeIfSet(artifact)

	if err != nil {
		log.Printf("[Process] Server exited: %v", err)
	} else {
		log.Printf("[Process] Server exited cleanly")
	}

	if !wasShuttingDown && !crashSeen {
		m.crashed.Publish("process exited unexpectedly")
	}
}

// heartbeat reconciles bookkeeping with reality every 10 seconds: a
// crash marker with the process still alive gets escalated to a kill.
func (m *Manager) heartbeat(exited, stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-exited:
			return
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			crashSeen := m.crashSeen
			running := m.running
			m.mu.Unlock()

			if crashSeen && running {
				log.Printf("[Process] Crashed server still alive, force killing")
				m.ForceKill()
				return
			}
		}
	}
}

// IsRunning reports whether the child process is alive.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// IsShuttingDown reports whether a graceful stop is in flight.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Pid returns the child pid, or 0 when nothing is running.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.cmd == nil || m.cmd.Process == nil {
		return 0
	}
	return m.cmd.Process.Pid
}

// IsResponsive checks the pid against the OS process table, catching the
// case where bookkeeping says running but the process is gone.
func (m *Manager) IsResponsive() bool {
	pid := m.Pid()
	if pid == 0 {
		return false
	}
	exists, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return exists
}

// SendLine writes one console command to the server's stdin.
func (m *Manager) SendLine(line string) error {
	m.mu.Lock()
	stdin := m.stdin
	running := m.running
	m.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}
	if _, err := io.WriteString(stdin, line+"\n"); err != nil {
		return fmt.Errorf("process: write stdin: %w", err)
	}
	return nil
}

// Stop performs a graceful shutdown: the stop command goes to stdin, and
// the process gets the configured window to exit before escalation.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	exited := m.exited
	m.mu.Unlock()

	stopCmd := m.cfg.StopCommand
	if stopCmd == "" {
		stopCmd = "stop"
	}
	log.Printf("[Process] Sending stop command %q", stopCmd)
	if err := m.SendLine(stopCmd); err != nil {
		log.Printf("[Process] Stop command failed: %v", err)
	}

	if m.cfg.Launch == config.LaunchScript {
		// The batch wrapper can end on a "press any key" prompt.
		go func() {
			time.Sleep(time.Second)
			m.SendLine("")
		}()
	}

	timeout := m.cfg.StopTimeoutDuration()
	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
	}

	log.Printf("[Process] No exit within %v, escalating", timeout)
	return m.ForceKill()
}

// ForceKill terminates the server in escalating stages: a newline to
// unblock a stuck console read, SIGTERM, Kill, and on Windows a process
// tree kill as the final stage.
func (m *Manager) ForceKill() error {
	m.mu.Lock()
	if !m.running || m.cmd == nil || m.cmd.Process == nil {
		m.mu.Unlock()
		return nil
	}
	proc := m.cmd.Process
	exited := m.exited
	m.shuttingDown = true
	m.mu.Unlock()

	// Stage 1: a bare newline frees "press any key to continue" prompts.
	m.SendLine("")

	// Stage 2: polite termination signal.
	if err := proc.Signal(syscall.SIGTERM); err == nil {
		select {
		case <-exited:
			return nil
		case <-time.After(termGrace):
		}
	}

	// Stage 3: hard kill.
	if err := proc.Kill(); err == nil {
		select {
		case <-exited:
			return nil
		case <-time.After(termGrace):
		}
	}

	// Stage 4: Windows wraps the server in a console host, so the whole
	// tree has to go.
	if runtime.GOOS == "windows" {
		kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(proc.Pid))
		if out, err := kill.CombinedOutput(); err != nil {
			return fmt.Errorf("process: taskkill pid %d: %v (%s)", proc.Pid, err, out)
		}
		select {
		case <-exited:
			return nil
		case <-time.After(termGrace):
		}
	}

	select {
	case <-exited:
		return nil
	default:
		return fmt.Errorf("process: pid %d survived all kill stages", proc.Pid)
	}
}

// Shutdown stops background work without touching a live process. Used
// on supervisor exit after the server was already confirmed down.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	stop := m.stopBeat
	m.stopBeat = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func removeIfSet(path string) {
	if path != "" {
		os.Remove(path)
	}
}
