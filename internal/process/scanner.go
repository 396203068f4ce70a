package process

import (
	"bufio"
	"io"
	"log"
	"regexp"
	"strings"

	"github.com/yourusername/minecraft-supervisor/internal/events"
)

// crashPatterns match console lines that mean the server is going down
// (or already hung) regardless of what the process table says.
var crashPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Exception in server tick loop`),
	regexp.MustCompile(`java\.lang\.OutOfMemoryError`),
	regexp.MustCompile(`(?i)\bfatal\b`),
}

// pressAnyKey matches the Windows batch prompt that blocks the wrapper
// script after the JVM dies. It needs a keypress, not a kill.
var pressAnyKey = regexp.MustCompile(`(?i)press any key`)

// scanStream publishes each console line and watches for the startup
// marker and crash signatures. Classification only runs on stdout.
func (m *Manager) scanStream(r io.Reader, feed *events.Feed[string], classify bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		feed.Publish(line)
		if classify {
			m.classifyLine(line)
		}
	}
}

func (m *Manager) classifyLine(line string) {
	if isFullyStartedLine(line) {
		log.Printf("[Process] Startup complete marker seen")
		m.fullyStarted.Publish(struct{}{})
		return
	}

	if pressAnyKey.MatchString(line) {
		// Unblock the prompt so the wrapper script can finish dying.
		m.SendLine("")
		m.markCrashed(line)
		return
	}

	for _, pat := range crashPatterns {
		if pat.MatchString(line) {
			m.markCrashed(line)
			return
		}
	}
}

// isFullyStartedLine detects the vanilla completion banner, e.g.
// `[Server thread/INFO]: Done (12.345s)! For help, type "help"`.
func isFullyStartedLine(line string) bool {
	return strings.Contains(line, "Done (") && strings.Contains(line, ")!")
}

// markCrashed records the crash once and lets the heartbeat escalate if
// the process refuses to die on its own.
func (m *Manager) markCrashed(line string) {
	m.mu.Lock()
	already := m.crashSeen
	m.crashSeen = true
	m.mu.Unlock()

	if already {
		return
	}
	log.Printf("[Process] Crash detected: %s", line)
	m.crashed.Publish(strings.TrimSpace(line))
}
