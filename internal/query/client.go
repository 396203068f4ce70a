package query

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

// Stats is the outcome of one query probe. Online reports protocol-level
// liveness; the remaining fields are best-effort and may be partial when
// the server returns a short or malformed packet.
type Stats struct {
	Online     bool   `json:"online"`
	MOTD       string `json:"motd"`
	GameType   string `json:"game_type"`
	MapName    string `json:"map"`
	NumPlayers int    `json:"num_players"`
	MaxPlayers int    `json:"max_players"`
	HostPort   uint16 `json:"host_port"`
	HostIP     string `json:"host_ip"`

	// Full-stats only.
	Values  map[string]string `json:"values,omitempty"`
	Players []string          `json:"players,omitempty"`
}

// ErrCooldown is returned when a probe is skipped because the backoff
// window from previous failures has not elapsed yet.
var ErrCooldown = errors.New("query: probe skipped during backoff cooldown")

const (
	handshakeType = 0x09
	statType      = 0x00
)

// Client speaks the GameSpy4-style UDP query protocol. Every call opens a
// fresh socket and closes it on all exit paths; no kernel-level state is
// reused between probes.
type Client struct {
	host           string
	port           int
	timeout        time.Duration
	maxRetries     int
	failureCeiling int
	backoffCap     time.Duration

	mu           sync.Mutex
	failures     int
	nextAttempt  time.Time
	knownOffline bool
}

// NewClient creates a query client for host:port.
func NewClient(host string, port int, timeout time.Duration, maxRetries, failureCeiling int, backoffCap time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	return &Client{
		host:           host,
		port:           port,
		timeout:        timeout,
		maxRetries:     maxRetries,
		failureCeiling: failureCeiling,
		backoffCap:     backoffCap,
	}
}

// SetKnownOffline marks the target as expectedly unreachable so timeouts
// are not logged as warnings. It does not change probe behavior.
func (c *Client) SetKnownOffline(offline bool) {
	c.mu.Lock()
	c.knownOffline = offline
	c.mu.Unlock()
}

// BasicStats performs a basic status probe. A non-nil error means the
// service should be treated as offline.
func (c *Client) BasicStats() (Stats, error) {
	return c.probe(false)
}

// FullStats performs a full status probe including the key/value block and
// the player-name list.
func (c *Client) FullStats() (Stats, error) {
	return c.probe(true)
}

func (c *Client) probe(full bool) (Stats, error) {
	c.mu.Lock()
	if time.Now().Before(c.nextAttempt) {
		c.mu.Unlock()
		return Stats{}, ErrCooldown
	}
	retries := c.maxRetries
	if c.failures >= c.failureCeiling {
		// The service has been failing for a while; keep probing but do
		// not multiply the load with retries.
		retries = 0
	}
	quiet := c.knownOffline
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		stats, err := c.exchange(full)
		if err == nil {
			c.recordSuccess()
			return *stats, nil
		}
		lastErr = err
	}

	c.recordFailure()
	if !quiet {
		log.Printf("[Query] Probe of %s:%d failed: %v", c.host, c.port, lastErr)
	}
	return Stats{}, lastErr
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.nextAttempt = time.Time{}
	c.mu.Unlock()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.failures++
	backoff := time.Second << uint(c.failures-1)
	if backoff > c.backoffCap || backoff <= 0 {
		backoff = c.backoffCap
	}
	c.nextAttempt = time.Now().Add(backoff)
	c.mu.Unlock()
}

// Failures reports the consecutive-failure count, mainly for tests.
func (c *Client) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// exchange runs the three-step handshake/challenge/stat conversation on a
// fresh socket.
func (c *Client) exchange(full bool) (*Stats, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("udp", addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	sid := newSessionID()

	token, err := handshake(conn, sid)
	if err != nil {
		return nil, err
	}

	req := statRequest(sid, token, full)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("send stat request: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read stat response: %w", err)
	}

	if full {
		return ParseFullStats(buf[:n]), nil
	}
	return ParseBasicStats(buf[:n]), nil
}

// handshake sends the challenge request and parses the numeric token out
// of the response.
func handshake(conn net.Conn, sid [4]byte) (int32, error) {
	req := []byte{0xFE, 0xFD, handshakeType, sid[0], sid[1], sid[2], sid[3]}
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("send handshake: %w", err)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("read handshake: %w", err)
	}
	if n < 6 {
		return 0, fmt.Errorf("handshake response too short: %d bytes", n)
	}

	// Null-terminated numeric challenge token starting at offset 5.
	end := 5
	for end < n && buf[end] != 0 {
		end++
	}
	token, err := strconv.ParseInt(string(buf[5:end]), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad challenge token %q: %w", buf[5:end], err)
	}
	return int32(token), nil
}

// statRequest builds a basic (11-byte) or full (15-byte) stat request.
func statRequest(sid [4]byte, token int32, full bool) []byte {
	req := make([]byte, 0, 15)
	req = append(req, 0xFE, 0xFD, statType, sid[0], sid[1], sid[2], sid[3])
	req = binary.BigEndian.AppendUint32(req, uint32(token))
	if full {
		req = append(req, 0, 0, 0, 0)
	}
	return req
}

// newSessionID returns a random session id with only the lower 4 bits of
// each byte set, as the protocol requires.
func newSessionID() [4]byte {
	var sid [4]byte
	if _, err := rand.Read(sid[:]); err != nil {
		// Fall back to a fixed id; the protocol only needs it to echo.
		sid = [4]byte{0x01, 0x02, 0x03, 0x04}
	}
	for i := range sid {
		sid[i] &= 0x0F
	}
	return sid
}
