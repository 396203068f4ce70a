package rcon

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"
)

var (
	// ErrAuthenticationFailed is returned when the server rejects the
	// configured password.
	ErrAuthenticationFailed = errors.New("rcon: authentication failed")
	// ErrCommandTimedOut is returned when a command produced no response
	// within the exchange timeout.
	ErrCommandTimedOut = errors.New("rcon: command timed out")
	// ErrConnectionClosed fails every exchange still pending when the
	// session is torn down.
	ErrConnectionClosed = errors.New("rcon: connection closed")
)

// exchange correlates one outgoing request with its eventual, possibly
// fragmented, response. A response is complete when an empty-body packet
// with the matching id arrives.
type exchange struct {
	id   int32
	buf  bytes.Buffer
	done chan struct{}
	err  error
}

func (e *exchange) complete(err error) {
	e.err = err
	close(e.done)
}

// Client is a remote-console session: one TCP connection, authenticated
// once, multiplexing command exchanges by request id.
type Client struct {
	addr       string
	password   string
	timeout    time.Duration
	maxRetries int

	mu            sync.Mutex
	conn          net.Conn
	authenticated bool
	nextID        int32
	pending       map[int32]*exchange
}

// NewClient creates a disconnected client; Connect (or the first
// SendCommand) establishes and authenticates the session.
func NewClient(host string, port int, password string, timeout time.Duration, maxRetries int) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:       net.JoinHostPort(host, strconv.Itoa(port)),
		password:   password,
		timeout:    timeout,
		maxRetries: maxRetries,
		pending:    map[int32]*exchange{},
	}
}

// Connected reports whether an authenticated session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.authenticated
}

// Connect dials and authenticates, retrying transport-level failures up to
// the configured budget. Authentication failure is not retried.
func (c *Client) Connect() error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		err := c.connectOnce()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("rcon: connect to %s: %w", c.addr, lastErr)
}

func (c *Client) connectOnce() error {
	c.mu.Lock()
	if c.conn != nil && c.authenticated {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.authenticated = false
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.authenticate(); err != nil {
		c.teardown(err)
		return err
	}

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	return nil
}

// authenticate sends the auth request and waits for the response packet
// echoing its id; -1 signals a rejected password.
func (c *Client) authenticate() error {
	ex, err := c.send(TypeAuth, []byte(c.password))
	if err != nil {
		return err
	}

	select {
	case <-ex.done:
		if ex.err != nil {
			return ex.err
		}
		return nil
	case <-time.After(c.timeout):
		c.abandon(ex.id)
		return ErrCommandTimedOut
	}
}

// SendCommand executes one admin command, auto-connecting when needed. A
// timed-out exchange that had already accumulated fragments returns them
// as a best-effort result instead of discarding them.
func (c *Client) SendCommand(command string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if !c.Connected() {
			if err := c.Connect(); err != nil {
				lastErr = err
				continue
			}
		}

		ex, err := c.send(TypeResponse, []byte(command))
		if err != nil {
			lastErr = err
			c.teardown(err)
			continue
		}

		select {
		case <-ex.done:
			if ex.err != nil {
				lastErr = ex.err
				continue
			}
			return ex.buf.String(), nil
		case <-time.After(c.timeout):
			c.abandon(ex.id)
			if ex.buf.Len() > 0 {
				return ex.buf.String(), nil
			}
			return "", ErrCommandTimedOut
		}
	}
	return "", fmt.Errorf("rcon: command failed: %w", lastErr)
}

// send registers an exchange and writes the request packet.
func (c *Client) send(typ int32, body []byte) (*exchange, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.nextID++
	ex := &exchange{id: c.nextID, done: make(chan struct{})}
	c.pending[ex.id] = ex
	c.mu.Unlock()

	if err := writePacket(conn, packet{ID: ex.id, Type: typ, Body: body}); err != nil {
		c.abandon(ex.id)
		return nil, err
	}
	return ex, nil
}

// readLoop owns the read side of one connection and dispatches packets to
// their exchanges until the socket dies.
func (c *Client) readLoop(conn net.Conn) {
	for {
		p, err := readPacket(conn)
		if err != nil {
			c.teardownConn(conn, err)
			return
		}
		c.dispatch(p)
	}
}

func (c *Client) dispatch(p packet) {
	c.mu.Lock()

	// Auth rejection echoes id -1; it belongs to the newest pending
	// exchange (the auth request).
	if p.ID == -1 {
		for id, ex := range c.pending {
			delete(c.pending, id)
			c.mu.Unlock()
			ex.complete(ErrAuthenticationFailed)
			return
		}
		c.mu.Unlock()
		return
	}

	ex, ok := c.pending[p.ID]
	if !ok {
		c.mu.Unlock()
		return
	}

	if len(p.Body) == 0 {
		// Empty-body packet terminates the fragmented response.
		delete(c.pending, p.ID)
		c.mu.Unlock()
		ex.complete(nil)
		return
	}

	ex.buf.Write(p.Body)
	c.mu.Unlock()
}

// abandon drops a pending exchange after its caller gave up on it.
func (c *Client) abandon(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Disconnect closes the session and fails every pending exchange.
func (c *Client) Disconnect() {
	c.teardown(ErrConnectionClosed)
}

func (c *Client) teardown(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardownConn(conn, cause)
	}
}

// teardownConn tears down state only if conn is still the current
// connection, so a stale read loop cannot kill its successor.
func (c *Client) teardownConn(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
	failed := c.pending
	c.pending = map[int32]*exchange{}
	c.mu.Unlock()

	conn.Close()
	for _, ex := range failed {
		ex.complete(ErrConnectionClosed)
	}

	if !errors.Is(cause, ErrConnectionClosed) {
		log.Printf("[Rcon] Session to %s closed: %v", c.addr, cause)
	}
}
