package wake

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/yourusername/minecraft-supervisor/internal/events"
)

const firstReadTimeout = 10 * time.Second

// Listener impersonates the offline game server on its port. Any client
// that completes a TCP connection and sends at least one byte counts as a
// wake signal; pings additionally get a plausible status reply so the
// server browser shows the configured banner instead of a dead entry.
type Listener struct {
	host       string
	port       int
	motd       string
	version    string
	protocol   int
	maxPlayers int

	connectionDetected *events.Feed[net.Addr]

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
}

// NewListener builds a stopped listener; Start binds the port.
func NewListener(host string, port int, motd, version string, protocol, maxPlayers int) *Listener {
	return &Listener{
		host:               host,
		port:               port,
		motd:               motd,
		version:            version,
		protocol:           protocol,
		maxPlayers:         maxPlayers,
		connectionDetected: events.NewFeed[net.Addr](),
	}
}

// ConnectionDetected fires with the remote address of every client whose
// first packet arrives while impersonating.
func (l *Listener) ConnectionDetected() *events.Feed[net.Addr] {
	return l.connectionDetected
}

// Start binds the server port and begins answering pings. A bind failure
// is treated as the real server already holding the port: the listener
// stays stopped and no error escapes.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(l.host, strconv.Itoa(l.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("[Wake] Port %d unavailable, assuming server is up: %v", l.port, err)
		return nil
	}

	l.ln = ln
	l.stopped = false
	l.wg.Add(1)
	go l.acceptLoop(ln)
	log.Printf("[Wake] Impersonating server on %s", addr)
	return nil
}

// Running reports whether the port is currently bound.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

// Stop releases the port so the real server can bind it. Open client
// connections are closed too so a silent client cannot hold the port
// handover until its read deadline. Safe to call repeatedly and while
// stopped.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.stopped = true
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
		log.Printf("[Wake] Stopped impersonating on port %d", l.port)
	}
	l.wg.Wait()
}

// track registers an accepted connection for teardown in Stop. Returns
// false when the listener is already stopping.
func (l *Listener) track(conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	if l.conns == nil {
		l.conns = make(map[net.Conn]struct{})
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if !stopped && !errors.Is(err, net.ErrClosed) {
				log.Printf("[Wake] Accept failed: %v", err)
			}
			return
		}
		if !l.track(conn) {
			conn.Close()
			return
		}
		l.wg.Add(1)
		go l.handle(conn)
	}
}

// handle answers a single client. The wake signal fires on the first byte
// regardless of what the client turns out to be.
func (l *Listener) handle(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(firstReadTimeout))
	r := bufio.NewReader(conn)

	first, err := r.ReadByte()
	if err != nil {
		return
	}

	l.connectionDetected.Publish(conn.RemoteAddr())
	log.Printf("[Wake] Connection from %s", conn.RemoteAddr())

	if first == legacyPingByte {
		conn.Write(buildLegacyKick(l.version, l.protocol, l.motd, l.maxPlayers))
		return
	}

	l.handleModern(conn, r, first)
}

// handleModern consumes the handshake packet whose length varint started
// with first, then answers the status request with the configured banner.
func (l *Listener) handleModern(conn net.Conn, r *bufio.Reader, first byte) {
	if err := skipPacket(r, first); err != nil {
		return
	}

	// Status request follows the handshake; consume it before replying.
	if _, err := readVarInt(r); err != nil {
		return
	}
	if _, err := readVarInt(r); err != nil {
		return
	}

	reply, err := buildModernStatus(l.version, l.protocol, l.motd, l.maxPlayers)
	if err != nil {
		log.Printf("[Wake] Status reply failed: %v", err)
		return
	}
	conn.Write(reply)
}

// skipPacket discards a varint-framed packet whose length varint began
// with the already-consumed byte first.
func skipPacket(r *bufio.Reader, first byte) error {
	length := int32(first & 0x7F)
	if first&0x80 != 0 {
		rest, err := continueVarInt(r, length, 1)
		if err != nil {
			return err
		}
		length = rest
	}
	if length < 0 {
		return errVarIntTooLong
	}
	for i := int32(0); i < length; i++ {
		if _, err := r.ReadByte(); err != nil {
			return err
		}
	}
	return nil
}

func continueVarInt(r *bufio.Reader, acc int32, offset int) (int32, error) {
	for i := offset; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		acc |= int32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return acc, nil
		}
	}
	return 0, errVarIntTooLong
}
