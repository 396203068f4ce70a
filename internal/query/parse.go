package query

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Parsing is total by contract: any buffer of at least the 5-byte header
// yields a Stats marked online, with whatever fields could be read. A parse
// wrinkle must never make a live server look offline.

// cursor walks a response buffer without ever reading past its end.
type cursor struct {
	data []byte
	pos  int
}

func (c *cursor) skip(n int) bool {
	if c.pos+n > len(c.data) {
		c.pos = len(c.data)
		return false
	}
	c.pos += n
	return true
}

// cstring reads a null-terminated string. The second result is false when
// the buffer ran out before a terminator was found.
func (c *cursor) cstring() (string, bool) {
	if c.pos >= len(c.data) {
		return "", false
	}
	end := bytes.IndexByte(c.data[c.pos:], 0)
	if end < 0 {
		s := string(c.data[c.pos:])
		c.pos = len(c.data)
		return s, false
	}
	s := string(c.data[c.pos : c.pos+end])
	c.pos += end + 1
	return s, true
}

func (c *cursor) uint16le() (uint16, bool) {
	if c.pos+2 > len(c.data) {
		c.pos = len(c.data)
		return 0, false
	}
	v := binary.LittleEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v, true
}

// ParseBasicStats decodes a basic stat response. Layout after the 5-byte
// header: MOTD, game type, map, player count, max players (all
// null-terminated), a little-endian 2-byte host port, then the host
// address.
func ParseBasicStats(data []byte) *Stats {
	stats := &Stats{Online: true}
	if len(data) < 5 {
		return stats
	}

	c := &cursor{data: data, pos: 5}

	var ok bool
	if stats.MOTD, ok = c.cstring(); !ok {
		return stats
	}
	if stats.GameType, ok = c.cstring(); !ok {
		return stats
	}
	if stats.MapName, ok = c.cstring(); !ok {
		return stats
	}

	num, ok := c.cstring()
	stats.NumPlayers = atoiSafe(num)
	if !ok {
		return stats
	}

	max, ok := c.cstring()
	stats.MaxPlayers = atoiSafe(max)
	if !ok {
		return stats
	}

	port, ok := c.uint16le()
	if !ok {
		return stats
	}
	stats.HostPort = port

	stats.HostIP, _ = c.cstring()
	return stats
}

// ParseFullStats decodes a full stat response: 16 bytes of header and
// padding, key/value pairs until an empty key, 10 bytes of padding, then
// player names until an empty entry.
func ParseFullStats(data []byte) *Stats {
	stats := &Stats{Online: true, Values: map[string]string{}}
	if len(data) < 5 {
		return stats
	}

	c := &cursor{data: data}
	if !c.skip(16) {
		return stats
	}

	for {
		key, ok := c.cstring()
		if key == "" || !ok {
			if key != "" {
				stats.Values[key] = ""
			}
			break
		}
		value, ok := c.cstring()
		stats.Values[key] = value
		if !ok {
			break
		}
	}

	applyKnownKeys(stats)

	if !c.skip(10) {
		return stats
	}

	for {
		name, ok := c.cstring()
		if name == "" {
			break
		}
		stats.Players = append(stats.Players, name)
		if !ok {
			break
		}
	}

	return stats
}

// applyKnownKeys lifts the well-known keys of the full-stat key/value
// block into the typed fields.
func applyKnownKeys(stats *Stats) {
	if v, ok := stats.Values["hostname"]; ok {
		stats.MOTD = v
	}
	if v, ok := stats.Values["gametype"]; ok {
		stats.GameType = v
	}
	if v, ok := stats.Values["map"]; ok {
		stats.MapName = v
	}
	if v, ok := stats.Values["numplayers"]; ok {
		stats.NumPlayers = atoiSafe(v)
	}
	if v, ok := stats.Values["maxplayers"]; ok {
		stats.MaxPlayers = atoiSafe(v)
	}
	if v, ok := stats.Values["hostport"]; ok {
		if p := atoiSafe(v); p > 0 && p <= 65535 {
			stats.HostPort = uint16(p)
		}
	}
	if v, ok := stats.Values["hostip"]; ok {
		stats.HostIP = v
	}
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
