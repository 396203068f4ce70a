package query

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// buildBasicResponse encodes a well-formed basic stat response the way a
// real server would.
func buildBasicResponse(motd, gameType, mapName string, numPlayers, maxPlayers int, hostPort uint16, hostIP string) []byte {
	buf := []byte{statType, 0, 0, 0, 0}
	appendC := func(s string) {
		buf = append(buf, []byte(s)...)
		buf = append(buf, 0)
	}
	appendC(motd)
	appendC(gameType)
	appendC(mapName)
	appendC(itoa(numPlayers))
	appendC(itoa(maxPlayers))
	buf = binary.LittleEndian.AppendUint16(buf, hostPort)
	appendC(hostIP)
	return buf
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// stubQueryServer answers handshakes with a fixed challenge token and stat
// requests with the provided payload.
func stubQueryServer(t *testing.T, response []byte) (int, func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if n < 3 || buf[0] != 0xFE || buf[1] != 0xFD {
				continue
			}
			switch buf[2] {
			case handshakeType:
				reply := append([]byte{handshakeType}, buf[3:7]...)
				reply = append(reply, []byte("9513307")...)
				reply = append(reply, 0)
				pc.WriteTo(reply, addr)
			case statType:
				if n < 11 {
					continue
				}
				token := int32(binary.BigEndian.Uint32(buf[7:11]))
				if token != 9513307 {
					continue
				}
				pc.WriteTo(response, addr)
			}
		}
	}()

	port := pc.LocalAddr().(*net.UDPAddr).Port
	return port, func() { pc.Close() }
}

func TestBasicStatsRoundTrip(t *testing.T) {
	response := buildBasicResponse("A Minecraft Server", "SMP", "world", 3, 20, 25565, "127.0.0.1")
	port, stop := stubQueryServer(t, response)
	defer stop()

	client := NewClient("127.0.0.1", port, time.Second, 0, 5, time.Minute)
	stats, err := client.BasicStats()
	if err != nil {
		t.Fatalf("BasicStats failed: %v", err)
	}

	if !stats.Online {
		t.Error("expected online")
	}
	if stats.MOTD != "A Minecraft Server" {
		t.Errorf("motd: got %q", stats.MOTD)
	}
	if stats.MapName != "world" {
		t.Errorf("map: got %q", stats.MapName)
	}
	if stats.NumPlayers != 3 || stats.MaxPlayers != 20 {
		t.Errorf("players: got %d/%d", stats.NumPlayers, stats.MaxPlayers)
	}
	if stats.HostPort != 25565 {
		t.Errorf("host port: got %d", stats.HostPort)
	}
	if stats.HostIP != "127.0.0.1" {
		t.Errorf("host ip: got %q", stats.HostIP)
	}
}

func TestFullStatsRoundTrip(t *testing.T) {
	response := make([]byte, 16)
	appendC := func(s string) {
		response = append(response, []byte(s)...)
		response = append(response, 0)
	}
	for _, kv := range [][2]string{
		{"hostname", "Creative Realm"},
		{"gametype", "SMP"},
		{"map", "flatlands"},
		{"numplayers", "2"},
		{"maxplayers", "10"},
		{"hostport", "25565"},
		{"hostip", "10.0.0.5"},
	} {
		appendC(kv[0])
		appendC(kv[1])
	}
	response = append(response, 0) // empty key terminator
	response = append(response, make([]byte, 10)...)
	appendC("alice")
	appendC("bob")
	response = append(response, 0) // empty name terminator

	port, stop := stubQueryServer(t, response)
	defer stop()

	client := NewClient("127.0.0.1", port, time.Second, 0, 5, time.Minute)
	stats, err := client.FullStats()
	if err != nil {
		t.Fatalf("FullStats failed: %v", err)
	}

	if stats.MOTD != "Creative Realm" {
		t.Errorf("motd: got %q", stats.MOTD)
	}
	if stats.NumPlayers != 2 || stats.MaxPlayers != 10 {
		t.Errorf("players: got %d/%d", stats.NumPlayers, stats.MaxPlayers)
	}
	if len(stats.Players) != 2 || stats.Players[0] != "alice" || stats.Players[1] != "bob" {
		t.Errorf("player list: got %v", stats.Players)
	}
	if stats.Values["map"] != "flatlands" {
		t.Errorf("values: got %v", stats.Values)
	}
}

func TestProbeOfflineTarget(t *testing.T) {
	// Nothing listens on this port; the probe must fail, not hang.
	client := NewClient("127.0.0.1", 1, 200*time.Millisecond, 0, 5, time.Minute)
	client.SetKnownOffline(true)

	stats, err := client.BasicStats()
	if err == nil {
		t.Fatal("expected an error probing a dead port")
	}
	if stats.Online {
		t.Error("failed probe must return an offline Stats")
	}
	if client.Failures() != 1 {
		t.Errorf("expected 1 recorded failure, got %d", client.Failures())
	}
}

func TestProbeCooldownSkipsImmediately(t *testing.T) {
	client := NewClient("127.0.0.1", 1, 100*time.Millisecond, 0, 5, time.Minute)
	client.SetKnownOffline(true)

	if _, err := client.BasicStats(); err == nil {
		t.Fatal("expected first probe to fail")
	}

	start := time.Now()
	_, err := client.BasicStats()
	if err != ErrCooldown {
		t.Fatalf("expected ErrCooldown inside backoff window, got %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("cooldown probe should return immediately")
	}
}

func TestSessionIDLowNibblesOnly(t *testing.T) {
	for i := 0; i < 32; i++ {
		sid := newSessionID()
		for _, b := range sid {
			if b&0xF0 != 0 {
				t.Fatalf("session id byte %#x has high bits set", b)
			}
		}
	}
}
