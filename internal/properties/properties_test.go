package properties

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `#Minecraft server properties
#Mon Jan 06 20:15:00 UTC 2025
enable-rcon=true
rcon.port=25575
rcon.password=hunter2
server-port=25570
enable-query=true
query.port=25570
max-players=16
motd=A Minecraft Server
view-distance=10
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.properties")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestLoadTypedAccessors(t *testing.T) {
	f, err := Load(writeSample(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := f.ServerPort(); got != 25570 {
		t.Errorf("ServerPort = %d", got)
	}
	if got := f.QueryPort(); got != 25570 {
		t.Errorf("QueryPort = %d", got)
	}
	if !f.QueryEnabled() {
		t.Error("QueryEnabled = false")
	}
	if !f.RconEnabled() {
		t.Error("RconEnabled = false")
	}
	if got := f.RconPort(); got != 25575 {
		t.Errorf("RconPort = %d", got)
	}
	if got := f.RconPassword(); got != "hunter2" {
		t.Errorf("RconPassword = %q", got)
	}
	if got := f.MaxPlayers(); got != 16 {
		t.Errorf("MaxPlayers = %d", got)
	}
	if got := f.MOTD(); got != "A Minecraft Server" {
		t.Errorf("MOTD = %q", got)
	}
}

func TestQueryPortFallsBackToServerPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.properties")
	os.WriteFile(path, []byte("server-port=25599\n"), 0o644)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := f.QueryPort(); got != 25599 {
		t.Errorf("QueryPort = %d, want server port fallback", got)
	}
}

func TestMissingFileLoadsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.properties"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := f.ServerPort(); got != 25565 {
		t.Errorf("ServerPort = %d, want default", got)
	}
	if len(f.Keys()) != 0 {
		t.Errorf("keys = %v, want none", f.Keys())
	}
}

func TestSavePreservesCommentsAndOrder(t *testing.T) {
	path := writeSample(t)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	f.SetInt(KeyMaxPlayers, 32)
	f.Set("motd", "Updated banner")
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	text := string(data)

	if !strings.HasPrefix(text, "#Minecraft server properties\n") {
		t.Error("leading comment lost")
	}
	if !strings.Contains(text, "max-players=32") {
		t.Error("updated value missing")
	}
	if !strings.Contains(text, "view-distance=10") {
		t.Error("untouched key lost")
	}

	// Order of untouched keys must survive the round trip.
	rconIdx := strings.Index(text, "enable-rcon=")
	portIdx := strings.Index(text, "server-port=")
	if rconIdx < 0 || portIdx < 0 || rconIdx > portIdx {
		t.Error("entry order changed")
	}
}

func TestSaveWritesBackup(t *testing.T) {
	path := writeSample(t)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	f.SetInt(KeyServerPort, 25580)
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	matches, err := filepath.Glob(path + ".*.bak")
	if err != nil || len(matches) != 1 {
		t.Fatalf("backup files = %v (err %v), want exactly 1", matches, err)
	}
	backup, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(backup) != sample {
		t.Error("backup does not match the pre-save contents")
	}
}

func TestSetAppendsNewKey(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "server.properties"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.SetBool(KeyQueryEnabled, true)
	f.SetInt(KeyQueryPort, 25565)

	m := f.Map()
	if m[KeyQueryEnabled] != "true" || m[KeyQueryPort] != "25565" {
		t.Errorf("map = %v", m)
	}
	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
