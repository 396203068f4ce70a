package properties

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// File is a parsed server.properties file. Comment lines and the order
// of entries are preserved so a round trip through Load and Save only
// changes the values that were actually set.
type File struct {
	path  string
	lines []line
	index map[string]int
}

// line is one physical file line: either a comment/blank (raw) or a
// key=value entry.
type line struct {
	raw   string
	key   string
	value string
	entry bool
}

// Load parses the properties file at path. A missing file yields an
// empty File bound to the same path so Save can create it.
func Load(path string) (*File, error) {
	f := &File{path: path, index: map[string]int{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("properties: read %s: %w", path, err)
	}

	for _, raw := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		eq := strings.Index(trimmed, "=")
		if eq < 0 {
			f.lines = append(f.lines, line{raw: raw})
			continue
		}
		key := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])
		f.index[key] = len(f.lines)
		f.lines = append(f.lines, line{key: key, value: value, entry: true})
	}

	// Trailing newline produces one empty tail line; drop it so Save
	// does not accumulate blank lines.
	if n := len(f.lines); n > 0 && !f.lines[n-1].entry && strings.TrimSpace(f.lines[n-1].raw) == "" {
		f.lines = f.lines[:n-1]
	}

	return f, nil
}

// Get returns the raw value for key.
func (f *File) Get(key string) (string, bool) {
	i, ok := f.index[key]
	if !ok {
		return "", false
	}
	return f.lines[i].value, true
}

// GetInt returns the value for key parsed as an integer, or fallback.
func (f *File) GetInt(key string, fallback int) int {
	v, ok := f.Get(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GetBool returns the value for key parsed as a boolean, or fallback.
func (f *File) GetBool(key string, fallback bool) bool {
	v, ok := f.Get(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	}
	return fallback
}

// Set writes or updates key, appending new keys at the end.
func (f *File) Set(key, value string) {
	if i, ok := f.index[key]; ok {
		f.lines[i].value = value
		return
	}
	f.index[key] = len(f.lines)
	f.lines = append(f.lines, line{key: key, value: value, entry: true})
}

// SetInt writes or updates key with an integer value.
func (f *File) SetInt(key string, value int) { f.Set(key, strconv.Itoa(value)) }

// SetBool writes or updates key with a boolean value.
func (f *File) SetBool(key string, value bool) { f.Set(key, strconv.FormatBool(value)) }

// Keys returns every entry key in file order.
func (f *File) Keys() []string {
	out := make([]string, 0, len(f.index))
	for _, l := range f.lines {
		if l.entry {
			out = append(out, l.key)
		}
	}
	return out
}

// Map returns all entries as a plain map.
func (f *File) Map() map[string]string {
	out := make(map[string]string, len(f.index))
	for _, l := range f.lines {
		if l.entry {
			out[l.key] = l.value
		}
	}
	return out
}

// Save writes the file back, preserving comments and entry order. An
// existing file is first copied to a timestamped .bak next to it.
func (f *File) Save() error {
	if data, err := os.ReadFile(f.path); err == nil {
		backup := fmt.Sprintf("%s.%s.bak", f.path, time.Now().Format("20060102-150405"))
		if err := os.WriteFile(backup, data, 0o644); err != nil {
			return fmt.Errorf("properties: backup %s: %w", backup, err)
		}
	}

	var b strings.Builder
	for _, l := range f.lines {
		if l.entry {
			b.WriteString(l.key)
			b.WriteString("=")
			b.WriteString(l.value)
		} else {
			b.WriteString(l.raw)
		}
		b.WriteString("\n")
	}

	if err := os.WriteFile(f.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("properties: write %s: %w", f.path, err)
	}
	return nil
}

// Well-known keys the supervisor derives its port configuration from.
const (
	KeyServerPort   = "server-port"
	KeyQueryEnabled = "enable-query"
	KeyQueryPort    = "query.port"
	KeyRconEnabled  = "enable-rcon"
	KeyRconPort     = "rcon.port"
	KeyRconPassword = "rcon.password"
	KeyMaxPlayers   = "max-players"
	KeyMOTD         = "motd"
)

// ServerPort returns the game port, defaulting to 25565.
func (f *File) ServerPort() int { return f.GetInt(KeyServerPort, 25565) }

// QueryPort returns the query port, falling back to the game port.
func (f *File) QueryPort() int { return f.GetInt(KeyQueryPort, f.ServerPort()) }

// QueryEnabled reports whether the query protocol is switched on.
func (f *File) QueryEnabled() bool { return f.GetBool(KeyQueryEnabled, false) }

// RconPort returns the remote console port, defaulting to 25575.
func (f *File) RconPort() int { return f.GetInt(KeyRconPort, 25575) }

// RconEnabled reports whether the remote console is switched on.
func (f *File) RconEnabled() bool { return f.GetBool(KeyRconEnabled, false) }

// RconPassword returns the remote console password.
func (f *File) RconPassword() string {
	v, _ := f.Get(KeyRconPassword)
	return v
}

// MaxPlayers returns the player cap, defaulting to 20.
func (f *File) MaxPlayers() int { return f.GetInt(KeyMaxPlayers, 20) }

// MOTD returns the server banner text.
func (f *File) MOTD() string {
	v, _ := f.Get(KeyMOTD)
	return v
}
