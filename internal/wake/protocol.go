package wake

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
)

const (
	legacyPingByte = 0xFE
	legacyKickByte = 0xFF
)

var errVarIntTooLong = errors.New("wake: varint exceeds 5 bytes")

// readVarInt decodes the protocol's 7-bit variable-length integer.
func readVarInt(r io.ByteReader) (int32, error) {
	var value int32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return value, nil
		}
	}
	return 0, errVarIntTooLong
}

func appendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for {
		b := byte(u & 0x7F)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if u == 0 {
			return dst
		}
	}
}

// statusResponse is the JSON body of a modern server-list ping reply.
type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int           `json:"max"`
		Online int           `json:"online"`
		Sample []interface{} `json:"sample"`
	} `json:"players"`
	Description struct {
		Text string `json:"text"`
	} `json:"description"`
}

// buildModernStatus frames the status JSON as a length-prefixed packet:
// [varint total][varint packet id 0x00][varint json len][json].
func buildModernStatus(version string, protocol int, motd string, maxPlayers int) ([]byte, error) {
	var status statusResponse
	status.Version.Name = version
	status.Version.Protocol = protocol
	status.Players.Max = maxPlayers
	status.Players.Online = 0
	status.Players.Sample = []interface{}{}
	status.Description.Text = motd

	body, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("wake: encode status: %w", err)
	}

	payload := appendVarInt(nil, 0x00)
	payload = appendVarInt(payload, int32(len(body)))
	payload = append(payload, body...)

	out := appendVarInt(nil, int32(len(payload)))
	return append(out, payload...), nil
}

// buildLegacyKick answers a pre-Netty ping: 0xFF, big-endian UTF-16 code
// unit count, then the pipe-joined status fields encoded UTF-16LE.
func buildLegacyKick(version string, protocol int, motd string, maxPlayers int) []byte {
	fields := strings.Join([]string{
		"§1",
		fmt.Sprintf("%d", protocol),
		version,
		motd,
		"0",
		fmt.Sprintf("%d", maxPlayers),
	}, "|")

	units := utf16.Encode([]rune(fields))
	out := make([]byte, 0, 3+2*len(units))
	out = append(out, legacyKickByte)
	out = binary.BigEndian.AppendUint16(out, uint16(len(units)))
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
}
