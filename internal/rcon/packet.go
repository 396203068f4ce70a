package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Packet types. Authentication responses reuse the command-response type
// with the request id echoing the auth request (or -1 on bad password).
const (
	TypeResponse = 2
	TypeAuth     = 3
)

// maxPacketSize bounds one wire packet; larger logical responses arrive as
// multiple fragments.
const maxPacketSize = 4110

// packet is one RCON wire frame: little-endian length (covering id, type,
// body and the two trailing nulls), id, type, body.
type packet struct {
	ID   int32
	Type int32
	Body []byte
}

// writePacket encodes and writes one frame.
func writePacket(w io.Writer, p packet) error {
	length := 4 + 4 + len(p.Body) + 2
	buf := make([]byte, 0, 4+length)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Type))
	buf = append(buf, p.Body...)
	buf = append(buf, 0, 0)

	_, err := w.Write(buf)
	return err
}

// readPacket reads exactly one frame.
func readPacket(r io.Reader) (packet, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return packet{}, err
	}
	length := int(int32(binary.LittleEndian.Uint32(lengthBuf[:])))
	if length < 10 || length > maxPacketSize {
		return packet{}, fmt.Errorf("invalid packet length %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return packet{}, err
	}

	p := packet{
		ID:   int32(binary.LittleEndian.Uint32(buf[0:4])),
		Type: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Body: buf[8 : length-2],
	}
	return p, nil
}
