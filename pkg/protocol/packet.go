package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
)

const (
	// MaxPayloadSize is the maximum allowed payload size (1 MB)
	MaxPayloadSize = 1024 * 1024

	// headerSize is type (4) + isFinal (1) + payload length (4)
	headerSize = 9
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size (1 MB)")
	ErrInvalidFinal    = errors.New("invalid isFinal byte")
)

// Packet is the atomic protocol unit exchanged with clients.
// Wire layout, all integers big-endian:
//
//	offset 0: uint32  packet type
//	offset 4: uint8   isFinal (0x00 | 0x01)
//	offset 5: uint32  payload length N
//	offset 9: N bytes UTF-8 JSON payload (or empty)
type Packet struct {
	Type    uint32
	IsFinal bool
	Payload []byte // raw JSON object bytes, empty or nil for no payload
}

// New builds a packet from a type, finality flag and JSON-object data.
// A nil data map produces an empty payload.
func New(packetType uint32, isFinal bool, data map[string]any) *Packet {
	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			// Maps built by handlers only hold JSON-encodable values;
			// reaching this indicates a programming error.
			panic(fmt.Sprintf("protocol: unencodable packet data: %v", err))
		}
	}
	return &Packet{Type: packetType, IsFinal: isFinal, Payload: payload}
}

// NewError builds a final ERROR packet with the standard {name, msg} payload.
func NewError(name, msg string) *Packet {
	return New(TypeError, true, map[string]any{"name": name, "msg": msg})
}

// NewPing builds a final PING packet with no payload.
func NewPing() *Packet {
	return New(TypePing, true, nil)
}

// Data interprets the payload as a JSON object. A parse failure is logged
// and yields nil; callers treat nil as "malformed, proceed with empty data"
// rather than failing the session. An empty payload also yields nil.
func (p *Packet) Data() map[string]any {
	if len(p.Payload) == 0 {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(p.Payload, &data); err != nil {
		log.Printf("protocol: malformed payload on %s packet: %v", TypeName(p.Type), err)
		return nil
	}
	return data
}

// Encode writes the packet to w in wire format.
func Encode(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], p.Type)
	if p.IsFinal {
		hdr[4] = 0x01
	}
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(p.Payload)))

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads one packet from r, blocking until all declared bytes are
// available. A short read is a fatal transport error, not a retry condition.
func Decode(r io.Reader) (*Packet, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if hdr[4] > 0x01 {
		return nil, ErrInvalidFinal
	}

	length := binary.BigEndian.Uint32(hdr[5:9])
	if length > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Packet{
		Type:    binary.BigEndian.Uint32(hdr[0:4]),
		IsFinal: hdr[4] == 0x01,
		Payload: payload,
	}, nil
}

// Bytes encodes the packet to a byte slice.
func (p *Packet) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := Encode(buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJSON serializes the packet as a single JSON object with the type and
// finality flag injected, the shape carried inside WebSocket text messages.
// isFinal is encoded as 0/1 for parity with web clients.
func (p *Packet) EncodeJSON() ([]byte, error) {
	data := p.Data()
	if data == nil {
		data = map[string]any{}
	}
	data["type"] = p.Type
	isFinal := 0
	if p.IsFinal {
		isFinal = 1
	}
	data["isFinal"] = isFinal
	return json.Marshal(data)
}

// DecodeJSON parses the JSON-object form produced by EncodeJSON back into a
// packet, stripping the injected fields.
func DecodeJSON(raw []byte) (*Packet, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("invalid packet JSON: %w", err)
	}

	typeVal, ok := data["type"].(float64)
	if !ok {
		return nil, errors.New("packet JSON missing numeric type field")
	}

	isFinal := false
	switch v := data["isFinal"].(type) {
	case float64:
		isFinal = v != 0
	case bool:
		isFinal = v
	}

	delete(data, "type")
	delete(data, "isFinal")
	if len(data) == 0 {
		return &Packet{Type: uint32(typeVal), IsFinal: isFinal}, nil
	}
	return New(uint32(typeVal), isFinal, data), nil
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{type=%s, isFinal=%v, payload=%d bytes}", TypeName(p.Type), p.IsFinal, len(p.Payload))
}
