// Package websock implements the server side of RFC 6455: the HTTP upgrade
// handshake and a data frame codec. Only what the chat protocol needs is
// covered; extensions and subprotocol negotiation are not supported.
package websock

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame opcodes (RFC 6455 §5.2).
const (
	OpContinuation = 0x0
	OpText         = 0x1
	OpBinary       = 0x2
	OpClose        = 0x8
	OpPing         = 0x9
	OpPong         = 0xA
)

// MaxMessageSize bounds the reassembled payload of one message (1 MB),
// matching the packet codec's payload limit.
const MaxMessageSize = 1024 * 1024

var (
	ErrMessageTooLarge  = errors.New("websocket message exceeds maximum size (1 MB)")
	ErrUnexpectedOpcode = errors.New("unexpected websocket opcode")
	ErrBadContinuation  = errors.New("continuation frame without an open message")
)

// Fragment is one decoded WebSocket frame. The payload has already been
// unmasked when the masked bit was set.
type Fragment struct {
	Fin     bool
	Rsv1    bool
	Rsv2    bool
	Rsv3    bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// Mask applies the RFC 6455 §5.3 masking transform in place: each payload
// byte is XORed with the key byte at its index modulo 4. The transform is
// its own inverse.
func Mask(payload []byte, key [4]byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}

// NewMaskKey returns a fresh random 4-byte mask key.
func NewMaskKey() [4]byte {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		panic(fmt.Sprintf("websock: rand failed: %v", err))
	}
	return key
}

// ReadFragment decodes a single frame from r, blocking until it is complete.
func ReadFragment(r io.Reader) (*Fragment, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	frag := &Fragment{
		Fin:    hdr[0]&0x80 != 0,
		Rsv1:   hdr[0]&0x40 != 0,
		Rsv2:   hdr[0]&0x20 != 0,
		Rsv3:   hdr[0]&0x10 != 0,
		Opcode: hdr[0] & 0x0F,
		Masked: hdr[1]&0x80 != 0,
	}

	// Length is 7, 7+16 or 7+64 bits depending on the descriptor.
	var length uint64
	switch descriptor := hdr[1] & 0x7F; {
	case descriptor <= 125:
		length = uint64(descriptor)
	case descriptor == 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	default: // 127
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	var key [4]byte
	if frag.Masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, err
		}
	}

	frag.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, frag.Payload); err != nil {
		return nil, err
	}
	if frag.Masked {
		Mask(frag.Payload, key)
	}

	return frag, nil
}

// ReadMessage reassembles one data message, consuming continuation frames
// until a frame with the FIN bit arrives. Interleaved control frames are
// answered (ping) or surfaced (close) as appropriate: a close frame returns
// io.EOF. Returns the opcode of the initial data frame and the full payload.
func ReadMessage(r io.Reader, w io.Writer) (byte, []byte, error) {
	var (
		opcode  byte
		payload []byte
		open    bool
	)

	for {
		frag, err := ReadFragment(r)
		if err != nil {
			return 0, nil, err
		}

		switch frag.Opcode {
		case OpClose:
			return 0, nil, io.EOF
		case OpPing:
			if w != nil {
				if err := WriteFrame(w, OpPong, frag.Payload, nil); err != nil {
					return 0, nil, err
				}
			}
			continue
		case OpPong:
			continue
		case OpContinuation:
			if !open {
				return 0, nil, ErrBadContinuation
			}
		case OpText, OpBinary:
			if open {
				return 0, nil, ErrUnexpectedOpcode
			}
			open = true
			opcode = frag.Opcode
		default:
			return 0, nil, ErrUnexpectedOpcode
		}

		if len(payload)+len(frag.Payload) > MaxMessageSize {
			return 0, nil, ErrMessageTooLarge
		}
		payload = append(payload, frag.Payload...)

		if frag.Fin {
			return opcode, payload, nil
		}
	}
}

// WriteFrame writes a single complete frame (FIN always set; outgoing
// messages are never fragmented). A non-nil key masks the payload.
func WriteFrame(w io.Writer, opcode byte, payload []byte, key *[4]byte) error {
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, 0, 14+len(payload))
	buf = append(buf, 0x80|opcode)

	maskBit := byte(0)
	if key != nil {
		maskBit = 0x80
	}

	switch n := len(payload); {
	case n <= 125:
		buf = append(buf, maskBit|byte(n))
	case n <= 0xFFFF:
		buf = append(buf, maskBit|126)
		buf = binary.BigEndian.AppendUint16(buf, uint16(n))
	default:
		buf = append(buf, maskBit|127)
		buf = binary.BigEndian.AppendUint64(buf, uint64(n))
	}

	if key != nil {
		buf = append(buf, key[:]...)
		masked := make([]byte, len(payload))
		copy(masked, payload)
		Mask(masked, *key)
		buf = append(buf, masked...)
	} else {
		buf = append(buf, payload...)
	}

	_, err := w.Write(buf)
	return err
}

// TextMessage writes payload as one masked text frame with a fresh random
// mask key.
func TextMessage(w io.Writer, payload []byte) error {
	key := NewMaskKey()
	return WriteFrame(w, OpText, payload, &key)
}
