// Package wire implements the framing shared by the HAL and BTP control
// channels: a fixed little-endian header immediately followed by exactly
// len payload bytes, one message per datagram.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// OpError is the reserved response opcode carrying a one byte status.
const OpError uint8 = 0x00

// Format describes one header layout.
type Format struct {
	Name string
	// HasIndex is set when the header carries a controller index byte
	// between the opcode and the length.
	HasIndex bool
	// MTU bounds header plus payload.
	MTU int
	// MinEvent is the lowest opcode valid on the notification path.
	MinEvent uint8
}

var (
	// HAL is the two-socket daemon transport format.
	HAL = Format{Name: "hal", MTU: HALMTU, MinEvent: 0x80}
	// BTP is the tester protocol format, which addresses controllers by index.
	BTP = Format{Name: "btp", HasIndex: true, MTU: BTPMTU, MinEvent: 0x80}
)

// Header is the decoded fixed part of a message. Index is always zero for
// formats without a controller index.
type Header struct {
	Service uint8
	Opcode  uint8
	Index   uint8
	Len     uint16
}

// Message is a header and the payload it describes.
type Message struct {
	Header
	Payload []byte
}

// HeaderSize returns the encoded header length in bytes.
func (f Format) HeaderSize() int {
	if f.HasIndex {
		return 5
	}
	return 4
}

// MaxPayload returns the largest payload a single message may carry.
func (f Format) MaxPayload() int {
	return f.MTU - f.HeaderSize()
}

// IsEvent reports whether opcode belongs to the event range.
func (f Format) IsEvent(opcode uint8) bool {
	return opcode >= f.MinEvent
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func (f Format) PutHeader(buf []byte, h Header) {
	buf[0] = h.Service
	buf[1] = h.Opcode
	if f.HasIndex {
		buf[2] = h.Index
		binary.LittleEndian.PutUint16(buf[3:], h.Len)
		return
	}
	binary.LittleEndian.PutUint16(buf[2:], h.Len)
}

// EncodeHeader returns the header bytes for a message carrying payloadLen
// bytes. The header and payload are meant to go out as separate buffers of a
// single send so the payload is never copied.
func (f Format) EncodeHeader(service, opcode, index uint8, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || payloadLen > f.MaxPayload() {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%s payload of %d bytes exceeds %d", f.Name, payloadLen, f.MaxPayload())
	}
	hdr := make([]byte, f.HeaderSize())
	f.PutHeader(hdr, Header{Service: service, Opcode: opcode, Index: index, Len: uint16(payloadLen)})
	return hdr, nil
}

// Encode returns header and payload as one contiguous buffer.
func (f Format) Encode(service, opcode, index uint8, payload []byte) ([]byte, error) {
	hdr, err := f.EncodeHeader(service, opcode, index, len(payload))
	if err != nil {
		return nil, err
	}
	return append(hdr, payload...), nil
}

// Decode parses exactly the bytes of one received datagram. The returned
// payload aliases buf.
func (f Format) Decode(buf []byte) (Message, error) {
	hs := f.HeaderSize()
	if len(buf) < hs {
		return Message{}, errors.Wrapf(ErrShortMessage, "%s read %d bytes, header is %d", f.Name, len(buf), hs)
	}
	var h Header
	h.Service = buf[0]
	h.Opcode = buf[1]
	if f.HasIndex {
		h.Index = buf[2]
		h.Len = binary.LittleEndian.Uint16(buf[3:])
	} else {
		h.Len = binary.LittleEndian.Uint16(buf[2:])
	}
	if int(h.Len) != len(buf)-hs {
		return Message{}, errors.Wrapf(ErrLengthMismatch, "%s header declares %d payload bytes, received %d",
			f.Name, h.Len, len(buf)-hs)
	}
	return Message{Header: h, Payload: buf[hs:]}, nil
}

// DecodeEvent is Decode plus the notification path rule that the opcode must
// be in the event range.
func (f Format) DecodeEvent(buf []byte) (Message, error) {
	msg, err := f.Decode(buf)
	if err != nil {
		return msg, err
	}
	if !f.IsEvent(msg.Opcode) {
		return Message{}, errors.Wrapf(ErrNotEvent, "%s opcode 0x%02x below event threshold 0x%02x",
			f.Name, msg.Opcode, f.MinEvent)
	}
	return msg, nil
}

// DecodeCommand is Decode plus the command path rule that the opcode must not
// be in the event range.
func (f Format) DecodeCommand(buf []byte) (Message, error) {
	msg, err := f.Decode(buf)
	if err != nil {
		return msg, err
	}
	if f.IsEvent(msg.Opcode) {
		return Message{}, errors.Wrapf(ErrUnexpectedOpcode, "%s event opcode 0x%02x on command path", f.Name, msg.Opcode)
	}
	return msg, nil
}
