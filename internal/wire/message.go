package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies the flowchain wire protocol; Message decode rejects any
// other value outright rather than trying to interpret a foreign stream.
const Magic uint32 = 0x464c4f57 // "FLOW"

// ProtocolVersion is the current wire format version.
const ProtocolVersion uint32 = 1

var (
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrUnknownTag    = errors.New("wire: unknown payload tag")
	ErrTruncated     = errors.New("wire: truncated message")
	ErrMessageTooBig = errors.New("wire: message exceeds max size")
)

// MaxMessageSize bounds a single decoded message body, guarding against a
// malicious or corrupt length prefix forcing an unbounded allocation.
const MaxMessageSize = 32 << 20 // 32 MiB

// Header is the fixed-size preamble of every message.
type Header struct {
	Magic   uint32
	Version uint32
}

// Message is one wire exchange: a header plus its tagged Payload body.
type Message struct {
	Header  Header
	Payload Payload
}

// NewMessage wraps a Payload with the current magic/version header.
func NewMessage(p Payload) Message {
	return Message{Header: Header{Magic: Magic, Version: ProtocolVersion}, Payload: p}
}

// Encode serializes m as a length-framed byte string:
// body_len(varint) | magic(4) | version(4) | tag(1) | payload.
func Encode(m Message) []byte {
	body := make([]byte, 0, 64)
	body = binary.BigEndian.AppendUint32(body, m.Header.Magic)
	body = binary.BigEndian.AppendUint32(body, m.Header.Version)
	body = append(body, byte(m.Payload.Tag()))
	body = m.Payload.encodePayload(body)

	framed := appendUvarint(nil, uint32(len(body)))
	return append(framed, body...)
}

// Decode parses one length-framed message from the front of buf, returning
// the message and the number of bytes consumed. Use this when reading from
// a stream buffer that may contain more than one message.
func Decode(buf []byte) (Message, int, error) {
	bodyLen, off, err := readUvarint(buf)
	if err != nil {
		return Message{}, 0, err
	}
	if bodyLen > MaxMessageSize {
		return Message{}, 0, ErrMessageTooBig
	}
	if uint32(len(buf)-off) < bodyLen {
		return Message{}, 0, ErrTruncated
	}
	body := buf[off : off+int(bodyLen)]
	consumed := off + int(bodyLen)

	if len(body) < 9 {
		return Message{}, 0, fmt.Errorf("%w: message body", ErrTruncated)
	}
	magic := binary.BigEndian.Uint32(body)
	if magic != Magic {
		return Message{}, 0, ErrBadMagic
	}
	version := binary.BigEndian.Uint32(body[4:])
	tag := Tag(body[8])

	payload, err := decodePayload(tag, body[9:])
	if err != nil {
		return Message{}, 0, err
	}

	return Message{Header: Header{Magic: magic, Version: version}, Payload: payload}, consumed, nil
}

// DecodeAll decodes every length-framed message in buf. It returns an error
// if buf contains a partial trailing message.
func DecodeAll(buf []byte) ([]Message, error) {
	var msgs []Message
	for len(buf) > 0 {
		m, consumed, err := Decode(buf)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		buf = buf[consumed:]
	}
	return msgs, nil
}
