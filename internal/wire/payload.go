// Package wire implements the binary Payload codec exchanged between
// flowchain peers: a tagged union of message types, big-endian integers,
// and LEB128 varint-length-prefixed byte strings, matching the teacher's
// HandshakeMessage/HeartbeatMessage shapes but framed as binary instead of
// JSON.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Tag identifies a Payload variant on the wire.
type Tag uint8

const (
	TagHello       Tag = 0
	TagPing        Tag = 1
	TagPong        Tag = 2
	TagSendBlocks  Tag = 3
	TagGetBlocks   Tag = 4
	TagSendHeaders Tag = 5
	TagGetHeaders  Tag = 6
	TagNewBlock    Tag = 7
	TagNewInv      Tag = 8
)

// Payload is one message body in the tagged union. Every variant can
// encode itself and report its own tag.
type Payload interface {
	Tag() Tag
	encodePayload(buf []byte) []byte
}

// Hello is the handshake greeting: protocol/network identity plus the
// sender's best known height, so the receiving peer can decide whether a
// sync is needed.
type Hello struct {
	CliqueID        uint32
	ProtocolVersion uint32
	GenesisHash     types.Hash
	BestHeight      uint64
}

func (Hello) Tag() Tag { return TagHello }

func (h Hello) encodePayload(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, h.CliqueID)
	buf = binary.BigEndian.AppendUint32(buf, h.ProtocolVersion)
	buf = appendHash(buf, h.GenesisHash)
	return binary.BigEndian.AppendUint64(buf, h.BestHeight)
}

func decodeHello(buf []byte) (Hello, error) {
	if len(buf) < 8 {
		return Hello{}, fmt.Errorf("wire: truncated Hello")
	}
	cliqueID := binary.BigEndian.Uint32(buf)
	protoVer := binary.BigEndian.Uint32(buf[4:])
	off := 8
	genesis, consumed, err := readHash(buf[off:])
	if err != nil {
		return Hello{}, err
	}
	off += consumed
	if len(buf[off:]) < 8 {
		return Hello{}, fmt.Errorf("wire: truncated Hello height")
	}
	height := binary.BigEndian.Uint64(buf[off:])
	return Hello{CliqueID: cliqueID, ProtocolVersion: protoVer, GenesisHash: genesis, BestHeight: height}, nil
}

// Ping carries a nonce to be echoed back in Pong and the sender's clock, for
// round-trip latency measurement and coarse clock-skew detection.
type Ping struct {
	Nonce     uint32
	Timestamp int64
}

func (Ping) Tag() Tag { return TagPing }

func (p Ping) encodePayload(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, p.Nonce)
	return binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp))
}

func decodePing(buf []byte) (Ping, error) {
	if len(buf) < 12 {
		return Ping{}, fmt.Errorf("wire: truncated Ping")
	}
	nonce := binary.BigEndian.Uint32(buf)
	ts := int64(binary.BigEndian.Uint64(buf[4:]))
	return Ping{Nonce: nonce, Timestamp: ts}, nil
}

// Pong echoes the nonce from the Ping it answers.
type Pong struct {
	Nonce uint32
}

func (Pong) Tag() Tag { return TagPong }

func (p Pong) encodePayload(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(buf, p.Nonce)
}

func decodePong(buf []byte) (Pong, error) {
	if len(buf) < 4 {
		return Pong{}, fmt.Errorf("wire: truncated Pong")
	}
	return Pong{Nonce: binary.BigEndian.Uint32(buf)}, nil
}

// SendBlocks carries full blocks in response to GetBlocks.
type SendBlocks struct {
	Blocks []*block.Block
}

func (SendBlocks) Tag() Tag { return TagSendBlocks }

func (s SendBlocks) encodePayload(buf []byte) []byte {
	return appendBlockList(buf, s.Blocks)
}

func decodeSendBlocks(buf []byte) (SendBlocks, error) {
	blocks, _, err := readBlockList(buf)
	if err != nil {
		return SendBlocks{}, err
	}
	return SendBlocks{Blocks: blocks}, nil
}

// GetBlocks requests blocks following the sender's locator hashes (the
// tip-to-genesis sampled-ancestor chain used to find a common point
// without requiring exact height alignment).
type GetBlocks struct {
	Locators []types.Hash
}

func (GetBlocks) Tag() Tag { return TagGetBlocks }

func (g GetBlocks) encodePayload(buf []byte) []byte {
	return appendHashList(buf, g.Locators)
}

func decodeGetBlocks(buf []byte) (GetBlocks, error) {
	locators, _, err := readHashList(buf)
	if err != nil {
		return GetBlocks{}, err
	}
	return GetBlocks{Locators: locators}, nil
}

// SendHeaders carries headers only, in response to GetHeaders.
type SendHeaders struct {
	Headers []*block.Header
}

func (SendHeaders) Tag() Tag { return TagSendHeaders }

func (s SendHeaders) encodePayload(buf []byte) []byte {
	return appendHeaderList(buf, s.Headers)
}

func decodeSendHeaders(buf []byte) (SendHeaders, error) {
	headers, _, err := readHeaderList(buf)
	if err != nil {
		return SendHeaders{}, err
	}
	return SendHeaders{Headers: headers}, nil
}

// GetHeaders requests headers following the sender's locator hashes.
type GetHeaders struct {
	Locators []types.Hash
}

func (GetHeaders) Tag() Tag { return TagGetHeaders }

func (g GetHeaders) encodePayload(buf []byte) []byte {
	return appendHashList(buf, g.Locators)
}

func decodeGetHeaders(buf []byte) (GetHeaders, error) {
	locators, _, err := readHashList(buf)
	if err != nil {
		return GetHeaders{}, err
	}
	return GetHeaders{Locators: locators}, nil
}

// NewBlock announces a freshly mined block, pushed unsolicited on the
// gossip topic.
type NewBlock struct {
	Block *block.Block
}

func (NewBlock) Tag() Tag { return TagNewBlock }

func (n NewBlock) encodePayload(buf []byte) []byte {
	return appendBlock(buf, n.Block)
}

func decodeNewBlock(buf []byte) (NewBlock, error) {
	b, _, err := readBlockValue(buf)
	if err != nil {
		return NewBlock{}, err
	}
	return NewBlock{Block: b}, nil
}

// NewInv announces known block hashes without their bodies, letting the
// receiver decide whether to fetch them via GetBlocks.
type NewInv struct {
	Hashes []types.Hash
}

func (NewInv) Tag() Tag { return TagNewInv }

func (n NewInv) encodePayload(buf []byte) []byte {
	return appendHashList(buf, n.Hashes)
}

func decodeNewInv(buf []byte) (NewInv, error) {
	hashes, _, err := readHashList(buf)
	if err != nil {
		return NewInv{}, err
	}
	return NewInv{Hashes: hashes}, nil
}

// decodePayload dispatches on tag to the matching variant decoder.
func decodePayload(tag Tag, buf []byte) (Payload, error) {
	switch tag {
	case TagHello:
		return decodeHello(buf)
	case TagPing:
		return decodePing(buf)
	case TagPong:
		return decodePong(buf)
	case TagSendBlocks:
		return decodeSendBlocks(buf)
	case TagGetBlocks:
		return decodeGetBlocks(buf)
	case TagSendHeaders:
		return decodeSendHeaders(buf)
	case TagGetHeaders:
		return decodeGetHeaders(buf)
	case TagNewBlock:
		return decodeNewBlock(buf)
	case TagNewInv:
		return decodeNewInv(buf)
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrUnknownTag, tag)
	}
}
