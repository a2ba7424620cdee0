package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names. Every block on every (from,to) chain is announced
// on the single shared block topic; the receiver routes it to its owning
// chain via blockflow.Flow.ChainIndexOf once decoded.
const (
	TopicTransactions = "/flowchain/tx/1.0.0"
	TopicBlocks       = "/flowchain/block/1.0.0"
)

// Handshake protocol constants.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/flowchain/handshake/1.0.0")

	// ProtocolVersion is the current wire protocol version advertised during
	// handshake; it mirrors wire.ProtocolVersion.
	ProtocolVersion uint32 = 1

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	MinProtocolVersion uint32 = 1
)
