package p2p

import (
	"fmt"
	"io"
	"time"

	klog "github.com/klingon-tech/flowchain/internal/flowlog"
	"github.com/klingon-tech/flowchain/internal/wire"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	// handshakeTimeout is the max time for a complete handshake exchange.
	handshakeTimeout = 10 * time.Second

	// maxHandshakeBytes limits handshake message size.
	maxHandshakeBytes = 4096
)

// registerHandshakeHandler sets up the stream handler for incoming handshakes.
func (n *Node) registerHandshakeHandler() {
	logger := klog.WithComponent("p2p")
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()

		remotePeer := stream.Conn().RemotePeer()

		_ = stream.SetReadDeadline(time.Now().Add(handshakeTimeout))

		peerMsg, err := readHello(stream)
		if err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()[:16]).Msg("handshake read failed")
			return
		}

		ourMsg := n.buildHello()
		if _, err := stream.Write(wire.Encode(wire.NewMessage(ourMsg))); err != nil {
			logger.Debug().Err(err).Str("peer", remotePeer.String()[:16]).Msg("handshake write failed")
			return
		}

		if reason := n.validateHello(peerMsg); reason != "" {
			logger.Warn().Str("peer", remotePeer.String()[:16]).Str("reason", reason).Msg("handshake rejected")
			n.DisconnectPeer(remotePeer)
		}
	})
}

// doHandshake initiates a handshake with a remote peer (dialer side).
func (n *Node) doHandshake(peerID peer.ID) {
	logger := klog.WithComponent("p2p")

	stream, err := n.host.NewStream(n.ctx, peerID, HandshakeProtocol)
	if err != nil {
		// Peer doesn't support handshake protocol — tolerate for now.
		logger.Debug().Str("peer", peerID.String()[:16]).Msg("peer does not support handshake, tolerating")
		return
	}
	defer stream.Close()

	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ourMsg := n.buildHello()
	if _, err := stream.Write(wire.Encode(wire.NewMessage(ourMsg))); err != nil {
		logger.Debug().Err(err).Str("peer", peerID.String()[:16]).Msg("handshake send failed")
		return
	}
	stream.CloseWrite()

	peerMsg, err := readHello(stream)
	if err != nil {
		logger.Debug().Err(err).Str("peer", peerID.String()[:16]).Msg("handshake response read failed")
		return
	}

	if reason := n.validateHello(peerMsg); reason != "" {
		logger.Warn().Str("peer", peerID.String()[:16]).Str("reason", reason).Msg("handshake rejected")
		n.DisconnectPeer(peerID)
	}
}

func readHello(r io.Reader) (wire.Hello, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxHandshakeBytes))
	if err != nil {
		return wire.Hello{}, err
	}
	msg, _, err := wire.Decode(data)
	if err != nil {
		return wire.Hello{}, err
	}
	hello, ok := msg.Payload.(wire.Hello)
	if !ok {
		return wire.Hello{}, fmt.Errorf("p2p: expected Hello payload, got tag %d", msg.Payload.Tag())
	}
	return hello, nil
}

// validateHello checks a peer's handshake message for compatibility.
// Returns an empty string on success, or a reason string on failure.
func (n *Node) validateHello(msg wire.Hello) string {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Sprintf("genesis mismatch: peer=%s local=%s",
			msg.GenesisHash.String()[:16], n.genesisHash.String()[:16])
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Sprintf("protocol version too low: peer=%d min=%d", msg.ProtocolVersion, MinProtocolVersion)
	}
	return ""
}

// buildHello constructs our handshake message from node state.
func (n *Node) buildHello() wire.Hello {
	h := wire.Hello{
		CliqueID:        n.config.CliqueID,
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
	}
	if n.heightFn != nil {
		h.BestHeight = n.heightFn()
	}
	return h
}
