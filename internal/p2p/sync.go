package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klingon-tech/flowchain/internal/wire"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// SyncProtocol is the stream protocol ID for GetBlocks/GetHeaders exchanges.
	SyncProtocol = protocol.ID("/flowchain/sync/1.0.0")

	syncReadTimeout = 30 * time.Second

	// maxSyncResponseBytes bounds a single SendBlocks/SendHeaders response.
	maxSyncResponseBytes = 10 * 1024 * 1024
)

// BlocksProvider answers a GetBlocks request: given the requester's locator
// hashes, return up to max blocks following the common ancestor. The
// locator's owning chain is resolved by the provider via blockflow, since
// the request itself is chain-agnostic (any locator hash routes to its
// chain through the flow's global hash table).
type BlocksProvider func(locators []types.Hash, max int) []*block.Block

// HeadersProvider is BlocksProvider's header-only counterpart.
type HeadersProvider func(locators []types.Hash, max int) []*block.Header

const defaultSyncBatch = 500

// Syncer handles header/block synchronization with peers over a single
// request/response stream protocol.
type Syncer struct {
	host host.Host
	ctx  context.Context
}

// NewSyncer creates a syncer attached to the given node's host and context.
func NewSyncer(node *Node) *Syncer {
	return &Syncer{host: node.host, ctx: node.ctx}
}

// RegisterHandler installs the stream handler answering both GetBlocks and
// GetHeaders requests on the single sync protocol.
func (s *Syncer) RegisterHandler(blocks BlocksProvider, headers HeadersProvider) {
	s.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()
		s.serve(stream, blocks, headers)
	})
}

func (s *Syncer) serve(stream network.Stream, blocks BlocksProvider, headers HeadersProvider) {
	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))
	data, err := io.ReadAll(io.LimitReader(stream, maxSyncResponseBytes))
	if err != nil {
		return
	}
	msg, _, err := wire.Decode(data)
	if err != nil {
		return
	}

	var resp wire.Message
	switch req := msg.Payload.(type) {
	case wire.GetBlocks:
		if blocks == nil {
			return
		}
		resp = wire.NewMessage(wire.SendBlocks{Blocks: blocks(req.Locators, defaultSyncBatch)})
	case wire.GetHeaders:
		if headers == nil {
			return
		}
		resp = wire.NewMessage(wire.SendHeaders{Headers: headers(req.Locators, defaultSyncBatch)})
	default:
		return
	}
	stream.Write(wire.Encode(resp))
}

// RequestBlocks asks peerID for blocks following locators.
func (s *Syncer) RequestBlocks(ctx context.Context, peerID peer.ID, locators []types.Hash) ([]*block.Block, error) {
	msg, err := s.request(ctx, peerID, wire.GetBlocks{Locators: locators})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.Payload.(wire.SendBlocks)
	if !ok {
		return nil, fmt.Errorf("p2p: expected SendBlocks, got tag %d", msg.Payload.Tag())
	}
	return resp.Blocks, nil
}

// RequestHeaders asks peerID for headers following locators.
func (s *Syncer) RequestHeaders(ctx context.Context, peerID peer.ID, locators []types.Hash) ([]*block.Header, error) {
	msg, err := s.request(ctx, peerID, wire.GetHeaders{Locators: locators})
	if err != nil {
		return nil, err
	}
	resp, ok := msg.Payload.(wire.SendHeaders)
	if !ok {
		return nil, fmt.Errorf("p2p: expected SendHeaders, got tag %d", msg.Payload.Tag())
	}
	return resp.Headers, nil
}

func (s *Syncer) request(ctx context.Context, peerID peer.ID, p wire.Payload) (wire.Message, error) {
	stream, err := s.host.NewStream(ctx, peerID, SyncProtocol)
	if err != nil {
		return wire.Message{}, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	if _, err := stream.Write(wire.Encode(wire.NewMessage(p))); err != nil {
		return wire.Message{}, fmt.Errorf("send sync request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))
	data, err := io.ReadAll(io.LimitReader(stream, maxSyncResponseBytes))
	if err != nil {
		return wire.Message{}, fmt.Errorf("read sync response: %w", err)
	}
	msg, _, err := wire.Decode(data)
	if err != nil {
		return wire.Message{}, fmt.Errorf("decode sync response: %w", err)
	}
	return msg, nil
}
