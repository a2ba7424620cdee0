package node

import (
	"errors"
	"time"

	"github.com/klingon-tech/flowchain/internal/blockflow"
	"github.com/klingon-tech/flowchain/internal/wire"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// errMalformedDeps is returned when a header's BlockDeps doesn't carry a
// usable intra-group parent slot for its derived group.
var errMalformedDeps = errors.New("node: malformed block deps")

// errUnknownParent is returned when a header's intra-group parent hasn't
// been seen by this node yet, so its chain can't be derived.
var errUnknownParent = errors.New("node: unknown parent block")

// syncInterval is how often runSyncLoop polls a peer for blocks past this
// node's own tips.
const syncInterval = 5 * time.Second

// syncBatch is not referenced; the number of blocks a GetBlocks round-trip
// returns is bounded on the providing side by p2p's defaultSyncBatch.
const syncBatch = 500

// runSyncLoop periodically asks a connected peer for blocks past every
// chain's current tip. Gossip (handlePeerBlock) keeps a caught-up node
// current; this loop is what lets a node catch up after being offline or
// joining fresh.
func (n *Node) runSyncLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.syncOnce()
		}
	}
}

func (n *Node) syncOnce() {
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		return
	}
	target := peers[0].ID

	g := n.genesis.Flow.NumGroups
	for from := types.GroupIndex(0); int(from) < int(g); from++ {
		for to := types.GroupIndex(0); int(to) < int(g); to++ {
			ci := types.ChainIndex{From: from, To: to}
			n.syncChain(target, ci)
		}
	}
}

func (n *Node) syncChain(target peer.ID, ci types.ChainIndex) {
	locators, err := n.flow.BuildLocator(ci)
	if err != nil || len(locators) == 0 {
		return
	}

	blocks, err := n.syncer.RequestBlocks(n.ctx, target, locators)
	if err != nil {
		n.logger.Debug().Err(err).Str("chain", ci.String()).Msg("sync request failed")
		return
	}

	for _, blk := range blocks {
		if err := n.applyBlock(blk); err != nil {
			n.logger.Debug().Err(err).Uint64("height", blk.Header.Height).Msg("sync block rejected")
			return
		}
	}
}

// provideBlocks answers a peer's GetBlocks request: each locator is
// expected to be a hash this node already knows, so it can route the
// request to the owning chain via Flow.ChainIndexOf.
func (n *Node) provideBlocks(locators []types.Hash, max int) []*block.Block {
	for _, loc := range locators {
		ci, ok := n.flow.ChainIndexOf(loc)
		if !ok {
			continue
		}
		hashes, err := n.flow.GetHashesAfter(ci, loc, max)
		if err != nil || len(hashes) == 0 {
			continue
		}
		blocks := make([]*block.Block, 0, len(hashes))
		for _, h := range hashes {
			if blk, err := n.flow.GetBlock(h); err == nil {
				blocks = append(blocks, blk)
			}
		}
		return blocks
	}
	return nil
}

// provideHeaders is provideBlocks's header-only counterpart.
func (n *Node) provideHeaders(locators []types.Hash, max int) []*block.Header {
	for _, loc := range locators {
		ci, ok := n.flow.ChainIndexOf(loc)
		if !ok {
			continue
		}
		hashes, err := n.flow.GetHashesAfter(ci, loc, max)
		if err != nil || len(hashes) == 0 {
			continue
		}
		headers := make([]*block.Header, 0, len(hashes))
		for _, h := range hashes {
			if hdr, err := n.flow.GetHeader(h); err == nil {
				headers = append(headers, hdr)
			}
		}
		return headers
	}
	return nil
}

// handlePeerBlock processes a block announced on the gossip topic or
// returned by a sync request: validate, then hand to blockflow. AddBlock's
// reorg callback keeps the mempool in sync, so there is nothing left to do
// here on success.
func (n *Node) handlePeerBlock(from peer.ID, data []byte) {
	msg, _, err := wire.Decode(data)
	if err != nil {
		n.logger.Debug().Err(err).Msg("failed to decode block message")
		return
	}
	payload, ok := msg.Payload.(wire.NewBlock)
	if !ok || payload.Block == nil {
		return
	}
	if err := n.applyBlock(payload.Block); err != nil {
		n.logger.Debug().Err(err).Stringer("peer", from).Msg("rejected gossiped block")
	}
}

// applyBlock runs the validation pipeline and, if the block passes, adds
// it to the flow.
func (n *Node) applyBlock(blk *block.Block) error {
	ci, err := n.deriveChainIndex(blk.Header)
	if err != nil {
		return err
	}
	if err := n.pipeline.ValidateBlock(blk, ci); err != nil {
		return err
	}
	status, err := n.flow.AddBlock(ci, blk)
	if err != nil {
		return err
	}
	if status == blockflow.Success {
		n.logger.Info().
			Str("chain", ci.String()).
			Uint64("height", blk.Header.Height).
			Int("txs", len(blk.Transactions)).
			Msg("block applied")
	}
	return nil
}

// deriveChainIndex recovers the ChainIndex a header belongs to: the "to"
// group comes straight from the header's own hash, and the "from" group is
// inherited from its intra-group parent, which blockflow already knows the
// chain of. Genesis headers have no parent and are self-chained.
func (n *Node) deriveChainIndex(hdr *block.Header) (types.ChainIndex, error) {
	g := n.genesis.Flow.NumGroups
	h := hdr.Hash()
	to := types.GroupOf(h, g)

	if hdr.Height == 0 {
		return types.ChainIndex{From: to, To: to}, nil
	}

	parent, ok := hdr.Parent(g, to)
	if !ok {
		return types.ChainIndex{}, errMalformedDeps
	}
	parentCI, ok := n.flow.ChainIndexOf(parent)
	if !ok {
		return types.ChainIndex{}, errUnknownParent
	}
	return types.ChainIndex{From: parentCI.From, To: to}, nil
}

// handlePeerTx processes a transaction announced on the gossip topic.
func (n *Node) handlePeerTx(from peer.ID, data []byte) {
	t, err := wire.DecodeTx(data)
	if err != nil {
		n.logger.Debug().Err(err).Msg("failed to decode tx message")
		return
	}
	ci := deriveTxChainIndex(t, n.genesis.Flow.NumGroups)
	if _, err := n.mempool.For(ci.From).AddNewTx(ci, t); err != nil {
		n.logger.Debug().Err(err).Stringer("peer", from).Msg("rejected gossiped transaction")
	}
}

// deriveTxChainIndex routes a transaction by the group of its first spent
// outpoint (sender) and the group its own hash falls into (receiver),
// mirroring the hash-derived routing Flow already uses for blocks.
// Coinbase-less transactions with no inputs route to their own group.
func deriveTxChainIndex(t *tx.Transaction, numGroups types.GroupIndex) types.ChainIndex {
	h := t.Hash()
	to := types.GroupOf(h, numGroups)
	from := to
	if len(t.Inputs) > 0 && !t.Inputs[0].PrevOut.IsZero() {
		from = types.GroupOf(t.Inputs[0].PrevOut.TxID, numGroups)
	}
	return types.ChainIndex{From: from, To: to}
}
