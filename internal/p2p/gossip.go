package p2p

import (
	"fmt"

	"github.com/klingon-tech/flowchain/internal/wire"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
)

// BroadcastTx publishes a transaction to the gossip network.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}
	return n.topicTx.Publish(n.ctx, wire.EncodeTx(t))
}

// BroadcastBlock publishes a freshly produced or received block to the
// gossip network as a wire.NewBlock message.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}
	return n.topicBlock.Publish(n.ctx, wire.Encode(wire.NewMessage(wire.NewBlock{Block: b})))
}
