package node

import (
	"fmt"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/internal/vm"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/crypto"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

var bootstrapDoneKey = []byte("bootstrap/done")

// bootstrapGenesis seeds a height-0 block on every one of the G*G chains so
// blockflow.PrepareBlockFlow always has a tip to build on, then credits the
// genesis allocations directly into the shared world-state UTXO set.
//
// Genesis blocks carry no real value: Pipeline validates every later block
// against one shared World rather than per-chain state, so there is no need
// to route allocations through a particular chain's coinbase the way a
// mined block does. This is deliberately the minimal genesis construction
// the spec calls for, not a general-purpose genesis tool.
func (n *Node) bootstrapGenesis() error {
	if done, _ := n.blocksDB.Has(bootstrapDoneKey); done {
		return nil
	}

	g := n.genesis.Flow.NumGroups
	zeroDeps := make([]types.Hash, types.NumBlockDeps(g))

	for from := types.GroupIndex(0); int(from) < int(g); from++ {
		for to := types.GroupIndex(0); int(to) < int(g); to++ {
			blk := genesisBlock(&n.genesis.Flow, n.genesis.Timestamp, from, to, zeroDeps)
			ci := types.ChainIndex{From: from, To: to}
			if _, err := n.flow.AddBlock(ci, blk); err != nil {
				return err
			}
		}
	}

	for addrStr, amount := range n.genesis.Alloc {
		addr, err := types.ParseAddress(addrStr)
		if err != nil {
			return err
		}
		u := &utxo.UTXO{
			Outpoint: types.Outpoint{TxID: crypto.Hash([]byte("genesis:" + addrStr)), Index: 0},
			Value:    amount,
			Script:   types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()},
			Height:   0,
			Coinbase: true,
		}
		if err := n.world.Put(u); err != nil {
			return err
		}
	}

	return n.blocksDB.Put(bootstrapDoneKey, []byte{1})
}

// recoverReorgs scans every chain for a reorg checkpoint left behind by a
// crash between blockflow.AddBlock's checkpoint write and its clear, and
// replays the affected chain from genesis to rebuild world state.
func (n *Node) recoverReorgs() error {
	for _, ci := range n.flow.AllChainIndexes() {
		if _, _, ok := n.flow.ReorgCheckpoint(ci); !ok {
			continue
		}
		n.logger.Warn().Str("chain", ci.String()).Msg("recovering world state after a crash mid-reorg")
		if err := n.flow.RebuildChainFromGenesis(ci, n.applyBlockToWorld); err != nil {
			return fmt.Errorf("rebuild chain %s: %w", ci, err)
		}
	}
	return nil
}

// applyBlockToWorld re-executes every transaction in blk against the shared
// world-state UTXO set: non-coinbase transactions through the VM engine,
// then the coinbase output credited directly at the block's reward.
func (n *Node) applyBlockToWorld(blk *block.Block) error {
	last := len(blk.Transactions) - 1
	for i, t := range blk.Transactions[:last] {
		delta, err := n.vmEngine.Execute(t, n.world)
		if err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		if err := vm.ApplyDelta(n.world, delta, blk.Header.Height, false); err != nil {
			return fmt.Errorf("tx %d: apply delta: %w", i, err)
		}
	}

	coinbase := blk.Transactions[last]
	txHash := coinbase.Hash()
	for i, out := range coinbase.Outputs {
		u := &utxo.UTXO{
			Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
			Value:    out.Value,
			Script:   out.Script,
			Token:    out.Token,
			Height:   blk.Header.Height,
			Coinbase: true,
		}
		if err := n.world.Put(u); err != nil {
			return fmt.Errorf("coinbase output %d: %w", i, err)
		}
	}
	return nil
}

// genesisBlock builds the placeholder height-0 block for chain (from, to).
// Its timestamp is offset per chain so each of the G*G genesis headers
// hashes to a distinct value in the flow's global hash-routing table.
func genesisBlock(params *config.FlowParams, baseTs uint64, from, to types.GroupIndex, deps []types.Hash) *block.Block {
	g := int(params.NumGroups)
	offset := uint64(int(from)*g+int(to)) + 1

	coinbase := &tx.Transaction{
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}}},
		Outputs: []tx.Output{{Value: 0, Script: types.Script{Type: types.ScriptTypeBurn}}},
	}

	hdr := &block.Header{
		Version:   block.CurrentVersion,
		BlockDeps: append([]types.Hash(nil), deps...),
		Timestamp: baseTs + offset,
		Height:    0,
		Target:    params.MaxMiningTarget,
	}
	hdr.TxRootHash = block.ComputeMerkleRoot([]types.Hash{coinbase.Hash()})

	return block.NewBlock(hdr, []*tx.Transaction{coinbase})
}
