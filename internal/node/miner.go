package node

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"sort"
	"time"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// sealCheckInterval bounds how many nonce attempts run between checks of
// ctx cancellation, mirroring the teacher's sealSingle loop.
const sealCheckInterval = 1 << 16

// mineRetryDelay is how long runMiner waits after a failed mining round (an
// error from fetching the block template or from sealing) before trying again.
const mineRetryDelay = 200 * time.Millisecond

// runMiner continuously produces blocks for one chain: fetch a template,
// collect mempool transactions, seal a txs+coinbase block, validate it
// through the same pipeline gossip blocks go through, add it to the flow,
// and broadcast it.
func (n *Node) runMiner(ci types.ChainIndex) {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
		}

		blk, err := n.mineOnce(ci)
		if err != nil {
			n.logger.Debug().Err(err).Str("chain", ci.String()).Msg("mining round failed")
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(mineRetryDelay):
			}
			continue
		}
		if blk == nil {
			continue
		}

		if err := n.pipeline.ValidateBlock(blk, ci); err != nil {
			n.logger.Error().Err(err).Str("chain", ci.String()).Msg("mined block failed its own validation")
			continue
		}
		if _, err := n.flow.AddBlock(ci, blk); err != nil {
			n.logger.Debug().Err(err).Str("chain", ci.String()).Msg("mined block rejected by flow")
			continue
		}
		if err := n.p2pNode.BroadcastBlock(blk); err != nil {
			n.logger.Warn().Err(err).Msg("failed to broadcast mined block")
		}
		n.logger.Info().
			Str("chain", ci.String()).
			Uint64("height", blk.Header.Height).
			Int("txs", len(blk.Transactions)).
			Msg("block mined")
	}
}

// mineOnce assembles and seals a single candidate block for ci. It returns
// a nil block (no error) when sealing was interrupted by shutdown.
func (n *Node) mineOnce(ci types.ChainIndex) (*block.Block, error) {
	tmpl, err := n.flow.PrepareBlockFlow(ci)
	if err != nil {
		return nil, err
	}

	selected := n.mempool.For(ci.From).CollectForBlock(ci, maxBlockTxs-1)
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	// Block validation requires the coinbase to pay exactly MinerReward.
	reward := n.genesis.Flow.MinerReward(tmpl.Height)
	coinbase := buildCoinbase(n.coinbase, reward, tmpl.Height)

	// The coinbase is the block's last transaction.
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, selected...)
	txs = append(txs, coinbase)

	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}

	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  tmpl.Deps,
		TxRootHash: block.ComputeMerkleRoot(hashes),
		Timestamp:  uint64(time.Now().Unix()),
		Height:     tmpl.Height,
		Target:     tmpl.Target,
	}

	blk := block.NewBlock(hdr, txs)

	if err := n.sealBlock(n.ctx, hdr); err != nil {
		if err == context.Canceled {
			return nil, nil
		}
		return nil, err
	}

	return blk, nil
}

// maxBlockTxs bounds how many transactions (including the coinbase) one
// mined block may carry.
const maxBlockTxs = config.MaxBlockTxs

// sealBlock searches for a nonce whose header hash is below hdr.Target,
// checking for cancellation every sealCheckInterval attempts. Grounded on
// the teacher's consensus.PoW.sealSingle, simplified to recompute the hash
// fresh each attempt rather than caching a signing-bytes prefix.
func (n *Node) sealBlock(ctx context.Context, hdr *block.Header) error {
	target := new(big.Int).SetBytes(hdr.Target[:])

	for nonce := uint64(0); ; nonce++ {
		if nonce%sealCheckInterval == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		hdr.Nonce = nonce
		h := hdr.Hash()
		if new(big.Int).SetBytes(h[:]).Cmp(target) < 0 {
			return nil
		}
	}
}

// buildCoinbase creates the reward-paying coinbase transaction for a mined
// block. The height is encoded into the coinbase input's signature field so
// two blocks at different heights never produce the same coinbase hash,
// mirroring the teacher's BIP34-style approach.
func buildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value:  reward,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr.Bytes()},
		}},
	}
}

// txFee computes a transaction's fee as the sum of its spent outputs' values
// minus the sum of its own outputs' values, reading spent outputs from the
// shared world-state UTXO set.
func txFee(t *tx.Transaction, world *utxo.Store) uint64 {
	var in, out uint64
	for _, i := range t.Inputs {
		if i.PrevOut.IsZero() {
			continue
		}
		if u, err := world.Get(i.PrevOut); err == nil {
			in += u.Value
		}
	}
	for _, o := range t.Outputs {
		out += o.Value
	}
	if in < out {
		return 0
	}
	return in - out
}
