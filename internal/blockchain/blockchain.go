// Package blockchain extends headerchain with full block bodies and
// chain-diff computation over bodies rather than bare hashes.
package blockchain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klingon-tech/flowchain/internal/hashchain"
	"github.com/klingon-tech/flowchain/internal/headerchain"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
)

var (
	prefixBody         = []byte("bd/") // bd/<hash> -> block JSON (transactions)
	keyReorgCheckpoint = []byte("rc/checkpoint")
)

// Chain is a BlockChain: a headerchain.Chain plus persisted transaction
// bodies and body-level chain-diff.
type Chain struct {
	*headerchain.Chain
	db        storage.DB
	chainTo   types.GroupIndex
	numGroups types.GroupIndex
}

// New creates a block chain backed by db, scoped to one ChainIndex. chainTo
// is this chain's position (0..G-1) among its group's intra-group deps,
// used to extract a header's parent.
func New(db storage.DB, numGroups, chainTo types.GroupIndex) *Chain {
	return &Chain{
		Chain:     headerchain.New(db, numGroups),
		db:        db,
		chainTo:   chainTo,
		numGroups: numGroups,
	}
}

func bodyKey(h types.Hash) []byte {
	k := make([]byte, len(prefixBody)+types.HashSize)
	copy(k, prefixBody)
	copy(k[len(prefixBody):], h[:])
	return k
}

// GetBlock retrieves a full block by hash.
func (c *Chain) GetBlock(h types.Hash) (*block.Block, error) {
	data, err := c.db.Get(bodyKey(h))
	if err != nil {
		return nil, hashchain.ErrNotFound
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("blockchain: corrupt block: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height on this chain. If a
// height has multiple hashes recorded (a fork that never became canonical),
// this returns the first one encountered.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	hashes, err := c.HashesAtHeight(height)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, hashchain.ErrNotFound
	}
	return c.GetBlock(hashes[0])
}

// AddBlock persists the block's body, then the header, then registers its
// hash with the underlying hashchain. Mirrors headerchain.AddHeader's
// idempotence: re-adding a stored block returns headerchain.ErrAlreadyExists.
func (c *Chain) AddBlock(blk *block.Block, weight *big.Int) (types.Hash, error) {
	h := blk.Header.Hash()

	exists, err := c.Contains(h)
	if err != nil {
		return h, err
	}
	if exists {
		return h, headerchain.ErrAlreadyExists
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return h, fmt.Errorf("blockchain: marshal block: %w", err)
	}
	if err := c.db.Put(bodyKey(h), data); err != nil {
		return h, fmt.Errorf("blockchain: put block: %w", err)
	}

	if _, err := c.Chain.AddHeader(blk.Header, c.chainTo, weight); err != nil {
		return h, err
	}
	return h, nil
}

// ChainDiff is the result of calBlockDiff: full block bodies to remove from
// the old branch and add from the new branch when switching the canonical
// tip.
type ChainDiff struct {
	ToRemove []*block.Block // oldTip down to (excluding) LCA, reverse-height order.
	ToAdd    []*block.Block // LCA (excluded) up to newTip, ascending-height order.
}

// CalBlockDiff resolves the hash diff between the two tips via the
// underlying hashchain and loads the corresponding block bodies.
func (c *Chain) CalBlockDiff(newTip, oldTip types.Hash) (*ChainDiff, error) {
	hashDiff, err := c.Chain.CalHashDiff(newTip, oldTip)
	if err != nil {
		return nil, err
	}

	diff := &ChainDiff{}
	for _, h := range hashDiff.ToRemove {
		blk, err := c.GetBlock(h)
		if err != nil {
			return nil, fmt.Errorf("blockchain: load removed block %s: %w", h, err)
		}
		diff.ToRemove = append(diff.ToRemove, blk)
	}
	for _, h := range hashDiff.ToAdd {
		blk, err := c.GetBlock(h)
		if err != nil {
			return nil, fmt.Errorf("blockchain: load added block %s: %w", h, err)
		}
		diff.ToAdd = append(diff.ToAdd, blk)
	}
	return diff, nil
}

// PutReorgCheckpoint records that a reorg down to forkHeight, up toward
// newTip, is in progress, so world-state recovery can resume it after a
// crash. Grounded on the teacher's GetReorgCheckpoint/RebuildUTXOs pattern
// (internal/chain/store.go, internal/chain/reorg.go).
func (c *Chain) PutReorgCheckpoint(forkHeight uint64, newTip types.Hash) error {
	buf := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(buf[:8], forkHeight)
	copy(buf[8:], newTip[:])
	return c.db.Put(keyReorgCheckpoint, buf)
}

// GetReorgCheckpoint returns the fork height and in-progress new tip, and
// true if a checkpoint exists (meaning the node crashed mid-reorg).
func (c *Chain) GetReorgCheckpoint() (uint64, types.Hash, bool) {
	data, err := c.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8+types.HashSize {
		return 0, types.Hash{}, false
	}
	forkHeight := binary.BigEndian.Uint64(data[:8])
	var newTip types.Hash
	copy(newTip[:], data[8:])
	return forkHeight, newTip, true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (c *Chain) DeleteReorgCheckpoint() error {
	return c.db.Delete(keyReorgCheckpoint)
}

// RebuildFromGenesis walks every block on this chain from genesis to its
// current best tip, in ascending height order, invoking apply on each.
// Used at startup when GetReorgCheckpoint reports a reorg was still in
// flight when the node crashed: replaying every canonical block rebuilds
// dependent state (world-state UTXOs) to a known-consistent point without
// needing the in-flight delta to have been applied transactionally.
func (c *Chain) RebuildFromGenesis(apply func(*block.Block) error) error {
	tip, err := c.GetBestTip()
	if err != nil {
		return err
	}
	hashes, err := c.GetBlockHashSlice(tip)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		blk, err := c.GetBlock(h)
		if err != nil {
			return fmt.Errorf("blockchain: rebuild load block %s: %w", h, err)
		}
		if err := apply(blk); err != nil {
			return fmt.Errorf("blockchain: rebuild apply block %s: %w", h, err)
		}
	}
	return nil
}
