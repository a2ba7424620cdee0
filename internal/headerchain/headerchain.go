// Package headerchain extends hashchain with header bodies, so a node can
// hold and validate headers for chains it does not fully store.
package headerchain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/klingon-tech/flowchain/internal/hashchain"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
)

var prefixHeader = []byte("hd/") // hd/<hash> -> header JSON

// ErrAlreadyExists is returned by AddHeader when the header is already present.
var ErrAlreadyExists = fmt.Errorf("headerchain: already exists")

// Chain is a BlockHeaderChain: a hashchain.Chain plus persisted headers.
type Chain struct {
	*hashchain.Chain
	db        storage.DB
	numGroups types.GroupIndex
}

// New creates a header chain backed by db, scoped to one ChainIndex.
func New(db storage.DB, numGroups types.GroupIndex) *Chain {
	return &Chain{
		Chain:     hashchain.New(db),
		db:        db,
		numGroups: numGroups,
	}
}

func headerKey(h types.Hash) []byte {
	k := make([]byte, len(prefixHeader)+types.HashSize)
	copy(k, prefixHeader)
	copy(k[len(prefixHeader):], h[:])
	return k
}

// GetHeader retrieves a persisted header by hash.
func (c *Chain) GetHeader(h types.Hash) (*block.Header, error) {
	data, err := c.db.Get(headerKey(h))
	if err != nil {
		return nil, hashchain.ErrNotFound
	}
	var hdr block.Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("headerchain: corrupt header: %w", err)
	}
	return &hdr, nil
}

// AddHeader persists the header and records its hash in the underlying
// hashchain, with parent derived from the header's intra-group deps and
// chainTo identifying this chain's position among its group's intra-group
// deps. Idempotent: re-adding an existing header is a no-op that returns
// ErrAlreadyExists so callers can distinguish it from a fresh add.
func (c *Chain) AddHeader(hdr *block.Header, chainTo types.GroupIndex, weight *big.Int) (types.Hash, error) {
	h := hdr.Hash()

	exists, err := c.Contains(h)
	if err != nil {
		return h, err
	}
	if exists {
		return h, ErrAlreadyExists
	}

	data, err := json.Marshal(hdr)
	if err != nil {
		return h, fmt.Errorf("headerchain: marshal header: %w", err)
	}
	if err := c.db.Put(headerKey(h), data); err != nil {
		return h, fmt.Errorf("headerchain: put header: %w", err)
	}

	var parent types.Hash
	if hdr.Height > 0 {
		p, ok := hdr.Parent(c.numGroups, chainTo)
		if !ok {
			return h, fmt.Errorf("headerchain: header has no parent dep for chainTo=%d", chainTo)
		}
		parent = p
	}

	if err := c.Chain.AddHash(h, parent, hdr.Height, weight, true); err != nil {
		return h, fmt.Errorf("headerchain: add hash: %w", err)
	}
	return h, nil
}
