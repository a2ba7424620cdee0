// Package hashchain maintains the per-chain hash index at the bottom of the
// flow: height/weight bookkeeping, tip tracking, and chain-diff computation.
// BlockHeaderChain and BlockChain extend it with header and body storage.
package hashchain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Key prefixes, following the teacher's byte-prefixed key convention
// (internal/chain/store.go) rather than separate column families, since a
// Chain already gets its own PrefixDB per ChainIndex.
var (
	prefixHeight = []byte("ht/") // ht/<hash> -> height(8)
	prefixWeight = []byte("wt/") // wt/<hash> -> len(4) + weight magnitude bytes
	prefixParent = []byte("pa/") // pa/<hash> -> parent hash(32); zero hash = genesis
	prefixAtHt   = []byte("ah/") // ah/<height(8)>/<hash> -> 1 (set membership)
	keyChainState = []byte("cs/state")
)

// ErrNotFound indicates the requested hash is not present in the chain.
var ErrNotFound = fmt.Errorf("hashchain: not found")

// chainState is the small persisted record of tips and hash count.
type chainState struct {
	Tips      []types.Hash `json:"tips"`
	NumHashes uint32       `json:"num_hashes"`
}

// Chain is a BlockHashChain: a single per-(from,to) chain's hash index.
type Chain struct {
	mu sync.Mutex
	db storage.DB
}

// New creates a hash chain backed by db (normally a storage.PrefixDB scoped
// to one ChainIndex).
func New(db storage.DB) *Chain {
	return &Chain{db: db}
}

func heightKey(h types.Hash) []byte {
	k := make([]byte, len(prefixHeight)+types.HashSize)
	copy(k, prefixHeight)
	copy(k[len(prefixHeight):], h[:])
	return k
}

func weightKey(h types.Hash) []byte {
	k := make([]byte, len(prefixWeight)+types.HashSize)
	copy(k, prefixWeight)
	copy(k[len(prefixWeight):], h[:])
	return k
}

func parentKey(h types.Hash) []byte {
	k := make([]byte, len(prefixParent)+types.HashSize)
	copy(k, prefixParent)
	copy(k[len(prefixParent):], h[:])
	return k
}

func atHeightKey(height uint64, h types.Hash) []byte {
	k := make([]byte, 0, len(prefixAtHt)+8+types.HashSize)
	k = append(k, prefixAtHt...)
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	k = append(k, hb[:]...)
	k = append(k, h[:]...)
	return k
}

func atHeightPrefix(height uint64) []byte {
	k := make([]byte, 0, len(prefixAtHt)+8)
	k = append(k, prefixAtHt...)
	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	return append(k, hb[:]...)
}

func encodeWeight(w *big.Int) []byte {
	mag := w.Bytes()
	out := make([]byte, 4+len(mag))
	binary.BigEndian.PutUint32(out[:4], uint32(len(mag)))
	copy(out[4:], mag)
	return out
}

func decodeWeight(data []byte) (*big.Int, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("hashchain: corrupt weight: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return nil, fmt.Errorf("hashchain: corrupt weight: length mismatch")
	}
	return new(big.Int).SetBytes(data[4:]), nil
}

// Contains reports whether h has been added to this chain.
func (c *Chain) Contains(h types.Hash) (bool, error) {
	return c.db.Has(heightKey(h))
}

// AddHash records a new hash with its parent, height, and weight.
// Idempotent: re-adding an existing hash is a no-op.
func (c *Chain) AddHash(h, parent types.Hash, height uint64, weight *big.Int, isCanonical bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.db.Has(heightKey(h))
	if err != nil {
		return fmt.Errorf("hashchain: has: %w", err)
	}
	if exists {
		return nil
	}

	var hb [8]byte
	binary.BigEndian.PutUint64(hb[:], height)
	if err := c.db.Put(heightKey(h), hb[:]); err != nil {
		return fmt.Errorf("hashchain: put height: %w", err)
	}
	if err := c.db.Put(weightKey(h), encodeWeight(weight)); err != nil {
		return fmt.Errorf("hashchain: put weight: %w", err)
	}
	if err := c.db.Put(parentKey(h), parent[:]); err != nil {
		return fmt.Errorf("hashchain: put parent: %w", err)
	}
	if err := c.db.Put(atHeightKey(height, h), []byte{1}); err != nil {
		return fmt.Errorf("hashchain: put height index: %w", err)
	}

	st, err := c.loadState()
	if err != nil {
		return err
	}
	st.NumHashes++
	st.Tips = removeHash(st.Tips, parent)
	if !containsHash(st.Tips, h) {
		st.Tips = append(st.Tips, h)
	}
	_ = isCanonical // canonical status is derived from weight comparisons, not stored per-hash.
	return c.saveState(st)
}

func removeHash(hashes []types.Hash, target types.Hash) []types.Hash {
	out := hashes[:0:0]
	for _, h := range hashes {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}

func containsHash(hashes []types.Hash, target types.Hash) bool {
	for _, h := range hashes {
		if h == target {
			return true
		}
	}
	return false
}

func (c *Chain) loadState() (*chainState, error) {
	data, err := c.db.Get(keyChainState)
	if err != nil {
		return &chainState{}, nil
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("hashchain: corrupt chain state: %w", err)
	}
	return &st, nil
}

func (c *Chain) saveState(st *chainState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("hashchain: marshal chain state: %w", err)
	}
	return c.db.Put(keyChainState, data)
}

// Height returns the height recorded for h.
func (c *Chain) Height(h types.Hash) (uint64, error) {
	data, err := c.db.Get(heightKey(h))
	if err != nil {
		return 0, ErrNotFound
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("hashchain: corrupt height for %s", h)
	}
	return binary.BigEndian.Uint64(data), nil
}

// Weight returns the cumulative weight recorded for h.
func (c *Chain) Weight(h types.Hash) (*big.Int, error) {
	data, err := c.db.Get(weightKey(h))
	if err != nil {
		return nil, ErrNotFound
	}
	return decodeWeight(data)
}

// Parent returns the parent hash recorded for h. Genesis returns the zero
// hash and ok=true.
func (c *Chain) Parent(h types.Hash) (types.Hash, bool, error) {
	data, err := c.db.Get(parentKey(h))
	if err != nil {
		return types.Hash{}, false, nil
	}
	var p types.Hash
	copy(p[:], data)
	return p, true, nil
}

// GetAllTips returns every current tip hash.
func (c *Chain) GetAllTips() ([]types.Hash, error) {
	st, err := c.loadState()
	if err != nil {
		return nil, err
	}
	return st.Tips, nil
}

// GetBestTip returns the tip with maximum weight, ties broken by the
// lexicographically smaller hash.
func (c *Chain) GetBestTip() (types.Hash, error) {
	tips, err := c.GetAllTips()
	if err != nil {
		return types.Hash{}, err
	}
	if len(tips) == 0 {
		return types.Hash{}, ErrNotFound
	}

	best := tips[0]
	bestWeight, err := c.Weight(best)
	if err != nil {
		return types.Hash{}, err
	}
	for _, h := range tips[1:] {
		w, err := c.Weight(h)
		if err != nil {
			return types.Hash{}, err
		}
		if w.Cmp(bestWeight) > 0 || (w.Cmp(bestWeight) == 0 && hashLess(h, best)) {
			best, bestWeight = h, w
		}
	}
	return best, nil
}

func hashLess(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// HashesAtHeight returns every hash recorded at the given height.
func (c *Chain) HashesAtHeight(height uint64) ([]types.Hash, error) {
	var out []types.Hash
	err := c.db.ForEach(atHeightPrefix(height), func(key, _ []byte) error {
		if len(key) < types.HashSize {
			return nil
		}
		var h types.Hash
		copy(h[:], key[len(key)-types.HashSize:])
		out = append(out, h)
		return nil
	})
	return out, err
}

// GetBlockHashSlice returns the path from genesis to h by following parent
// pointers, genesis first.
func (c *Chain) GetBlockHashSlice(h types.Hash) ([]types.Hash, error) {
	var path []types.Hash
	cur := h
	for {
		path = append(path, cur)
		parent, ok, err := c.Parent(cur)
		if err != nil {
			return nil, err
		}
		if !ok || parent.IsZero() {
			break
		}
		cur = parent
	}
	// Reverse so genesis comes first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// GetHashesAfter does a BFS walk forward from locator through the chain,
// returning hashes in height-then-insertion order, up to limit entries
// (0 = unbounded).
func (c *Chain) GetHashesAfter(locator types.Hash, limit int) ([]types.Hash, error) {
	startHeight, err := c.Height(locator)
	if err != nil {
		return nil, err
	}

	var out []types.Hash
	for height := startHeight + 1; ; height++ {
		hashes, err := c.HashesAtHeight(height)
		if err != nil {
			return nil, err
		}
		if len(hashes) == 0 {
			break
		}
		sort.Slice(hashes, func(i, j int) bool { return hashLess(hashes[i], hashes[j]) })
		out = append(out, hashes...)
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

// SampleHeights returns a set of heights in [from, to] that is dense near
// both endpoints and exponentially sparser toward the middle, for use as
// sync block locators: requesting every height on a long chain wastes
// bandwidth, but a peer needs enough candidates to find the highest height
// it shares with us.
//
// It grows two cursors toward each other from from and to, each step
// advancing by 1, 1, 2, 4, 8, ... (so the first two steps stay dense, then
// double), until the cursors meet or cross.
func SampleHeights(from, to uint64) []uint64 {
	if to < from {
		from, to = to, from
	}
	seen := map[uint64]struct{}{from: {}, to: {}}

	f, b, step, doubling := from, to, uint64(1), false
	for f < b {
		nf := f + step
		if nf > b {
			nf = b
		}
		var nb uint64
		if step < b-from {
			nb = b - step
		} else {
			nb = from
		}
		if nb < nf {
			nb = nf
		}
		f, b = nf, nb
		seen[f] = struct{}{}
		seen[b] = struct{}{}

		if doubling {
			step *= 2
		}
		doubling = true

		if f >= b {
			break
		}
	}

	heights := make([]uint64, 0, len(seen))
	for h := range seen {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// BuildLocator samples hashes between genesis and tip using SampleHeights,
// ordered from the highest (most recent) height down to genesis so a peer
// answering GetBlocks/GetHeaders can walk the list and stop at the first
// locator it recognizes, maximizing the chance of a near-tip match.
func (c *Chain) BuildLocator(tip types.Hash) ([]types.Hash, error) {
	tipHeight, err := c.Height(tip)
	if err != nil {
		return nil, err
	}
	heights := SampleHeights(0, tipHeight)

	locators := make([]types.Hash, 0, len(heights))
	for i := len(heights) - 1; i >= 0; i-- {
		hashes, err := c.HashesAtHeight(heights[i])
		if err != nil {
			return nil, err
		}
		if len(hashes) == 0 {
			continue
		}
		sort.Slice(hashes, func(a, b int) bool { return hashLess(hashes[a], hashes[b]) })
		locators = append(locators, hashes[0])
	}
	return locators, nil
}

// ChainDiff is the result of calHashDiff: the hashes to remove walking down
// from oldTip and the hashes to add walking up to newTip, relative to their
// lowest common ancestor.
type ChainDiff struct {
	ToRemove []types.Hash // oldTip down to (excluding) LCA, in reverse-height order.
	ToAdd    []types.Hash // LCA (excluded) up to newTip, in ascending-height order.
}

// CalHashDiff walks both chains back to their lowest common ancestor and
// returns the hashes that must be removed (old branch) and added (new
// branch) to switch the canonical tip from oldTip to newTip.
func (c *Chain) CalHashDiff(newTip, oldTip types.Hash) (*ChainDiff, error) {
	if newTip == oldTip {
		return &ChainDiff{}, nil
	}

	oldPath, err := c.GetBlockHashSlice(oldTip)
	if err != nil {
		return nil, err
	}
	newPath, err := c.GetBlockHashSlice(newTip)
	if err != nil {
		return nil, err
	}

	oldIndex := make(map[types.Hash]int, len(oldPath))
	for i, h := range oldPath {
		oldIndex[h] = i
	}

	lcaIdx := -1
	for i := len(newPath) - 1; i >= 0; i-- {
		if j, ok := oldIndex[newPath[i]]; ok {
			lcaIdx = j
			_ = j
			break
		}
	}
	if lcaIdx < 0 {
		return nil, fmt.Errorf("hashchain: no common ancestor between %s and %s", newTip, oldTip)
	}
	lca := oldPath[lcaIdx]

	diff := &ChainDiff{}
	for i := len(oldPath) - 1; i > lcaIdx; i-- {
		diff.ToRemove = append(diff.ToRemove, oldPath[i])
	}
	for i, h := range newPath {
		if h == lca {
			diff.ToAdd = append(diff.ToAdd, newPath[i+1:]...)
			break
		}
	}
	return diff, nil
}
