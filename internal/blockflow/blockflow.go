// Package blockflow owns the G*G grid of per-chain BlockChains, computes
// cross-chain weight and best-dependency selection, and detects reorgs as
// chain tips move.
package blockflow

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/blockchain"
	"github.com/klingon-tech/flowchain/internal/flowlog"
	"github.com/klingon-tech/flowchain/internal/hashchain"
	"github.com/klingon-tech/flowchain/internal/headerchain"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// AddStatus reports the outcome of adding a block or header to the flow.
type AddStatus int

const (
	Success AddStatus = iota
	AlreadyExists
	MissingDeps
)

func (s AddStatus) String() string {
	switch s {
	case Success:
		return "Success"
	case AlreadyExists:
		return "AlreadyExists"
	case MissingDeps:
		return "MissingDeps"
	default:
		return "Unknown"
	}
}

// Reorg describes a canonical-tip change on one chain, delivered
// synchronously to the mempool before Add returns to its caller.
type Reorg struct {
	ChainIndex types.ChainIndex
	ToRemove   []*block.Block
	ToAdd      []*block.Block
}

var prefixChainIndex = []byte("gi/") // gi/<hash> -> chainIndex JSON, global routing table.

// Flow is the BlockFlow: G*G BlockChains plus the bookkeeping needed to
// route any hash to its owning chain and compute cross-chain weight.
type Flow struct {
	mu        sync.Mutex
	params    *config.FlowParams
	chains    [][]*blockchain.Chain // chains[from][to]
	globalDB  storage.DB
	onReorg   func(Reorg)
}

// New creates a BlockFlow over G*G PrefixDB-backed chains sourced from
// newChainDB(from, to). globalDB backs the flow-wide hash routing table.
func New(params *config.FlowParams, globalDB storage.DB, newChainDB func(from, to types.GroupIndex) storage.DB) *Flow {
	g := int(params.NumGroups)
	chains := make([][]*blockchain.Chain, g)
	for from := 0; from < g; from++ {
		chains[from] = make([]*blockchain.Chain, g)
		for to := 0; to < g; to++ {
			db := newChainDB(types.GroupIndex(from), types.GroupIndex(to))
			chains[from][to] = blockchain.New(db, params.NumGroups, types.GroupIndex(to))
		}
	}
	return &Flow{
		params:   params,
		chains:   chains,
		globalDB: globalDB,
	}
}

// OnReorg registers a callback invoked synchronously whenever a chain's
// canonical tip changes, before Add returns to its caller. Typically wired
// to MemPool.Reorg.
func (f *Flow) OnReorg(fn func(Reorg)) {
	f.onReorg = fn
}

func (f *Flow) chain(ci types.ChainIndex) (*blockchain.Chain, error) {
	g := int(f.params.NumGroups)
	if int(ci.From) >= g || int(ci.To) >= g {
		return nil, fmt.Errorf("blockflow: chain index %s out of range for %d groups", ci, g)
	}
	return f.chains[ci.From][ci.To], nil
}

func (f *Flow) recordChainIndex(h types.Hash, ci types.ChainIndex) error {
	data, err := json.Marshal(ci)
	if err != nil {
		return err
	}
	return f.globalDB.Put(append(append([]byte{}, prefixChainIndex...), h[:]...), data)
}

// ChainIndexOf returns the ChainIndex a previously added hash belongs to.
func (f *Flow) ChainIndexOf(h types.Hash) (types.ChainIndex, bool) {
	data, err := f.globalDB.Get(append(append([]byte{}, prefixChainIndex...), h[:]...))
	if err != nil {
		return types.ChainIndex{}, false
	}
	var ci types.ChainIndex
	if json.Unmarshal(data, &ci) != nil {
		return types.ChainIndex{}, false
	}
	return ci, true
}

// GetHeader fetches a header given only its hash, routing through the
// global hash->ChainIndex table.
func (f *Flow) GetHeader(h types.Hash) (*block.Header, error) {
	ci, ok := f.ChainIndexOf(h)
	if !ok {
		return nil, hashchain.ErrNotFound
	}
	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	return c.GetHeader(h)
}

// GetBlock fetches a full block given only its hash.
func (f *Flow) GetBlock(h types.Hash) (*block.Block, error) {
	ci, ok := f.ChainIndexOf(h)
	if !ok {
		return nil, hashchain.ErrNotFound
	}
	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	return c.GetBlock(h)
}

// BestTip returns the current best tip hash of the given chain.
func (f *Flow) BestTip(ci types.ChainIndex) (types.Hash, error) {
	c, err := f.chain(ci)
	if err != nil {
		return types.Hash{}, err
	}
	return c.GetBestTip()
}

// groupBestTip returns the best tip across every chain (g, *) for group g,
// used to pick the inter-group deps for a new block.
func (f *Flow) groupBestTip(g types.GroupIndex) (types.Hash, error) {
	var best types.Hash
	var bestWeight *big.Int
	found := false

	for to := types.GroupIndex(0); int(to) < int(f.params.NumGroups); to++ {
		c, err := f.chain(types.ChainIndex{From: g, To: to})
		if err != nil {
			return types.Hash{}, err
		}
		tip, err := c.GetBestTip()
		if err != nil {
			continue
		}
		w, err := c.Weight(tip)
		if err != nil {
			continue
		}
		if !found || w.Cmp(bestWeight) > 0 || (w.Cmp(bestWeight) == 0 && tip.String() < best.String()) {
			best, bestWeight, found = tip, w, true
		}
	}
	if !found {
		return types.Hash{}, hashchain.ErrNotFound
	}
	return best, nil
}

// Weight returns the cumulative DAG weight recorded for h.
func (f *Flow) Weight(h types.Hash) (*big.Int, error) {
	ci, ok := f.ChainIndexOf(h)
	if !ok {
		return nil, hashchain.ErrNotFound
	}
	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	return c.Weight(h)
}

func (f *Flow) height(h types.Hash) (uint64, error) {
	ci, ok := f.ChainIndexOf(h)
	if !ok {
		return 0, hashchain.ErrNotFound
	}
	c, err := f.chain(ci)
	if err != nil {
		return 0, err
	}
	return c.Height(h)
}

// ancestorSet computes the transitive closure of h's DAG parents (its
// BlockDeps, which already include the intra-group parent as the last
// entry) down to and including minHeight. Used for cross-chain LCA lookup:
// unlike a single-chain parent walk, a block's true DAG ancestors span
// every chain its deps touch.
func (f *Flow) ancestorSet(h types.Hash, minHeight uint64) (map[types.Hash]bool, error) {
	seen := map[types.Hash]bool{}
	queue := []types.Hash{h}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		height, err := f.height(cur)
		if err != nil {
			continue // Unknown ancestor (e.g. genesis's own zero deps); stop expanding.
		}
		if height <= minHeight {
			continue
		}
		hdr, err := f.GetHeader(cur)
		if err != nil {
			continue
		}
		for _, dep := range hdr.BlockDeps {
			if !dep.IsZero() && !seen[dep] {
				queue = append(queue, dep)
			}
		}
	}
	return seen, nil
}

// lca finds the highest-weight hash common to both a and b's ancestor sets.
// ok is false when the two hashes share no locally known ancestor, which is
// expected (not an error) whenever dep still points at another chain's own
// untouched genesis: spec.md §3 gives every one of the G*G chains its own
// parent-less genesis, so two chains that haven't yet cross-referenced each
// other have disjoint ancestor sets until their first mutual dependency.
// computeWeight treats a not-ok result as an LCA of zero weight.
func (f *Flow) lca(a, b types.Hash) (hash types.Hash, ok bool, err error) {
	if a == b {
		return a, true, nil
	}
	setA, err := f.ancestorSet(a, 0)
	if err != nil {
		return types.Hash{}, false, err
	}
	setB, err := f.ancestorSet(b, 0)
	if err != nil {
		return types.Hash{}, false, err
	}

	var best types.Hash
	var bestWeight *big.Int
	found := false
	for h := range setA {
		if !setB[h] {
			continue
		}
		w, werr := f.Weight(h)
		if werr != nil {
			continue
		}
		if !found || w.Cmp(bestWeight) > 0 {
			best, bestWeight, found = h, w, true
		}
	}
	return best, found, nil
}

// computeWeight implements weight(header) = weight(parent) + 1 + sum over
// inter-group deps of (weight(dep) - weight(lca(parent, dep))). The +1 for
// the block itself keeps a block's weight strictly above its parent's.
func (f *Flow) computeWeight(hdr *block.Header, ci types.ChainIndex) (*big.Int, error) {
	if hdr.Height == 0 {
		return big.NewInt(1), nil // Genesis weight baseline.
	}

	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	parent, ok := hdr.Parent(f.params.NumGroups, ci.To)
	if !ok {
		return nil, fmt.Errorf("blockflow: header missing intra-group parent")
	}
	parentWeight, err := c.Weight(parent)
	if err != nil {
		return nil, fmt.Errorf("blockflow: unknown parent weight: %w", err)
	}

	weight := new(big.Int).Add(parentWeight, big.NewInt(1))
	for _, dep := range hdr.InterGroupDeps(f.params.NumGroups) {
		if dep.IsZero() {
			continue
		}
		depWeight, err := f.Weight(dep)
		if err != nil {
			return nil, fmt.Errorf("blockflow: unknown dep weight: %w", err)
		}
		lcaHash, lcaOk, err := f.lca(parent, dep)
		if err != nil {
			return nil, err
		}
		lcaWeight := big.NewInt(0)
		if lcaOk {
			lcaWeight, err = f.Weight(lcaHash)
			if err != nil {
				return nil, err
			}
		}
		delta := new(big.Int).Sub(depWeight, lcaWeight)
		weight.Add(weight, delta)
	}
	return weight, nil
}

// AddBlock validates none of its own — callers run internal/validation
// first — and routes the block into its chain, recomputes the tip, and
// synchronously reports any reorg via OnReorg.
func (f *Flow) AddBlock(ci types.ChainIndex, blk *block.Block) (AddStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.chain(ci)
	if err != nil {
		return MissingDeps, err
	}

	h := blk.Header.Hash()
	exists, err := c.Contains(h)
	if err != nil {
		return MissingDeps, err
	}
	if exists {
		return AlreadyExists, nil
	}

	for _, dep := range blk.Header.BlockDeps {
		if dep.IsZero() {
			continue
		}
		if _, ok := f.ChainIndexOf(dep); !ok {
			return MissingDeps, fmt.Errorf("blockflow: missing dep %s", dep)
		}
	}

	oldTip, hadTip := types.Hash{}, true
	if t, err := c.GetBestTip(); err == nil {
		oldTip = t
	} else {
		hadTip = false
	}

	weight, err := f.computeWeight(blk.Header, ci)
	if err != nil {
		return MissingDeps, fmt.Errorf("blockflow: compute weight: %w", err)
	}

	if _, err := c.AddBlock(blk, weight); err != nil {
		if err == headerchain.ErrAlreadyExists {
			return AlreadyExists, nil
		}
		return MissingDeps, err
	}
	if err := f.recordChainIndex(h, ci); err != nil {
		return Success, err
	}

	newTip, err := c.GetBestTip()
	if err != nil {
		return Success, err
	}
	if hadTip && newTip != oldTip {
		diff, err := c.CalBlockDiff(newTip, oldTip)
		if err != nil {
			flowlog.Chain.Warn().Err(err).Str("chain", ci.String()).Msg("reorg diff computation failed")
		} else {
			forkHeight, herr := c.Height(oldTip)
			if herr == nil && len(diff.ToRemove) <= int(forkHeight)+1 {
				forkHeight -= uint64(len(diff.ToRemove))
			}
			// Record the in-flight reorg before the mempool sees it, so a crash
			// between here and the DeleteReorgCheckpoint below leaves a marker
			// RebuildFromGenesis can use to resynchronize world state at startup.
			if err := c.PutReorgCheckpoint(forkHeight, newTip); err != nil {
				flowlog.Chain.Warn().Err(err).Str("chain", ci.String()).Msg("reorg checkpoint write failed")
			}
			if f.onReorg != nil {
				f.onReorg(Reorg{ChainIndex: ci, ToRemove: diff.ToRemove, ToAdd: diff.ToAdd})
			}
			if err := c.DeleteReorgCheckpoint(); err != nil {
				flowlog.Chain.Warn().Err(err).Str("chain", ci.String()).Msg("reorg checkpoint clear failed")
			}
		}
	}

	return Success, nil
}

// BlockTemplate is the material a miner needs to assemble and seal a new
// block for chainIndex.
type BlockTemplate struct {
	ChainIndex types.ChainIndex
	Deps       []types.Hash
	Height     uint64
	Target     types.Hash
}

// PrepareBlockFlow assembles the 2G-1 best dependencies and the PoW target
// for a new block on chainIndex.
func (f *Flow) PrepareBlockFlow(ci types.ChainIndex) (*BlockTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g := f.params.NumGroups
	deps := make([]types.Hash, 0, types.NumBlockDeps(g))

	for other := types.GroupIndex(0); int(other) < int(g); other++ {
		if other == ci.From {
			continue
		}
		tip, err := f.groupBestTip(other)
		if err != nil {
			return nil, fmt.Errorf("blockflow: best tip for group %d: %w", other, err)
		}
		deps = append(deps, tip)
	}

	var parentTip types.Hash
	for k := types.GroupIndex(0); int(k) < int(g); k++ {
		c, err := f.chain(types.ChainIndex{From: ci.From, To: k})
		if err != nil {
			return nil, err
		}
		tip, err := c.GetBestTip()
		if err != nil {
			return nil, fmt.Errorf("blockflow: best tip for chain (%d,%d): %w", ci.From, k, err)
		}
		deps = append(deps, tip)
		if k == ci.To {
			parentTip = tip
		}
	}

	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	parentHeight, err := c.Height(parentTip)
	if err != nil {
		return nil, err
	}
	parentHdr, err := c.GetHeader(parentTip)
	if err != nil {
		return nil, err
	}

	var parentOfParentTs uint64
	if parentHeight > 0 {
		if pp, ok := parentHdr.Parent(g, ci.To); ok {
			if gpHdr, err := c.GetHeader(pp); err == nil {
				parentOfParentTs = gpHdr.Timestamp
			}
		}
	}

	target := nextTarget(f.params, parentHdr.Target, parentHdr.Timestamp, parentOfParentTs, parentHeight)

	return &BlockTemplate{
		ChainIndex: ci,
		Deps:       deps,
		Height:     parentHeight + 1,
		Target:     target,
	}, nil
}

// nextTarget adjusts the parent's target toward blockTargetTime, clamped to
// at most a 4x change per block and bounded by maxMiningTarget. Grounded on
// internal/consensus/pow.go's CalcNextDifficulty, adapted from a uint64
// difficulty scalar to a 256-bit big.Int target.
func nextTarget(params *config.FlowParams, parentTarget types.Hash, parentTs, grandparentTs uint64, parentHeight uint64) types.Hash {
	if parentHeight == 0 || grandparentTs == 0 || parentTs <= grandparentTs {
		return parentTarget
	}
	actual := int64(parentTs - grandparentTs)
	expected := params.BlockTargetTime
	minSpan, maxSpan := expected/4, expected*4
	if minSpan < 1 {
		minSpan = 1
	}
	if actual < minSpan {
		actual = minSpan
	}
	if actual > maxSpan {
		actual = maxSpan
	}

	cur := new(big.Int).SetBytes(parentTarget[:])
	next := new(big.Int).Mul(cur, big.NewInt(actual))
	next.Div(next, big.NewInt(expected))

	maxTarget := new(big.Int).SetBytes(params.MaxMiningTarget[:])
	if next.Cmp(maxTarget) > 0 {
		next = maxTarget
	}
	if next.Sign() <= 0 {
		next = big.NewInt(1)
	}

	var out types.Hash
	nb := next.Bytes()
	copy(out[types.HashSize-len(nb):], nb)
	return out
}

// ExpectedTarget recomputes the PoW target a new block extending parentHash
// on chainIndex should carry, independent of whether parentHash is still
// the chain's current best tip. Used by internal/validation's target check
// (spec step 6), which must hold even when validating a block that forks
// off an earlier tip.
func (f *Flow) ExpectedTarget(ci types.ChainIndex, parentHash types.Hash) (types.Hash, error) {
	c, err := f.chain(ci)
	if err != nil {
		return types.Hash{}, err
	}
	parentHeight, err := c.Height(parentHash)
	if err != nil {
		return types.Hash{}, err
	}
	parentHdr, err := c.GetHeader(parentHash)
	if err != nil {
		return types.Hash{}, err
	}

	var grandparentTs uint64
	if parentHeight > 0 {
		if pp, ok := parentHdr.Parent(f.params.NumGroups, ci.To); ok {
			if gpHdr, err := c.GetHeader(pp); err == nil {
				grandparentTs = gpHdr.Timestamp
			}
		}
	}

	return nextTarget(f.params, parentHdr.Target, parentHdr.Timestamp, grandparentTs, parentHeight), nil
}

// GetHashesAfter walks forward from locator in its own chain, for sync.
func (f *Flow) GetHashesAfter(ci types.ChainIndex, locator types.Hash, limit int) ([]types.Hash, error) {
	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	return c.GetHashesAfter(locator, limit)
}

// AllChainIndexes returns every one of the G*G chain indexes this flow owns,
// for callers (startup recovery, explorer backends) that need to iterate the
// whole grid rather than a single chain.
func (f *Flow) AllChainIndexes() []types.ChainIndex {
	g := int(f.params.NumGroups)
	out := make([]types.ChainIndex, 0, g*g)
	for from := 0; from < g; from++ {
		for to := 0; to < g; to++ {
			out = append(out, types.ChainIndex{From: types.GroupIndex(from), To: types.GroupIndex(to)})
		}
	}
	return out
}

// ReorgCheckpoint reports whether chainIndex has a reorg checkpoint left
// behind by a crash between AddBlock's checkpoint write and its clear, and
// if so the fork height and in-flight new tip it recorded.
func (f *Flow) ReorgCheckpoint(ci types.ChainIndex) (forkHeight uint64, newTip types.Hash, ok bool) {
	c, err := f.chain(ci)
	if err != nil {
		return 0, types.Hash{}, false
	}
	return c.GetReorgCheckpoint()
}

// RebuildChainFromGenesis replays every canonical block on chainIndex, from
// genesis to its current best tip, through apply. Used at startup to recover
// world state after a crash mid-reorg (see ReorgCheckpoint).
func (f *Flow) RebuildChainFromGenesis(ci types.ChainIndex, apply func(*block.Block) error) error {
	c, err := f.chain(ci)
	if err != nil {
		return err
	}
	if err := c.RebuildFromGenesis(apply); err != nil {
		return err
	}
	return c.DeleteReorgCheckpoint()
}

// BuildLocator samples a set of locator hashes between genesis and
// chainIndex's current best tip, dense near both ends and exponentially
// sparser toward the middle (see hashchain.SampleHeights), for a peer sync
// request.
func (f *Flow) BuildLocator(ci types.ChainIndex) ([]types.Hash, error) {
	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	tip, err := c.GetBestTip()
	if err != nil {
		return nil, err
	}
	return c.BuildLocator(tip)
}

// ErrInvalidFetchRange reports a FetchRequest that fails validation.
var ErrInvalidFetchRange = fmt.Errorf("blockflow: invalid fetch range")

// FetchRequest bounds a time-ranged block fetch (e.g. an explorer backfill
// or a light client catching up by wall-clock time rather than by locator).
type FetchRequest struct {
	FromTs int64
	ToTs   int64
}

// Validate checks the request's time range against maxAge (seconds; 0
// disables the upper-bound check).
func (r FetchRequest) Validate(maxAge int64) error {
	if r.ToTs < r.FromTs {
		return fmt.Errorf("%w: `toTs` cannot be before `fromTs`", ErrInvalidFetchRange)
	}
	if maxAge > 0 && r.ToTs-r.FromTs > maxAge {
		return fmt.Errorf("%w: interval cannot be greater than %ds", ErrInvalidFetchRange, maxAge)
	}
	return nil
}

// BlocksInTimeRange returns every block on chainIndex whose header
// timestamp falls in [req.FromTs, req.ToTs], walking the canonical chain
// from genesis to the current best tip. Intended for explorer-style
// backfill queries, not the hot block-add path.
func (f *Flow) BlocksInTimeRange(ci types.ChainIndex, req FetchRequest) ([]*block.Block, error) {
	if err := req.Validate(f.params.FetchMaxAge); err != nil {
		return nil, err
	}

	c, err := f.chain(ci)
	if err != nil {
		return nil, err
	}
	tip, err := c.GetBestTip()
	if err != nil {
		return nil, err
	}
	path, err := c.GetBlockHashSlice(tip)
	if err != nil {
		return nil, err
	}

	var out []*block.Block
	for _, h := range path {
		hdr, err := c.GetHeader(h)
		if err != nil {
			return nil, err
		}
		ts := int64(hdr.Timestamp)
		if ts < req.FromTs {
			continue
		}
		if ts > req.ToTs {
			break
		}
		blk, err := c.GetBlock(h)
		if err != nil {
			return nil, err
		}
		out = append(out, blk)
	}
	return out, nil
}
