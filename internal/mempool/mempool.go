// Package mempool manages pending transactions waiting for block inclusion.
//
// A MemPool is scoped to one sender group g: it owns G TxPools (one per
// destination chain (g, *)), a shared PendingPool for output-chained
// transactions, and the TxIndexes both structures read and write. Manager
// owns one MemPool per group and routes blockflow.Reorg events to the
// right one.
package mempool

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klingon-tech/flowchain/internal/blockflow"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// AddResult reports where AddNewTx placed a transaction.
type AddResult int

const (
	AddedToSharedPool AddResult = iota
	AddedToLocalPool
)

func (r AddResult) String() string {
	if r == AddedToLocalPool {
		return "AddedToLocalPool"
	}
	return "AddedToSharedPool"
}

// Mempool errors.
var (
	ErrDoubleSpending = errors.New("double spending")
	ErrPoolFull       = errors.New("pool full")
	ErrInvalid        = errors.New("invalid transaction")
)

// MemPool holds unconfirmed transactions sent from one group.
type MemPool struct {
	mu sync.Mutex

	group     types.GroupIndex
	numGroups types.GroupIndex

	pools   []*TxPool // pools[to], one per destination chain (group, to).
	pending *PendingPool
	indexes *txIndexes

	utxos      tx.UTXOProvider
	policy     *Policy
	minFeeRate uint64
	seq        uint64
}

// New creates a MemPool for sender group, owning numGroups TxPools sized
// maxPoolSize each, validating transactions against utxos (the canonical
// world-state snapshot).
func New(group, numGroups types.GroupIndex, utxos tx.UTXOProvider, maxPoolSize int) *MemPool {
	pools := make([]*TxPool, numGroups)
	for i := range pools {
		pools[i] = newTxPool(maxPoolSize)
	}
	return &MemPool{
		group:     group,
		numGroups: numGroups,
		pools:     pools,
		pending:   newPendingPool(),
		indexes:   newTxIndexes(),
		utxos:     utxos,
		policy:    DefaultPolicy(),
	}
}

// SetMinFeeRate sets the minimum accepted fee rate (base units per byte).
func (m *MemPool) SetMinFeeRate(rate uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minFeeRate = rate
}

// AddNewTx validates and routes transaction into the shared pool for
// chainIndex.To, or the pending pool if it chains onto another pooled tx's
// output. chainIndex.From must equal this MemPool's group.
func (m *MemPool) AddNewTx(chainIndex types.ChainIndex, transaction *tx.Transaction) (AddResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chainIndex.From != m.group {
		return 0, fmt.Errorf("%w: tx routed to group %d, mempool owns group %d", ErrInvalid, chainIndex.From, m.group)
	}
	if int(chainIndex.To) >= len(m.pools) {
		return 0, fmt.Errorf("%w: chain index %s out of range", ErrInvalid, chainIndex)
	}

	if err := m.policy.Check(transaction); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	txHash := transaction.Hash()

	// Double-spend check: any input already claimed as spent in the pool.
	var chainedOn []types.Outpoint
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if m.indexes.isSpentInPool(in.PrevOut) {
			return 0, fmt.Errorf("%w: input %s already spent in pool", ErrDoubleSpending, in.PrevOut)
		}
		if m.indexes.isUnspentInPool(in.PrevOut) {
			chainedOn = append(chainedOn, in.PrevOut)
		}
	}

	fee, err := transaction.ValidateWithUTXOs(poolProvider{pool: m, chained: chainedOn})
	if err != nil && len(chainedOn) == 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	sigBytes := len(transaction.SigningBytes())
	var feeRate float64
	if sigBytes > 0 {
		feeRate = float64(fee) / float64(sigBytes)
	}
	if m.minFeeRate > 0 && len(chainedOn) == 0 {
		required := m.minFeeRate * uint64(sigBytes)
		if fee < required {
			return 0, fmt.Errorf("%w: fee %d below required %d", ErrInvalid, fee, required)
		}
	}

	m.seq++
	e := &entry{tx: transaction, txHash: txHash, fee: fee, feeRate: feeRate, seq: m.seq}

	if len(chainedOn) > 0 {
		m.pending.add(e, chainedOn)
		return AddedToLocalPool, nil
	}

	evicted := m.pools[chainIndex.To].insert(e)
	if evicted == nil && m.pools[chainIndex.To].get(txHash) == nil {
		return 0, ErrPoolFull
	}
	if evicted != nil {
		m.indexes.remove(evicted)
		m.cascadeEvict(evicted.txHash)
	}
	m.indexes.add(e)
	return AddedToSharedPool, nil
}

// cascadeEvict removes any pending transactions that depended on parent's
// outputs, since parent just left the pool.
func (m *MemPool) cascadeEvict(parent types.Hash) {
	for _, h := range m.pending.dependentsByTx(parent) {
		if e := m.pending.remove(h); e != nil {
			m.cascadeEvict(h)
		}
	}
}

// CollectForBlock returns up to maxN highest-priority transactions from the
// pool for chainIndex whose inputs are all still present in the world
// state, skipping conflicts with already-selected transactions.
func (m *MemPool) CollectForBlock(chainIndex types.ChainIndex, maxN int) []*tx.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chainIndex.From != m.group || int(chainIndex.To) >= len(m.pools) {
		return nil
	}

	candidates := m.pools[chainIndex.To].selectOrdered(0)
	spent := make(map[types.Outpoint]bool)
	result := make([]*tx.Transaction, 0, maxN)

	for _, e := range candidates {
		if maxN > 0 && len(result) >= maxN {
			break
		}
		ok := true
		for _, in := range e.tx.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if spent[in.PrevOut] || !m.utxos.HasUTXO(in.PrevOut) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for _, in := range e.tx.Inputs {
			if !in.PrevOut.IsZero() {
				spent[in.PrevOut] = true
			}
		}
		result = append(result, e.tx)
	}
	return result
}

// Reorg implements the mempool side of a chain reorg for one chain: first
// transactions leaving the canonical chain (toRemove) return to the pool,
// then transactions entering it (toAdd) are removed. Order matters: adding
// back first avoids spurious double-spend rejections for a tx that appears
// on both branches.
func (m *MemPool) Reorg(chainIndex types.ChainIndex, toRemove, toAdd []*tx.Transaction) (added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chainIndex.From != m.group {
		return 0, 0
	}

	for _, t := range toRemove {
		if _, err := m.addBackLocked(chainIndex, t); err == nil {
			added++
		}
	}
	for _, t := range toAdd {
		h := t.Hash()
		if e := m.pools[chainIndex.To].remove(h); e != nil {
			m.indexes.remove(e)
			m.cascadeEvict(h)
			removed++
		}
		if e := m.pending.remove(h); e != nil {
			removed++
			_ = e
		}
	}
	return added, removed
}

// addBackLocked re-admits a transaction that left the canonical chain.
// Caller must hold m.mu.
func (m *MemPool) addBackLocked(chainIndex types.ChainIndex, t *tx.Transaction) (AddResult, error) {
	h := t.Hash()
	if m.pools[chainIndex.To].has(h) || m.pending.has(h) {
		return 0, fmt.Errorf("%w: already pooled", ErrInvalid)
	}
	m.seq++
	sigBytes := len(t.SigningBytes())
	e := &entry{tx: t, txHash: h, seq: m.seq}
	if sigBytes > 0 {
		e.feeRate = 0 // Fee unknown without re-validating; ranked last.
	}
	m.pools[chainIndex.To].insert(e)
	m.indexes.add(e)
	return AddedToSharedPool, nil
}

// UpdatePendingPool scans the pending pool and promotes any transaction
// whose inputs are now present in the canonical world state, returning the
// promoted transactions.
func (m *MemPool) UpdatePendingPool(chainIndexTo types.GroupIndex) []*tx.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var promoted []*tx.Transaction
	for h, e := range m.pending.entries {
		ready := true
		for _, in := range e.tx.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if !m.utxos.HasUTXO(in.PrevOut) {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		m.pending.remove(h)
		m.pools[chainIndexTo].insert(e)
		m.indexes.add(e)
		promoted = append(promoted, e.tx)
	}
	return promoted
}

// Has reports whether txHash is in the shared pools or the pending pool.
func (m *MemPool) Has(txHash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending.has(txHash) {
		return true
	}
	for _, p := range m.pools {
		if p.has(txHash) {
			return true
		}
	}
	return false
}

// Count returns the total number of pooled transactions across all shared
// pools and the pending pool.
func (m *MemPool) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.pending.count()
	for _, p := range m.pools {
		n += p.count()
	}
	return n
}

// GetRelevantUtxos unions chain-confirmed UTXOs for lockupScript with
// mempool-added outputs for the same script, excluding any the mempool has
// marked spent. utxosInBlock is the canonical set already confirmed.
func (m *MemPool) GetRelevantUtxos(lockupScript types.Script, utxosInBlock []types.Outpoint) []types.Outpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[types.Outpoint]bool, len(utxosInBlock))
	out := make([]types.Outpoint, 0, len(utxosInBlock))
	for _, op := range utxosInBlock {
		if m.indexes.isSpentInPool(op) {
			continue
		}
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}

	key := scriptKey(lockupScript)
	for _, op := range m.indexes.addressIndex[key] {
		if m.indexes.isSpentInPool(op) {
			continue
		}
		if !seen[op] {
			seen[op] = true
			out = append(out, op)
		}
	}
	return out
}

// poolProvider adapts a MemPool's chained-on outpoints plus the canonical
// UTXO provider so ValidateWithUTXOs can see in-pool ancestors as spendable
// during the double-spend/fee check.
type poolProvider struct {
	pool    *MemPool
	chained []types.Outpoint
}

func (p poolProvider) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	if e, ok := p.pool.indexes.outputIndex[op]; ok {
		idx := int(op.Index)
		if idx < len(e.tx.Outputs) {
			out := e.tx.Outputs[idx]
			return out.Value, out.Script, nil
		}
	}
	return 0, types.Script{}, fmt.Errorf("%w: %s", errOutpointNotFound, op)
}

func (p poolProvider) HasUTXO(op types.Outpoint) bool {
	if _, ok := p.pool.indexes.outputIndex[op]; ok {
		return true
	}
	return p.pool.utxos.HasUTXO(op)
}

var errOutpointNotFound = errors.New("outpoint not found")

// Manager owns one MemPool per group and wires blockflow reorg events to
// the mempool of the chain's sender group.
type Manager struct {
	pools []*MemPool
	seq   uint64
}

// NewManager creates a Manager with one MemPool per group.
func NewManager(numGroups types.GroupIndex, utxos tx.UTXOProvider, maxPoolSize int) *Manager {
	pools := make([]*MemPool, numGroups)
	for g := range pools {
		pools[g] = New(types.GroupIndex(g), numGroups, utxos, maxPoolSize)
	}
	return &Manager{pools: pools}
}

// For returns the MemPool owning the given sender group.
func (mgr *Manager) For(group types.GroupIndex) *MemPool {
	return mgr.pools[group]
}

// HandleReorg is the blockflow.Reorg callback: it routes the event to the
// MemPool whose group owns the reorged chain.
func (mgr *Manager) HandleReorg(r blockflow.Reorg) {
	atomic.AddUint64(&mgr.seq, 1)
	pool := mgr.For(r.ChainIndex.From)
	pool.Reorg(r.ChainIndex, nonCoinbaseTxs(r.ToRemove), nonCoinbaseTxs(r.ToAdd))
}

// nonCoinbaseTxs flattens a block diff's non-coinbase transactions; coinbase
// outputs never re-enter the mempool since they aren't spendable inputs
// anyone else already holds an unconfirmed tx against.
func nonCoinbaseTxs(blocks []*block.Block) []*tx.Transaction {
	var out []*tx.Transaction
	for _, b := range blocks {
		if len(b.Transactions) == 0 {
			continue
		}
		out = append(out, b.Transactions[:len(b.Transactions)-1]...)
	}
	return out
}
