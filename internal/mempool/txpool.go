package mempool

import (
	"sort"
	"sync"

	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// TxPool is a capacity-bounded set of transactions for one destination
// chain (g, to), ordered by descending fee-per-weight with ascending
// arrival sequence as a tiebreak. Grounded on internal/mempool/pool.go's
// Pool/findLowestFeeRate/Evict, generalized from one pool per mempool to
// one per (from, to) chain.
type TxPool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry
	maxSize int
}

func newTxPool(maxSize int) *TxPool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &TxPool{txs: make(map[types.Hash]*entry), maxSize: maxSize}
}

func (p *TxPool) has(h types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[h]
	return ok
}

func (p *TxPool) get(h types.Hash) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.txs[h]
}

func (p *TxPool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// insert adds e, evicting the lowest-priority entry if the pool is full and
// e outranks it. Returns the evicted entry, or nil if nothing was evicted.
func (p *TxPool) insert(e *entry) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted *entry
	if len(p.txs) >= p.maxSize {
		worst := p.worstLocked()
		if worst == nil || !higherPriority(worst, e) {
			// Pool is full and the new tx doesn't outrank the worst entry: no room.
			return nil
		}
		delete(p.txs, worst.txHash)
		evicted = worst
	}
	p.txs[e.txHash] = e
	return evicted
}

func (p *TxPool) remove(h types.Hash) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.txs[h]
	if !ok {
		return nil
	}
	delete(p.txs, h)
	return e
}

// worstLocked returns the lowest-priority entry. Caller must hold p.mu.
func (p *TxPool) worstLocked() *entry {
	var worst *entry
	for _, e := range p.txs {
		if worst == nil || higherPriority(e, worst) {
			worst = e
		}
	}
	return worst
}

// higherPriority reports whether b outranks a: higher fee rate first,
// lower (earlier) arrival sequence as the tiebreak.
func higherPriority(a, b *entry) bool {
	if a.feeRate != b.feeRate {
		return b.feeRate > a.feeRate
	}
	return b.seq < a.seq
}

// selectOrdered returns up to limit transactions ordered by descending
// priority (highest fee rate first, earliest arrival breaking ties).
func (p *TxPool) selectOrdered(limit int) []*entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return higherPriority(entries[j], entries[i]) })

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	return entries[:limit]
}

func (p *TxPool) hashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Hash, 0, len(p.txs))
	for h := range p.txs {
		out = append(out, h)
	}
	return out
}

func (p *TxPool) transaction(h types.Hash) *tx.Transaction {
	e := p.get(h)
	if e == nil {
		return nil
	}
	return e.tx
}
