package mempool

import (
	"github.com/klingon-tech/flowchain/pkg/types"
)

// PendingPool holds transactions whose inputs reference outputs produced by
// another in-pool transaction (output-chaining): they cannot be selected
// for a block until their parent tx is itself canonical, but they must not
// be rejected outright since the parent is expected to confirm.
type PendingPool struct {
	entries map[types.Hash]*entry
	// waitingOn maps a not-yet-canonical outpoint to the pending txs that
	// spend it, so evicting or promoting the producer cascades correctly.
	waitingOn map[types.Outpoint][]types.Hash
}

func newPendingPool() *PendingPool {
	return &PendingPool{
		entries:   make(map[types.Hash]*entry),
		waitingOn: make(map[types.Outpoint][]types.Hash),
	}
}

func (pp *PendingPool) add(e *entry, waitingOn []types.Outpoint) {
	pp.entries[e.txHash] = e
	for _, op := range waitingOn {
		pp.waitingOn[op] = append(pp.waitingOn[op], e.txHash)
	}
}

func (pp *PendingPool) remove(h types.Hash) *entry {
	e, ok := pp.entries[h]
	if !ok {
		return nil
	}
	delete(pp.entries, h)
	for op, waiters := range pp.waitingOn {
		pp.waitingOn[op] = removeHash(waiters, h)
		if len(pp.waitingOn[op]) == 0 {
			delete(pp.waitingOn, op)
		}
	}
	return e
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

// dependents returns the pending txs waiting on op, if any.
func (pp *PendingPool) dependents(op types.Outpoint) []types.Hash {
	return pp.waitingOn[op]
}

// dependentsByTx returns every pending tx waiting on any output of parent,
// regardless of output index. Used when a producer tx leaves the pool and
// every one of its outputs' waiters must cascade, not just a guessed prefix
// of output indices.
func (pp *PendingPool) dependentsByTx(parent types.Hash) []types.Hash {
	var deps []types.Hash
	for op, waiters := range pp.waitingOn {
		if op.TxID != parent {
			continue
		}
		deps = append(deps, waiters...)
	}
	return deps
}

func (pp *PendingPool) has(h types.Hash) bool {
	_, ok := pp.entries[h]
	return ok
}

func (pp *PendingPool) get(h types.Hash) *entry {
	return pp.entries[h]
}

func (pp *PendingPool) count() int {
	return len(pp.entries)
}
