package mempool

import (
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// entry wraps a pooled transaction with its fee, weight-normalized fee
// rate, and arrival sequence number (the TxPool ordering's tiebreak).
type entry struct {
	tx      *tx.Transaction
	txHash  types.Hash
	fee     uint64
	feeRate float64 // fee per byte of SigningBytes ("fee per weight").
	seq     uint64
}

// txIndexes is the TxIndexes structure shared across one MemPool's G
// TxPools and its PendingPool: outputIndex/inputIndex track which refs are
// claimed by in-pool transactions, addressIndex supports getRelevantUtxos.
type txIndexes struct {
	outputIndex  map[types.Outpoint]*entry   // outputs created by pooled txs, not yet spent in pool.
	inputIndex   map[types.Outpoint]*entry   // outputs spent by pooled txs.
	addressIndex map[string][]types.Outpoint // script string -> outpoints it owns in outputIndex.
}

func newTxIndexes() *txIndexes {
	return &txIndexes{
		outputIndex:  make(map[types.Outpoint]*entry),
		inputIndex:   make(map[types.Outpoint]*entry),
		addressIndex: make(map[string][]types.Outpoint),
	}
}

// isUnspentInPool reports whether op was produced by a pooled tx and has
// not also been spent by one.
func (idx *txIndexes) isUnspentInPool(op types.Outpoint) bool {
	_, produced := idx.outputIndex[op]
	_, spent := idx.inputIndex[op]
	return produced && !spent
}

// isSpentInPool reports whether op is claimed as an input by a pooled tx.
func (idx *txIndexes) isSpentInPool(op types.Outpoint) bool {
	_, spent := idx.inputIndex[op]
	return spent
}

func scriptKey(s types.Script) string {
	return string(append([]byte{byte(s.Type)}, s.Data...))
}

// add registers e's inputs and outputs in the shared indexes.
func (idx *txIndexes) add(e *entry) {
	for _, in := range e.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		idx.inputIndex[in.PrevOut] = e
	}
	for i, out := range e.tx.Outputs {
		op := types.Outpoint{TxID: e.txHash, Index: uint32(i)}
		idx.outputIndex[op] = e
		key := scriptKey(out.Script)
		idx.addressIndex[key] = append(idx.addressIndex[key], op)
	}
}

// remove unregisters e's inputs and outputs from the shared indexes.
func (idx *txIndexes) remove(e *entry) {
	for _, in := range e.tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if cur, ok := idx.inputIndex[in.PrevOut]; ok && cur.txHash == e.txHash {
			delete(idx.inputIndex, in.PrevOut)
		}
	}
	for i, out := range e.tx.Outputs {
		op := types.Outpoint{TxID: e.txHash, Index: uint32(i)}
		if cur, ok := idx.outputIndex[op]; ok && cur.txHash == e.txHash {
			delete(idx.outputIndex, op)
		}
		key := scriptKey(out.Script)
		idx.addressIndex[key] = removeOutpoint(idx.addressIndex[key], op)
	}
}

func removeOutpoint(ops []types.Outpoint, target types.Outpoint) []types.Outpoint {
	out := ops[:0:0]
	for _, op := range ops {
		if op != target {
			out = append(out, op)
		}
	}
	return out
}
