// Package vm specifies the embedded stateful VM as an external collaborator:
// core invokes Engine.Execute(tx, worldState) and applies the resulting
// delta. The opcode set and gas accounting live outside this module's
// scope; UTXOEngine is the reference engine that exercises the interface
// with plain UTXO-transfer semantics, grounded on pkg/tx/utxo_validate.go.
package vm

import (
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// WorldStateDelta describes the UTXO-set changes a transaction produces:
// outpoints it spends and new outputs it creates.
type WorldStateDelta struct {
	SpentOutpoints []types.Outpoint
	NewUTXOs       []*utxo.UTXO
}

// Engine executes one transaction against a read-only view of world state
// and returns the delta the caller should apply. A real engine would run
// the transaction's script against an opcode interpreter with gas
// accounting; that body is explicitly out of scope for this module.
type Engine interface {
	Execute(transaction *tx.Transaction, world utxo.Set) (*WorldStateDelta, error)
}

// UTXOEngine is the reference Engine: no script execution beyond the
// signature/fee checks tx.ValidateWithUTXOs already performs.
type UTXOEngine struct{}

// Execute validates transaction against world and computes its UTXO delta.
func (UTXOEngine) Execute(transaction *tx.Transaction, world utxo.Set) (*WorldStateDelta, error) {
	if _, err := transaction.ValidateWithUTXOs(utxoProvider{world}); err != nil {
		return nil, err
	}

	delta := &WorldStateDelta{}
	for _, in := range transaction.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		delta.SpentOutpoints = append(delta.SpentOutpoints, in.PrevOut)
	}

	txHash := transaction.Hash()
	for i, out := range transaction.Outputs {
		delta.NewUTXOs = append(delta.NewUTXOs, &utxo.UTXO{
			Outpoint: types.Outpoint{TxID: txHash, Index: uint32(i)},
			Value:    out.Value,
			Script:   out.Script,
			Token:    out.Token,
		})
	}
	return delta, nil
}

// ApplyDelta commits a WorldStateDelta to world, stamping new outputs with
// the containing block's height and coinbase status.
func ApplyDelta(world utxo.Set, delta *WorldStateDelta, height uint64, coinbase bool) error {
	for _, op := range delta.SpentOutpoints {
		if err := world.Delete(op); err != nil {
			return err
		}
	}
	for _, u := range delta.NewUTXOs {
		u.Height = height
		u.Coinbase = coinbase
		if err := world.Put(u); err != nil {
			return err
		}
	}
	return nil
}

// utxoProvider adapts utxo.Set to tx.UTXOProvider.
type utxoProvider struct{ s utxo.Set }

func (a utxoProvider) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, err := a.s.Get(op)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (a utxoProvider) HasUTXO(op types.Outpoint) bool {
	ok, _ := a.s.Has(op)
	return ok
}
