package validation

import (
	"errors"
	"testing"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/blockflow"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/internal/vm"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

func maxTarget() types.Hash {
	var h types.Hash
	for i := range h {
		h[i] = 0xff
	}
	return h
}

func testParams(numGroups types.GroupIndex) *config.FlowParams {
	return &config.FlowParams{
		NumGroups:       numGroups,
		BlockTargetTime: 60,
		MaxMiningTarget: maxTarget(),
		MaxClockDrift:   600,
		BlockReward:     1000,
	}
}

func newFlow(params *config.FlowParams) *blockflow.Flow {
	return blockflow.New(params, storage.NewMemory(), func(from, to types.GroupIndex) storage.DB {
		return storage.NewMemory()
	})
}

func newPipeline(params *config.FlowParams, flow *blockflow.Flow, now int64) *Pipeline {
	p := NewPipeline(params, flow, vm.UTXOEngine{}, utxo.NewStore(storage.NewMemory()))
	p.Now = func() int64 { return now }
	return p
}

func coinbaseTx(salt byte, reward uint64) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: []byte{salt},
		}},
		Outputs: []tx.Output{{Value: reward, Script: types.Script{Type: types.ScriptTypeP2PKH}}},
	}
}

// genesisFor builds and registers a height-0 block in flow for numGroups,
// returning the block and the ChainIndex it was routed to (derived from its
// own hash, so the group-membership check always passes).
func genesisFor(t *testing.T, flow *blockflow.Flow, numGroups types.GroupIndex, salt byte) (*block.Block, types.ChainIndex) {
	t.Helper()
	deps := make([]types.Hash, types.NumBlockDeps(numGroups))
	cb := coinbaseTx(salt, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  deps,
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000000,
		Height:     0,
		Target:     maxTarget(),
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{cb})
	h := hdr.Hash()
	ci := types.ChainIndex{From: 0, To: types.GroupOf(h, numGroups)}
	status, err := flow.AddBlock(ci, blk)
	if err != nil || status != blockflow.Success {
		t.Fatalf("seed genesis: status=%v err=%v", status, err)
	}
	return blk, ci
}

func TestValidateHeader_Valid(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	cb := coinbaseTx(2, 1000)
	child := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000010,
		Height:     1,
		Target:     maxTarget(),
	}
	childCi := types.ChainIndex{From: ci.From, To: types.GroupOf(child.Hash(), 1)}
	if err := p.ValidateHeader(child, childCi); err != nil {
		t.Errorf("ValidateHeader: %v", err)
	}
}

func TestValidateHeader_InvalidGroup(t *testing.T) {
	params := testParams(2)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	deps := make([]types.Hash, types.NumBlockDeps(2))
	cb := coinbaseTx(1, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  deps,
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000000,
		Height:     0,
		Target:     maxTarget(),
	}
	correctGroup := types.GroupOf(hdr.Hash(), 2)
	wrongGroup := (correctGroup + 1) % 2
	ci := types.ChainIndex{From: 0, To: wrongGroup}

	if err := p.ValidateHeader(hdr, ci); !errors.Is(err, ErrInvalidGroup) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidGroup", err)
	}
}

func TestValidateHeader_InvalidDepsNum(t *testing.T) {
	params := testParams(2)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	cb := coinbaseTx(1, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{{}}, // NumBlockDeps(2) == 3, this has 1.
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000000,
		Height:     0,
		Target:     maxTarget(),
	}
	ci := types.ChainIndex{From: 0, To: types.GroupOf(hdr.Hash(), 2)}

	if err := p.ValidateHeader(hdr, ci); !errors.Is(err, ErrInvalidDepsNum) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidDepsNum", err)
	}
}

func TestValidateHeader_DuplicateDeps(t *testing.T) {
	params := testParams(2)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	dup := types.Hash{1, 2, 3}
	cb := coinbaseTx(1, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{dup, dup, {}},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000000,
		Height:     0,
		Target:     maxTarget(),
	}
	ci := types.ChainIndex{From: 0, To: types.GroupOf(hdr.Hash(), 2)}

	if err := p.ValidateHeader(hdr, ci); !errors.Is(err, ErrInvalidDeps) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidDeps", err)
	}
}

func TestValidateHeader_TimestampNotIncreasing(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	cb := coinbaseTx(2, 1000)
	child := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  genesis.Header.Timestamp, // not strictly greater.
		Height:     1,
		Target:     maxTarget(),
	}
	childCi := types.ChainIndex{From: ci.From, To: types.GroupOf(child.Hash(), 1)}

	if err := p.ValidateHeader(child, childCi); !errors.Is(err, ErrInvalidTimestamp) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidTimestamp", err)
	}
}

func TestValidateHeader_FutureBlock(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700000001) // now is right after genesis.

	genesis, ci := genesisFor(t, flow, 1, 1)

	cb := coinbaseTx(2, 1000)
	child := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  genesis.Header.Timestamp + uint64(params.MaxClockDrift) + 1000,
		Height:     1,
		Target:     maxTarget(),
	}
	childCi := types.ChainIndex{From: ci.From, To: types.GroupOf(child.Hash(), 1)}

	if err := p.ValidateHeader(child, childCi); !errors.Is(err, ErrFutureBlock) {
		t.Errorf("ValidateHeader: got %v, want ErrFutureBlock", err)
	}
}

func TestValidateHeader_InvalidTarget(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	// Just below maxTarget: PoW (checked first) still passes, but the
	// expected retarget for a child of genesis is the parent's maxTarget.
	wrongTarget := maxTarget()
	wrongTarget[len(wrongTarget)-1] = 0xfe

	cb := coinbaseTx(2, 1000)
	child := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000010,
		Height:     1,
		Target:     wrongTarget, // does not match the expected retarget.
	}
	childCi := types.ChainIndex{From: ci.From, To: types.GroupOf(child.Hash(), 1)}

	if err := p.ValidateHeader(child, childCi); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidTarget", err)
	}
}

func TestValidateHeader_InvalidPoW(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	cb := coinbaseTx(1, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{{}},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000000,
		Height:     0,
		Target:     types.Hash{}, // zero target: no nonzero hash satisfies PoW against it.
	}
	ci := types.ChainIndex{From: 0, To: types.GroupOf(hdr.Hash(), 1)}

	if err := p.ValidateHeader(hdr, ci); !errors.Is(err, ErrInvalidPoW) {
		t.Errorf("ValidateHeader: got %v, want ErrInvalidPoW", err)
	}
}

func TestValidateBlock_Valid(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	cb := coinbaseTx(2, 1000)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000010,
		Height:     1,
		Target:     maxTarget(),
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{cb})
	blkCi := types.ChainIndex{From: ci.From, To: types.GroupOf(hdr.Hash(), 1)}

	if err := p.ValidateBlock(blk, blkCi); err != nil {
		t.Errorf("ValidateBlock: %v", err)
	}
}

func TestValidateBlock_EmptyTransactions(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: types.Hash{},
		Timestamp:  1700000010,
		Height:     1,
		Target:     maxTarget(),
	}
	blk := block.NewBlock(hdr, nil)
	blkCi := types.ChainIndex{From: ci.From, To: types.GroupOf(hdr.Hash(), 1)}

	if err := p.ValidateBlock(blk, blkCi); !errors.Is(err, ErrEmptyTransactionList) {
		t.Errorf("ValidateBlock: got %v, want ErrEmptyTransactionList", err)
	}
}

func TestValidateBlock_BadCoinbaseReward(t *testing.T) {
	params := testParams(1)
	flow := newFlow(params)
	p := newPipeline(params, flow, 1700001000)

	genesis, ci := genesisFor(t, flow, 1, 1)

	cb := coinbaseTx(2, 500) // wrong reward, params.BlockReward is 1000.
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  []types.Hash{genesis.Header.Hash()},
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  1700000010,
		Height:     1,
		Target:     maxTarget(),
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{cb})
	blkCi := types.ChainIndex{From: ci.From, To: types.GroupOf(hdr.Hash(), 1)}

	if err := p.ValidateBlock(blk, blkCi); !errors.Is(err, ErrInvalidCoinbaseReward) {
		t.Errorf("ValidateBlock: got %v, want ErrInvalidCoinbaseReward", err)
	}
}
