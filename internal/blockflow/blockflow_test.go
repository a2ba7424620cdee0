package blockflow

import (
	"errors"
	"strings"
	"testing"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

func testParams(numGroups types.GroupIndex) *config.FlowParams {
	var maxTarget types.Hash
	for i := range maxTarget {
		maxTarget[i] = 0xff
	}
	return &config.FlowParams{
		NumGroups:       numGroups,
		BlockTargetTime: 60,
		MaxMiningTarget: maxTarget,
	}
}

func newTestFlow(numGroups types.GroupIndex) *Flow {
	params := testParams(numGroups)
	return New(params, storage.NewMemory(), func(from, to types.GroupIndex) storage.DB {
		return storage.NewMemory()
	})
}

var testTs uint64 = 1700000000

func nextTs() uint64 {
	testTs += 100
	return testTs
}

func coinbaseTx(salt byte) *tx.Transaction {
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: []byte{salt},
		}},
		Outputs: []tx.Output{{Value: 1000, Script: types.Script{Type: types.ScriptTypeP2PKH}}},
	}
}

// seedGenesis adds a height-0 block with all-zero deps to every (from,to)
// chain, so each of the G*G chains has its own parent-less genesis. The
// chain is given explicitly, not derived from the block's hash.
func seedGenesis(t *testing.T, f *Flow, numGroups types.GroupIndex) {
	t.Helper()
	deps := make([]types.Hash, types.NumBlockDeps(numGroups))
	salt := byte(0)
	for from := types.GroupIndex(0); int(from) < int(numGroups); from++ {
		for to := types.GroupIndex(0); int(to) < int(numGroups); to++ {
			salt++
			cb := coinbaseTx(salt)
			hdr := &block.Header{
				Version:    block.CurrentVersion,
				BlockDeps:  deps,
				TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
				Timestamp:  nextTs(),
				Height:     0,
			}
			blk := block.NewBlock(hdr, []*tx.Transaction{cb})
			ci := types.ChainIndex{From: from, To: to}
			status, err := f.AddBlock(ci, blk)
			if err != nil || status != Success {
				t.Fatalf("seed genesis (%d,%d): status=%v err=%v", from, to, status, err)
			}
		}
	}
}

// mineBlock uses PrepareBlockFlow to assemble a valid template (deps,
// height, target) for ci, seals it with a fresh coinbase, and adds it.
func mineBlock(t *testing.T, f *Flow, ci types.ChainIndex, salt byte) *block.Block {
	t.Helper()
	tmpl, err := f.PrepareBlockFlow(ci)
	if err != nil {
		t.Fatalf("PrepareBlockFlow(%s): %v", ci, err)
	}
	cb := coinbaseTx(salt)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  tmpl.Deps,
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  nextTs(),
		Height:     tmpl.Height,
		Target:     tmpl.Target,
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{cb})
	status, err := f.AddBlock(ci, blk)
	if err != nil {
		t.Fatalf("AddBlock(%s): %v", ci, err)
	}
	if status != Success {
		t.Fatalf("AddBlock(%s) status = %v, want Success", ci, status)
	}
	return blk
}

func TestAddBlock_SequentialWeightIncreases(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	genesisTip, err := f.BestTip(ci)
	if err != nil {
		t.Fatal(err)
	}
	genesisWeight, err := f.Weight(genesisTip)
	if err != nil {
		t.Fatal(err)
	}

	var prevWeight = genesisWeight
	for i := byte(1); i <= 4; i++ {
		blk := mineBlock(t, f, ci, 100+i)
		w, err := f.Weight(blk.Header.Hash())
		if err != nil {
			t.Fatal(err)
		}
		if w.Cmp(prevWeight) <= 0 {
			t.Fatalf("block %d: weight %s did not increase from %s", i, w, prevWeight)
		}
		prevWeight = w
	}
}

func TestAddBlock_MissingDeps(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	var bogus types.Hash
	bogus[0] = 0xaa
	deps := make([]types.Hash, types.NumBlockDeps(2))
	deps[0] = bogus

	cb := coinbaseTx(200)
	hdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  deps,
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  nextTs(),
		Height:     1,
	}
	blk := block.NewBlock(hdr, []*tx.Transaction{cb})

	status, err := f.AddBlock(ci, blk)
	if status != MissingDeps || err == nil {
		t.Errorf("AddBlock with unknown dep: status=%v err=%v, want MissingDeps", status, err)
	}
}

func TestAddBlock_AlreadyExists(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	blk := mineBlock(t, f, ci, 1)

	status, err := f.AddBlock(ci, blk)
	if err != nil {
		t.Fatal(err)
	}
	if status != AlreadyExists {
		t.Errorf("re-add status = %v, want AlreadyExists", status)
	}
}

func TestAddBlock_ReorgFiresOnTipChange(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	var reorgs []Reorg
	f.OnReorg(func(r Reorg) { reorgs = append(reorgs, r) })

	ci := types.ChainIndex{From: 0, To: 0}

	// Two siblings built from the same (pre-fork) template: equal height,
	// equal weight, different hashes. Whichever sibling wins the tie (the
	// smaller hash) becomes the chain's current tip; the other sits as an uncle.
	tmpl, err := f.PrepareBlockFlow(ci)
	if err != nil {
		t.Fatal(err)
	}
	siblingHeader := func(salt byte) *block.Header {
		cb := coinbaseTx(salt)
		return &block.Header{
			Version:    block.CurrentVersion,
			BlockDeps:  append([]types.Hash(nil), tmpl.Deps...),
			TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
			Timestamp:  nextTs(),
			Height:     tmpl.Height,
			Target:     tmpl.Target,
		}
	}
	aHdr, bHdr := siblingHeader(10), siblingHeader(20)
	aBlk := block.NewBlock(aHdr, []*tx.Transaction{coinbaseTx(10)})
	bBlk := block.NewBlock(bHdr, []*tx.Transaction{coinbaseTx(20)})

	if status, err := f.AddBlock(ci, aBlk); err != nil || status != Success {
		t.Fatalf("add sibling A: status=%v err=%v", status, err)
	}
	if status, err := f.AddBlock(ci, bBlk); err != nil || status != Success {
		t.Fatalf("add sibling B: status=%v err=%v", status, err)
	}

	tip, err := f.BestTip(ci)
	if err != nil {
		t.Fatal(err)
	}
	var loser *block.Block
	switch tip {
	case aBlk.Header.Hash():
		loser = bBlk
	case bBlk.Header.Hash():
		loser = aBlk
	default:
		t.Fatalf("best tip %s matches neither sibling", tip)
	}
	reorgsBeforeChild := len(reorgs)

	// Build a child on top of the losing sibling: same inter-group and
	// (0,1) intra deps as the template, but its own (0,0) parent dep
	// replaced with the loser's hash.
	// tmpl.Deps for G=2 is [inter-group tip, intra dep to=0, intra dep to=1];
	// index 1 is this chain's own parent dep.
	childDeps := append([]types.Hash(nil), tmpl.Deps...)
	childDeps[1] = loser.Header.Hash()
	cb := coinbaseTx(30)
	childHdr := &block.Header{
		Version:    block.CurrentVersion,
		BlockDeps:  childDeps,
		TxRootHash: block.ComputeMerkleRoot([]types.Hash{cb.Hash()}),
		Timestamp:  nextTs(),
		Height:     tmpl.Height + 1,
		Target:     tmpl.Target,
	}
	childBlk := block.NewBlock(childHdr, []*tx.Transaction{cb})

	status, err := f.AddBlock(ci, childBlk)
	if err != nil {
		t.Fatalf("add child on loser branch: %v", err)
	}
	if status != Success {
		t.Fatalf("add child status = %v, want Success", status)
	}

	newTip, err := f.BestTip(ci)
	if err != nil {
		t.Fatal(err)
	}
	if newTip != childBlk.Header.Hash() {
		t.Fatalf("expected reorg to promote the child, tip = %s, want %s", newTip, childBlk.Header.Hash())
	}
	if len(reorgs) != reorgsBeforeChild+1 {
		t.Fatalf("expected exactly one reorg after the child extends the loser branch, got %d total", len(reorgs))
	}
	last := reorgs[len(reorgs)-1]
	if last.ChainIndex != ci {
		t.Errorf("reorg chain index = %s, want %s", last.ChainIndex, ci)
	}
	if len(last.ToAdd) == 0 || last.ToAdd[len(last.ToAdd)-1].Header.Hash() != childBlk.Header.Hash() {
		t.Errorf("reorg ToAdd should end with the child block, got %v", last.ToAdd)
	}

	if _, _, ok := f.ReorgCheckpoint(ci); ok {
		t.Error("expected reorg checkpoint to be cleared once AddBlock's reorg delivery returns")
	}
}

func TestAllChainIndexes(t *testing.T) {
	f := newTestFlow(2)
	got := f.AllChainIndexes()
	if len(got) != 4 {
		t.Fatalf("AllChainIndexes() = %v, want 4 entries for G=2", got)
	}
	seen := map[types.ChainIndex]bool{}
	for _, ci := range got {
		seen[ci] = true
	}
	for from := types.GroupIndex(0); from < 2; from++ {
		for to := types.GroupIndex(0); to < 2; to++ {
			if !seen[types.ChainIndex{From: from, To: to}] {
				t.Errorf("missing chain index (%d,%d)", from, to)
			}
		}
	}
}

func TestRebuildChainFromGenesis(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	mineBlock(t, f, ci, 40)
	mineBlock(t, f, ci, 50)

	var visited int
	err := f.RebuildChainFromGenesis(ci, func(blk *block.Block) error {
		visited++
		return nil
	})
	if err != nil {
		t.Fatalf("RebuildChainFromGenesis: %v", err)
	}
	if visited != 3 {
		t.Fatalf("visited %d blocks, want 3 (genesis + 2 mined)", visited)
	}
	if _, _, ok := f.ReorgCheckpoint(ci); ok {
		t.Error("RebuildChainFromGenesis should clear any leftover checkpoint")
	}
}

func TestBestTip_PrefersGreaterWeight(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	b1 := mineBlock(t, f, ci, 1)
	b2 := mineBlock(t, f, ci, 2)

	best, err := f.BestTip(ci)
	if err != nil {
		t.Fatal(err)
	}
	if best != b2.Header.Hash() {
		t.Errorf("BestTip = %s, want %s (b1 was %s)", best, b2.Header.Hash(), b1.Header.Hash())
	}
}

func TestChainIndexOf(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 1, To: 0}
	blk := mineBlock(t, f, ci, 7)

	got, ok := f.ChainIndexOf(blk.Header.Hash())
	if !ok || got != ci {
		t.Errorf("ChainIndexOf = (%v, %v), want (%s, true)", got, ok, ci)
	}
}

func TestExpectedTarget_MatchesTemplate(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	tmpl, err := f.PrepareBlockFlow(ci)
	if err != nil {
		t.Fatal(err)
	}
	parent, err := f.BestTip(ci)
	if err != nil {
		t.Fatal(err)
	}
	got, err := f.ExpectedTarget(ci, parent)
	if err != nil {
		t.Fatal(err)
	}
	if got != tmpl.Target {
		t.Errorf("ExpectedTarget = %s, want %s", got, tmpl.Target)
	}
}

func TestFetchRequest_ValidateRejectsBackwardsRange(t *testing.T) {
	req := FetchRequest{FromTs: 42, ToTs: 1}
	err := req.Validate(0)
	if err == nil || !errors.Is(err, ErrInvalidFetchRange) {
		t.Fatalf("expected ErrInvalidFetchRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "`toTs` cannot be before `fromTs`") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestFetchRequest_ValidateRejectsTooWideInterval(t *testing.T) {
	req := FetchRequest{FromTs: 0, ToTs: 1000}
	err := req.Validate(100)
	if err == nil || !errors.Is(err, ErrInvalidFetchRange) {
		t.Fatalf("expected ErrInvalidFetchRange, got %v", err)
	}
	if !strings.Contains(err.Error(), "interval cannot be greater than") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestFetchRequest_ValidateAccepts(t *testing.T) {
	req := FetchRequest{FromTs: 0, ToTs: 50}
	if err := req.Validate(100); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBlocksInTimeRange(t *testing.T) {
	f := newTestFlow(2)
	seedGenesis(t, f, 2)

	ci := types.ChainIndex{From: 0, To: 0}
	b1 := mineBlock(t, f, ci, 100)
	b2 := mineBlock(t, f, ci, 200)

	blocks, err := f.BlocksInTimeRange(ci, FetchRequest{FromTs: int64(b1.Header.Timestamp), ToTs: int64(b1.Header.Timestamp)})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 || blocks[0].Header.Hash() != b1.Header.Hash() {
		t.Fatalf("expected only b1 in range, got %d blocks", len(blocks))
	}

	blocks, err = f.BlocksInTimeRange(ci, FetchRequest{FromTs: 0, ToTs: int64(b2.Header.Timestamp)})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) < 3 {
		t.Fatalf("expected at least genesis+b1+b2 in full range, got %d", len(blocks))
	}
}
