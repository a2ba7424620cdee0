package hashchain

import (
	"math/big"
	"testing"

	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/pkg/types"
)

func hashN(n byte) types.Hash {
	var h types.Hash
	h[31] = n
	return h
}

func mustAdd(t *testing.T, c *Chain, h, parent types.Hash, height uint64, weight int64) {
	t.Helper()
	if err := c.AddHash(h, parent, height, big.NewInt(weight), true); err != nil {
		t.Fatalf("AddHash(%s): %v", h, err)
	}
}

func TestAddHash_Idempotent(t *testing.T) {
	c := New(storage.NewMemory())
	genesis := hashN(1)

	mustAdd(t, c, genesis, types.Hash{}, 0, 1)
	mustAdd(t, c, genesis, types.Hash{}, 0, 1) // re-add, no-op

	ok, err := c.Contains(genesis)
	if err != nil || !ok {
		t.Fatalf("expected genesis to be contained, got ok=%v err=%v", ok, err)
	}
	tips, err := c.GetAllTips()
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 1 || tips[0] != genesis {
		t.Errorf("expected single tip %s, got %v", genesis, tips)
	}
}

func TestAddHash_UpdatesTips(t *testing.T) {
	c := New(storage.NewMemory())
	g := hashN(1)
	a := hashN(2)

	mustAdd(t, c, g, types.Hash{}, 0, 1)
	mustAdd(t, c, a, g, 1, 2)

	tips, err := c.GetAllTips()
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 1 || tips[0] != a {
		t.Errorf("expected tip to move to %s, got %v", a, tips)
	}
}

func TestGetBestTip_WeightThenHash(t *testing.T) {
	c := New(storage.NewMemory())
	g := hashN(1)
	mustAdd(t, c, g, types.Hash{}, 0, 1)

	// Two siblings at height 1 with equal weight: smaller hash wins.
	low := hashN(2)
	high := hashN(3)
	mustAdd(t, c, high, g, 1, 2)
	mustAdd(t, c, low, g, 1, 2)

	best, err := c.GetBestTip()
	if err != nil {
		t.Fatal(err)
	}
	if best != low {
		t.Errorf("expected lexicographically smaller hash %s, got %s", low, best)
	}

	// A child of one sibling should now be the unique best tip by weight.
	child := hashN(4)
	mustAdd(t, c, child, low, 2, 3)

	best, err = c.GetBestTip()
	if err != nil {
		t.Fatal(err)
	}
	if best != child {
		t.Errorf("expected best tip %s, got %s", child, best)
	}

	tips, err := c.GetAllTips()
	if err != nil {
		t.Fatal(err)
	}
	if len(tips) != 2 {
		t.Fatalf("expected 2 remaining tips (high, child), got %v", tips)
	}
}

func TestGetBlockHashSlice(t *testing.T) {
	c := New(storage.NewMemory())
	g, a, b := hashN(1), hashN(2), hashN(3)
	mustAdd(t, c, g, types.Hash{}, 0, 1)
	mustAdd(t, c, a, g, 1, 2)
	mustAdd(t, c, b, a, 2, 3)

	path, err := c.GetBlockHashSlice(b)
	if err != nil {
		t.Fatal(err)
	}
	want := []types.Hash{g, a, b}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %s, want %s", i, path[i], want[i])
		}
	}
}

func TestGetHashesAfter(t *testing.T) {
	c := New(storage.NewMemory())
	g, a, b := hashN(1), hashN(2), hashN(3)
	mustAdd(t, c, g, types.Hash{}, 0, 1)
	mustAdd(t, c, a, g, 1, 2)
	mustAdd(t, c, b, a, 2, 3)

	after, err := c.GetHashesAfter(g, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 2 || after[0] != a || after[1] != b {
		t.Errorf("GetHashesAfter(g) = %v, want [%s %s]", after, a, b)
	}

	limited, err := c.GetHashesAfter(g, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0] != a {
		t.Errorf("GetHashesAfter(g, limit=1) = %v, want [%s]", limited, a)
	}
}

// TestCalHashDiff_LinearAncestor covers the property that diffing a block
// against its own ancestor yields an empty toRemove and a toAdd path
// exactly (ancestor, descendant].
func TestCalHashDiff_LinearAncestor(t *testing.T) {
	c := New(storage.NewMemory())
	g, a, b := hashN(1), hashN(2), hashN(3)
	mustAdd(t, c, g, types.Hash{}, 0, 1)
	mustAdd(t, c, a, g, 1, 2)
	mustAdd(t, c, b, a, 2, 3)

	diff, err := c.CalHashDiff(b, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.ToRemove) != 0 {
		t.Errorf("toRemove should be empty for an ancestor diff, got %v", diff.ToRemove)
	}
	if len(diff.ToAdd) != 1 || diff.ToAdd[0] != b {
		t.Errorf("toAdd = %v, want [%s]", diff.ToAdd, b)
	}
}

func TestCalHashDiff_Fork(t *testing.T) {
	c := New(storage.NewMemory())
	g := hashN(1)
	mustAdd(t, c, g, types.Hash{}, 0, 1)

	// Fork at g: branch A (oldTip) and branch B (newTip).
	a1 := hashN(2)
	a2 := hashN(3)
	b1 := hashN(4)
	b2 := hashN(5)
	mustAdd(t, c, a1, g, 1, 2)
	mustAdd(t, c, a2, a1, 2, 3)
	mustAdd(t, c, b1, g, 1, 2)
	mustAdd(t, c, b2, b1, 2, 3)

	diff, err := c.CalHashDiff(b2, a2)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.ToRemove) != 2 || diff.ToRemove[0] != a2 || diff.ToRemove[1] != a1 {
		t.Errorf("toRemove = %v, want [%s %s]", diff.ToRemove, a2, a1)
	}
	if len(diff.ToAdd) != 2 || diff.ToAdd[0] != b1 || diff.ToAdd[1] != b2 {
		t.Errorf("toAdd = %v, want [%s %s]", diff.ToAdd, b1, b2)
	}
}

func TestCalHashDiff_SameTip(t *testing.T) {
	c := New(storage.NewMemory())
	g := hashN(1)
	mustAdd(t, c, g, types.Hash{}, 0, 1)

	diff, err := c.CalHashDiff(g, g)
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.ToRemove) != 0 || len(diff.ToAdd) != 0 {
		t.Errorf("same-tip diff should be empty, got %+v", diff)
	}
}

func TestWeightMonotoneAlongAPath(t *testing.T) {
	c := New(storage.NewMemory())
	g, a, b := hashN(1), hashN(2), hashN(3)
	mustAdd(t, c, g, types.Hash{}, 0, 1)
	mustAdd(t, c, a, g, 1, 2)
	mustAdd(t, c, b, a, 2, 3)

	wg, _ := c.Weight(g)
	wa, _ := c.Weight(a)
	wb, _ := c.Weight(b)
	if wg.Cmp(wa) >= 0 || wa.Cmp(wb) >= 0 {
		t.Errorf("weight not monotone along path: %s < %s < %s expected", wg, wa, wb)
	}
}

func TestHeightUnknownHash(t *testing.T) {
	c := New(storage.NewMemory())
	if _, err := c.Height(hashN(99)); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSampleHeights(t *testing.T) {
	cases := []struct {
		from, to uint64
		want     []uint64
	}{
		{0, 8, []uint64{0, 1, 2, 4, 6, 7, 8}},
		{0, 9, []uint64{0, 1, 2, 4, 5, 7, 8, 9}},
		{5, 5, []uint64{5}},
	}
	for _, c := range cases {
		got := SampleHeights(c.from, c.to)
		if len(got) != len(c.want) {
			t.Fatalf("SampleHeights(%d,%d) = %v, want %v", c.from, c.to, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("SampleHeights(%d,%d) = %v, want %v", c.from, c.to, got, c.want)
			}
		}
	}
}

func TestBuildLocator_OrderedTipToGenesis(t *testing.T) {
	c := New(storage.NewMemory())
	genesis := hashN(1)
	mustAdd(t, c, genesis, types.Hash{}, 0, 1)

	prev := genesis
	for i := byte(2); i <= 10; i++ {
		h := hashN(i)
		mustAdd(t, c, h, prev, uint64(i-1), int64(i))
		prev = h
	}

	locators, err := c.BuildLocator(prev)
	if err != nil {
		t.Fatalf("BuildLocator: %v", err)
	}
	if len(locators) == 0 {
		t.Fatal("expected at least one locator")
	}
	if locators[0] != prev {
		t.Errorf("first locator should be the tip, got %s want %s", locators[0], prev)
	}
	if locators[len(locators)-1] != genesis {
		t.Errorf("last locator should be genesis, got %s want %s", locators[len(locators)-1], genesis)
	}
}
