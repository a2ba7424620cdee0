// Package validation runs the ordered structural, PoW, coinbase, and
// group-membership checks that gate a header or block before it is admitted
// to internal/blockflow.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/blockflow"
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/internal/vm"
	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Header and block validation errors, checked in the order the spec lists
// them: group membership, deps, timestamp, PoW, target, then block-level
// transaction checks.
var (
	ErrInvalidGroup          = errors.New("header does not belong to the expected chain")
	ErrInvalidDepsNum        = errors.New("header has the wrong number of block deps")
	ErrInvalidDeps           = errors.New("header deps are not unique or reference itself")
	ErrInvalidTimestamp      = errors.New("header timestamp does not advance from its parent")
	ErrFutureBlock           = errors.New("header timestamp is too far in the future")
	ErrInvalidPoW            = errors.New("header hash does not satisfy its target")
	ErrInvalidTarget         = errors.New("header target does not match the expected retarget")
	ErrEmptyTransactionList  = errors.New("block has no transactions")
	ErrInvalidCoinbaseFormat = errors.New("invalid coinbase format")
	ErrInvalidCoinbaseReward = errors.New("coinbase reward does not match the expected miner reward")
	ErrInvalidTxRoot         = errors.New("tx root does not match computed merkle root")
)

// Pipeline validates headers and blocks against one BlockFlow.
type Pipeline struct {
	Params *config.FlowParams
	Flow   *blockflow.Flow
	VM     vm.Engine
	World  utxo.Set

	// Now returns the current unix time; overridable in tests for
	// deterministic FutureBlock checks.
	Now func() int64
}

// NewPipeline builds a validation pipeline over flow and world, using
// engine to execute each non-coinbase transaction.
func NewPipeline(params *config.FlowParams, flow *blockflow.Flow, engine vm.Engine, world utxo.Set) *Pipeline {
	return &Pipeline{
		Params: params,
		Flow:   flow,
		VM:     engine,
		World:  world,
		Now:    func() int64 { return time.Now().Unix() },
	}
}

// ValidateHeader runs the six header-level checks from spec §4.4 in order.
func (p *Pipeline) ValidateHeader(hdr *block.Header, ci types.ChainIndex) error {
	h := hdr.Hash()

	// 1. Group check.
	expectedTo := types.GroupOf(h, p.Params.NumGroups)
	if expectedTo != ci.To {
		return fmt.Errorf("%w: hash routes to group %d, chain is %s", ErrInvalidGroup, expectedTo, ci)
	}

	// 2. Deps count.
	want := types.NumBlockDeps(p.Params.NumGroups)
	if len(hdr.BlockDeps) != want {
		return fmt.Errorf("%w: got %d deps, want %d", ErrInvalidDepsNum, len(hdr.BlockDeps), want)
	}

	// 3. Deps unique and self-free.
	seen := make(map[types.Hash]bool, len(hdr.BlockDeps))
	for _, d := range hdr.BlockDeps {
		if d == h {
			return fmt.Errorf("%w: dep equals the header's own hash", ErrInvalidDeps)
		}
		if !d.IsZero() {
			if seen[d] {
				return fmt.Errorf("%w: duplicate dep %s", ErrInvalidDeps, d)
			}
			seen[d] = true
		}
	}

	// Genesis (height 0) has no parent to check timestamp/PoW-target continuity against.
	if hdr.Height > 0 {
		parent, ok := hdr.Parent(p.Params.NumGroups, ci.To)
		if !ok {
			return fmt.Errorf("%w: no intra-group parent dep", ErrInvalidDeps)
		}
		parentHdr, err := p.Flow.GetHeader(parent)
		if err != nil {
			return fmt.Errorf("load parent header %s: %w", parent, err)
		}

		// 4. Timestamp.
		if hdr.Timestamp <= parentHdr.Timestamp {
			return fmt.Errorf("%w: %d <= parent %d", ErrInvalidTimestamp, hdr.Timestamp, parentHdr.Timestamp)
		}
		if int64(hdr.Timestamp) > p.Now()+p.Params.MaxClockDrift {
			return fmt.Errorf("%w: %d exceeds now+%ds", ErrFutureBlock, hdr.Timestamp, p.Params.MaxClockDrift)
		}

		// 5. PoW: hash(header), read big-endian, must be < target.
		if bytes.Compare(h[:], hdr.Target[:]) >= 0 {
			return fmt.Errorf("%w: hash %s >= target %s", ErrInvalidPoW, h, hdr.Target)
		}

		// 6. Target: matches the value the flow would compute for this parent.
		expectedTarget, err := p.Flow.ExpectedTarget(ci, parent)
		if err != nil {
			return fmt.Errorf("compute expected target: %w", err)
		}
		if hdr.Target != expectedTarget {
			return fmt.Errorf("%w: got %s, want %s", ErrInvalidTarget, hdr.Target, expectedTarget)
		}

		return nil
	}

	// Genesis has no parent target to retarget against, but its PoW is
	// still checked against its own declared target.
	if bytes.Compare(h[:], hdr.Target[:]) >= 0 {
		return fmt.Errorf("%w: hash %s >= target %s", ErrInvalidPoW, h, hdr.Target)
	}

	return nil
}

// ValidateBlock runs ValidateHeader, then the block-level checks from spec
// §4.4 steps 7-11: non-empty transactions with a trailing coinbase, coinbase
// format and reward, tx root, and per-transaction UTXO/VM validation.
func (p *Pipeline) ValidateBlock(blk *block.Block, ci types.ChainIndex) error {
	if err := p.ValidateHeader(blk.Header, ci); err != nil {
		return err
	}

	if len(blk.Transactions) == 0 {
		return ErrEmptyTransactionList
	}

	// Steps 8 (coinbase format) and 10 (tx root) are already enforced by
	// block.Block.Validate's structural checks; reuse them rather than
	// re-deriving the same merkle/coinbase logic here.
	if err := blk.Validate(); err != nil {
		if errors.Is(err, block.ErrBadMerkleRoot) {
			return fmt.Errorf("%w: %v", ErrInvalidTxRoot, err)
		}
		return fmt.Errorf("%w: %v", ErrInvalidCoinbaseFormat, err)
	}

	// 9. Coinbase reward.
	coinbase := blk.Coinbase()
	wantReward := p.Params.MinerReward(blk.Header.Height)
	gotReward := coinbase.Outputs[0].Value
	if gotReward != wantReward {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidCoinbaseReward, gotReward, wantReward)
	}

	// 11. Per-tx validation (signature, UTXO existence, fee, script) against
	// the live world-state tip rather than a snapshot at the block's own
	// parent; see DESIGN.md's internal/validation entry, "Live-tip
	// simplification", for why this is sufficient here.
	lastIdx := len(blk.Transactions) - 1
	for i, t := range blk.Transactions[:lastIdx] {
		if _, err := p.VM.Execute(t, p.World); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
	}

	return nil
}
