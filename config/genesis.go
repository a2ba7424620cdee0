package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/klingon-tech/flowchain/pkg/crypto"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// CoinbaseMaturity is a suggested number of blocks a coinbase output waits
// before it is spent, to limit reorg fallout. Neither the mempool nor block
// validation reads it; coinbase outputs are spendable as soon as confirmed.
const CoinbaseMaturity uint64 = 20

// MaxTokenAmount is the maximum allowed amount for a single token output.
// Set to MaxUint64/1000 so that up to ~1000 UTXOs can be safely summed
// without overflowing uint64.
const MaxTokenAmount = math.MaxUint64 / 1000

// Block and transaction size limits (consensus-critical). These apply to
// every per-group chain in the flow.
const (
	MaxBlockSize  = 2_000_000 // 2 MB max block size (header + all tx signing bytes)
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// FlowParams holds the consensus-critical parameters of the sharded flow.
// All nodes on the same network MUST agree on these values; they are fixed
// at genesis and never change without a hard fork. This is the concrete
// form of the "implicit configuration... explicit FlowConfig record" design
// note: every component that needs G, timing, or reward data takes a
// *FlowParams rather than reading package-level globals.
type FlowParams struct {
	// NumGroups is G: the flow has G*G per-group chains and headers carry
	// 2G-1 block deps.
	NumGroups types.GroupIndex `json:"num_groups"`

	// BlockTargetTime is the desired seconds between blocks on a single
	// chain, used by blockflow's per-chain retargeting (nextTarget).
	BlockTargetTime int64 `json:"block_target_time"`

	// MaxMiningTarget bounds how easy the PoW target may become; it is the
	// genesis target and the ceiling for every retarget.
	MaxMiningTarget types.Hash `json:"max_mining_target"`

	// MaxClockDrift is how far into the future (seconds) a block timestamp
	// may be before validation.Pipeline rejects it as FutureBlock.
	MaxClockDrift int64 `json:"max_clock_drift"`

	// BlockReward is the base coinbase reward in base units.
	BlockReward uint64 `json:"block_reward"`

	// HalvingInterval is blocks between reward halvings (0 = no halving).
	HalvingInterval uint64 `json:"halving_interval,omitempty"`

	// MaxSupply caps total coin issuance across all chains (0 = unlimited).
	MaxSupply uint64 `json:"max_supply"`

	// MinFeeRate is the minimum fee rate (base units per byte of
	// SigningBytes) the mempool accepts.
	MinFeeRate uint64 `json:"min_fee_rate"`

	// FetchMaxAge bounds how wide a FetchRequest's [FromTs, ToTs] time range
	// may be, in seconds, protecting blockflow.BlocksInTimeRange from being
	// asked to walk an unbounded span of chain history in one call.
	FetchMaxAge int64 `json:"fetch_max_age"`
}

// MinerReward returns the coinbase reward for a block at the given height,
// applying HalvingInterval if configured.
func (p *FlowParams) MinerReward(height uint64) uint64 {
	if p.HalvingInterval == 0 {
		return p.BlockReward
	}
	halvings := height / p.HalvingInterval
	if halvings >= 64 {
		return 0
	}
	return p.BlockReward >> halvings
}

// Genesis holds the genesis block configuration for the flow.
// Immutable after chain launch — changes require a hard fork.
type Genesis struct {
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units), credited once
	// into the shared world-state UTXO set when genesis is bootstrapped.
	Alloc map[string]uint64 `json:"alloc"`

	Flow FlowParams `json:"flow"`
}

// MaxMiningTargetFromZeroBits returns a target with the top zeroBits bits
// cleared and the rest set — i.e. hash < target requires zeroBits leading
// zero bits. A convenience for constructing MaxMiningTarget in tests and
// genesis configs without hand-writing 32 bytes.
func MaxMiningTargetFromZeroBits(zeroBits int) types.Hash {
	var t types.Hash
	for i := range t {
		t[i] = 0xFF
	}
	fullBytes := zeroBits / 8
	remBits := zeroBits % 8
	for i := 0; i < fullBytes && i < len(t); i++ {
		t[i] = 0
	}
	if fullBytes < len(t) && remBits > 0 {
		t[fullBytes] = 0xFF >> uint(remBits)
	}
	return t
}

// MainnetGenesis returns the mainnet genesis configuration: G=4 groups,
// 64-second block target per chain, starting at a moderate difficulty.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "flowchain-mainnet-1",
		ChainName: "Flowchain Mainnet",
		Symbol:    "FLW",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Flowchain Genesis",
		Alloc: map[string]uint64{
			"kgx1a8tfl79jgres7t90tttkc7ytjmhs5lpdn5ag4l": 100_000 * Coin,
		},
		Flow: FlowParams{
			NumGroups:       4,
			BlockTargetTime: 64,
			MaxMiningTarget: MaxMiningTargetFromZeroBits(20),
			MaxClockDrift:   15,
			BlockReward:     20 * MilliCoin,
			MaxSupply:       2_000_000 * Coin,
			HalvingInterval: 0,
			MinFeeRate:      10_000,
			FetchMaxAge:     24 * 60 * 60, // 1 day
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration: fewer groups,
// faster blocks, much lower initial difficulty.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "flowchain-testnet-1"
	g.ChainName = "Flowchain Testnet"
	g.ExtraData = "Flowchain Testnet Genesis"

	g.Flow.NumGroups = 2
	g.Flow.BlockTargetTime = 8
	g.Flow.MaxMiningTarget = MaxMiningTargetFromZeroBits(8)
	g.Flow.MinFeeRate = 10

	g.Alloc = map[string]uint64{
		"tkgx13uayfwq9djh7cd5dagxtuzk3mx7r7sc9xv4h52": 200_000 * Coin,
	}

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is internally consistent.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Flow.NumGroups == 0 {
		return fmt.Errorf("flow.num_groups must be positive")
	}
	if g.Flow.BlockTargetTime <= 0 {
		return fmt.Errorf("flow.block_target_time must be positive")
	}
	if g.Flow.MaxMiningTarget.IsZero() {
		return fmt.Errorf("flow.max_mining_target must be non-zero")
	}
	if g.Flow.BlockReward == 0 {
		return fmt.Errorf("flow.block_reward must be positive")
	}

	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Flow.MaxSupply > 0 && totalAlloc > g.Flow.MaxSupply {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)", totalAlloc, g.Flow.MaxSupply)
	}

	return nil
}

// Hash returns a BLAKE3 hash of the genesis configuration, used to detect
// genesis mismatches between peers before they exchange any blocks.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
