// Package node wires storage, blockflow, the mempool, validation, and P2P
// transport into one running daemon. It owns no consensus logic of its
// own — blockflow decides DAG weight, validation gates every header and
// block, and mempool tracks pending transactions; this package only
// schedules the goroutines that move blocks and transactions between them.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-tech/flowchain/config"
	"github.com/klingon-tech/flowchain/internal/blockflow"
	klog "github.com/klingon-tech/flowchain/internal/flowlog"
	"github.com/klingon-tech/flowchain/internal/mempool"
	"github.com/klingon-tech/flowchain/internal/p2p"
	"github.com/klingon-tech/flowchain/internal/storage"
	"github.com/klingon-tech/flowchain/internal/utxo"
	"github.com/klingon-tech/flowchain/internal/validation"
	"github.com/klingon-tech/flowchain/internal/vm"
	"github.com/klingon-tech/flowchain/pkg/types"
	"github.com/rs/zerolog"
)

// defaultMaxPoolSize bounds each per-chain mempool TxPool.
const defaultMaxPoolSize = 5000

// Node is the running daemon: the G*G BlockFlow, the per-group mempools,
// the validation pipeline that gates blocks before they reach the flow,
// and the P2P transport that moves both.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	blocksDB storage.DB
	worldDB  storage.DB
	world    *utxo.Store

	flow     *blockflow.Flow
	vmEngine vm.Engine
	pipeline *validation.Pipeline
	mempool  *mempool.Manager

	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	mining   bool
	coinbase types.Address
	threads  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens storage, wires the flow/mempool/validation/P2P stack, and
// bootstraps genesis if this is a fresh data directory. The returned Node
// is not yet running — call Start.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	genesis := config.GenesisFor(cfg.Network)
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	blocksDB, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		return nil, fmt.Errorf("open blocks database: %w", err)
	}
	worldDB, err := storage.NewBadger(cfg.WorldStateDir())
	if err != nil {
		blocksDB.Close()
		return nil, fmt.Errorf("open world-state database: %w", err)
	}
	world := utxo.NewStore(worldDB)

	flow := blockflow.New(&genesis.Flow, blocksDB, func(from, to types.GroupIndex) storage.DB {
		return storage.NewPrefixDB(blocksDB, chainPrefix(from, to))
	})

	vmEngine := vm.UTXOEngine{}
	pipeline := validation.NewPipeline(&genesis.Flow, flow, vmEngine, world)
	mempoolMgr := mempool.NewManager(genesis.Flow.NumGroups, utxoAdapter{world}, defaultMaxPoolSize)
	for g := types.GroupIndex(0); int(g) < int(genesis.Flow.NumGroups); g++ {
		mempoolMgr.For(g).SetMinFeeRate(genesis.Flow.MinFeeRate)
	}
	flow.OnReorg(mempoolMgr.HandleReorg)

	n := &Node{
		cfg:      cfg,
		genesis:  genesis,
		logger:   klog.WithComponent("node"),
		blocksDB: blocksDB,
		worldDB:  worldDB,
		world:    world,
		flow:     flow,
		vmEngine: vmEngine,
		pipeline: pipeline,
		mempool:  mempoolMgr,
	}

	if err := n.bootstrapGenesis(); err != nil {
		blocksDB.Close()
		worldDB.Close()
		return nil, fmt.Errorf("bootstrap genesis: %w", err)
	}

	if err := n.recoverReorgs(); err != nil {
		blocksDB.Close()
		worldDB.Close()
		return nil, fmt.Errorf("recover reorgs: %w", err)
	}

	if cfg.Mining.Enabled {
		addr, err := resolveCoinbase(cfg.Mining.Coinbase)
		if err != nil {
			blocksDB.Close()
			worldDB.Close()
			return nil, err
		}
		n.mining = true
		n.coinbase = addr
		n.threads = cfg.Mining.Threads
		if n.threads < 1 {
			n.threads = 1
		}
	}

	genesisHash, err := genesis.Hash()
	if err != nil {
		blocksDB.Close()
		worldDB.Close()
		return nil, fmt.Errorf("hash genesis: %w", err)
	}

	n.p2pNode = p2p.New(p2p.Config{
		ListenAddr: cfg.P2P.ListenAddr,
		Port:       cfg.P2P.Port,
		Seeds:      cfg.P2P.Seeds,
		MaxPeers:   cfg.P2P.MaxPeers,
		NoDiscover: cfg.P2P.NoDiscover,
		DB:         blocksDB,
		DHTServer:  cfg.P2P.DHTServer,
		NetworkID:  genesis.ChainID,
		DataDir:    cfg.ChainDataDir(),
	})
	n.p2pNode.SetGenesisHash(genesisHash)
	n.p2pNode.SetHeightFn(n.totalHeight)
	n.p2pNode.SetBlockHandler(n.handlePeerBlock)
	n.p2pNode.SetTxHandler(n.handlePeerTx)
	n.syncer = p2p.NewSyncer(n.p2pNode)
	n.syncer.RegisterHandler(n.provideBlocks, n.provideHeaders)

	return n, nil
}

// chainPrefix namespaces one (from, to) chain's keys within the shared
// blocks database.
func chainPrefix(from, to types.GroupIndex) []byte {
	return []byte(fmt.Sprintf("c/%d/%d/", from, to))
}

// Start launches P2P networking, the peer sync loop, and — if mining is
// enabled — one block-production goroutine per chain this node owns.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.p2pNode.Start(); err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}

	worldRoot, err := utxo.Commitment(n.world)
	if err != nil {
		return fmt.Errorf("compute world-state commitment: %w", err)
	}

	n.logger.Info().
		Str("id", n.p2pNode.ID().String()).
		Int("port", n.cfg.P2P.Port).
		Str("chain_id", n.genesis.ChainID).
		Uint16("groups", uint16(n.genesis.Flow.NumGroups)).
		Str("world_root", worldRoot.String()).
		Msg("flowchain node started")

	n.wg.Add(1)
	go n.runSyncLoop()

	if n.mining {
		g := n.genesis.Flow.NumGroups
		for from := types.GroupIndex(0); int(from) < int(g); from++ {
			for to := types.GroupIndex(0); int(to) < int(g); to++ {
				ci := types.ChainIndex{From: from, To: to}
				n.wg.Add(1)
				go n.runMiner(ci)
			}
		}
	}

	return nil
}

// Stop signals every background goroutine to exit, waits for them, and
// closes storage.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.p2pNode.Stop()
	n.worldDB.Close()
	n.blocksDB.Close()
}

// totalHeight sums the current tip height across every chain this node
// tracks, used as the handshake's coarse sync-need signal.
func (n *Node) totalHeight() uint64 {
	var total uint64
	g := n.genesis.Flow.NumGroups
	for from := types.GroupIndex(0); int(from) < int(g); from++ {
		for to := types.GroupIndex(0); int(to) < int(g); to++ {
			h, err := n.chainHeight(types.ChainIndex{From: from, To: to})
			if err == nil {
				total += h
			}
		}
	}
	return total
}

func (n *Node) chainHeight(ci types.ChainIndex) (uint64, error) {
	tip, err := n.flow.BestTip(ci)
	if err != nil {
		return 0, err
	}
	hdr, err := n.flow.GetHeader(tip)
	if err != nil {
		return 0, err
	}
	return hdr.Height, nil
}

// utxoAdapter adapts utxo.Set to tx.UTXOProvider so the mempool can check
// chain-confirmed outputs without depending on the utxo package's own
// UTXO type.
type utxoAdapter struct{ set utxo.Set }

func (a utxoAdapter) GetUTXO(op types.Outpoint) (uint64, types.Script, error) {
	u, err := a.set.Get(op)
	if err != nil {
		return 0, types.Script{}, err
	}
	return u.Value, u.Script, nil
}

func (a utxoAdapter) HasUTXO(op types.Outpoint) bool {
	ok, _ := a.set.Has(op)
	return ok
}
