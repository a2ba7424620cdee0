package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/klingon-tech/flowchain/pkg/crypto"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Header contains block metadata for one chain in the flow DAG.
//
// BlockDeps holds 2G-1 entries for a G-group flow: the first G-1 are the
// best tip of every other group at the time this block was built (the
// inter-group deps), and the last G are the intra-group deps, one per chain
// (from, *) in "to" order — the one at index "to" among them is this chain's
// own parent (see Parent).
type Header struct {
	Version    uint32       `json:"version"`
	BlockDeps  []types.Hash `json:"block_deps"`
	TxRootHash types.Hash   `json:"tx_root_hash"`
	Timestamp  uint64       `json:"timestamp"`
	Height     uint64       `json:"height"`
	Target     types.Hash   `json:"target"` // 256-bit PoW target, big-endian.
	Nonce      uint64       `json:"nonce"`
}

// headerJSON mirrors Header for JSON purposes; kept distinct so future
// binary-only fields don't leak into the wire-facing encoding.
type headerJSON struct {
	Version    uint32       `json:"version"`
	BlockDeps  []types.Hash `json:"block_deps"`
	TxRootHash types.Hash   `json:"tx_root_hash"`
	Timestamp  uint64       `json:"timestamp"`
	Height     uint64       `json:"height"`
	Target     types.Hash   `json:"target"`
	Nonce      uint64       `json:"nonce"`
}

// MarshalJSON encodes the header.
func (h *Header) MarshalJSON() ([]byte, error) {
	return json.Marshal(headerJSON{
		Version:    h.Version,
		BlockDeps:  h.BlockDeps,
		TxRootHash: h.TxRootHash,
		Timestamp:  h.Timestamp,
		Height:     h.Height,
		Target:     h.Target,
		Nonce:      h.Nonce,
	})
}

// UnmarshalJSON decodes a header.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.BlockDeps = j.BlockDeps
	h.TxRootHash = j.TxRootHash
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.Target = j.Target
	h.Nonce = j.Nonce
	return nil
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes used for hashing.
// Format: version(4) | dep_count(4) | [dep(32)]... | tx_root(32) | timestamp(8) | height(8) | target(32) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 4+4+len(h.BlockDeps)*types.HashSize+32+8+8+32+8)
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.BlockDeps)))
	for _, d := range h.BlockDeps {
		buf = append(buf, d[:]...)
	}
	buf = append(buf, h.TxRootHash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = append(buf, h.Target[:]...)
	buf = binary.BigEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// InterGroupDeps returns the first G-1 entries of BlockDeps (the best tips
// of every other group).
func (h *Header) InterGroupDeps(numGroups types.GroupIndex) []types.Hash {
	n := int(numGroups) - 1
	if n <= 0 || n > len(h.BlockDeps) {
		return nil
	}
	return h.BlockDeps[:n]
}

// IntraGroupDeps returns the last G entries of BlockDeps (one per chain
// (from, *)).
func (h *Header) IntraGroupDeps(numGroups types.GroupIndex) []types.Hash {
	n := int(numGroups) - 1
	if n < 0 || n > len(h.BlockDeps) {
		return nil
	}
	return h.BlockDeps[n:]
}

// Parent returns this header's intra-group parent: the intra-group dep for
// its own "to" chain. chainTo is the index of this chain within the from
// group's G intra-group chains (0..G-1).
func (h *Header) Parent(numGroups types.GroupIndex, chainTo types.GroupIndex) (types.Hash, bool) {
	intra := h.IntraGroupDeps(numGroups)
	if int(chainTo) >= len(intra) {
		return types.Hash{}, false
	}
	return intra[chainTo], true
}
