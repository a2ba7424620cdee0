package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/klingon-tech/flowchain/pkg/block"
	"github.com/klingon-tech/flowchain/pkg/tx"
	"github.com/klingon-tech/flowchain/pkg/types"
)

// Encoding helpers for the domain types carried inside Payloads. All
// integers are big-endian per spec; byte strings (scripts, signatures,
// pubkeys, hash lists) are varint-length-prefixed.

func appendHash(buf []byte, h types.Hash) []byte {
	return append(buf, h[:]...)
}

func readHash(buf []byte) (types.Hash, int, error) {
	if len(buf) < types.HashSize {
		return types.Hash{}, 0, fmt.Errorf("wire: truncated hash")
	}
	var h types.Hash
	copy(h[:], buf[:types.HashSize])
	return h, types.HashSize, nil
}

func appendHashList(buf []byte, hashes []types.Hash) []byte {
	buf = appendUvarint(buf, uint32(len(hashes)))
	for _, h := range hashes {
		buf = appendHash(buf, h)
	}
	return buf
}

func readHashList(buf []byte) ([]types.Hash, int, error) {
	n, off, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, off, nil
	}
	hashes := make([]types.Hash, n)
	for i := range hashes {
		h, consumed, err := readHash(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		hashes[i] = h
		off += consumed
	}
	return hashes, off, nil
}

func appendOutpoint(buf []byte, o types.Outpoint) []byte {
	buf = appendHash(buf, o.TxID)
	return binary.BigEndian.AppendUint32(buf, o.Index)
}

func readOutpoint(buf []byte) (types.Outpoint, int, error) {
	txid, off, err := readHash(buf)
	if err != nil {
		return types.Outpoint{}, 0, err
	}
	if len(buf[off:]) < 4 {
		return types.Outpoint{}, 0, fmt.Errorf("wire: truncated outpoint index")
	}
	idx := binary.BigEndian.Uint32(buf[off:])
	return types.Outpoint{TxID: txid, Index: idx}, off + 4, nil
}

func appendScript(buf []byte, s types.Script) []byte {
	buf = append(buf, byte(s.Type))
	return appendBytes(buf, s.Data)
}

func readScript(buf []byte) (types.Script, int, error) {
	if len(buf) < 1 {
		return types.Script{}, 0, fmt.Errorf("wire: truncated script type")
	}
	st := types.ScriptType(buf[0])
	data, consumed, err := readBytes(buf[1:])
	if err != nil {
		return types.Script{}, 0, err
	}
	return types.Script{Type: st, Data: data}, 1 + consumed, nil
}

func appendToken(buf []byte, tok *types.TokenData) []byte {
	if tok == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	buf = appendHash(buf, types.Hash(tok.ID))
	return binary.BigEndian.AppendUint64(buf, tok.Amount)
}

func readToken(buf []byte) (*types.TokenData, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("wire: truncated token flag")
	}
	if buf[0] == 0 {
		return nil, 1, nil
	}
	id, off, err := readHash(buf[1:])
	if err != nil {
		return nil, 0, err
	}
	off += 1
	if len(buf[off:]) < 8 {
		return nil, 0, fmt.Errorf("wire: truncated token amount")
	}
	amount := binary.BigEndian.Uint64(buf[off:])
	return &types.TokenData{ID: types.TokenID(id), Amount: amount}, off + 8, nil
}

func appendInput(buf []byte, in tx.Input) []byte {
	buf = appendOutpoint(buf, in.PrevOut)
	buf = appendBytes(buf, in.Signature)
	return appendBytes(buf, in.PubKey)
}

func readInput(buf []byte) (tx.Input, int, error) {
	prevOut, off, err := readOutpoint(buf)
	if err != nil {
		return tx.Input{}, 0, err
	}
	sig, consumed, err := readBytes(buf[off:])
	if err != nil {
		return tx.Input{}, 0, err
	}
	off += consumed
	pubkey, consumed, err := readBytes(buf[off:])
	if err != nil {
		return tx.Input{}, 0, err
	}
	off += consumed
	return tx.Input{PrevOut: prevOut, Signature: sig, PubKey: pubkey}, off, nil
}

func appendOutput(buf []byte, out tx.Output) []byte {
	buf = binary.BigEndian.AppendUint64(buf, out.Value)
	buf = appendScript(buf, out.Script)
	return appendToken(buf, out.Token)
}

func readOutput(buf []byte) (tx.Output, int, error) {
	if len(buf) < 8 {
		return tx.Output{}, 0, fmt.Errorf("wire: truncated output value")
	}
	value := binary.BigEndian.Uint64(buf)
	off := 8
	script, consumed, err := readScript(buf[off:])
	if err != nil {
		return tx.Output{}, 0, err
	}
	off += consumed
	token, consumed, err := readToken(buf[off:])
	if err != nil {
		return tx.Output{}, 0, err
	}
	off += consumed
	return tx.Output{Value: value, Script: script, Token: token}, off, nil
}

func appendTx(buf []byte, t *tx.Transaction) []byte {
	buf = binary.BigEndian.AppendUint32(buf, t.Version)
	buf = appendUvarint(buf, uint32(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf = appendInput(buf, in)
	}
	buf = appendUvarint(buf, uint32(len(t.Outputs)))
	for _, out := range t.Outputs {
		buf = appendOutput(buf, out)
	}
	return binary.BigEndian.AppendUint64(buf, t.LockTime)
}

func readTx(buf []byte) (*tx.Transaction, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("wire: truncated tx version")
	}
	version := binary.BigEndian.Uint32(buf)
	off := 4

	nIn, consumed, err := readUvarint(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	inputs := make([]tx.Input, nIn)
	for i := range inputs {
		in, consumed, err := readInput(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		inputs[i] = in
		off += consumed
	}

	nOut, consumed, err := readUvarint(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	outputs := make([]tx.Output, nOut)
	for i := range outputs {
		out, consumed, err := readOutput(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		outputs[i] = out
		off += consumed
	}

	if len(buf[off:]) < 8 {
		return nil, 0, fmt.Errorf("wire: truncated tx locktime")
	}
	lockTime := binary.BigEndian.Uint64(buf[off:])
	off += 8

	return &tx.Transaction{Version: version, Inputs: inputs, Outputs: outputs, LockTime: lockTime}, off, nil
}

func appendTxList(buf []byte, txs []*tx.Transaction) []byte {
	buf = appendUvarint(buf, uint32(len(txs)))
	for _, t := range txs {
		buf = appendTx(buf, t)
	}
	return buf
}

func readTxList(buf []byte) ([]*tx.Transaction, int, error) {
	n, off, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, off, nil
	}
	txs := make([]*tx.Transaction, n)
	for i := range txs {
		t, consumed, err := readTx(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		txs[i] = t
		off += consumed
	}
	return txs, off, nil
}

func appendHeader(buf []byte, h *block.Header) []byte {
	buf = binary.BigEndian.AppendUint32(buf, h.Version)
	buf = appendHashList(buf, h.BlockDeps)
	buf = appendHash(buf, h.TxRootHash)
	buf = binary.BigEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, h.Height)
	buf = appendHash(buf, h.Target)
	return binary.BigEndian.AppendUint64(buf, h.Nonce)
}

func readHeader(buf []byte) (*block.Header, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("wire: truncated header version")
	}
	version := binary.BigEndian.Uint32(buf)
	off := 4

	deps, consumed, err := readHashList(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed

	txRoot, consumed, err := readHash(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed

	if len(buf[off:]) < 16 {
		return nil, 0, fmt.Errorf("wire: truncated header timestamp/height")
	}
	ts := binary.BigEndian.Uint64(buf[off:])
	height := binary.BigEndian.Uint64(buf[off+8:])
	off += 16

	target, consumed, err := readHash(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed

	if len(buf[off:]) < 8 {
		return nil, 0, fmt.Errorf("wire: truncated header nonce")
	}
	nonce := binary.BigEndian.Uint64(buf[off:])
	off += 8

	return &block.Header{
		Version:    version,
		BlockDeps:  deps,
		TxRootHash: txRoot,
		Timestamp:  ts,
		Height:     height,
		Target:     target,
		Nonce:      nonce,
	}, off, nil
}

func appendHeaderList(buf []byte, headers []*block.Header) []byte {
	buf = appendUvarint(buf, uint32(len(headers)))
	for _, h := range headers {
		buf = appendHeader(buf, h)
	}
	return buf
}

func readHeaderList(buf []byte) ([]*block.Header, int, error) {
	n, off, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, off, nil
	}
	headers := make([]*block.Header, n)
	for i := range headers {
		h, consumed, err := readHeader(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		headers[i] = h
		off += consumed
	}
	return headers, off, nil
}

func appendBlock(buf []byte, b *block.Block) []byte {
	buf = appendHeader(buf, b.Header)
	return appendTxList(buf, b.Transactions)
}

func readBlockValue(buf []byte) (*block.Block, int, error) {
	hdr, off, err := readHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	txs, consumed, err := readTxList(buf[off:])
	if err != nil {
		return nil, 0, err
	}
	off += consumed
	return block.NewBlock(hdr, txs), off, nil
}

// EncodeTx serializes a single transaction using the same wire format as
// block transaction lists, for the standalone transaction-gossip topic.
func EncodeTx(t *tx.Transaction) []byte {
	return appendTx(nil, t)
}

// DecodeTx parses a single transaction previously written by EncodeTx.
func DecodeTx(buf []byte) (*tx.Transaction, error) {
	t, _, err := readTx(buf)
	return t, err
}

func appendBlockList(buf []byte, blocks []*block.Block) []byte {
	buf = appendUvarint(buf, uint32(len(blocks)))
	for _, b := range blocks {
		buf = appendBlock(buf, b)
	}
	return buf
}

func readBlockList(buf []byte) ([]*block.Block, int, error) {
	n, off, err := readUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 {
		return nil, off, nil
	}
	blocks := make([]*block.Block, n)
	for i := range blocks {
		b, consumed, err := readBlockValue(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		blocks[i] = b
		off += consumed
	}
	return blocks, off, nil
}
