// Package coin defines the shared vocabulary of the ledger: the block and
// transaction types, their coordinates in the UTXO set, and the relational
// rows the persistent store keeps for them. Every other foundation/blockchain
// package imports coin; coin imports none of them.
package coin

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash is the 32 byte identity used for blocks and transactions. It is kept
// as an alias of chainhash.Hash rather than a home grown array so every
// package in this module agrees, byte for byte, on how a hash prints,
// compares, and (de)serializes.
type Hash = chainhash.Hash

// ZeroHash is the null hash used as the previous-outpoint of a coinbase
// input and as the previous-hash of the genesis block.
var ZeroHash Hash

// =============================================================================

// BlockHeader is the common information every block carries, independent of
// its transaction list.
type BlockHeader struct {
	Version    int32
	PrevHash   Hash
	MerkleRoot Hash
	TimeStamp  uint32
	Bits       uint32 // compact difficulty target.
	Nonce      uint32
}

// Hash returns the block identity, computed over the header only so a
// pruned node can validate the chain from headers alone.
func (h BlockHeader) Hash() Hash {
	return chainhash.DoubleHashH(h.serialize())
}

func (h BlockHeader) serialize() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, h.Version)
	buf.Write(h.PrevHash[:])
	buf.Write(h.MerkleRoot[:])
	_ = binary.Write(&buf, binary.LittleEndian, h.TimeStamp)
	_ = binary.Write(&buf, binary.LittleEndian, h.Bits)
	_ = binary.Write(&buf, binary.LittleEndian, h.Nonce)
	return buf.Bytes()
}

// BlockRef is the BlockTree's view of a header: just enough to place it in
// the forest and rank it against its siblings. Identity is Hash.
type BlockRef struct {
	Version   int32
	Hash      Hash
	PrevHash  Hash
	TimeStamp uint32
	Bits      uint32
}

// RefFromHeader projects the fields BlockTree cares about out of a full
// header.
func RefFromHeader(h BlockHeader) BlockRef {
	return BlockRef{
		Version:   h.Version,
		Hash:      h.Hash(),
		PrevHash:  h.PrevHash,
		TimeStamp: h.TimeStamp,
		Bits:      h.Bits,
	}
}

// Block is a full header plus its ordered transactions. Transactions[0] is
// always the coinbase.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// Hash returns the block identity (the header hash).
func (b Block) Hash() Hash {
	return b.Header.Hash()
}

// Coinbase returns the block's coinbase transaction.
func (b Block) Coinbase() (Transaction, error) {
	if len(b.Transactions) == 0 {
		return Transaction{}, fmt.Errorf("block %s has no transactions", b.Hash())
	}
	return b.Transactions[0], nil
}

// =============================================================================

// Outpoint identifies a single output of a transaction: the coordinate used
// as the key of every coin in the spendables trie and the unspents table.
type Outpoint struct {
	Hash  Hash
	Index uint32
}

// String renders the outpoint the way block explorers do, hash:index.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Hash, o.Index)
}

// Less orders outpoints lexicographically by hash then index, the ordering
// SpendablesTrie keys its leaves by.
func (o Outpoint) Less(other Outpoint) bool {
	if c := bytes.Compare(o.Hash[:], other.Hash[:]); c != 0 {
		return c < 0
	}
	return o.Index < other.Index
}

// IsNull reports whether this is the null outpoint used by coinbase inputs.
func (o Outpoint) IsNull() bool {
	return o.Hash == ZeroHash && o.Index == ^uint32(0)
}

// NullOutpoint is the previous-outpoint every coinbase input carries.
var NullOutpoint = Outpoint{Hash: ZeroHash, Index: ^uint32(0)}

// Output is a single spendable slot of a transaction: a value in minor units
// locked by a script.
type Output struct {
	Value  int64
	Script []byte
}

// Input references a previous output it intends to spend, plus the
// unlocking script and sequence number.
type Input struct {
	PrevOutpoint Outpoint
	SigScript    []byte
	Sequence     uint32
}

// Transaction is version, locktime, and ordered inputs/outputs. A coinbase
// transaction has exactly one input whose PrevOutpoint is the null outpoint.
type Transaction struct {
	Version  int32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// IsCoinbase reports whether this transaction is a block's coinbase.
func (t Transaction) IsCoinbase() bool {
	return len(t.Inputs) == 1 && t.Inputs[0].PrevOutpoint.IsNull()
}

// Hash implements merkle.Hashable, giving every transaction its identity and
// letting a block's transaction list be folded into a single merkle root.
func (t Transaction) Hash() ([]byte, error) {
	h := chainhash.DoubleHashH(t.serialize())
	return h[:], nil
}

// Equals implements merkle.Hashable. Two transactions are the same
// transaction if they serialize identically.
func (t Transaction) Equals(other Transaction) bool {
	return bytes.Equal(t.serialize(), other.serialize())
}

// TxHash is a convenience wrapper returning Hash rather than a raw byte
// slice, for callers that are not satisfying the merkle.Hashable interface.
func (t Transaction) TxHash() Hash {
	h, _ := t.Hash()
	var out Hash
	copy(out[:], h)
	return out
}

func (t Transaction) serialize() []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, t.Version)

	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(t.Inputs)))
	for _, in := range t.Inputs {
		buf.Write(in.PrevOutpoint.Hash[:])
		_ = binary.Write(&buf, binary.LittleEndian, in.PrevOutpoint.Index)
		buf.Write(in.SigScript)
		_ = binary.Write(&buf, binary.LittleEndian, in.Sequence)
	}

	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(t.Outputs)))
	for _, out := range t.Outputs {
		_ = binary.Write(&buf, binary.LittleEndian, out.Value)
		buf.Write(out.Script)
	}

	_ = binary.Write(&buf, binary.LittleEndian, t.LockTime)
	return buf.Bytes()
}

// =============================================================================

// Confirmation binds a Transaction to its containing block. Coinbase
// confirmations use ID = -BlockCount, guaranteeing uniqueness without a
// sequence allocation shared with regular transactions.
type Confirmation struct {
	ID       int64
	Version  int32
	LockTime uint32
	Count    uint64
	Index    uint32
}

// IsCoinbase reports whether this confirmation belongs to a coinbase
// transaction, detectable from the sign of ID alone.
func (c Confirmation) IsCoinbase() bool {
	return c.ID < 0
}

// CoinbaseConfirmationID computes the ID a coinbase confirmation at the
// given block height takes: the negation of the block count.
func CoinbaseConfirmationID(blockCount uint64) int64 {
	return -int64(blockCount)
}

// Unspent is a materialized UTXO row. SignedCount is BlockCount for regular
// outputs and -BlockCount for coinbase outputs, so count < 0 selects every
// coinbase, and adding count < M - T (maturity M, tip count T) narrows that
// range to the immature ones.
type Unspent struct {
	CoinID         int64
	Outpoint       Outpoint
	Value          int64
	Script         []byte
	SignedCount    int64
	ConfirmationID int64
}

// IsCoinbase reports whether this unspent coin came from a coinbase output.
func (u Unspent) IsCoinbase() bool {
	return u.SignedCount < 0
}

// BlockCount returns the unsigned block count this coin was created at,
// regardless of whether it is a coinbase output.
func (u Unspent) BlockCount() uint64 {
	if u.SignedCount < 0 {
		return uint64(-u.SignedCount)
	}
	return uint64(u.SignedCount)
}

// Spending is an archived UTXO consumption: everything Unspent carried, plus
// the unlocking signature, sequence, and the confirmation that consumed it.
// Kept so a reorg can resurrect the coin and so historical blocks can be
// reconstructed from the store alone.
type Spending struct {
	Unspent
	SigScript       []byte
	Sequence        uint32
	ConsumingConfID int64
}

// =============================================================================

// BlockLocator is a sparse list of block hashes used to find a common fork
// point with a peer or to bound historical queries. Empty of networking
// concerns here; engine.GetBestLocator builds one per §6's algorithm.
type BlockLocator []Hash
