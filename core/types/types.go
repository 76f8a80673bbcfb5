// Package types defines the minimal block/transaction shapes the sync core
// touches. Full consensus fields (state roots, signatures over the PoS
// slot, reward outputs, ...) belong to chainstate and are out of scope
// here — the sync core only needs enough of a header/block/transaction to
// route, hash and order them.
package types

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridian-labs/meridian-node/common"
)

// BlockHeader is the part of a block the sync core exchanges during
// header-first sync: just enough to link blocks into a chain and check
// basic ordering before committing to downloading the full body.
type BlockHeader struct {
	PrevId    common.BlockId
	Height    common.Height
	Timestamp time.Time
	// MerkleRoot commits to the block's transaction set; opaque to the
	// sync core, forwarded to chainstate for validation.
	MerkleRoot common.Hash
}

// Id derives the block id from the header using a double-SHA256, reusing
// btcd's chainhash helper rather than hand-rolling one.
func (h BlockHeader) Id() common.BlockId {
	return common.HashFromChainhash(chainhash.DoubleHashH(encodeHeader(h)))
}

func encodeHeader(h BlockHeader) []byte {
	b := make([]byte, 0, common.HashLength+8+8+common.HashLength)
	b = append(b, h.PrevId[:]...)
	b = appendUint64(b, uint64(h.Height))
	b = appendUint64(b, uint64(h.Timestamp.Unix()))
	b = append(b, h.MerkleRoot[:]...)
	return b
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * uint(i)))
	}
	return append(b, tmp[:]...)
}

// Block is a header plus its transaction body.
type Block struct {
	Header       BlockHeader
	Transactions []SignedTransaction
}

// Id is the block's header id.
func (b Block) Id() common.BlockId { return b.Header.Id() }

// SignedTransaction is a transaction plus its witness data. The sync core
// never interprets the payload or signature; it only needs an id to track
// mempool relay.
type SignedTransaction struct {
	Payload   []byte
	Signature []byte
}

// Id derives the transaction id from its encoded payload and signature.
func (t SignedTransaction) Id() common.TransactionId {
	buf := make([]byte, 0, len(t.Payload)+len(t.Signature))
	buf = append(buf, t.Payload...)
	buf = append(buf, t.Signature...)
	return common.HashFromChainhash(chainhash.DoubleHashH(buf))
}

// Locator is a sparse list of block ids (tip, tip-1, tip-2, tip-4, ...)
// used to find the most recent common ancestor with a peer. Constructed
// exclusively by ChainstateService.GetLocator — nothing in the sync core
// builds one directly.
type Locator []common.BlockId
