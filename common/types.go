// Package common holds the small set of primitive types shared by every
// package in the sync core: content-addressed ids, chain heights and peer
// identifiers. Nothing here is consensus-specific — it exists so that
// chainstate, mempool, transport and syncer can agree on a wire-level
// vocabulary without importing each other.
package common

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// HashLength is the size in bytes of a Hash.
const HashLength = chainhash.HashSize

// Hash is a 32-byte content id, used both for block ids and transaction ids.
type Hash [HashLength]byte

// BlockId identifies a block by the hash of its header.
type BlockId = Hash

// TransactionId identifies a signed transaction by the hash of its body.
type TransactionId = Hash

// BytesToHash right-aligns b into a Hash, truncating from the left if b is
// longer than HashLength.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)
	return h
}

// HashFromChainhash adapts a btcd chainhash.Hash, reused here for its
// well-tested double-SHA256 id derivation rather than hand-rolling one.
func HashFromChainhash(h chainhash.Hash) Hash {
	return Hash(h)
}

// IsZero reports whether h is the all-zero hash, used as the sentinel
// "unknown" / "genesis parent" id.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String renders the hash as lowercase hex with no 0x prefix.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a copy of the underlying bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// Height is a block height in the main chain, genesis = 0.
type Height uint64

// PeerId identifies a connected peer for the lifetime of its session.
type PeerId string

func (p PeerId) String() string { return string(p) }

// Origin distinguishes locally generated data from data received from a
// specific remote peer, used by mempool/chainstate to decide whether a
// validation failure is punishable.
type Origin struct {
	IsLocal bool
	Peer    PeerId
}

// LocalOrigin marks data as locally generated.
func LocalOrigin() Origin { return Origin{IsLocal: true} }

// RemoteOrigin marks data as received from peer id.
func RemoteOrigin(id PeerId) Origin { return Origin{IsLocal: false, Peer: id} }

// ShouldPropagate reports whether transactions/blocks arriving from this
// origin are eligible for further relay. Locally generated data and
// remotely received data both propagate by default; the distinction exists
// so that callers can special-case origins that must never re-propagate
// (e.g. data recovered from local storage on restart).
func (o Origin) ShouldPropagate() bool { return true }

func (o Origin) String() string {
	if o.IsLocal {
		return "local"
	}
	return fmt.Sprintf("peer(%s)", o.Peer)
}
