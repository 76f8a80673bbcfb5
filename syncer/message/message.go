// Package message defines the wire-level protocol exchanged between two
// sync-core peers: header/block request-response pairs and block/tx
// announcements, plus the binary codec that frames and encodes them.
//
// The message set and its discriminants are a stable ABI — once a Kind
// value ships it is never reassigned.
package message

import (
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
)

// Kind is the per-variant discriminant written as the first byte of every
// encoded message.
type Kind byte

const (
	KindHeaderListRequest  Kind = 1
	KindHeaderListResponse Kind = 2
	KindBlockListRequest   Kind = 3
	KindBlockResponse      Kind = 4
	KindAnnounceBlock      Kind = 5
	KindAnnounceTx         Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindHeaderListRequest:
		return "HeaderListRequest"
	case KindHeaderListResponse:
		return "HeaderListResponse"
	case KindBlockListRequest:
		return "BlockListRequest"
	case KindBlockResponse:
		return "BlockResponse"
	case KindAnnounceBlock:
		return "AnnounceBlock"
	case KindAnnounceTx:
		return "AnnounceTx"
	default:
		return "Unknown"
	}
}

// Message is the tagged union of everything a PeerSession can send or
// receive. Ping/address-book messages are handled entirely by the peer
// manager and never reach this package; Kind only ranges over what the
// sync core itself speaks.
type Message interface {
	Kind() Kind
}

// HeaderListRequest carries a locator: an ordered list of block ids from
// the sender's tip backward along exponentially increasing gaps.
type HeaderListRequest struct {
	Locator types.Locator
}

func (HeaderListRequest) Kind() Kind { return KindHeaderListRequest }

// HeaderListResponse carries the headers found following the peer's
// locator, bounded by the responder's configured header-count limit.
type HeaderListResponse struct {
	Headers []types.BlockHeader
}

func (HeaderListResponse) Kind() Kind { return KindHeaderListResponse }

// BlockListRequest asks the peer to send the bodies for a set of
// previously announced or header-synced block ids.
type BlockListRequest struct {
	Ids []common.BlockId
}

func (BlockListRequest) Kind() Kind { return KindBlockListRequest }

// BlockResponse carries a single requested block.
type BlockResponse struct {
	Block types.Block
}

func (BlockResponse) Kind() Kind { return KindBlockResponse }

// AnnounceBlock is a push notification of a new block header, distinct
// from the request/response header exchange.
type AnnounceBlock struct {
	Header types.BlockHeader
}

func (AnnounceBlock) Kind() Kind { return KindAnnounceBlock }

// AnnounceTx is a push notification of a new signed transaction.
type AnnounceTx struct {
	Tx types.SignedTransaction
}

func (AnnounceTx) Kind() Kind { return KindAnnounceTx }

// sanity check that every concrete type keeps satisfying Message.
var (
	_ Message = HeaderListRequest{}
	_ Message = HeaderListResponse{}
	_ Message = BlockListRequest{}
	_ Message = BlockResponse{}
	_ Message = AnnounceBlock{}
	_ Message = AnnounceTx{}
)
