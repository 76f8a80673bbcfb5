package syncer

import (
	"errors"

	"github.com/meridian-labs/meridian-node/banscore"
)

// Ban score assigned to a protocol-rule violation. All protocol errors
// share one score here; a production node could tune these independently,
// but the sync core's own contract only requires that exactly one penalty
// is issued per violation, not a specific magnitude.
const BanScoreProtocolViolation = 20

// SyncStallingBanScore is applied when requested_blocks times out without
// a matching BlockResponse.
const SyncStallingBanScore = 20

// Scored protocol errors: ban-scored but the session survives.
var (
	ErrLocatorSizeExceeded      = protoErr("locator exceeds msg_max_locator_count")
	ErrHeadersLimitExceeded     = protoErr("header response exceeds msg_header_count_limit")
	ErrDisconnectedHeaders      = protoErr("header list is not a connected chain")
	ErrZeroBlocksInRequest      = protoErr("block list request is empty")
	ErrBlocksRequestLimitExceeded = protoErr("block list request exceeds max_request_blocks_count")
	ErrUnknownBlockRequested    = protoErr("requested block is not locally known")
	ErrDuplicatedBlockRequest   = protoErr("requested block already at or below best known height")
	ErrUnexpectedMessage        = protoErr("message not valid in the peer's current state")
	ErrSyncStalling             = banscore.New(errors.New("syncer: requested blocks timed out"), SyncStallingBanScore)
)

func protoErr(msg string) error {
	return banscore.New(errors.New("syncer: "+msg), BanScoreProtocolViolation)
}

// Fatal errors: the session terminates and is unregistered; they are
// never scored.
var (
	ErrChannelClosed    = errors.New("syncer: channel closed")
	ErrSubsystemFailure = errors.New("syncer: subsystem failure")
)

// unexpectedMessage builds a scored error naming which message was out of
// place, without needing a distinct error value per call site.
func unexpectedMessage(what string) error {
	return banscore.New(errors.New("syncer: unexpected message: "+what), BanScoreProtocolViolation)
}
