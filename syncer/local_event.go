package syncer

import "github.com/meridian-labs/meridian-node/common"

// LocalEvent is fanned out from SyncManager to every PeerSession. It is
// distinct from transport.Event, which flows the other way (per-peer
// inbound messages into the manager's routing).
type LocalEvent interface{ isLocalEvent() }

// ChainstateNewTip notifies a session that chainstate accepted a new best
// block, id, while not in IBD.
type ChainstateNewTip struct {
	BlockId common.BlockId
}

func (ChainstateNewTip) isLocalEvent() {}

// MempoolNewTx notifies a session that mempool accepted a new transaction
// eligible for relay.
type MempoolNewTx struct {
	TxId common.TransactionId
}

func (MempoolNewTx) isLocalEvent() {}
