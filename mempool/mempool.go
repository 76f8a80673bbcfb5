// Package mempool defines the MempoolService capability the sync core
// consumes and ships an in-memory adapter. Transaction validation, fee
// ranking and eviction policy are out of scope; this package only
// implements what the sync core needs: accept/reject a transaction with
// origin tracking, notify on peer disconnect, and a processed-transaction
// event feed.
package mempool

import (
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/meridian-labs/meridian-node/banscore"
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
	"github.com/meridian-labs/meridian-node/log"
)

// Sentinel errors. ErrMempoolFull and ErrTransactionAlreadyInMempool are
// ignored — neither scored nor fatal.
var (
	ErrMempoolFull                  = errors.New("mempool: full")
	ErrTransactionAlreadyInMempool  = errors.New("mempool: transaction already known")
	ErrTransactionValidationFailed  = errors.New("mempool: transaction failed validation")
)

// BanScoreInvalidTransaction is the ban score attached to a transaction
// that fails validation when it arrived from a remote peer. Local-origin
// failures are never scored.
const BanScoreInvalidTransaction = 10

// BanScoreUnsolicitedAnnounce is the ban score for a transaction
// announcement sent outside the peer's negotiated TransactionRelay service.
const BanScoreUnsolicitedAnnounce = 20

// Result is the outcome mempool reports for a processed transaction.
type Result struct {
	Err error
}

func (r Result) Ok() bool { return r.Err == nil }

// TransactionProcessed is delivered to subscribers once mempool has
// finished validating (or rejecting) a transaction.
type TransactionProcessed struct {
	TxId     common.TransactionId
	Origin   common.Origin
	Result   Result
	BanScore uint32
}

// Service is the capability interface the sync core programs against.
type Service interface {
	AddTransaction(tx types.SignedTransaction, origin common.Origin) error
	NotifyPeerDisconnected(peer common.PeerId)
	// SubscribeToEvents registers cb for every TransactionProcessed event.
	// Modeled the same way as chainstate.Service.SubscribeToEvents: a
	// callback the caller owns, never a handle back into mempool state.
	SubscribeToEvents(cb func(TransactionProcessed)) (unsubscribe func())
	// GetTransaction returns a previously accepted transaction by id, for
	// PeerSession to serialize into an AnnounceTx on a MempoolNewTx local
	// event.
	GetTransaction(id common.TransactionId) (types.SignedTransaction, bool)
}

// MemPool is a minimal in-memory Service: it accepts any transaction not
// already seen, rejects duplicates as ignored, and fans out a
// TransactionProcessed event.
type MemPool struct {
	mu      sync.Mutex
	known   mapset.Set // common.TransactionId already accepted
	txs     map[common.TransactionId]types.SignedTransaction
	byPeer  map[common.PeerId]mapset.Set
	maxSize int

	subMu   sync.Mutex
	subs    map[int]func(TransactionProcessed)
	nextSub int

	log log.Logger
}

// NewMemPool returns an empty MemPool accepting up to maxSize transactions.
func NewMemPool(maxSize int) *MemPool {
	return &MemPool{
		known:   mapset.NewSet(),
		txs:     make(map[common.TransactionId]types.SignedTransaction),
		byPeer:  make(map[common.PeerId]mapset.Set),
		maxSize: maxSize,
		subs:    make(map[int]func(TransactionProcessed)),
		log:     log.New("component", "mempool"),
	}
}

// AddTransaction validates and (if accepted) admits tx, then fans out the
// result to subscribers. The synchronous return value lets a direct local
// caller (e.g. a wallet RPC, out of scope here) get an immediate answer;
// peer-originated calls additionally rely on the fanned-out event for
// SyncManager's score-adjustment routing.
func (m *MemPool) AddTransaction(tx types.SignedTransaction, origin common.Origin) error {
	id := tx.Id()

	m.mu.Lock()
	var err error
	switch {
	case m.known.Contains(id):
		err = ErrTransactionAlreadyInMempool
	case m.known.Cardinality() >= m.maxSize:
		err = ErrMempoolFull
	default:
		m.known.Add(id)
		m.txs[id] = tx
		if !origin.IsLocal {
			peerSet, ok := m.byPeer[origin.Peer]
			if !ok {
				peerSet = mapset.NewSet()
				m.byPeer[origin.Peer] = peerSet
			}
			peerSet.Add(id)
		}
	}
	m.mu.Unlock()

	banScore := uint32(0)
	reported := err
	if err != nil && err != ErrTransactionAlreadyInMempool && err != ErrMempoolFull {
		reported = banscore.New(ErrTransactionValidationFailed, BanScoreInvalidTransaction)
		banScore = BanScoreInvalidTransaction
	}

	m.notify(TransactionProcessed{
		TxId:     id,
		Origin:   origin,
		Result:   Result{Err: reported},
		BanScore: banScore,
	})
	return err
}

// NotifyPeerDisconnected drops bookkeeping for transactions attributed to
// peer, so AddTransaction's per-peer tracking doesn't grow unboundedly
// across reconnects.
func (m *MemPool) NotifyPeerDisconnected(peer common.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byPeer, peer)
}

// GetTransaction returns the accepted transaction identified by id, if any.
func (m *MemPool) GetTransaction(id common.TransactionId) (types.SignedTransaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	return tx, ok
}

func (m *MemPool) notify(ev TransactionProcessed) {
	m.subMu.Lock()
	cbs := make([]func(TransactionProcessed), 0, len(m.subs))
	for _, cb := range m.subs {
		cbs = append(cbs, cb)
	}
	m.subMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (m *MemPool) SubscribeToEvents(cb func(TransactionProcessed)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

var _ Service = (*MemPool)(nil)
