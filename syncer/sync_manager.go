package syncer

import (
	"context"
	"sync"

	"github.com/meridian-labs/meridian-node/chainstate"
	"github.com/meridian-labs/meridian-node/clock"
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/config"
	"github.com/meridian-labs/meridian-node/log"
	"github.com/meridian-labs/meridian-node/mempool"
	"github.com/meridian-labs/meridian-node/peermgr"
	"github.com/meridian-labs/meridian-node/transport"
)

// localEventBuffer bounds how many ChainstateNewTip/MempoolNewTx events a
// single peer session can lag behind before SyncManager starts dropping
// them for that peer rather than blocking every other peer's delivery —
// mirrors transport.Hub's own best-effort MakeAnnouncement.
const localEventBuffer = 64

// subscriptionBuffer bounds how far SyncManager itself can lag behind
// chainstate/mempool before an event is dropped rather than stalling the
// subscriber callback, which chainstate/mempool invoke synchronously from
// their own goroutine.
const subscriptionBuffer = 256

// peerHandle is SyncManager's bookkeeping for one registered peer.
type peerHandle struct {
	session     *PeerSession
	cancel      context.CancelFunc
	localEvents chan LocalEvent
	done        chan struct{}
}

// SyncManager is the router: it owns no protocol state of its own,
// multiplexing chainstate/mempool/transport events to the peer sessions
// they concern and running each session to completion in its own
// goroutine.
type SyncManager struct {
	chain   chainstate.Service
	pool    mempool.Service
	channel transport.Channel
	scorer  peermgr.Sink
	clk     clock.TimeGetter
	cfg     config.P2PConfig
	log     log.Logger

	mu    sync.RWMutex
	peers map[common.PeerId]*peerHandle
	wg    sync.WaitGroup

	newTips     chan chainstate.NewTipEvent
	txProcessed chan mempool.TransactionProcessed

	unsubChain func()
	unsubPool  func()
}

// NewSyncManager wires chain and pool's event subscriptions into internal
// buffered channels immediately; Run must still be called to start
// consuming them and the transport's Connected/Disconnected stream.
func NewSyncManager(chain chainstate.Service, pool mempool.Service, channel transport.Channel, scorer peermgr.Sink, clk clock.TimeGetter, cfg config.P2PConfig) *SyncManager {
	sm := &SyncManager{
		chain:       chain,
		pool:        pool,
		channel:     channel,
		scorer:      scorer,
		clk:         clk,
		cfg:         cfg,
		log:         log.New("component", "sync-manager"),
		peers:       make(map[common.PeerId]*peerHandle),
		newTips:     make(chan chainstate.NewTipEvent, subscriptionBuffer),
		txProcessed: make(chan mempool.TransactionProcessed, subscriptionBuffer),
	}
	sm.unsubChain = chain.SubscribeToEvents(sm.onNewTip)
	sm.unsubPool = pool.SubscribeToEvents(sm.onTxProcessed)
	return sm
}

// onNewTip is invoked synchronously from chainstate's own goroutine; it
// only ever enqueues, never blocks chainstate.
func (sm *SyncManager) onNewTip(ev chainstate.NewTipEvent) {
	select {
	case sm.newTips <- ev:
	default:
		sm.log.Warn("dropping new-tip event, sync manager backlog full", "blockId", ev.BlockId)
	}
}

func (sm *SyncManager) onTxProcessed(ev mempool.TransactionProcessed) {
	select {
	case sm.txProcessed <- ev:
	default:
		sm.log.Warn("dropping transaction-processed event, sync manager backlog full", "txId", ev.TxId)
	}
}

// Run drives the manager until ctx is cancelled or a subsystem event
// stream closes, which is treated as fatal: chainstate, mempool and the
// transport's connection lifecycle are all relied upon to stay up for the
// sync core's own lifetime.
func (sm *SyncManager) Run(ctx context.Context) error {
	defer sm.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-sm.newTips:
			if !ok {
				return ErrChannelClosed
			}
			sm.handleNewTip(ev)

		case ev, ok := <-sm.txProcessed:
			if !ok {
				return ErrChannelClosed
			}
			sm.handleTxProcessed(ev)

		case ev, ok := <-sm.channel.Events():
			if !ok {
				return ErrChannelClosed
			}
			sm.handleTransportEvent(ctx, ev)
		}
	}
}

func (sm *SyncManager) shutdown() {
	if sm.unsubChain != nil {
		sm.unsubChain()
	}
	if sm.unsubPool != nil {
		sm.unsubPool()
	}
	sm.mu.Lock()
	handles := make([]*peerHandle, 0, len(sm.peers))
	for _, h := range sm.peers {
		handles = append(handles, h)
	}
	sm.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
	sm.wg.Wait()
}

// handleNewTip announces a new best block to every peer unless the node
// is still in initial block download, where broadcasting would only spam
// peers with headers they already know they're ahead on.
func (sm *SyncManager) handleNewTip(ev chainstate.NewTipEvent) {
	if sm.chain.IsInitialBlockDownload() {
		return
	}
	sm.broadcastLocal(ChainstateNewTip{BlockId: ev.BlockId}, "")
}

// handleTxProcessed routes a mempool outcome: a rejected, peer-originated
// transaction scores the peer that sent it; an accepted one is relayed to
// every other peer.
func (sm *SyncManager) handleTxProcessed(ev mempool.TransactionProcessed) {
	if !ev.Result.Ok() {
		if !ev.Origin.IsLocal && ev.BanScore > 0 {
			sm.scorer.AdjustPeerScore(ev.Origin.Peer, ev.BanScore)
		}
		return
	}
	sm.broadcastLocal(MempoolNewTx{TxId: ev.TxId}, ev.Origin.Peer)
}

// broadcastLocal fans ev out to every registered peer session except
// skip (the zero PeerId matches no real peer, so a zero skip broadcasts
// to everyone). Delivery is best-effort per peer, mirroring
// transport.Hub.MakeAnnouncement.
func (sm *SyncManager) broadcastLocal(ev LocalEvent, skip common.PeerId) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for id, h := range sm.peers {
		if id == skip {
			continue
		}
		select {
		case h.localEvents <- ev:
		default:
			sm.log.Warn("dropping local event for slow peer", "peer", id)
		}
	}
}

func (sm *SyncManager) handleTransportEvent(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Connected:
		sm.registerPeer(ctx, e)
	case transport.Disconnected:
		sm.unregisterPeer(e.Peer)
	}
}

// registerPeer builds a new PeerSession and runs it in its own goroutine,
// isolated from every other peer's failures. A Connected event for a
// peer_id that already has a live session is rejected rather than
// replacing the existing one: silently overwriting it would leak the
// prior session's context and goroutine and make the two sessions race
// over the same peer_id's state.
func (sm *SyncManager) registerPeer(parent context.Context, ev transport.Connected) {
	sm.mu.Lock()
	if _, exists := sm.peers[ev.Peer]; exists {
		sm.mu.Unlock()
		sm.log.Warn("duplicate peer connected event, keeping existing session", "peer", ev.Peer)
		return
	}

	ctx, cancel := context.WithCancel(parent)
	localEvents := make(chan LocalEvent, localEventBuffer)

	session := NewPeerSession(Params{
		PeerId:      ev.Peer,
		Version:     ev.Version,
		Services:    ev.Services,
		Chain:       sm.chain,
		Pool:        sm.pool,
		Channel:     sm.channel,
		Scorer:      sm.scorer,
		Clock:       sm.clk,
		Config:      sm.cfg,
		Inbound:     ev.Inbound,
		LocalEvents: localEvents,
	})

	h := &peerHandle{
		session:     session,
		cancel:      cancel,
		localEvents: localEvents,
		done:        make(chan struct{}),
	}
	sm.peers[ev.Peer] = h
	sm.mu.Unlock()

	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer close(h.done)
		if err := session.Run(ctx); err != nil {
			sm.log.Warn("peer session terminated", "peer", ev.Peer, "err", err)
		}
		sm.unregisterPeer(ev.Peer)
	}()
}

// unregisterPeer tears a session down; safe to call more than once for the
// same peer (e.g. once from Disconnected, once from the session's own
// goroutine exiting) since it's a no-op once the peer is no longer in the
// map.
func (sm *SyncManager) unregisterPeer(peer common.PeerId) {
	sm.mu.Lock()
	h, ok := sm.peers[peer]
	if ok {
		delete(sm.peers, peer)
	}
	sm.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	sm.pool.NotifyPeerDisconnected(peer)
}

// PeerCount returns the number of currently registered peers, for tests
// and metrics.
func (sm *SyncManager) PeerCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.peers)
}
