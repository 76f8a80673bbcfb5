package syncer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian-node/chainstate"
	"github.com/meridian-labs/meridian-node/clock"
	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/config"
	"github.com/meridian-labs/meridian-node/mempool"
	"github.com/meridian-labs/meridian-node/peermgr"
	"github.com/meridian-labs/meridian-node/syncer"
	"github.com/meridian-labs/meridian-node/syncer/message"
	"github.com/meridian-labs/meridian-node/transport"
)

// fakeChannel is a minimal transport.Channel whose Events() stream the
// test drives directly, so a duplicate Connected event for the same
// peer id can be injected without Link's random id assignment getting in
// the way.
type fakeChannel struct {
	events chan transport.Event

	mu   sync.Mutex
	sent map[common.PeerId][]message.Message
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan transport.Event, 8),
		sent:   make(map[common.PeerId][]message.Message),
	}
}

func (f *fakeChannel) Send(ctx context.Context, peer common.PeerId, msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], msg)
	return nil
}

func (f *fakeChannel) MakeAnnouncement(msg message.Message) {}

func (f *fakeChannel) Events() <-chan transport.Event { return f.events }

var _ transport.Channel = (*fakeChannel)(nil)

// connectPeer links a fresh Hub to hub under sm's management, returning the
// id sm's SyncManager will register the new peer under and the channel
// carrying whatever the registered PeerSession sends out.
func connectPeer(t *testing.T, hub, remote *transport.Hub) (common.PeerId, <-chan message.Message, func(message.Message)) {
	t.Helper()
	services := transport.ServiceBlockRelay | transport.ServiceTransactionRelay
	peerOfHub, peerOfRemote := transport.Link(hub, remote, services, services, transport.V1)

	remoteConn := (<-remote.Events()).(transport.Connected)
	require.Equal(t, peerOfHub, remoteConn.Peer)

	send := func(msg message.Message) {
		require.NoError(t, remote.Send(context.Background(), peerOfHub, msg))
	}
	return peerOfRemote, remoteConn.Inbound, send
}

func TestSyncManagerRegistersPeersFromTransportEvents(t *testing.T) {
	chain := chainstate.NewMemChain(genesisBlock())
	pool := mempool.NewMemPool(1000)
	scorer := peermgr.NewMemScorer(100, nil)
	hub := transport.NewHub()

	sm := syncer.NewSyncManager(chain, pool, hub, scorer, clock.System{}, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sm.Run(ctx) }()

	remote := transport.NewHub()
	_, remoteOut, _ := connectPeer(t, hub, remote)

	select {
	case msg := <-remoteOut:
		require.Equal(t, message.KindHeaderListRequest, msg.Kind())
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for registered peer's initial locator")
	}

	require.Eventually(t, func() bool { return sm.PeerCount() == 1 }, recvTimeout, 10*time.Millisecond)
}

func TestSyncManagerBroadcastsNewTipOutsideIBD(t *testing.T) {
	genesis := genesisBlock()
	chain := chainstate.NewMemChain(genesis)
	pool := mempool.NewMemPool(1000)
	scorer := peermgr.NewMemScorer(100, nil)
	hub := transport.NewHub()

	sm := syncer.NewSyncManager(chain, pool, hub, scorer, clock.System{}, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sm.Run(ctx) }()

	remote := transport.NewHub()
	_, remoteOut, _ := connectPeer(t, hub, remote)
	<-remoteOut // drain the initial HeaderListRequest

	b1 := childOf(genesis)
	_, err := chain.ProcessBlock(context.Background(), b1, chainstate.SourceLocal)
	require.NoError(t, err)

	select {
	case msg := <-remoteOut:
		ann, ok := msg.(message.AnnounceBlock)
		require.True(t, ok)
		require.Equal(t, b1.Id(), ann.Header.Id())
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for new-tip announcement")
	}
}

func TestSyncManagerSuppressesNewTipDuringIBD(t *testing.T) {
	genesis := genesisBlock()
	chain := chainstate.NewMemChain(genesis)
	chain.SetInitialBlockDownload(true)
	pool := mempool.NewMemPool(1000)
	scorer := peermgr.NewMemScorer(100, nil)
	hub := transport.NewHub()

	sm := syncer.NewSyncManager(chain, pool, hub, scorer, clock.System{}, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sm.Run(ctx) }()

	remote := transport.NewHub()
	_, remoteOut, _ := connectPeer(t, hub, remote)
	<-remoteOut // drain the initial HeaderListRequest

	b1 := childOf(genesis)
	_, err := chain.ProcessBlock(context.Background(), b1, chainstate.SourceLocal)
	require.NoError(t, err)

	select {
	case msg := <-remoteOut:
		t.Fatalf("unexpected message during IBD: %v", msg.Kind())
	case <-time.After(200 * time.Millisecond):
		// expected: nothing sent while IBD is in progress.
	}
}

func TestSyncManagerRejectsDuplicatePeerRegistration(t *testing.T) {
	chain := chainstate.NewMemChain(genesisBlock())
	pool := mempool.NewMemPool(1000)
	scorer := peermgr.NewMemScorer(100, nil)
	ch := newFakeChannel()

	sm := syncer.NewSyncManager(chain, pool, ch, scorer, clock.System{}, config.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sm.Run(ctx) }()

	peer := common.PeerId("dup-peer")
	first := make(chan message.Message)
	ch.events <- transport.Connected{Peer: peer, Services: transport.ServiceBlockRelay, Version: transport.V1, Inbound: first}

	require.Eventually(t, func() bool { return sm.PeerCount() == 1 }, recvTimeout, 10*time.Millisecond)

	second := make(chan message.Message)
	ch.events <- transport.Connected{Peer: peer, Services: transport.ServiceBlockRelay, Version: transport.V1, Inbound: second}

	// Give the manager a chance to process the duplicate; the peer count
	// must not change and the original session must not have been
	// replaced.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, sm.PeerCount())

	// Closing the original session's inbound stream ends that session,
	// whose exit unregisters the peer id.
	close(first)
	require.Eventually(t, func() bool { return sm.PeerCount() == 0 }, recvTimeout, 10*time.Millisecond)
}
