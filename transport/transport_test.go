package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian-node/syncer/message"
	"github.com/meridian-labs/meridian-node/transport"
)

func TestLinkDeliversMessagesBothWays(t *testing.T) {
	a := transport.NewHub()
	b := transport.NewHub()

	peerOfAFromB, peerOfBFromA := transport.Link(a, b, transport.ServiceBlockRelay, transport.ServiceBlockRelay, transport.V1)

	connOnB := (<-b.Events()).(transport.Connected)
	connOnA := (<-a.Events()).(transport.Connected)
	require.Equal(t, peerOfAFromB, connOnB.Peer)
	require.Equal(t, peerOfBFromA, connOnA.Peer)

	req := message.HeaderListRequest{Locator: nil}
	require.NoError(t, a.Send(context.Background(), peerOfBFromA, req))

	select {
	case got := <-connOnB.Inbound:
		require.Equal(t, message.KindHeaderListRequest, got.Kind())
	default:
		t.Fatal("expected message to already be queued on b's inbound channel")
	}

	require.NoError(t, b.Send(context.Background(), peerOfAFromB, req))

	select {
	case got := <-connOnA.Inbound:
		require.Equal(t, message.KindHeaderListRequest, got.Kind())
	default:
		t.Fatal("expected message to already be queued on a's inbound channel")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	a := transport.NewHub()
	err := a.Send(context.Background(), "nobody", message.HeaderListRequest{})
	require.ErrorIs(t, err, transport.ErrPeerNotConnected)
}

func TestUnlinkClosesBothInboundChannelsAndFiresDisconnected(t *testing.T) {
	a := transport.NewHub()
	b := transport.NewHub()
	peerOfAFromB, peerOfBFromA := transport.Link(a, b, transport.ServiceBlockRelay, transport.ServiceBlockRelay, transport.V1)
	connOnB := (<-b.Events()).(transport.Connected)
	connOnA := (<-a.Events()).(transport.Connected)

	transport.Unlink(a, b, peerOfAFromB, peerOfBFromA)

	_, open := <-connOnA.Inbound
	require.False(t, open)
	_, open = <-connOnB.Inbound
	require.False(t, open)

	da := (<-a.Events()).(transport.Disconnected)
	db := (<-b.Events()).(transport.Disconnected)
	require.Equal(t, peerOfBFromA, da.Peer)
	require.Equal(t, peerOfAFromB, db.Peer)
}

func TestMakeAnnouncementIsBestEffortOnFullBuffer(t *testing.T) {
	a := transport.NewHub()
	b := transport.NewHub()
	_, peerOfBFromA := transport.Link(a, b, transport.ServiceBlockRelay, transport.ServiceBlockRelay, transport.V1)

	require.NotPanics(t, func() {
		for i := 0; i < 300; i++ {
			a.MakeAnnouncement(message.HeaderListRequest{})
		}
	})
	_ = peerOfBFromA
}
