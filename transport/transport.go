// Package transport defines the MessagingChannel capability the sync core
// consumes and ships an in-process adapter for tests. Real transport — TCP,
// noise encryption, framing, handshake — is out of scope; syncer/message's
// codec already owns the wire format, so this package only needs to move
// already-decoded messages between peers.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pborman/uuid"

	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/syncer/message"
)

// ErrPeerNotConnected is returned by Send when the target peer's session
// has already been torn down.
var ErrPeerNotConnected = errors.New("transport: peer not connected")

// Services is the subset of {BlockRelay, TransactionRelay} a peer
// advertises, intersected at connection time to form a session's
// common_services.
type Services uint8

const (
	ServiceBlockRelay Services = 1 << iota
	ServiceTransactionRelay
)

func (s Services) Has(one Services) bool { return s&one != 0 }

// ProtocolVersion is the negotiated session protocol version.
type ProtocolVersion int

const (
	V1 ProtocolVersion = 1
	V2 ProtocolVersion = 2
)

// Event is the tagged union SyncManager.run() selects on alongside
// chainstate/mempool events.
type Event interface{ isTransportEvent() }

// Connected is delivered once per new session; Inbound is the stream of
// decoded messages arriving from that peer.
type Connected struct {
	Peer     common.PeerId
	Services Services
	Version  ProtocolVersion
	Inbound  <-chan message.Message
}

func (Connected) isTransportEvent() {}

// Disconnected is delivered when a peer's connection is torn down, by
// either side.
type Disconnected struct {
	Peer common.PeerId
}

func (Disconnected) isTransportEvent() {}

// Channel is the per-peer messaging capability.
type Channel interface {
	// Send delivers msg to peer's inbound stream. Returns an error if the
	// peer is no longer connected.
	Send(ctx context.Context, peer common.PeerId, msg message.Message) error
	// MakeAnnouncement broadcasts msg to every currently connected peer.
	MakeAnnouncement(msg message.Message)
	// Events is the stream of Connected/Disconnected notifications.
	Events() <-chan Event
}

// Hub is an in-process Channel implementation: it keeps a registry of
// connected peers' inbound channels and a single Events stream, letting
// tests wire two Hubs together with Link to simulate a two-node network
// without any real socket.
type Hub struct {
	mu     sync.RWMutex
	inbox  map[common.PeerId]chan message.Message
	events chan Event
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		inbox:  make(map[common.PeerId]chan message.Message),
		events: make(chan Event, 64),
	}
}

func (h *Hub) Events() <-chan Event { return h.events }

func (h *Hub) Send(ctx context.Context, peer common.PeerId, msg message.Message) error {
	h.mu.RLock()
	ch, ok := h.inbox[peer]
	h.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) MakeAnnouncement(msg message.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.inbox {
		select {
		case ch <- msg:
		default:
			// A stalled peer's inbound buffer is full; announcements are
			// best-effort and never block the broadcaster.
		}
	}
}

// announceConnected fires a Connected event carrying inbound (the channel
// this hub will read incoming messages from peer on).
func (h *Hub) announceConnected(peer common.PeerId, services Services, version ProtocolVersion, inbound <-chan message.Message) {
	h.events <- Connected{Peer: peer, Services: services, Version: version, Inbound: inbound}
}

// setOutbound records outbound as the channel Send(peer, ...) writes to —
// the other side's inbound channel.
func (h *Hub) setOutbound(peer common.PeerId, outbound chan message.Message) {
	h.mu.Lock()
	h.inbox[peer] = outbound
	h.mu.Unlock()
}

func (h *Hub) disconnect(peer common.PeerId) {
	h.mu.Lock()
	ch, ok := h.inbox[peer]
	delete(h.inbox, peer)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
	h.events <- Disconnected{Peer: peer}
}

// Link wires a and b together as peers of each other's Hub; both sides'
// Connected events carry the intersection of servicesA and servicesB as the
// session's common services, and a shared negotiated version. It returns the peer id
// each side uses to address the other (peerOfA is how b refers to a;
// peerOfB is how a refers to b). Disconnecting from either side tears down
// both ends.
func Link(a, b *Hub, servicesA, servicesB Services, version ProtocolVersion) (peerOfA, peerOfB common.PeerId) {
	peerOfA = common.PeerId(uuid.New())
	peerOfB = common.PeerId(uuid.New())

	aToB := make(chan message.Message, 256) // messages a sends, b reads
	bToA := make(chan message.Message, 256) // messages b sends, a reads

	a.setOutbound(peerOfB, aToB)
	b.setOutbound(peerOfA, bToA)

	shared := servicesA & servicesB
	b.announceConnected(peerOfA, shared, version, aToB)
	a.announceConnected(peerOfB, shared, version, bToA)

	return peerOfA, peerOfB
}

// Unlink tears down both ends of a Link.
func Unlink(a, b *Hub, peerOfA, peerOfB common.PeerId) {
	a.disconnect(peerOfB)
	b.disconnect(peerOfA)
}

var _ Channel = (*Hub)(nil)
