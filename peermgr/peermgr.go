// Package peermgr defines the PeerManagerEvents sink the sync core reports
// misbehavior to. Connection lifecycle and the scoring-to-banning policy
// itself live in a full peer manager; this package only implements the one
// write operation the sync core needs and an in-memory recorder for tests,
// generalized from a simple peer-drop notification into "adjust score,
// ack, maybe drop."
package peermgr

import (
	"errors"
	"sync"

	"github.com/meridian-labs/meridian-node/common"
)

// ErrPeerDoesntExist is returned on the ack channel when the adjustment
// raced a disconnect. It is never scored and never fatal.
var ErrPeerDoesntExist = errors.New("peermgr: peer does not exist")

// ScoreAdjustment is one (peer, delta) ban-score event, with an ack channel
// the sink can use to report ErrPeerDoesntExist. Resolved in favor of a
// fire-and-forget sender: callers never block waiting for the ack.
type ScoreAdjustment struct {
	Peer common.PeerId
	Score uint32
	Ack  chan<- error
}

// Sink is the capability interface PeerSession/SyncManager send score
// adjustments to. AdjustPeerScore is a direct call that returns an ack
// channel; callers are free to ignore the ack and never wait on it.
type Sink interface {
	AdjustPeerScore(peer common.PeerId, score uint32) <-chan error
}

// MemScorer is an in-memory Sink recording cumulative scores per peer, for
// tests and for driving a simple ban decision without a full peer manager.
type MemScorer struct {
	mu        sync.Mutex
	scores    map[common.PeerId]uint32
	known     map[common.PeerId]struct{}
	banAt     uint32
	onBan     func(common.PeerId)
}

// NewMemScorer returns a MemScorer that knows about the given peers and
// invokes onBan (if non-nil) once a peer's cumulative score reaches banAt.
func NewMemScorer(banAt uint32, onBan func(common.PeerId)) *MemScorer {
	return &MemScorer{
		scores: make(map[common.PeerId]uint32),
		known:  make(map[common.PeerId]struct{}),
		banAt:  banAt,
		onBan:  onBan,
	}
}

// RegisterPeer makes peer known to the scorer so future adjustments
// succeed instead of reporting ErrPeerDoesntExist.
func (s *MemScorer) RegisterPeer(peer common.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[peer] = struct{}{}
}

// UnregisterPeer drops peer's bookkeeping, simulating a disconnect raced
// against an in-flight AdjustPeerScore call.
func (s *MemScorer) UnregisterPeer(peer common.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, peer)
	delete(s.scores, peer)
}

func (s *MemScorer) AdjustPeerScore(peer common.PeerId, score uint32) <-chan error {
	ack := make(chan error, 1)

	s.mu.Lock()
	if _, ok := s.known[peer]; !ok {
		s.mu.Unlock()
		ack <- ErrPeerDoesntExist
		return ack
	}
	s.scores[peer] += score
	total := s.scores[peer]
	s.mu.Unlock()

	ack <- nil
	if s.onBan != nil && total >= s.banAt {
		s.onBan(peer)
	}
	return ack
}

// ScoreOf returns the cumulative score recorded for peer, for test
// assertions.
func (s *MemScorer) ScoreOf(peer common.PeerId) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[peer]
}

var _ Sink = (*MemScorer)(nil)
