package peermgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/peermgr"
)

func TestAdjustPeerScoreAccumulatesUntilBan(t *testing.T) {
	var banned common.PeerId
	s := peermgr.NewMemScorer(10, func(p common.PeerId) { banned = p })
	peer := common.PeerId("peer-1")
	s.RegisterPeer(peer)

	require.NoError(t, <-s.AdjustPeerScore(peer, 4))
	require.Equal(t, uint32(4), s.ScoreOf(peer))
	require.Empty(t, banned)

	require.NoError(t, <-s.AdjustPeerScore(peer, 6))
	require.Equal(t, uint32(10), s.ScoreOf(peer))
	require.Equal(t, peer, banned)
}

func TestAdjustPeerScoreOnUnknownPeerReportsError(t *testing.T) {
	s := peermgr.NewMemScorer(10, nil)
	err := <-s.AdjustPeerScore(common.PeerId("ghost"), 5)
	require.ErrorIs(t, err, peermgr.ErrPeerDoesntExist)
}

func TestUnregisterPeerDropsScoreAndKnownStatus(t *testing.T) {
	s := peermgr.NewMemScorer(10, nil)
	peer := common.PeerId("peer-1")
	s.RegisterPeer(peer)
	require.NoError(t, <-s.AdjustPeerScore(peer, 3))

	s.UnregisterPeer(peer)
	require.Equal(t, uint32(0), s.ScoreOf(peer))

	err := <-s.AdjustPeerScore(peer, 1)
	require.ErrorIs(t, err, peermgr.ErrPeerDoesntExist)
}
