package chainstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian-node/banscore"
	"github.com/meridian-labs/meridian-node/chainstate"
	"github.com/meridian-labs/meridian-node/core/types"
)

func genesis() types.Block {
	return types.Block{Header: types.BlockHeader{Height: 0, Timestamp: time.Unix(1_700_000_000, 0).UTC()}}
}

func child(parent types.Block) types.Block {
	return types.Block{Header: types.BlockHeader{
		PrevId:    parent.Id(),
		Height:    parent.Header.Height + 1,
		Timestamp: parent.Header.Timestamp.Add(time.Second),
	}}
}

func TestProcessBlockExtendsTipAndFiresNewTip(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)

	var got chainstate.NewTipEvent
	unsub := c.SubscribeToEvents(func(ev chainstate.NewTipEvent) { got = ev })
	defer unsub()

	b1 := child(g)
	idx, err := c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.NoError(t, err)
	require.Equal(t, b1.Id(), idx.Id)
	require.Equal(t, b1.Id(), got.BlockId)
}

func TestProcessBlockAlreadyExistsIsNotScored(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)
	b1 := child(g)
	_, err := c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.NoError(t, err)

	_, err = c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.ErrorIs(t, err, chainstate.ErrBlockAlreadyExists)
	require.Zero(t, banscore.ScoreOf(err))
}

func TestProcessBlockRejectsNonExtendingBlock(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)
	b1 := child(g)
	// b2 is a sibling of b1 (also a child of genesis, distinguished by its
	// own timestamp so it hashes differently), not a child of the new tip.
	b2 := types.Block{Header: types.BlockHeader{
		PrevId:    g.Id(),
		Height:    1,
		Timestamp: g.Header.Timestamp.Add(2 * time.Second),
	}}

	_, err := c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.NoError(t, err)

	// b2 doesn't extend the new tip (b1), only genesis.
	_, err = c.ProcessBlock(ctx, b2, chainstate.SourcePeer)
	require.ErrorIs(t, err, chainstate.ErrPrevBlockUnknown)
}

func TestPreliminaryBlockCheckRejectsNonIncreasingTimestamp(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)
	bad := types.Block{Header: types.BlockHeader{PrevId: g.Id(), Height: 1, Timestamp: g.Header.Timestamp}}

	_, err := c.PreliminaryBlockCheck(ctx, bad)
	require.ErrorIs(t, err, chainstate.ErrBlockTimeOrderInvalid)
}

func TestGetLocatorIncludesGenesis(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)
	b1 := child(g)
	_, err := c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.NoError(t, err)

	loc, err := c.GetLocator(ctx)
	require.NoError(t, err)
	require.Contains(t, loc, g.Id())
	require.Equal(t, b1.Id(), loc[0])
}

func TestFilterAlreadyExistingBlocks(t *testing.T) {
	ctx := context.Background()
	g := genesis()
	c := chainstate.NewMemChain(g)
	b1 := child(g)
	_, err := c.ProcessBlock(ctx, b1, chainstate.SourcePeer)
	require.NoError(t, err)

	b2 := child(b1)
	filtered, err := c.FilterAlreadyExistingBlocks(ctx, []types.BlockHeader{b1.Header, b2.Header})
	require.NoError(t, err)
	require.Equal(t, []types.BlockHeader{b2.Header}, filtered)
}
