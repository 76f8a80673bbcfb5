package message

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
)

func sampleHeader(height common.Height) types.BlockHeader {
	return types.BlockHeader{
		PrevId:     common.BytesToHash([]byte{byte(height)}),
		Height:     height,
		Timestamp:  time.Unix(1_700_000_000+int64(height), 0).UTC(),
		MerkleRoot: common.BytesToHash([]byte{0xAA, byte(height)}),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tx := types.SignedTransaction{Payload: []byte("payload"), Signature: []byte("sig")}
	block := types.Block{Header: sampleHeader(3), Transactions: []types.SignedTransaction{tx}}

	cases := []struct {
		name string
		msg  Message
	}{
		{"HeaderListRequest", HeaderListRequest{Locator: types.Locator{sampleHeader(1).Id(), sampleHeader(0).Id()}}},
		{"HeaderListResponse", HeaderListResponse{Headers: []types.BlockHeader{sampleHeader(1), sampleHeader(2)}}},
		{"HeaderListResponse/empty", HeaderListResponse{}},
		{"BlockListRequest", BlockListRequest{Ids: []common.BlockId{sampleHeader(1).Id()}}},
		{"BlockResponse", BlockResponse{Block: block}},
		{"AnnounceBlock", AnnounceBlock{Header: sampleHeader(4)}},
		{"AnnounceTx", AnnounceTx{Tx: tx}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Encode(tc.msg)
			require.NoError(t, err)

			decoded, err := Decode(payload)
			require.NoError(t, err)
			require.Equal(t, tc.msg.Kind(), decoded.Kind())
			require.Equal(t, tc.msg, decoded)
		})
	}
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	msg := HeaderListResponse{Headers: []types.BlockHeader{sampleHeader(1)}}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg))

	decoded, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	// Announce a length one byte over the cap; ReadFrame must reject this
	// before attempting to read the (nonexistent) payload.
	for i, shift := 0, 24; i < 4; i, shift = i+1, shift-8 {
		lenBuf[i] = byte((MaxFrameSize + 1) >> uint(shift))
	}
	buf.Write(lenBuf[:])

	_, err := ReadFrame(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameAcceptsExactlyMaxFrameSize(t *testing.T) {
	msg := BlockListRequest{Ids: make([]common.BlockId, 1)}
	payload, err := Encode(msg)
	require.NoError(t, err)

	padding := MaxFrameSize - len(payload)
	require.Greater(t, padding, 0)

	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[0] = byte(MaxFrameSize >> 24)
	lenBuf[1] = byte(MaxFrameSize >> 16)
	lenBuf[2] = byte(MaxFrameSize >> 8)
	lenBuf[3] = byte(MaxFrameSize)
	buf.Write(lenBuf[:])
	buf.Write(payload)
	buf.Write(make([]byte, padding))

	// Trailing zero padding is simply unread by the decoder; the point of
	// this test is the boundary itself, not the padded content.
	_, err = ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	payload, err := Encode(HeaderListResponse{Headers: []types.BlockHeader{sampleHeader(1)}})
	require.NoError(t, err)

	_, err = Decode(payload[:len(payload)-1])
	require.Error(t, err)
}

func TestDecodeRejectsUnknownDiscriminant(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	require.Error(t, err)
}
