package message

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/meridian-labs/meridian-node/common"
	"github.com/meridian-labs/meridian-node/core/types"
)

// MaxFrameSize is the hard cap on a single encoded frame: 10 MiB.
const MaxFrameSize = 10 * 1024 * 1024

// blockHeaderWireSize is the fixed encoded size of a BlockHeader: two
// hashes plus two uint64s.
const blockHeaderWireSize = common.HashLength*2 + 16

// minSignedTxWireSize is the smallest a SignedTransaction can possibly
// encode to: the two uint32 length prefixes of its Payload/Signature
// byte strings, both empty.
const minSignedTxWireSize = 8

// ErrFrameTooLarge is returned by ReadFrame when the length prefix announces a
// frame over MaxFrameSize, and by WriteFrame when an encoded message would
// exceed it; this is a transport-level rejection and carries
// no peer score side effect — the connection is simply closed by the
// caller.
var ErrFrameTooLarge = errors.New("message: frame exceeds max frame size")

// WriteFrame encodes msg and writes it to w as a 4-byte big-endian length
// prefix followed by the payload.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "writing frame length")
	}
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it. A frame
// whose announced length exceeds MaxFrameSize is rejected without reading
// the payload, so a hostile peer cannot force an unbounded allocation.
func ReadFrame(r *bufio.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(err, "reading frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "reading frame payload")
	}
	return Decode(payload)
}

// Encode serializes msg into its discriminant-prefixed wire form.
func Encode(msg Message) ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.writeByte(byte(msg.Kind()))
	switch m := msg.(type) {
	case HeaderListRequest:
		e.writeLocator(m.Locator)
	case HeaderListResponse:
		e.writeUint32(uint32(len(m.Headers)))
		for _, h := range m.Headers {
			e.writeHeader(h)
		}
	case BlockListRequest:
		e.writeUint32(uint32(len(m.Ids)))
		for _, id := range m.Ids {
			e.writeHash(id)
		}
	case BlockResponse:
		e.writeBlock(m.Block)
	case AnnounceBlock:
		e.writeHeader(m.Header)
	case AnnounceTx:
		e.writeTx(m.Tx)
	default:
		return nil, errors.Errorf("message: unknown type %T", msg)
	}
	return e.buf, e.err
}

// Decode parses a wire-form payload (without the length prefix) back into
// a Message.
func Decode(payload []byte) (Message, error) {
	d := &decoder{buf: payload}
	kind := Kind(d.readByte())
	var msg Message
	switch kind {
	case KindHeaderListRequest:
		msg = HeaderListRequest{Locator: d.readLocator()}
	case KindHeaderListResponse:
		n := d.readUint32()
		if !d.need(int(n) * blockHeaderWireSize) {
			msg = HeaderListResponse{}
			break
		}
		var headers []types.BlockHeader
		if n > 0 {
			headers = make([]types.BlockHeader, 0, n)
		}
		for i := uint32(0); i < n; i++ {
			headers = append(headers, d.readHeader())
		}
		msg = HeaderListResponse{Headers: headers}
	case KindBlockListRequest:
		n := d.readUint32()
		if !d.need(int(n) * common.HashLength) {
			msg = BlockListRequest{}
			break
		}
		ids := make([]common.BlockId, 0, n)
		for i := uint32(0); i < n; i++ {
			ids = append(ids, d.readHash())
		}
		msg = BlockListRequest{Ids: ids}
	case KindBlockResponse:
		msg = BlockResponse{Block: d.readBlock()}
	case KindAnnounceBlock:
		msg = AnnounceBlock{Header: d.readHeader()}
	case KindAnnounceTx:
		msg = AnnounceTx{Tx: d.readTx()}
	default:
		return nil, errors.Errorf("message: unknown discriminant %d", kind)
	}
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}

// encoder / decoder are small unexported helpers; they are not a general
// purpose codec, only the fixed shapes this package needs to emit and
// parse, hand-written rather than built on a reflection-based marshaler.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) writeUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) writeHash(h common.Hash) { e.buf = append(e.buf, h[:]...) }

func (e *encoder) writeBytes(b []byte) {
	e.writeUint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeLocator(l types.Locator) {
	e.writeUint32(uint32(len(l)))
	for _, id := range l {
		e.writeHash(id)
	}
}

func (e *encoder) writeHeader(h types.BlockHeader) {
	e.writeHash(h.PrevId)
	e.writeUint64(uint64(h.Height))
	e.writeUint64(uint64(h.Timestamp.Unix()))
	e.writeHash(h.MerkleRoot)
}

func (e *encoder) writeTx(t types.SignedTransaction) {
	e.writeBytes(t.Payload)
	e.writeBytes(t.Signature)
}

func (e *encoder) writeBlock(b types.Block) {
	e.writeHeader(b.Header)
	e.writeUint32(uint32(len(b.Transactions)))
	for _, tx := range b.Transactions {
		e.writeTx(tx)
	}
}

type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = errors.New("message: truncated payload")
		return false
	}
	return true
}

func (d *decoder) readByte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) readUint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v
}

func (d *decoder) readUint64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos : d.pos+8])
	d.pos += 8
	return v
}

func (d *decoder) readHash() common.Hash {
	var h common.Hash
	if !d.need(common.HashLength) {
		return h
	}
	copy(h[:], d.buf[d.pos:d.pos+common.HashLength])
	d.pos += common.HashLength
	return h
}

func (d *decoder) readBytes() []byte {
	n := d.readUint32()
	if !d.need(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return b
}

func (d *decoder) readLocator() types.Locator {
	n := d.readUint32()
	if !d.need(int(n) * common.HashLength) {
		return nil
	}
	l := make(types.Locator, 0, n)
	for i := uint32(0); i < n; i++ {
		l = append(l, d.readHash())
	}
	return l
}

func (d *decoder) readHeader() types.BlockHeader {
	return types.BlockHeader{
		PrevId:     d.readHash(),
		Height:     common.Height(d.readUint64()),
		Timestamp:  time.Unix(int64(d.readUint64()), 0).UTC(),
		MerkleRoot: d.readHash(),
	}
}

func (d *decoder) readTx() types.SignedTransaction {
	return types.SignedTransaction{
		Payload:   d.readBytes(),
		Signature: d.readBytes(),
	}
}

func (d *decoder) readBlock() types.Block {
	header := d.readHeader()
	n := d.readUint32()
	if !d.need(int(n) * minSignedTxWireSize) {
		return types.Block{Header: header}
	}
	txs := make([]types.SignedTransaction, 0, n)
	for i := uint32(0); i < n; i++ {
		txs = append(txs, d.readTx())
	}
	return types.Block{Header: header, Transactions: txs}
}
