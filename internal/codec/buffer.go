package codec

import (
	"encoding/binary"
	"io"

	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Reader wraps an io.Reader with a growable internal buffer and the
// ensure-data(n) primitive from §4.1: callers ask for n payload bytes and
// Reader blocks, issuing further reads from the underlying connection, until
// at least that many bytes are available - abstracting TCP segmentation
// away from every decode call site.
type Reader struct {
	src   io.Reader
	order binary.ByteOrder
	buf   []byte
	off   int // consumed up to here
	end   int // valid data up to here
}

func NewReader(src io.Reader, order binary.ByteOrder) *Reader {
	return &Reader{src: src, order: order, buf: make([]byte, 4096)}
}

func (r *Reader) SetByteOrder(order binary.ByteOrder) { r.order = order }

// EnsureData blocks until n bytes are buffered (beyond what's already been
// consumed), growing and/or compacting the internal buffer as needed.
func (r *Reader) EnsureData(n int) error {
	for r.end-r.off < n {
		r.compact()
		r.grow(n)
		m, err := r.src.Read(r.buf[r.end:])
		if m > 0 {
			r.end += m
		}
		if err != nil {
			if m > 0 && r.end-r.off >= n {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *Reader) compact() {
	if r.off == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.off:r.end])
	r.off, r.end = 0, n
}

func (r *Reader) grow(n int) {
	if cap(r.buf)-r.end >= n {
		return
	}
	need := r.off + n
	if need < 2*cap(r.buf) {
		need = 2 * cap(r.buf)
	}
	nb := make([]byte, need)
	copy(nb, r.buf[:r.end])
	r.buf = nb
}

// Header reads and decodes the next 8-byte frame header. The header's own
// flags byte selects the byte order for its trailing size field (see
// DecodeHeader), so callers never need to supply one; r's own order
// (governing the frame's payload once Header returns) is left untouched
// here - the caller applies the negotiated order via SetByteOrder.
func (r *Reader) Header() (Header, error) {
	if err := r.EnsureData(8); err != nil {
		return Header{}, err
	}
	h, err := DecodeHeader(r.buf[r.off : r.off+8])
	r.off += 8
	return h, err
}

func (r *Reader) bytes(n int) ([]byte, error) {
	if err := r.EnsureData(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

// RawBytes reads n unprefixed bytes as-is - used for fixed-layout wire
// structures outside the external library's size-prefix scheme (e.g. the
// UDP search-response padding and sentinel fields, §4.2).
func (r *Reader) RawBytes(n int) ([]byte, error) {
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) Byte() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *Reader) Uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// Size decodes the external protocol library's size-prefixed length field:
// < 254 is the length itself, 254 marks a following 4-byte length, 255
// marks a null.
func (r *Reader) Size() (int, bool, error) {
	b, err := r.Byte()
	if err != nil {
		return 0, false, err
	}
	switch b {
	case 255:
		return 0, true, nil // null
	case 254:
		n, err := r.Uint32()
		return int(n), false, err
	default:
		return int(b), false, nil
	}
}

// String decodes a size-prefixed UTF-8 string; a null encodes as "".
func (r *Reader) String() (string, error) {
	n, isNull, err := r.Size()
	if err != nil || isNull {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes decodes a size-prefixed byte slice (copied out of the internal
// buffer, which is reused).
func (r *Reader) Bytes() ([]byte, error) {
	n, isNull, err := r.Size()
	if err != nil || isNull {
		return nil, err
	}
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// DrainPayload discards n undecoded bytes. Response dispatch does not call
// it: Frame already bounds each payload, so an unread remainder is simply
// dropped with its frame.
func (r *Reader) DrainPayload(n int) error {
	for n > 0 {
		if err := r.EnsureData(1); err != nil {
			return err
		}
		take := r.end - r.off
		if take > n {
			take = n
		}
		r.off += take
		n -= take
	}
	return nil
}

// Frame carves the next n bytes out of r into a standalone Reader and
// advances r past them unconditionally, regardless of how much of the n
// bytes the caller's handler actually decodes. Response dispatch (§4.4,
// §4.5) uses this to bound every payload to its header-declared size: a
// handler for an already-destroyed operation can simply be skipped, and a
// handler that under-reads its fields can never desync the connection.
func (r *Reader) Frame(n int) (*Reader, error) {
	b, err := r.bytes(n)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, n)
	copy(cp, b)
	return &Reader{src: emptyReader{}, order: r.order, buf: cp, off: 0, end: n}, nil
}

// emptyReader always reports EOF; a framed sub-Reader never needs to pull
// more bytes from a live connection, it was handed its entire payload up
// front.
type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

// Writer accumulates one outgoing frame's payload into a growable buffer;
// StartMessage reserves the 8-byte header, finalized with a real length once
// the payload is fully written (§4.4 send pipeline control object).
type Writer struct {
	order  binary.ByteOrder
	buf    []byte
	hdrOff int
}

func NewWriter(order binary.ByteOrder) *Writer {
	return &Writer{order: order, buf: make([]byte, 0, 256)}
}

func (w *Writer) SetByteOrder(order binary.ByteOrder) { w.order = order }

// StartMessage appends a placeholder 8-byte header for command and records
// its buffer position, which FinishMessage patches once the payload length
// is known.
func (w *Writer) StartMessage(fromServer bool, command wire.Command) {
	w.hdrOff = len(w.buf)
	var flags byte
	if w.order == binary.LittleEndian {
		flags |= wire.FlagByteOrderLE
	}
	if fromServer {
		flags |= wire.FlagFromServer
	}
	hdr := EncodeHeader(Header{Magic: wire.Magic, Version: wire.ProtocolVersion, Flags: flags, Command: command}, w.order)
	w.buf = append(w.buf, hdr[:]...)
}

// FinishMessage patches the payload-length field of the most recent
// StartMessage call with the bytes written since.
func (w *Writer) FinishMessage() {
	size := uint32(len(w.buf) - w.hdrOff - wire.HeaderSize)
	w.order.PutUint32(w.buf[w.hdrOff+4:w.hdrOff+8], size)
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Reset()        { w.buf = w.buf[:0] }

func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutSize encodes n using the external library's size-prefix scheme (see
// Reader.Size); PutNullSize writes the null marker instead.
func (w *Writer) PutSize(n int) {
	switch {
	case n < 254:
		w.PutByte(byte(n))
	default:
		w.PutByte(254)
		w.PutUint32(uint32(n))
	}
}

func (w *Writer) PutNullSize() { w.PutByte(255) }

func (w *Writer) PutString(s string) {
	if s == "" {
		w.PutNullSize()
		return
	}
	w.PutSize(len(s))
	w.buf = append(w.buf, s...)
}

func (w *Writer) PutBytes(b []byte) {
	if b == nil {
		w.PutNullSize()
		return
	}
	w.PutSize(len(b))
	w.buf = append(w.buf, b...)
}
