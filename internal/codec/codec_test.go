package codec_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

func TestHeader_RoundtripsBothByteOrders(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		h := codec.Header{Magic: wire.Magic, Version: 1, Command: wire.CmdGet, Size: 42}
		if order == binary.LittleEndian {
			h.Flags |= wire.FlagByteOrderLE
		}
		enc := codec.EncodeHeader(h, order)

		got, err := codec.DecodeHeader(enc[:])
		require.NoError(t, err)
		require.Equal(t, h.Magic, got.Magic)
		require.Equal(t, h.Command, got.Command)
		require.Equal(t, uint32(42), got.Size)
		require.Equal(t, order, got.ByteOrder())
	}
}

func TestDecodeHeader_RejectsBadMagic(t *testing.T) {
	h := codec.Header{Magic: 0xAB, Command: wire.CmdGet}
	enc := codec.EncodeHeader(h, binary.BigEndian)
	_, err := codec.DecodeHeader(enc[:])
	require.Error(t, err)
}

func TestDecodeHeader_RejectsShortBuffer(t *testing.T) {
	_, err := codec.DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestWriterReader_StringRoundtrip(t *testing.T) {
	w := codec.NewWriter(binary.BigEndian)
	w.PutString("channel:one")
	w.PutString("") // encodes as null

	r := codec.NewReader(bytes.NewReader(w.Bytes()), binary.BigEndian)
	s1, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "channel:one", s1)

	s2, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "", s2)
}

func TestWriterReader_IntegerRoundtrip(t *testing.T) {
	w := codec.NewWriter(binary.LittleEndian)
	w.PutUint16(7)
	w.PutUint32(1 << 20)
	w.PutUint64(1 << 40)

	r := codec.NewReader(bytes.NewReader(w.Bytes()), binary.LittleEndian)
	v16, err := r.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(7), v16)

	v32, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(1<<20), v32)

	v64, err := r.Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40), v64)
}

func TestWriter_FinishMessagePatchesSize(t *testing.T) {
	w := codec.NewWriter(binary.BigEndian)
	w.StartMessage(true, wire.CmdGet)
	w.PutUint32(0xDEADBEEF)
	w.FinishMessage()

	hdr, err := codec.DecodeHeader(w.Bytes()[:wire.HeaderSize])
	require.NoError(t, err)
	require.True(t, hdr.FromServer())
	require.Equal(t, wire.CmdGet, hdr.Command)
	require.Equal(t, uint32(4), hdr.Size)
}
