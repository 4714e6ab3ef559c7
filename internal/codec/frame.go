// Package codec implements §4.1's binary framing: the 8-byte header, the
// ensure-data primitive that hides TCP segmentation from callers, and the
// size-prefixed variable-length encoding used for strings and bitsets. Full
// PV-structure (de)serialization is an external collaborator (§1); this
// package only owns bytes below that granularity.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/epics-base/pvaccess-go/internal/wire"
)

// Header is the 8-byte frame header: magic, version, flags, command, and a
// 4-byte payload length in the connection's negotiated byte order.
type Header struct {
	Magic   byte
	Version byte
	Flags   byte
	Command wire.Command
	Size    uint32
}

func (h Header) FromServer() bool { return h.Flags&wire.FlagFromServer != 0 }
func (h Header) Segmented() bool  { return h.Flags&wire.FlagSegmented != 0 }

// ByteOrder returns the byte order the flags byte selects.
func (h Header) ByteOrder() binary.ByteOrder {
	if h.Flags&wire.FlagByteOrderLE != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// EncodeHeader writes h into an 8-byte buffer using order (the connection's
// negotiated byte order - the header's own magic/version/flags/command bytes
// are not byte-order sensitive, only the trailing size field is).
func EncodeHeader(h Header, order binary.ByteOrder) [wire.HeaderSize]byte {
	var b [wire.HeaderSize]byte
	b[0] = h.Magic
	b[1] = h.Version
	b[2] = h.Flags
	b[3] = byte(h.Command)
	order.PutUint32(b[4:8], h.Size)
	return b
}

// DecodeHeader parses an 8-byte buffer. Every header is self-describing:
// the flags byte (order-independent, like magic/version/command) selects
// the byte order used to decode the trailing size field, so there is no
// bootstrap problem even for the very first frame received - the byte
// order is fixed at the connection-validation handshake (§4.1) by reading
// it off that frame's own header rather than assuming one up front.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < wire.HeaderSize {
		return Header{}, fmt.Errorf("codec: short header (%d bytes)", len(b))
	}
	h := Header{
		Magic:   b[0],
		Version: b[1],
		Flags:   b[2],
		Command: wire.Command(b[3]),
	}
	if h.Magic != wire.Magic {
		return h, fmt.Errorf("codec: bad magic 0x%02x", h.Magic)
	}
	h.Size = h.ByteOrder().Uint32(b[4:8])
	return h, nil
}
