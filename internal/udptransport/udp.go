// Package udptransport owns the two UDP sockets §4.2 requires at context
// start: a broadcast-listening socket and an unconnected search socket.
// It only knows how to frame and parse SEARCH / SEARCH_RESPONSE / BEACON
// datagrams; routing a parsed datagram to the search manager or the beacon
// handler is the caller's job (see SearchHandler/BeaconHandler below),
// mirroring how Transport hands parsed frames to a Router instead of
// resolving them itself.
package udptransport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// SearchResult is one decoded SEARCH_RESPONSE, after the IPv4-in-IPv6
// sentinel and zero-padding checks in §4.2 have already been validated.
type SearchResult struct {
	SeqID        uint32
	Found        bool
	ServerAddr   net.IP // zero value means "use datagram source"
	Port         uint16
	CIDs         []ids.CID
	MinorVersion byte // the datagram header's protocol version byte
}

type SearchHandler interface {
	HandleSearchResponse(res SearchResult, fromAddr net.Addr)
}

type BeaconHandler interface {
	HandleBeacon(serverAddr net.Addr, payload *codec.Reader)
}

var order = binary.BigEndian

// Socket bundles the broadcast-listening socket and the search socket,
// per §4.2 ("two sockets are bound at context start").
type Socket struct {
	bcastConn  *net.UDPConn // broadcast-listening
	searchConn *net.UDPConn // unconnected search socket, ephemeral port

	search  SearchHandler
	beacon  BeaconHandler

	closeCh chan struct{}
}

// Open binds both sockets. broadcastPort is the configured UDP port for
// SEARCH/BEACON traffic (§6 broadcast-port); the search socket binds to
// port 0 (ephemeral).
func Open(broadcastPort uint16, search SearchHandler, beacon BeaconHandler) (*Socket, error) {
	bcastAddr := &net.UDPAddr{Port: int(broadcastPort)}
	bcastConn, err := net.ListenUDP("udp4", bcastAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listen broadcast: %w", err)
	}
	if err := setBroadcastSockopts(bcastConn); err != nil {
		nlog.Warningf("udptransport: broadcast sockopts: %v", err)
	}
	searchConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		bcastConn.Close()
		return nil, fmt.Errorf("udptransport: listen search: %w", err)
	}
	s := &Socket{
		bcastConn:  bcastConn,
		searchConn: searchConn,
		search:     search,
		beacon:     beacon,
		closeCh:    make(chan struct{}),
	}
	go s.recvLoop(s.bcastConn)
	go s.recvLoop(s.searchConn)
	return s, nil
}

func (s *Socket) Close() error {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	s.bcastConn.Close()
	s.searchConn.Close()
	return nil
}

func (s *Socket) recvLoop(conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
				nlog.Warningf("udptransport: read: %v", err)
				return
			}
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Socket) handleDatagram(b []byte, addr *net.UDPAddr) {
	if len(b) < wire.HeaderSize {
		return
	}
	hdr, err := codec.DecodeHeader(b[:wire.HeaderSize])
	if err != nil {
		nlog.Infof("udptransport: bad datagram from %s: %v\n% x", addr, err, b)
		return
	}
	r := codec.NewReader(bytes.NewReader(b[wire.HeaderSize:]), order)
	switch hdr.Command {
	case wire.CmdSearchResponse:
		s.handleSearchResponse(r, addr, hdr.Version)
	case wire.CmdBeacon:
		if s.beacon != nil {
			s.beacon.HandleBeacon(addr, r)
		}
	default:
		nlog.Infof("udptransport: unexpected command %s from %s\n% x", hdr.Command, addr, b)
	}
}

// handleSearchResponse parses the exact layout from §4.2: 4-byte sequence
// ID, 1-byte found flag, 80 bits of zero, 16 bits of 0xFFFF (IPv4-in-IPv6
// sentinel), 32-bit IPv4, 16-bit port, 16-bit CID count, then that many
// 32-bit CIDs. Sentinel mismatches are silently dropped.
func (s *Socket) handleSearchResponse(r *codec.Reader, addr *net.UDPAddr, minorVersion byte) {
	seq, err := r.Uint32()
	if err != nil {
		return
	}
	foundByte, err := r.Byte()
	if err != nil {
		return
	}
	pad, err := r.RawBytes(10) // 80 bits of zero
	if err != nil {
		return
	}
	for _, b := range pad {
		if b != 0 {
			return
		}
	}
	sentinel, err := r.Uint16()
	if err != nil || sentinel != 0xFFFF {
		return
	}
	var ipBytes [4]byte
	for i := range ipBytes {
		b, err := r.Byte()
		if err != nil {
			return
		}
		ipBytes[i] = b
	}
	port, err := r.Uint16()
	if err != nil {
		return
	}
	count, err := r.Uint16()
	if err != nil {
		return
	}
	cids := make([]ids.CID, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := r.Uint32()
		if err != nil {
			return
		}
		cids = append(cids, ids.CID(v))
	}

	res := SearchResult{
		SeqID:        seq,
		Found:        foundByte != 0,
		Port:         port,
		CIDs:         cids,
		MinorVersion: minorVersion,
	}
	if ipBytes != ([4]byte{}) {
		res.ServerAddr = net.IPv4(ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3])
	}
	if s.search != nil {
		s.search.HandleSearchResponse(res, addr)
	}
}

// SendSearch emits a SEARCH datagram for one round of CIDs/names against
// dst, with the given sequence ID.
func (s *Socket) SendSearch(dst *net.UDPAddr, seq uint32, channels []SearchChannel) error {
	w := codec.NewWriter(order)
	w.StartMessage(false, wire.CmdSearch)
	w.PutUint32(seq)
	w.PutByte(0) // reserved flags: unicast-reply-required bit, unused by this client
	w.PutUint16(uint16(len(channels)))
	for _, c := range channels {
		w.PutUint32(uint32(c.CID))
		w.PutString(c.Name)
	}
	w.FinishMessage()
	_, err := s.searchConn.WriteToUDP(w.Bytes(), dst)
	return err
}

// SearchChannel is one (CID, name) pair a SEARCH datagram asks about.
type SearchChannel struct {
	CID  ids.CID
	Name string
}
