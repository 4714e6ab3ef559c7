package search_test

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/search"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/udptransport"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

func TestSearch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "search")
}

// searchForwarder breaks the construction cycle the same way
// internal/client.Context does: udptransport.Open needs a handler before
// the Manager that will become that handler exists.
type searchForwarder struct{ mgr atomic.Pointer[search.Manager] }

func (f *searchForwarder) HandleSearchResponse(res udptransport.SearchResult, from net.Addr) {
	if m := f.mgr.Load(); m != nil {
		m.HandleSearchResponse(res, from)
	}
}

// fakeServer is a bare UDP responder standing in for a real pvAccess
// server: it decodes an incoming SEARCH datagram and answers with a
// SEARCH_RESPONSE claiming every CID asked about.
type fakeServer struct {
	conn *net.UDPConn
	done chan struct{}
}

func newFakeServer() *fakeServer {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	s := &fakeServer{conn: conn, done: make(chan struct{})}
	go s.run()
	return s
}

func (s *fakeServer) addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

func (s *fakeServer) run() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		s.handle(buf[:n], from)
	}
}

func (s *fakeServer) handle(b []byte, from *net.UDPAddr) {
	if len(b) < wire.HeaderSize {
		return
	}
	hdr, err := codec.DecodeHeader(b[:wire.HeaderSize])
	if err != nil || hdr.Command != wire.CmdSearch {
		return
	}
	r := codec.NewReader(bytes.NewReader(b[wire.HeaderSize:]), hdr.ByteOrder())
	seq, err := r.Uint32()
	if err != nil {
		return
	}
	if _, err := r.Byte(); err != nil { // reserved flags byte
		return
	}
	count, err := r.Uint16()
	if err != nil {
		return
	}
	var cids []ids.CID
	for i := 0; i < int(count); i++ {
		cid, err := r.Uint32()
		if err != nil {
			return
		}
		if _, err := r.String(); err != nil { // channel name, unused by the reply
			return
		}
		cids = append(cids, ids.CID(cid))
	}

	w := codec.NewWriter(hdr.ByteOrder())
	w.StartMessage(true, wire.CmdSearchResponse)
	w.PutUint32(seq)
	w.PutByte(1) // found
	for i := 0; i < 10; i++ {
		w.PutByte(0) // 80 bits of zero padding
	}
	w.PutUint16(0xFFFF) // IPv4-in-IPv6 sentinel
	ip := s.addr().IP.To4()
	w.PutByte(ip[0])
	w.PutByte(ip[1])
	w.PutByte(ip[2])
	w.PutByte(ip[3])
	w.PutUint16(uint16(s.addr().Port))
	w.PutUint16(uint16(len(cids)))
	for _, cid := range cids {
		w.PutUint32(uint32(cid))
	}
	w.FinishMessage()
	s.conn.WriteToUDP(w.Bytes(), from)
}

func (s *fakeServer) Close() { s.conn.Close() }

// fakeTarget is a search.Target double recording the callback it receives.
type fakeTarget struct {
	cid      ids.CID
	name     string
	resultCh chan *net.UDPAddr
}

func newFakeTarget(cid ids.CID, name string) *fakeTarget {
	return &fakeTarget{cid: cid, name: name, resultCh: make(chan *net.UDPAddr, 1)}
}
func (f *fakeTarget) CID() ids.CID   { return f.cid }
func (f *fakeTarget) Name() string   { return f.name }
func (f *fakeTarget) SearchResponse(addr *net.UDPAddr, minorVersion byte) {
	f.resultCh <- addr
}

var _ = Describe("search.Manager", func() {
	var (
		server *fakeServer
		h      *hk.Housekeeper
		sock   *udptransport.Socket
		mgr    *search.Manager
	)

	BeforeEach(func() {
		server = newFakeServer()
		h = hk.New()

		fwd := &searchForwarder{}
		var err error
		sock, err = udptransport.Open(0, fwd, nil)
		Expect(err).NotTo(HaveOccurred())

		mgr = search.New(sock, []*net.UDPAddr{server.addr()}, h, stats.NewRegistry())
		fwd.mgr.Store(mgr)

		DeferCleanup(func() {
			mgr.Stop()
			h.Stop()
			sock.Close()
			server.Close()
		})
	})

	It("delivers a SearchResponse once the fake server answers", func() {
		target := newFakeTarget(ids.CID(42), "channel:one")
		mgr.Register(target)

		Eventually(target.resultCh, 2*time.Second).Should(Receive(Not(BeNil())))
	})

	It("stops delivering once a channel is unregistered before the response arrives", func() {
		target := newFakeTarget(ids.CID(7), "channel:two")
		mgr.Register(target)
		mgr.Unregister(target.CID())

		Consistently(target.resultCh, 300*time.Millisecond).ShouldNot(Receive())
	})

	It("ResetAll triggers an immediate re-search instead of waiting for back-off", func() {
		target := newFakeTarget(ids.CID(9), "channel:three")
		mgr.Register(target)
		mgr.ResetAll()

		Eventually(target.resultCh, 2*time.Second).Should(Receive(Not(BeNil())))
	})
})
