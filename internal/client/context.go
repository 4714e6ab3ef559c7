// Package client implements the Client Context and Provider (§2, §6): the
// application-facing entry point that owns every shared subsystem below
// it - configuration, CID/IOID allocation, the UDP discovery sockets, the
// search manager and beacon handler, the transport registry - and is the
// concrete type satisfying channel.ContextView and transport.Router so
// that package channel never has to import package client.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package client

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/epics-base/pvaccess-go/internal/beacon"
	"github.com/epics-base/pvaccess-go/internal/channel"
	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/config"
	"github.com/epics-base/pvaccess-go/internal/cos"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/nlog"
	"github.com/epics-base/pvaccess-go/internal/search"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/transport"
	"github.com/epics-base/pvaccess-go/internal/transreg"
	"github.com/epics-base/pvaccess-go/internal/udptransport"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

// searchForwarder/beaconForwarder break the construction cycle between
// udptransport.Socket (needs a SearchHandler/BeaconHandler up front) and
// search.Manager/beacon.Handler (need the socket up front): Open is called
// with a forwarder whose target is filled in once it exists.
type searchForwarder struct{ mgr atomic.Pointer[search.Manager] }

func (f *searchForwarder) HandleSearchResponse(res udptransport.SearchResult, from net.Addr) {
	if m := f.mgr.Load(); m != nil {
		m.HandleSearchResponse(res, from)
	}
}

type beaconForwarder struct{ h atomic.Pointer[beacon.Handler] }

func (f *beaconForwarder) HandleBeacon(addr net.Addr, payload *codec.Reader) {
	if h := f.h.Load(); h != nil {
		h.HandleBeacon(addr, payload)
	}
}

// Context is the Client Context of §2/§6.
type Context struct {
	cfg *config.Config
	rom config.ReadMostly

	stats *stats.Registry
	hk    *hk.Housekeeper

	sock       *udptransport.Socket
	searchMgr  *search.Manager
	beaconH    *beacon.Handler
	transports *transreg.Registry
	dests      []*net.UDPAddr

	mu       sync.Mutex
	channels *ids.Table[ids.CID, *channel.Channel]
	ops      *ids.Table[ids.IOID, channel.PendingOp]
	closed   bool
}

// New constructs a Context from cfg (config.FromEnv() if nil), binds the
// UDP sockets, and starts the housekeeper, search manager, and beacon
// handler. The caller must call Shutdown when done.
func New(cfg *config.Config) (*Context, error) {
	if cfg == nil {
		cfg = config.FromEnv()
	}

	c := &Context{
		cfg:      cfg,
		stats:    stats.NewRegistry(),
		hk:       hk.New(),
		channels: ids.NewTable[ids.CID, *channel.Channel](),
		ops:      ids.NewTable[ids.IOID, channel.PendingOp](),
	}
	c.rom.Set(cfg)

	c.dests = resolveDests(cfg)

	sf := &searchForwarder{}
	bf := &beaconForwarder{}
	sock, err := udptransport.Open(cfg.BroadcastPort, sf, bf)
	if err != nil {
		c.hk.Stop()
		return nil, err
	}
	c.sock = sock

	c.searchMgr = search.New(sock, c.dests, c.hk, c.stats)
	sf.mgr.Store(c.searchMgr)

	c.beaconH = beacon.New(c.searchMgr, c.hk, c.stats)
	bf.h.Store(c.beaconH)

	c.transports = transreg.New(c.dialTransport, c.stats, c.hk)

	return c, nil
}

func (c *Context) dialTransport(addr string, priority int, router transport.Router, onClose func(*transport.Transport)) (*transport.Transport, error) {
	return transport.Dial(addr, priority, router, c.stats, c.hk, onClose)
}

// resolveDests builds the UDP search-destination list: explicit
// AddressList entries plus, if AutoAddressList, every local IPv4
// interface's broadcast address - §4.2 "auto-discovered interface
// broadcasts plus configured entries".
func resolveDests(cfg *config.Config) []*net.UDPAddr {
	var dests []*net.UDPAddr
	for _, a := range cfg.AddressList {
		host, port := a, fmt.Sprintf("%d", cfg.BroadcastPort)
		if h, p, err := net.SplitHostPort(a); err == nil {
			host, port = h, p
		}
		addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, port))
		if err != nil {
			nlog.Warningf("client: bad address-list entry %q: %v", a, err)
			continue
		}
		dests = append(dests, addr)
	}
	if !cfg.AutoAddressList {
		return dests
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		nlog.Warningf("client: enumerate interfaces: %v", err)
		return dests
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := make(net.IP, 4)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			dests = append(dests, &net.UDPAddr{IP: bcast, Port: int(cfg.BroadcastPort)})
		}
	}
	return dests
}

// --- channel.ContextView ---

func (c *Context) AllocIOID() ids.IOID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops.Alloc(ids.InvalidIOID)
}

func (c *Context) RegisterOp(ioid ids.IOID, op channel.PendingOp) {
	c.mu.Lock()
	c.ops.Put(ioid, op)
	c.mu.Unlock()
	c.stats.RequestsPending.Inc()
}

func (c *Context) UnregisterOp(ioid ids.IOID) {
	c.mu.Lock()
	_, existed := c.ops.Get(ioid)
	c.ops.Delete(ioid)
	c.mu.Unlock()
	if existed {
		c.stats.RequestsPending.Dec()
	}
}

func (c *Context) GetOrCreateTransport(addr string, priority int) (*transport.Transport, error) {
	return c.transports.GetOrCreate(addr, priority, c, c.onTransportClosed)
}

func (c *Context) Stats() *stats.Registry       { return c.stats }
func (c *Context) Housekeeper() *hk.Housekeeper { return c.hk }
func (c *Context) Search() *search.Manager      { return c.searchMgr }

// onTransportClosed fans OnTransportClosed out to every channel; each
// channel ignores the call unless the closed transport is the one it
// currently holds, so a stale notification for an already-reconnected
// channel is harmless.
func (c *Context) onTransportClosed(tp *transport.Transport) {
	c.mu.Lock()
	chans := make([]*channel.Channel, 0, c.channels.Len())
	c.channels.Range(func(_ ids.CID, ch *channel.Channel) bool {
		chans = append(chans, ch)
		return true
	})
	c.mu.Unlock()
	for _, ch := range chans {
		ch.OnTransportClosed(tp)
	}
}

// --- transport.Router ---

func (c *Context) DispatchData(ioid ids.IOID, cmd wire.Command, qos wire.QoS, status wire.Status, r *codec.Reader) {
	c.mu.Lock()
	op, ok := c.ops.Get(ioid)
	c.mu.Unlock()
	if !ok {
		// §4.5: the operation has already been destroyed/unregistered;
		// drain (already done by codec.Reader.Frame's bounded sub-reader)
		// and drop.
		nlog.Infof("client: data for unknown ioid %d (cmd %s)", ioid, cmd)
		return
	}
	op.Response(cmd, qos, status, r)
}

// DispatchMessage routes a §4.5 MESSAGE frame to the requester callback of
// the operation it's addressed to, via the same op-table lookup DispatchData
// uses; an IOID with no live operation (already destroyed/unregistered) is
// logged and dropped.
func (c *Context) DispatchMessage(ioid ids.IOID, severity wire.MessageSeverity, message string) {
	c.mu.Lock()
	op, ok := c.ops.Get(ioid)
	c.mu.Unlock()
	if !ok {
		nlog.Infof("client: message for unknown ioid %d (%s): %s", ioid, severity, message)
		return
	}
	op.Message(severity, message)
}

func (c *Context) DispatchCreateChannel(cid ids.CID, sid ids.SID, status wire.Status) {
	c.mu.Lock()
	ch, ok := c.channels.Get(cid)
	c.mu.Unlock()
	if !ok {
		nlog.Infof("client: create-channel response for unknown cid %d", cid)
		return
	}
	ch.OnCreateChannelResponse(sid, status)
}

// DispatchDestroyChannel is a no-op: the client only ever sends the
// DESTROY_CHANNEL-shaped reattach form itself (§4.6); an inbound one
// carries no client-actionable content.
func (c *Context) DispatchDestroyChannel(cid ids.CID, sid ids.SID) {}

// --- public channel lifecycle ---

// CreateChannel allocates a CID, registers the channel, and starts its
// search (§4.6 "create (called by provider)").
func (c *Context) CreateChannel(name string, priority int, onStateChange channel.StateChangeFunc) (*channel.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, cos.ErrChannelDestroyed
	}
	cid := c.channels.Alloc(ids.InvalidCID)
	ch := channel.New(c, cid, name, priority, onStateChange)
	c.channels.Put(cid, ch)
	c.mu.Unlock()

	ch.Create()
	return ch, nil
}

// DestroyChannel destroys ch and releases its CID.
func (c *Context) DestroyChannel(ch *channel.Channel) {
	ch.Destroy()
	c.mu.Lock()
	c.channels.Delete(ch.CID())
	c.mu.Unlock()
}

// Shutdown destroys every channel, stops the search/beacon housekeeping,
// closes every transport, and closes the UDP sockets (§5 "context
// shutdown destroys all channels ... does not wait for outstanding
// callbacks beyond in-progress invocations").
func (c *Context) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chans := make([]*channel.Channel, 0, c.channels.Len())
	c.channels.Range(func(_ ids.CID, ch *channel.Channel) bool {
		chans = append(chans, ch)
		return true
	})
	c.mu.Unlock()

	var errs cos.Errs
	for _, ch := range chans {
		ch.Destroy()
	}
	c.searchMgr.Stop()
	c.beaconH.Stop()
	c.transports.CloseAll()
	if err := c.sock.Close(); err != nil {
		errs.Add(err)
	}
	c.hk.Stop()
	return errs.Err()
}
