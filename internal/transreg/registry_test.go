package transreg_test

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/epics-base/pvaccess-go/internal/codec"
	"github.com/epics-base/pvaccess-go/internal/hk"
	"github.com/epics-base/pvaccess-go/internal/ids"
	"github.com/epics-base/pvaccess-go/internal/stats"
	"github.com/epics-base/pvaccess-go/internal/transport"
	"github.com/epics-base/pvaccess-go/internal/transreg"
	"github.com/epics-base/pvaccess-go/internal/wire"
)

type fakeRouter struct{}

func (fakeRouter) DispatchData(ids.IOID, wire.Command, wire.QoS, wire.Status, *codec.Reader) {}
func (fakeRouter) DispatchMessage(ids.IOID, wire.MessageSeverity, string)                     {}
func (fakeRouter) DispatchCreateChannel(ids.CID, ids.SID, wire.Status)                        {}
func (fakeRouter) DispatchDestroyChannel(ids.CID, ids.SID)                                    {}

// acceptAndDiscard runs a listener that accepts every connection and
// leaves it open but otherwise untouched - the registry tests below only
// care about Transport identity/lifecycle, never the handshake.
func acceptAndDiscard(t *testing.T) (net.Listener, *int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	accepted := 0
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
			_ = c
		}
	}()
	return ln, &accepted
}

func newCountingDialer(t *testing.T) (transreg.Dialer, *int32Counter) {
	t.Helper()
	h := hk.New()
	t.Cleanup(h.Stop)
	cnt := &int32Counter{}
	dial := func(addr string, priority int, router transport.Router, onClose func(*transport.Transport)) (*transport.Transport, error) {
		cnt.inc()
		return transport.Dial(addr, priority, router, stats.NewRegistry(), h, onClose)
	}
	return dial, cnt
}

type int32Counter struct {
	mu sync.Mutex
	n  int
}

func (c *int32Counter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}
func (c *int32Counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestGetOrCreate_ReusesExistingTransport(t *testing.T) {
	ln, _ := acceptAndDiscard(t)
	defer ln.Close()

	dial, cnt := newCountingDialer(t)
	reg := transreg.New(dial, nil, nil)

	addr := ln.Addr().String()
	t1, err := reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)
	t2, err := reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)

	require.Same(t, t1, t2)
	require.Equal(t, 1, cnt.get())
	require.Equal(t, 1, reg.Len())

	t1.Close()
}

func TestGetOrCreate_RedialsDifferentKeys(t *testing.T) {
	ln, _ := acceptAndDiscard(t)
	defer ln.Close()

	dial, cnt := newCountingDialer(t)
	reg := transreg.New(dial, nil, nil)

	addr := ln.Addr().String()
	_, err := reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)
	_, err = reg.GetOrCreate(addr, 1, fakeRouter{}, nil) // different priority, different key
	require.NoError(t, err)

	require.Equal(t, 2, cnt.get())
	require.Equal(t, 2, reg.Len())
}

func TestEvict_ForcesRedial(t *testing.T) {
	ln, _ := acceptAndDiscard(t)
	defer ln.Close()

	dial, cnt := newCountingDialer(t)
	reg := transreg.New(dial, nil, nil)

	addr := ln.Addr().String()
	_, err := reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)
	reg.Evict(addr, 0)
	require.Equal(t, 0, reg.Len())

	_, err = reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cnt.get(), "evicting must force a fresh dial")
}

func TestCloseAll_ClearsRegistry(t *testing.T) {
	ln, _ := acceptAndDiscard(t)
	defer ln.Close()

	dial, _ := newCountingDialer(t)
	reg := transreg.New(dial, nil, nil)

	addr := ln.Addr().String()
	_, err := reg.GetOrCreate(addr, 0, fakeRouter{}, nil)
	require.NoError(t, err)
	reg.CloseAll()
	require.Equal(t, 0, reg.Len())
}
