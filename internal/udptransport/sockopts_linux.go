//go:build linux

package udptransport

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/epics-base/pvaccess-go/internal/nlog"
)

// setBroadcastSockopts enables SO_BROADCAST and SO_REUSEADDR on the
// broadcast-listening socket (§4.2: multiple clients on one host must be
// able to share the discovery port). net.ListenUDP leaves both off; x/sys
// reaches the raw fd net itself doesn't expose a portable setter for.
func setBroadcastSockopts(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		nlog.Warningf("udptransport: sockopts: %v", sockErr)
	}
	return sockErr
}
