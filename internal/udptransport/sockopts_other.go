//go:build !linux

package udptransport

import "net"

// setBroadcastSockopts is a no-op outside Linux; relying on net.ListenUDP's
// platform defaults there.
func setBroadcastSockopts(conn *net.UDPConn) error { return nil }
