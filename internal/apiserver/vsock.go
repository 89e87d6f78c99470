package apiserver

import (
	"net"

	"github.com/mdlayher/vsock"
)

// listenVsock binds a VM-socket listener on the given port, the way
// kata-containers' agent/shim control channel does, so UIs running
// inside a guest can reach the API without a host network namespace.
func listenVsock(port int) (net.Listener, error) {
	return vsock.Listen(uint32(port))
}

// cidAllowed reports whether nc's remote vsock context id is present in
// allowed. Connections from any other transport are never passed a
// *vsock.Addr and are rejected by construction (callers only invoke this
// for the "vsock" transport).
func cidAllowed(nc net.Conn, allowed []uint32) bool {
	addr, ok := nc.RemoteAddr().(*vsock.Addr)
	if !ok {
		return false
	}
	for _, cid := range allowed {
		if cid == addr.ContextID {
			return true
		}
	}
	return false
}
