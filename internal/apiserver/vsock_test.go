package apiserver

import (
	"net"
	"testing"

	"github.com/mdlayher/vsock"

	"github.com/stretchr/testify/assert"
)

// fakeVsockConn implements just enough of net.Conn for cidAllowed to read
// RemoteAddr from, without opening a real AF_VSOCK socket.
type fakeVsockConn struct {
	net.Conn
	remote net.Addr
}

func (f fakeVsockConn) RemoteAddr() net.Addr { return f.remote }

func TestCidAllowed(t *testing.T) {
	assert := assert.New(t)

	allowed := fakeVsockConn{remote: &vsock.Addr{ContextID: 3, Port: 1234}}
	assert.True(cidAllowed(allowed, []uint32{2, 3, 4}))

	denied := fakeVsockConn{remote: &vsock.Addr{ContextID: 99, Port: 1234}}
	assert.False(cidAllowed(denied, []uint32{2, 3, 4}))
}

func TestCidAllowedRejectsNonVsockAddr(t *testing.T) {
	assert := assert.New(t)

	nonVsock := fakeVsockConn{remote: &net.TCPAddr{Port: 1234}}
	assert.False(cidAllowed(nonVsock, []uint32{1}))
}
