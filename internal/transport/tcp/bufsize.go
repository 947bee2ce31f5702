package tcp

import (
	"errors"
	"net"
)

var errNoSockopt = errors.New("receive buffer size not available")

// resolveBufferSize returns configured when positive, otherwise the
// connection's receive buffer size capped at MaxAutoBufferSize.
func resolveBufferSize(conn net.Conn, configured int) int {
	if configured > 0 {
		return configured
	}
	size, err := receiveBufferSize(conn)
	return autoBufferSize(size, err)
}

func autoBufferSize(osSize int, err error) int {
	if err != nil || osSize <= 0 {
		return MaxAutoBufferSize
	}
	return min(osSize, MaxAutoBufferSize)
}
