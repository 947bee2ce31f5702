//go:build !unix

package tcp

import "net"

func receiveBufferSize(net.Conn) (int, error) {
	return 0, errNoSockopt
}
