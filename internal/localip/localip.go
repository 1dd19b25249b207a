// Package localip discovers the address this process would use to reach
// the rest of the cluster network, for registering as the sole endpoint
// in the proxy's EndpointSlice (spec.md §3).
package localip

import (
	"fmt"
	"net"
)

// Discover returns the primary local IP address without sending any
// traffic: it opens a UDP "connection" to an address outside the local
// subnet and reads back the address the kernel would have routed from.
func Discover() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("net.Dial(udp): %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("localip: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
