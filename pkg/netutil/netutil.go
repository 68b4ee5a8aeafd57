// Package netutil implements network probing utilities.
package netutil

import (
	"net"
	"os"
	"strconv"
)

// FreePort binds to port 0 and returns the port the kernel picked.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// HostNameOrIP returns the local host name, falling back to the
// outbound IP address. The dial target does not have to be reachable.
func HostNameOrIP() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	conn, err := net.Dial("udp", net.JoinHostPort("10.255.255.255", strconv.Itoa(1)))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
