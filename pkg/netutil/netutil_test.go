package netutil

import (
	"net"
	"strconv"
	"testing"
)

func TestFreePort(t *testing.T) {
	port, err := FreePort()
	if err != nil {
		t.Fatal(err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("unexpected port %d", port)
	}
	// the port must be bindable right after probing
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()
}

func TestHostNameOrIP(t *testing.T) {
	if v := HostNameOrIP(); v == "" {
		t.Fatal("expected non-empty host name or IP")
	}
}
