package server

import (
	"net"
	"testing"
)

func TestListen_BindsFreePort(t *testing.T) {
	ln, addrInUse, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	if addrInUse {
		t.Fatal("a wildcard port should never be in use")
	}
	ln.Close()
}

func TestListen_ReportsAddrInUse(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("binding holder: %v", err)
	}
	defer holder.Close()

	ln, addrInUse, err := Listen(holder.Addr().String())
	if err != nil {
		t.Fatalf("expected a clean addr-in-use report, got error: %v", err)
	}
	if !addrInUse {
		ln.Close()
		t.Fatal("expected addrInUse, got a listener")
	}
}
