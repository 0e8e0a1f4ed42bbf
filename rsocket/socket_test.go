//go:build linux

package rsocket

import (
	"testing"

	"github.com/reactorcore/tcpreactor/netaddr"
)

func TestBindListenCloseIsIdempotent(t *testing.T) {
	s, err := NewStream()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetReuseAddr(true); err != nil {
		t.Fatal(err)
	}
	addr, err := netaddr.New("127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Bind(addr); err != nil {
		t.Fatal(err)
	}
	if err := s.Listen(1024); err != nil {
		t.Fatal(err)
	}
	local, err := s.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}
	if local.Port() == 0 {
		t.Fatal("expected kernel-assigned port to be non-zero")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
}
