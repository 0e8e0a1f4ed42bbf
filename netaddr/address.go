//go:build linux

// Package netaddr implements the immutable IPv4 endpoint used throughout the
// reactor: listening addresses, accepted peer addresses, and the result of
// getsockname on a freshly established connection.
package netaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Address is an immutable IPv4 host/port pair.
type Address struct {
	ip   [4]byte
	port uint16
}

// New constructs an Address from a dotted-quad (or resolvable hostname) and a port.
func New(host string, port uint16) (Address, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return Address{}, fmt.Errorf("netaddr: resolve %q: %w", host, err)
		}
		ip = resolved.IP
	}
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, fmt.Errorf("netaddr: %q is not an IPv4 address", host)
	}
	var a Address
	copy(a.ip[:], v4)
	a.port = port
	return a, nil
}

// FromSockaddr builds an Address from a raw IPv4 sockaddr, as returned by accept4/getsockname.
func FromSockaddr(sa *unix.SockaddrInet4) Address {
	var a Address
	copy(a.ip[:], sa.Addr[:])
	a.port = uint16(sa.Port)
	return a
}

// ToSockaddr converts the Address to the form bind/connect/accept4 expect.
func (a Address) ToSockaddr() *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(a.port)}
	copy(sa.Addr[:], a.ip[:])
	return sa
}

// IP returns the four IPv4 octets.
func (a Address) IP() [4]byte { return a.ip }

// Port returns the port number.
func (a Address) Port() uint16 { return a.port }

// IsLoopback reports whether the address is within 127.0.0.0/8.
func (a Address) IsLoopback() bool { return a.ip[0] == 127 }

// IsAny reports whether the address is the wildcard 0.0.0.0.
func (a Address) IsAny() bool { return a.ip == [4]byte{0, 0, 0, 0} }

// String formats the address as "ip:port".
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.ip[0], a.ip[1], a.ip[2], a.ip[3], a.port)
}
