package reactor

import (
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// newSocket creates a nonblocking, close-on-exec socket.
func newSocket(family, sotype int) (int, error) {
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if family == unix.AF_INET6 {
		// dual stack, like libuv unless UV_*_IPV6ONLY is requested
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	return fd, nil
}

// familyOf returns the socket family addr requires.
func familyOf(addr netip.AddrPort) (int, error) {
	if !addr.IsValid() {
		return 0, ErrInvalidAddress
	}
	if addr.Addr().Is4() {
		return unix.AF_INET, nil
	}
	return unix.AF_INET6, nil
}

// toSockaddr converts addr for use with a socket of the given family. An
// IPv4 address is mapped when the socket is IPv6.
func toSockaddr(addr netip.AddrPort, family int) (unix.Sockaddr, error) {
	if !addr.IsValid() {
		return nil, ErrInvalidAddress
	}
	ip := addr.Addr()
	switch family {
	case unix.AF_INET:
		ip = ip.Unmap()
		if !ip.Is4() {
			return nil, ErrUnsupportedAddr
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); zone != "" {
			if id, ok := zoneIndex(zone); ok {
				sa.ZoneId = id
			}
		}
		return sa, nil
	default:
		return nil, ErrUnsupportedAddr
	}
}

// fromSockaddr converts sa, with IPv4-mapped addresses unmapped. An invalid
// AddrPort is returned for anything but an inet socket address.
func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		ip := netip.AddrFrom16(sa.Addr).Unmap()
		return netip.AddrPortFrom(ip, uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// zoneIndex resolves an IPv6 zone, either an interface name or index.
func zoneIndex(zone string) (uint32, bool) {
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n), true
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index), true
	}
	return 0, false
}
