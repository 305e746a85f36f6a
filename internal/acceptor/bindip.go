package acceptor

import "net"

// IsBindIPAvailable reports whether bindIP is still reachable from a local
// interface, grounded on server.c:is_bind_ip_available. "localhost" and
// "127.0.0.1" are always considered available (loopback doesn't depend on
// external network state). For "" or "0.0.0.0" (bind-to-all), availability
// means at least one non-loopback IPv4 interface is up. For a specific IP,
// it must be assigned to some up interface.
func IsBindIPAvailable(bindIP string) bool {
	if bindIP == "" || bindIP == "0.0.0.0" {
		return anyNonLoopbackInterfaceUp()
	}
	if bindIP == "localhost" || bindIP == "127.0.0.1" {
		return true
	}
	target := net.ParseIP(bindIP)
	if target == nil {
		return true // best-effort: an unparseable value was already rejected at startup
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return true // best-effort: assume OK if the query itself fails
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.Equal(target) {
			return true
		}
	}
	return false
}

func anyNonLoopbackInterfaceUp() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() != nil {
				return true
			}
		}
	}
	return false
}
