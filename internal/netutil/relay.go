package netutil

import (
	"net"
	"strings"
)

var cgnatBlock = mustCIDR("100.64.0.0/10")

// Interface is the part of a network interface the relay heuristic looks at.
type Interface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs []net.IP
}

// ShouldForceRelay checks if the system is likely behind a restrictive VPN or
// CGNAT and returns true if calls should go through TURN only.
func ShouldForceRelay() bool {
	ifaces, err := SystemInterfaces()
	if err != nil {
		return false
	}
	return forceRelayFor(ifaces)
}

// SystemInterfaces lists the host's interfaces with their addresses.
func SystemInterfaces() ([]Interface, error) {
	raw, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(raw))
	for _, iface := range raw {
		it := Interface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
			Loop: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					it.Addrs = append(it.Addrs, v.IP)
				case *net.IPAddr:
					it.Addrs = append(it.Addrs, v.IP)
				}
			}
		}
		out = append(out, it)
	}
	return out, nil
}

func forceRelayFor(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop {
			continue
		}

		// VPN and tunnel adapters: OpenVPN, WireGuard, PPP, WARP.
		name := strings.ToLower(iface.Name)
		for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
			if strings.Contains(name, marker) {
				return true
			}
		}

		// WARP, Tailscale and carrier-grade NAT hand out 100.64.0.0/10.
		for _, ip := range iface.Addrs {
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func mustCIDR(s string) *net.IPNet {
	_, block, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return block
}
