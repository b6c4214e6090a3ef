package config

import (
	"net"
	"strings"
)

// Carrier-grade NAT range. WARP, Tailscale and mobile carriers hand these out.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var tunnelNameHints = []string{"tun", "tap", "wg", "ppp", "warp"}

type netInterface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs []net.IP
}

// ShouldForceRelay reports whether this host looks like it sits behind a VPN
// tunnel or CGNAT, where direct paths to viewers rarely work.
func ShouldForceRelay() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	list := make([]netInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := netInterface{
			Name: iface.Name,
			Up:   iface.Flags&net.FlagUp != 0,
			Loop: iface.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					ni.Addrs = append(ni.Addrs, v.IP)
				case *net.IPAddr:
					ni.Addrs = append(ni.Addrs, v.IP)
				}
			}
		}
		list = append(list, ni)
	}
	return looksTunnelled(list)
}

func looksTunnelled(ifaces []netInterface) bool {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop {
			continue
		}
		name := strings.ToLower(iface.Name)
		for _, hint := range tunnelNameHints {
			if strings.Contains(name, hint) {
				return true
			}
		}
		for _, ip := range iface.Addrs {
			if cgnatBlock.Contains(ip) {
				return true
			}
		}
	}
	return false
}
