package peer

import (
	"net"
	"strings"
)

// Interface name fragments that indicate a VPN or overlay network where
// direct ICE paths usually fail.
var vpnInterfaceHints = []string{"tun", "tap", "wg", "ppp", "warp"}

// DetectRestrictedNetwork reports whether the host appears to be behind a
// VPN or carrier-grade NAT. Callers use it to default ForceRelay on, since
// hole punching through those networks rarely succeeds.
func DetectRestrictedNetwork() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}

	// 100.64.0.0/10 is the CGNAT range, also used by WARP and Tailscale.
	_, cgnat, _ := net.ParseCIDR("100.64.0.0/10")

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		name := strings.ToLower(iface.Name)
		for _, hint := range vpnInterfaceHints {
			if strings.Contains(name, hint) {
				return true
			}
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && cgnat.Contains(ipNet.IP) {
				return true
			}
		}
	}

	return false
}
