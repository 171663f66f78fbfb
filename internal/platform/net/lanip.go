// SPDX-License-Identifier: MIT

// Package net provides LAN address discovery and port-range binding for
// the local signaling server.
package net

import (
	"net"
)

// FirstLANIPv4 returns the first non-loopback unicast IPv4 address of this
// machine, or ok=false when none is available (airplane mode, loopback-only
// hosts). Callers fall back to 127.0.0.1 in that case.
func FirstLANIPv4() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), true
			}
		}
	}
	return "", false
}
