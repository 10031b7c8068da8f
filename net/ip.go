package net

import (
	"net"
)

// HostIP returns the first non-loopback IPv4 address of the host, or
// "127.0.0.1" if none is found. It is used when the configured bind address
// is "localhost" or empty and an externally reachable address is needed in
// stream URLs handed to clients.
func HostIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
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
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}

	return "127.0.0.1"
}

// ResolveBindIP maps the configured server address to the address reported
// to ONVIF clients. "localhost" and the empty string resolve to the host's
// LAN address since NVRs need a reachable URL.
func ResolveBindIP(configured string) string {
	if len(configured) == 0 || configured == "localhost" || configured == "127.0.0.1" {
		return HostIP()
	}

	return configured
}
