package transport

import (
	"net"

	netroute "github.com/libp2p/go-netroute"
)

// localOutboundAddress determines the address this host would use to reach
// the public internet, for announcing a useful ANNOUNCE/RESPONSE address
// when the transport is bound to a wildcard host. It first asks the
// system's routing table and falls back to the dial-a-public-IP trick if
// routing information isn't available (e.g. sandboxed environments).
func localOutboundAddress() net.IP {
	if router, err := netroute.New(); err == nil {
		if _, _, preferredSrc, err := router.Route(net.IPv4(8, 8, 8, 8)); err == nil && preferredSrc != nil {
			return preferredSrc
		}
	}
	return dialTrickLocalIP()
}

func dialTrickLocalIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
