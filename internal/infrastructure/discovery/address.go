package discovery

import (
	"errors"
	"net"
	"sort"
)

var ErrNoAddress = errors.New("no usable IPv4 address")

// LocalIPv4Addresses lists the IPv4 addresses of interfaces that are up,
// private LAN addresses first.
func LocalIPv4Addresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addresses []net.IP
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
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
				addresses = append(addresses, ip4)
			}
		}
	}
	return SortIPv4ByPreference(addresses), nil
}

// SortIPv4ByPreference puts private addresses ahead of everything else,
// keeping the interface order otherwise.
func SortIPv4ByPreference(ips []net.IP) []net.IP {
	sorted := append([]net.IP(nil), ips...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].IsPrivate() && !sorted[j].IsPrivate()
	})
	return sorted
}

// AdvertiseAddress is the address put in pairing payloads: the configured
// one when set, otherwise the preferred local address.
func AdvertiseAddress(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	ips, err := LocalIPv4Addresses()
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", ErrNoAddress
	}
	return ips[0].String(), nil
}
