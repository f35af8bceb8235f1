// Package netprobe answers the two questions the session registry asks of
// the host network: what is my LAN address, and am I on Wi-Fi at all.
package netprobe

import (
	"errors"
	"net"
)

// ErrNoNetwork is returned when no usable LAN interface is up.
var ErrNoNetwork = errors.New("no active LAN interface")

// Probe reports the local network state.
type Probe interface {
	// LocalIPv4 returns the device's LAN IPv4 address.
	LocalIPv4() (string, error)

	// IsConnected reports whether a LAN interface is up.
	IsConnected() bool
}

// InterfaceProbe is a Probe backed by the host interface table.
type InterfaceProbe struct{}

// New creates an InterfaceProbe.
func New() *InterfaceProbe {
	return &InterfaceProbe{}
}

// LocalIPv4 returns the first private IPv4 assigned to an up, non-loopback
// interface.
func (p *InterfaceProbe) LocalIPv4() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
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
			ip := ipnet.IP.To4()
			if ip == nil || !ip.IsPrivate() {
				continue
			}
			return ip.String(), nil
		}
	}
	return "", ErrNoNetwork
}

// IsConnected reports whether LocalIPv4 would succeed.
func (p *InterfaceProbe) IsConnected() bool {
	_, err := p.LocalIPv4()
	return err == nil
}

// StaticProbe is a Probe with fixed answers, for tests.
type StaticProbe struct {
	IP        string
	Connected bool
}

// LocalIPv4 returns the configured address.
func (p *StaticProbe) LocalIPv4() (string, error) {
	if !p.Connected {
		return "", ErrNoNetwork
	}
	return p.IP, nil
}

// IsConnected reports the configured state.
func (p *StaticProbe) IsConnected() bool {
	return p.Connected
}
