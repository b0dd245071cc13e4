// Package hiqtest holds fixtures shared by the tests of several packages.
package hiqtest

import (
	"net"

	"github.com/luma/hiqbridge/protocol"
)

// MAC is the hardware address of every fixture device
var MAC = net.HardwareAddr{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

// NetworkInfo is complete, encodable network information for a device at ip.
// A nil ip means 127.0.0.1.
func NetworkInfo(ip net.IP) protocol.NetworkInfo {
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}

	return protocol.NetworkInfo{
		MAC:     MAC,
		IP:      ip.To4(),
		Subnet:  net.IPv4(255, 255, 255, 0).To4(),
		Gateway: net.IPv4(127, 0, 0, 254).To4(),
	}
}

// Info is the discovery information of device at ip
func Info(device uint16, ip net.IP) protocol.DiscoveryInformation {
	return protocol.NewDiscoveryInformation(device, NetworkInfo(ip))
}
