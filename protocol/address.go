package protocol

import "fmt"

// AddressSize is the wire size of an Address
const AddressSize = 6

// Address identifies a device, virtual device and object on a HiQnet network.
// Object is 24 bits on the wire.
type Address struct {
	Device  uint16
	VDevice uint8
	Object  uint32
}

// BroadcastAddress matches any destination
var BroadcastAddress = Address{Device: 0xFFFF}

// DefaultLocalAddress is the device address used when nothing is configured
var DefaultLocalAddress = Address{Device: 0xFB00}

func (a Address) IsBroadcast() bool {
	return a.Device == 0xFFFF && a.VDevice == 0 && a.Object == 0
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%06x", a.Device, a.VDevice, a.Object)
}

func (a Address) put(w *writer) {
	w.u16(a.Device)
	w.u8(a.VDevice)
	w.u24(a.Object)
}

func readAddress(r *reader) Address {
	return Address{
		Device:  r.u16(),
		VDevice: r.u8(),
		Object:  r.u24(),
	}
}
