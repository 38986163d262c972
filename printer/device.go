package printer

import (
	"fmt"
	"net/netip"
	"strings"
)

// Kind identifies the transport a printer is reached through
type Kind string

const (
	Bluetooth Kind = "BLUETOOTH"
	LAN       Kind = "LAN"
	USB       Kind = "USB"
)

// Kinds lists every supported transport kind
var Kinds = []Kind{Bluetooth, LAN, USB}

// ParseKind parses a transport kind name, ignoring case
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case Bluetooth, LAN, USB:
		return k, nil
	}
	return "", NewError(CodeInvalidArgument, "parse kind", fmt.Sprintf("unknown interface %q", s), nil)
}

func (k Kind) String() string {
	return string(k)
}

// Key is the identity of a device: its transport kind plus transport address
type Key struct {
	Interface Kind
	Address   string
}

func (k Key) String() string {
	return string(k.Interface) + "/" + k.Address
}

// Less orders keys by kind, then address
func (k Key) Less(o Key) bool {
	if k.Interface != o.Interface {
		return k.Interface < o.Interface
	}
	return k.Address < o.Address
}

// Device is a printer found by discovery or entered by hand.
// Exactly one of UUID, IPAddress and USBName is meaningful, selected by Interface.
type Device struct {
	Interface Kind   `json:"interface"`
	Name      string `json:"name"`
	UUID      string `json:"uuid,omitempty"`
	IPAddress string `json:"ip,omitempty"`
	USBName   string `json:"usbName,omitempty"`
}

// Address returns the transport specific address of the device
func (d Device) Address() string {
	switch d.Interface {
	case Bluetooth:
		return d.UUID
	case LAN:
		return d.IPAddress
	case USB:
		return d.USBName
	}
	return ""
}

// Key returns the identity of the device
func (d Device) Key() Key {
	return Key{Interface: d.Interface, Address: d.Address()}
}

// Same reports whether both devices have the same identity
func (d Device) Same(o Device) bool {
	return d.Key() == o.Key()
}

// Validate checks that the device has a known kind and an address for it
func (d Device) Validate() error {
	switch d.Interface {
	case Bluetooth, LAN, USB:
	default:
		return NewError(CodeInvalidDevice, "validate", fmt.Sprintf("unknown interface %q", d.Interface), nil)
	}
	if d.Address() == "" {
		return NewError(CodeInvalidDevice, "validate", fmt.Sprintf("%s device %q has no address", d.Interface, d.Name), nil)
	}
	if d.Interface == LAN {
		if _, err := ParseIPv4(d.IPAddress); err != nil {
			return err
		}
	}
	return nil
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Key().String()
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Key())
}

// ParseIPv4 validates a dotted IPv4 address
func ParseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return netip.Addr{}, NewError(CodeInvalidDevice, "parse ip", fmt.Sprintf("invalid IPv4 address %q", s), nil)
	}
	return addr, nil
}

// NewLANDevice builds a LAN printer entered by hand
func NewLANDevice(ip string) (Device, error) {
	addr, err := ParseIPv4(ip)
	if err != nil {
		return Device{}, err
	}
	return Device{
		Interface: LAN,
		Name:      "Printer at " + addr.String(),
		IPAddress: addr.String(),
	}, nil
}
