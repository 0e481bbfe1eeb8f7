// Package ble drives BLE links to smart-glasses peripherals. It handles
// scanning, bonding, connection management, notification subscription and
// the ordered outbound write queue of each link.
package ble

import (
	"context"
	"strings"
)

// Role identifies one physical peripheral of a logical device.
type Role int

const (
	RoleSingle Role = iota
	RoleLeft
	RoleRight
)

func (r Role) String() string {
	switch r {
	case RoleLeft:
		return "left"
	case RoleRight:
		return "right"
	default:
		return "single"
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data without waiting for a response.
	Write(data []byte) error
	// WriteWithResponse sends data and waits for the peripheral to confirm.
	WriteWithResponse(data []byte) error
	// Read returns the current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	// It returns once the descriptor write has completed.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe disables notifications.
	Unsubscribe() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks for an ATT MTU of at most mtu bytes and returns the
	// value in effect.
	RequestMTU(mtu int) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// ScanFilter selects advertisements during a scan.
type ScanFilter struct {
	// ServiceUUID, when set, must be advertised.
	ServiceUUID string
	// NameContains lists substrings that must all appear in the local name.
	NameContains []string
	// Limit stops the scan after this many matches. Zero scans until the
	// context ends.
	Limit int
}

// MatchName reports whether name satisfies the name constraints.
func (f ScanFilter) MatchName(name string) bool {
	if len(f.NameContains) > 0 && name == "" {
		return false
	}
	for _, s := range f.NameContains {
		if !strings.Contains(name, s) {
			return false
		}
	}
	return true
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals matching filter until ctx is cancelled
	// or filter.Limit matches were found.
	Scan(ctx context.Context, filter ScanFilter) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// Bonder manages platform-level bonds.
type Bonder interface {
	IsBonded(mac string) (bool, error)
	Bond(ctx context.Context, mac string) error
	Unbond(mac string) error
}

// NopBonder treats every device as bonded. It is used on platforms that bond
// implicitly on first encrypted access.
type NopBonder struct{}

func (NopBonder) IsBonded(string) (bool, error)       { return true, nil }
func (NopBonder) Bond(context.Context, string) error { return nil }
func (NopBonder) Unbond(string) error                { return nil }
