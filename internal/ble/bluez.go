package ble

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus           = "org.bluez"
	bluezAdapterIface  = "org.bluez.Adapter1"
	bluezDeviceIface   = "org.bluez.Device1"
	bluezGattCharIface = "org.bluez.GattCharacteristic1"
	dbusPropsIface     = "org.freedesktop.DBus.Properties"
	dbusObjectManager  = "org.freedesktop.DBus.ObjectManager"
)

// BlueZBonder manages bonds through the BlueZ D-Bus API on Linux.
type BlueZBonder struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// NewBlueZBonder connects to the system bus. adapter is the HCI name, e.g.
// "hci0".
func NewBlueZBonder(adapter string) (*BlueZBonder, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("ble: %s not found on system bus, is bluetooth.service running?", bluezBus)
	}
	return &BlueZBonder{conn: conn, adapterPath: dbus.ObjectPath("/org/bluez/" + adapter)}, nil
}

// Close releases the bus connection.
func (b *BlueZBonder) Close() error {
	return b.conn.Close()
}

// devicePath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *BlueZBonder) devicePath(mac string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

func (b *BlueZBonder) IsBonded(mac string) (bool, error) {
	var v dbus.Variant
	obj := b.conn.Object(bluezBus, b.devicePath(mac))
	if err := obj.Call(dbusPropsIface+".Get", 0, bluezDeviceIface, "Paired").Store(&v); err != nil {
		// BlueZ has not seen the device yet.
		if isUnknownObject(err) {
			return false, nil
		}
		return false, fmt.Errorf("ble: read Paired for %s: %w", mac, err)
	}
	paired, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: property Paired is not bool")
	}
	return paired, nil
}

func (b *BlueZBonder) Bond(ctx context.Context, mac string) error {
	obj := b.conn.Object(bluezBus, b.devicePath(mac))
	if err := obj.CallWithContext(ctx, bluezDeviceIface+".Pair", 0).Err; err != nil {
		var dbusErr dbus.Error
		if asDBusError(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.AlreadyExists" {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrBondingFailed, mac, err)
	}
	// Trusted devices reconnect without user interaction.
	if err := obj.Call(dbusPropsIface+".Set", 0, bluezDeviceIface, "Trusted", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("ble: trust %s: %w", mac, err)
	}
	return nil
}

func (b *BlueZBonder) Unbond(mac string) error {
	obj := b.conn.Object(bluezBus, b.adapterPath)
	if err := obj.Call(bluezAdapterIface+".RemoveDevice", 0, b.devicePath(mac)).Err; err != nil {
		if isUnknownObject(err) {
			return nil
		}
		return fmt.Errorf("ble: remove device %s: %w", mac, err)
	}
	return nil
}

var _ Bonder = (*BlueZBonder)(nil)

// findCharacteristicPath picks the GattCharacteristic1 object with the given
// UUID below the device object of mac.
func findCharacteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, mac, uuid string) (dbus.ObjectPath, bool) {
	dev := "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_") + "/"
	want := normalizeUUID(uuid)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattCharIface]
		if !ok || !strings.Contains(string(path), dev) {
			continue
		}
		if u, ok := props["UUID"].Value().(string); ok && normalizeUUID(u) == want {
			return path, true
		}
	}
	return "", false
}

func asDBusError(err error, target *dbus.Error) bool {
	switch e := err.(type) {
	case dbus.Error:
		*target = e
		return true
	case *dbus.Error:
		*target = *e
		return true
	}
	return false
}

func isUnknownObject(err error) bool {
	var e dbus.Error
	if !asDBusError(err, &e) {
		return false
	}
	return e.Name == "org.freedesktop.DBus.Error.UnknownObject" ||
		e.Name == "org.bluez.Error.DoesNotExist"
}
