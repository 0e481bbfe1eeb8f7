//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// WriteWithResponse issues a GATT write request through BlueZ. The tinygo
// Linux backend only sends write commands.
func (c *tinyGoCharacteristic) WriteWithResponse(data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect to system bus: %w", err)
	}
	path, err := c.objectPath(conn)
	if err != nil {
		return err
	}
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	obj := conn.Object(bluezBus, dbus.ObjectPath(path))
	if err := obj.Call(bluezGattCharIface+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write request %s: %w", c.char.UUID(), err)
	}
	return nil
}

func (c *tinyGoCharacteristic) objectPath(conn *dbus.Conn) (string, error) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()
	if c.path != "" {
		return c.path, nil
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("ble: list BlueZ objects: %w", err)
	}
	path, ok := findCharacteristicPath(objects, c.mac, c.char.UUID().String())
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrCharacteristicMissing, c.char.UUID(), c.mac)
	}
	c.path = string(path)
	return c.path, nil
}
