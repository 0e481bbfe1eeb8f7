//go:build darwin || windows

package ble

func (c *tinyGoCharacteristic) WriteWithResponse(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
