package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBase is the Bluetooth SIG base UUID that 16- and 32-bit UUIDs
// expand into.
const bluetoothBase = "-0000-1000-8000-00805f9b34fb"

// ParseUUID validates a characteristic or service UUID and returns its
// canonical 128-bit lowercase form. 16-bit ("180f") and 32-bit short forms
// are expanded with the Bluetooth base UUID.
func ParseUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBase
	case 8:
		s = s + bluetoothBase
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ble: invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// normalizeUUID is ParseUUID for lookups, falling back to the lowercased
// input.
func normalizeUUID(s string) string {
	if u, err := ParseUUID(s); err == nil {
		return u
	}
	return strings.ToLower(s)
}
