// Package update runs firmware and configuration updates over the air. A
// Session checks versions against the firmware catalogue, downloads the
// image and streams it through the SUOTA service while holding the link's
// command queue.
package update

import "errors"

var (
	ErrLowBattery       = errors.New("update: battery too low")
	ErrUpdateInProgress = errors.New("update: another update is running")

	// ErrVersionIncompatible is returned when the device or the offered
	// firmware has a major version this host cannot drive.
	ErrVersionIncompatible = errors.New("update: version incompatible")

	// ErrUpdateTransferFailed covers every failed OTA step. The device keeps
	// running its existing firmware.
	ErrUpdateTransferFailed = errors.New("update: transfer failed")

	// ErrForbidden is returned when the catalogue rejects the token or the
	// device refuses the update.
	ErrForbidden = errors.New("update: forbidden")
)
