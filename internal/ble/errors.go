package ble

import "errors"

var (
	ErrBondingFailed          = errors.New("ble: bonding failed")
	ErrConnectionTimeout      = errors.New("ble: connection timeout")
	ErrServiceDiscoveryFailed = errors.New("ble: service discovery failed")
	ErrCharacteristicMissing  = errors.New("ble: characteristic missing")
	ErrWriteFailed            = errors.New("ble: write failed")
	ErrFlowControlStalled     = errors.New("ble: flow control stalled")
	ErrDeviceNotFound         = errors.New("ble: no matching device found")

	// ErrCancelled is delivered to commands dropped by a disconnect or an
	// explicit cancel.
	ErrCancelled = errors.New("ble: cancelled")

	// ErrQueueLeased rejects ordinary commands while an update session holds
	// the queue.
	ErrQueueLeased = errors.New("ble: queue leased")

	ErrNotReady = errors.New("ble: link not ready")
)
