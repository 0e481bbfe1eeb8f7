package ble

// State is the lifecycle of one link.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateBonding
	StateConnecting
	StateDiscoveringServices
	StateSubscribingNotifications
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateBonding:
		return "bonding"
	case StateConnecting:
		return "connecting"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateSubscribingNotifications:
		return "subscribing_notifications"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// EventKind enumerates the inputs of the link state machine.
type EventKind int

const (
	EvStart EventKind = iota
	EvStop
	EvRetry
	EvDeviceFound
	EvScanFailed
	EvBonded
	EvBondFailed
	EvConnected
	EvConnectFailed
	EvConnectTimeout
	EvServicesDiscovered
	EvDiscoveryFailed
	EvSubscribed
	EvSubscribeFailed
	EvDisconnected
	EvPairingMismatch
)

func (k EventKind) String() string {
	names := [...]string{
		"start", "stop", "retry", "device_found", "scan_failed", "bonded",
		"bond_failed", "connected", "connect_failed", "connect_timeout",
		"services_discovered", "discovery_failed", "subscribed",
		"subscribe_failed", "disconnected", "pairing_mismatch",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// Event is one input to Transition. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Device Device
	Bonded bool
	Err    error

	// Results carried back from asynchronous operations.
	conn  Connection
	chars map[string]Characteristic
	mtu   int

	// gen tags events from asynchronous operations; events from a torn
	// down attempt are dropped. Zero is always accepted.
	gen uint64
}

// Effect is a side effect requested by Transition and executed by the Link.
type Effect int

const (
	EffStartScan Effect = iota
	EffBond
	EffNotifyBonded
	EffConnect
	EffStartConnectTimer
	EffCancelConnectTimer
	EffDiscover
	EffSubscribe
	EffMarkReady
	EffTeardown
	EffUnbond
	EffScheduleReconnect
	EffCancelTimers
)

func (e Effect) String() string {
	names := [...]string{
		"start_scan", "bond", "notify_bonded", "connect", "start_connect_timer",
		"cancel_connect_timer", "discover", "subscribe", "mark_ready",
		"teardown", "unbond", "schedule_reconnect", "cancel_timers",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "unknown"
}

// Transition is the pure link state machine. Events that do not apply to the
// current state leave it unchanged with no effects.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EvStop:
		if s == StateIdle {
			return s, nil
		}
		return StateIdle, []Effect{EffCancelTimers, EffTeardown}

	case EvPairingMismatch:
		if s == StateIdle {
			return s, nil
		}
		return StateScanning, []Effect{EffCancelTimers, EffTeardown, EffUnbond, EffStartScan}

	case EvDisconnected:
		switch s {
		case StateConnecting:
			return StateDisconnected, []Effect{EffCancelConnectTimer, EffTeardown, EffScheduleReconnect}
		case StateDiscoveringServices, StateSubscribingNotifications, StateReady:
			return StateDisconnected, []Effect{EffTeardown, EffScheduleReconnect}
		}
		return s, nil
	}

	switch s {
	case StateIdle:
		if ev.Kind == EvStart {
			return StateScanning, []Effect{EffStartScan}
		}

	case StateDisconnected:
		if ev.Kind == EvRetry || ev.Kind == EvStart {
			return StateScanning, []Effect{EffCancelTimers, EffStartScan}
		}

	case StateScanning:
		switch ev.Kind {
		case EvDeviceFound:
			if ev.Bonded {
				return StateConnecting, []Effect{EffNotifyBonded, EffConnect, EffStartConnectTimer}
			}
			return StateBonding, []Effect{EffBond}
		case EvScanFailed:
			return StateDisconnected, []Effect{EffScheduleReconnect}
		}

	case StateBonding:
		switch ev.Kind {
		case EvBonded:
			return StateConnecting, []Effect{EffNotifyBonded, EffConnect, EffStartConnectTimer}
		case EvBondFailed:
			return StateDisconnected, []Effect{EffTeardown, EffScheduleReconnect}
		}

	case StateConnecting:
		switch ev.Kind {
		case EvConnected:
			// The connect timer stays armed until the link is ready.
			return StateDiscoveringServices, []Effect{EffDiscover}
		case EvConnectFailed:
			return StateDisconnected, []Effect{EffCancelConnectTimer, EffTeardown, EffScheduleReconnect}
		case EvConnectTimeout:
			return StateDisconnected, []Effect{EffTeardown, EffScheduleReconnect}
		}

	case StateDiscoveringServices:
		switch ev.Kind {
		case EvServicesDiscovered:
			return StateSubscribingNotifications, []Effect{EffSubscribe}
		case EvDiscoveryFailed, EvConnectTimeout:
			return StateDisconnected, []Effect{EffTeardown, EffScheduleReconnect}
		}

	case StateSubscribingNotifications:
		switch ev.Kind {
		case EvSubscribed:
			return StateReady, []Effect{EffCancelConnectTimer, EffMarkReady}
		case EvSubscribeFailed, EvConnectTimeout:
			return StateDisconnected, []Effect{EffTeardown, EffScheduleReconnect}
		}
	}
	return s, nil
}
