package server

// DeviceState is the relay's view of what a device is waiting for.
type DeviceState int

const (
	StateIdle DeviceState = iota
	StateAwaitingRosterAck
	StateAwaitingCommandAck
)

func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRosterAck:
		return "awaiting_roster_ack"
	case StateAwaitingCommandAck:
		return "awaiting_command_ack"
	default:
		return "unknown"
	}
}

func (s DeviceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateEvent drives Transition.
type StateEvent int

const (
	// EventContact: any well-formed uplink from the device.
	EventContact StateEvent = iota
	// EventRosterSent: a roster downlink reached the transport.
	EventRosterSent
	// EventCommandRelayed: the device's command was resolved and queued.
	EventCommandRelayed
	// EventCommandsSettled: the device has no open command sessions left,
	// either because they were acknowledged or because they expired.
	EventCommandsSettled
)

// Transition returns the state after ev. A pending command acknowledgement
// outranks a pending roster acknowledgement.
func Transition(s DeviceState, ev StateEvent) DeviceState {
	switch ev {
	case EventContact:
		// the next uplink after a roster counts as its acknowledgement
		if s == StateAwaitingRosterAck {
			return StateIdle
		}
		return s
	case EventRosterSent:
		if s == StateAwaitingCommandAck {
			return s
		}
		return StateAwaitingRosterAck
	case EventCommandRelayed:
		return StateAwaitingCommandAck
	case EventCommandsSettled:
		if s == StateAwaitingCommandAck {
			return StateIdle
		}
		return s
	}
	return s
}
