package wire

// Operation is a request operation on a channel.
type Operation uint8

const (
	// OpConnect opens a channel to a PV and returns its current value.
	OpConnect Operation = 1

	// OpGet fetches the current value.
	OpGet Operation = 2

	// OpPut writes a value. With Wait set the response is sent once the
	// record finished processing (put-callback).
	OpPut Operation = 3

	// OpMonitor starts a monitor. The response carries the subscription ID
	// and the initial value.
	OpMonitor Operation = 4

	// OpCancel stops a monitor.
	OpCancel Operation = 5

	// OpClose releases a channel.
	OpClose Operation = 6
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpConnect:
		return "Connect"
	case OpGet:
		return "Get"
	case OpPut:
		return "Put"
	case OpMonitor:
		return "Monitor"
	case OpCancel:
		return "Cancel"
	case OpClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	return o >= OpConnect && o <= OpClose
}
