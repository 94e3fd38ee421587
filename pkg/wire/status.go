package wire

// Status represents a response status code.
type Status uint8

const (
	// StatusSuccess indicates the operation completed successfully.
	StatusSuccess Status = 0

	// StatusChannelNotFound indicates no IOC serves the PV.
	StatusChannelNotFound Status = 1

	// StatusReadOnly indicates a put to a PV without write access.
	StatusReadOnly Status = 2

	// StatusTypeMismatch indicates the value cannot be converted to the PV type.
	StatusTypeMismatch Status = 3

	// StatusInvalidValue indicates a value the record rejected (out of range,
	// unknown enum choice).
	StatusInvalidValue Status = 4

	// StatusDisconnected indicates the gateway lost the upstream IOC.
	StatusDisconnected Status = 5

	// StatusTimeout indicates the upstream IOC did not answer in time.
	StatusTimeout Status = 6

	// StatusBusy indicates the gateway is overloaded; try again later.
	StatusBusy Status = 7

	// StatusUnsupported indicates the operation is not supported.
	StatusUnsupported Status = 8

	// StatusInternal indicates an unexpected gateway failure.
	StatusInternal Status = 9
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusChannelNotFound:
		return "CHANNEL_NOT_FOUND"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusTypeMismatch:
		return "TYPE_MISMATCH"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusBusy:
		return "BUSY"
	case StatusUnsupported:
		return "UNSUPPORTED"
	case StatusInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsWriteRejection reports statuses that mean the remote refused a put.
func (s Status) IsWriteRejection() bool {
	return s == StatusReadOnly || s == StatusTypeMismatch || s == StatusInvalidValue
}
