package wire

import (
	"fmt"

	"github.com/ophyd-epics-devices/epicsdev/pkg/pvdata"
)

// KeyKind is the CBOR map key holding the message kind in every message.
const KeyKind = 0

// Kind distinguishes the top-level message types.
type Kind uint8

const (
	KindRequest      Kind = 1
	KindResponse     Kind = 2
	KindNotification Kind = 3
	KindControl      Kind = 4
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindNotification:
		return "NOTIFICATION"
	case KindControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Request is sent by the client to the gateway.
//
// CBOR encoding:
//
//	{
//	  0: 1,              // kind
//	  1: messageId,      // uint32, never 0
//	  2: operation,      // uint8
//	  3: channel,        // PV name without scheme
//	  4: data,           // put value
//	  5: wait,           // put-callback
//	  6: subscriptionId  // cancel target
//	}
type Request struct {
	Kind           Kind      `cbor:"0,keyasint"`
	MessageID      uint32    `cbor:"1,keyasint"`
	Operation      Operation `cbor:"2,keyasint"`
	Channel        string    `cbor:"3,keyasint,omitempty"`
	Data           any       `cbor:"4,keyasint,omitempty"`
	Wait           bool      `cbor:"5,keyasint,omitempty"`
	SubscriptionID uint32    `cbor:"6,keyasint,omitempty"`
}

// Validate checks if the request is well formed.
func (r *Request) Validate() error {
	if r.MessageID == 0 {
		return fmt.Errorf("messageId 0 is reserved")
	}
	if !r.Operation.IsValid() {
		return fmt.Errorf("invalid operation: %d", r.Operation)
	}
	switch r.Operation {
	case OpCancel:
		if r.SubscriptionID == 0 {
			return fmt.Errorf("cancel without subscriptionId")
		}
	default:
		if r.Channel == "" {
			return fmt.Errorf("%s without channel", r.Operation)
		}
	}
	return nil
}

// Response answers a Request.
//
// CBOR encoding:
//
//	{
//	  0: 2,              // kind
//	  1: messageId,      // matches request
//	  2: status,         // uint8
//	  3: value,          // pvdata.Value for Connect/Get/Monitor
//	  4: subscriptionId, // Monitor
//	  5: message         // error detail
//	}
type Response struct {
	Kind           Kind          `cbor:"0,keyasint"`
	MessageID      uint32        `cbor:"1,keyasint"`
	Status         Status        `cbor:"2,keyasint"`
	Value          *pvdata.Value `cbor:"3,keyasint,omitempty"`
	SubscriptionID uint32        `cbor:"4,keyasint,omitempty"`
	Message        string        `cbor:"5,keyasint,omitempty"`
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status.IsSuccess()
}

// Event is the notification event type.
type Event uint8

const (
	// EventValue carries a monitor update.
	EventValue Event = 0

	// EventDisconnected reports that the gateway lost the upstream channel.
	EventDisconnected Event = 1

	// EventConnected reports that the upstream channel is back.
	EventConnected Event = 2
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventValue:
		return "value"
	case EventDisconnected:
		return "disconnected"
	case EventConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Notification is pushed by the gateway for a monitor or channel.
//
// CBOR encoding:
//
//	{
//	  0: 3,              // kind
//	  1: subscriptionId, // 0 for channel state events
//	  2: channel,
//	  3: event,
//	  4: value
//	}
type Notification struct {
	Kind           Kind          `cbor:"0,keyasint"`
	SubscriptionID uint32        `cbor:"1,keyasint"`
	Channel        string        `cbor:"2,keyasint"`
	Event          Event         `cbor:"3,keyasint"`
	Value          *pvdata.Value `cbor:"4,keyasint,omitempty"`
}

// ControlMessage represents a transport-level control message.
// These are separate from the request/response/notification model.
type ControlMessage struct {
	Kind     Kind               `cbor:"0,keyasint"`
	Type     ControlMessageType `cbor:"1,keyasint"`
	Sequence uint32             `cbor:"2,keyasint,omitempty"`
}

// ControlMessageType represents the type of control message.
type ControlMessageType uint8

const (
	// ControlPing is sent to check connection liveness.
	ControlPing ControlMessageType = 1

	// ControlPong is the response to a ping.
	ControlPong ControlMessageType = 2

	// ControlClose initiates graceful connection close.
	ControlClose ControlMessageType = 3
)

// String returns the control message type name.
func (t ControlMessageType) String() string {
	switch t {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlClose:
		return "close"
	default:
		return "unknown"
	}
}
