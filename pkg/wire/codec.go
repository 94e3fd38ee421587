package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for gateway messages.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for gateway messages.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient for forward compatibility: unknown keys are ignored.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PeekKind returns the kind of an encoded message without decoding the rest.
func PeekKind(data []byte) (Kind, error) {
	var head struct {
		Kind Kind `cbor:"0,keyasint"`
	}
	if err := decMode.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("decode message kind: %w", err)
	}
	switch head.Kind {
	case KindRequest, KindResponse, KindNotification, KindControl:
		return head.Kind, nil
	}
	return 0, fmt.Errorf("unknown message kind %d", head.Kind)
}

// EncodeRequest encodes a request, stamping its kind.
func EncodeRequest(req *Request) ([]byte, error) {
	req.Kind = KindRequest
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return encMode.Marshal(req)
}

// DecodeRequest decodes and validates a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := decMode.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeResponse encodes a response, stamping its kind.
func EncodeResponse(resp *Response) ([]byte, error) {
	resp.Kind = KindResponse
	return encMode.Marshal(resp)
}

// DecodeResponse decodes a response and normalizes its value.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Value != nil {
		if err := resp.Value.Normalize(); err != nil {
			return nil, fmt.Errorf("response value: %w", err)
		}
	}
	return &resp, nil
}

// EncodeNotification encodes a notification, stamping its kind.
func EncodeNotification(notif *Notification) ([]byte, error) {
	notif.Kind = KindNotification
	return encMode.Marshal(notif)
}

// DecodeNotification decodes a notification and normalizes its value.
func DecodeNotification(data []byte) (*Notification, error) {
	var notif Notification
	if err := decMode.Unmarshal(data, &notif); err != nil {
		return nil, err
	}
	if notif.Value != nil {
		if err := notif.Value.Normalize(); err != nil {
			return nil, fmt.Errorf("notification value: %w", err)
		}
	}
	return &notif, nil
}

// EncodeControlMessage encodes a control message, stamping its kind.
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	msg.Kind = KindControl
	return encMode.Marshal(msg)
}

// DecodeControlMessage decodes a control message.
func DecodeControlMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
