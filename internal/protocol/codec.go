package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode parses one wire message. The discriminator is extracted first, then
// the full message is strictly decoded into the matching variant: unknown
// discriminators and payload fields that do not belong to the variant are
// both rejected.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"messageType"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch head.Type {
	case TypeAuthRequest:
		return decodeAs[AuthRequest](data)
	case TypePriceRequest:
		return decodeAs[PriceRequest](data)
	case TypePriceResponse:
		return decodeAs[PriceResponse](data)
	case TypePriceUpdate:
		return decodeAs[PriceUpdate](data)
	case TypeSubscribeRequest:
		return decodeAs[SubscribeRequest](data)
	case TypeUnsubscribeRequest:
		return decodeAs[UnsubscribeRequest](data)
	case TypeAck:
		return decodeAs[Ack](data)
	case TypeHeartbeat:
		return decodeAs[Heartbeat](data)
	case "":
		return nil, fmt.Errorf("missing message type discriminator")
	default:
		return nil, fmt.Errorf("unknown message type %q", head.Type)
	}
}

// Encode serializes one message for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// decodeAs strictly decodes data into the variant T, rejecting any field the
// variant does not declare. A discriminator/payload mismatch fails here.
func decodeAs[T Message](data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg T
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("payload does not match discriminator: %w", err)
	}
	return msg, nil
}
