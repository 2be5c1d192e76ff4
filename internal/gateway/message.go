// Package gateway implements the Session Gateway (§4.2): WebSocket
// accept/auth, request/response correlation, subscription fan-out with
// backpressure, and the outbound event classes the Lifecycle Manager
// and Terminal Multiplexer drive.
package gateway

import (
	"encoding/json"
	"time"
)

// MessageType is the envelope's frame kind, grounded on the teacher's
// pkg/websocket.MessageType.
type MessageType string

const (
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeEvent    MessageType = "event"
	MessageTypeError    MessageType = "error"
)

// Message is the single frame shape for every direction of traffic
// (§6 "Frames are structured messages with: {type, requestId?,
// payload}"), generalized from the teacher's Message envelope by
// renaming Action's partner ID field to requestId and adding an
// event-scoped subscriptionId.
type Message struct {
	RequestID      string          `json:"requestId,omitempty"`
	Type           MessageType     `json:"type"`
	Action         string          `json:"action"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of a MessageTypeError frame, carrying one
// of the Gateway's own codes or a Manager/Multiplexer apperrors.Kind.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(typ MessageType, requestID, action string, payload interface{}) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Message{
		RequestID: requestID,
		Type:      typ,
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

func newResponse(requestID, action string, payload interface{}) (*Message, error) {
	return newMessage(MessageTypeResponse, requestID, action, payload)
}

func newErrorMessage(requestID, action, code, message string) *Message {
	return &Message{
		RequestID: requestID,
		Type:      MessageTypeError,
		Action:    action,
		Payload:   mustMarshal(ErrorPayload{Code: code, Message: message}),
		Timestamp: time.Now().UTC(),
	}
}

// newEvent builds a subscription-scoped outbound event (§4.2 "Event
// classes (outbound)").
func newEvent(subscriptionID, action string, payload interface{}) (*Message, error) {
	msg, err := newMessage(MessageTypeEvent, "", action, payload)
	if err != nil {
		return nil, err
	}
	msg.SubscriptionID = subscriptionID
	return msg, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// ParsePayload decodes m's payload into v.
func (m *Message) ParsePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
