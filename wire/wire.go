// Package wire defines the JSON payload types carried inside frames on the
// chat gateway and the topic naming scheme for room subscriptions.
package wire

import "encoding/json"

// ConnectPayload is the payload of a CONNECT frame (client -> server).
type ConnectPayload struct {
	Token     string `json:"token"`
	Heartbeat int64  `json:"heartbeatMs,omitempty"`
}

// AuthResultPayload is the payload of AUTH_OK / AUTH_FAIL (server -> client).
type AuthResultPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// SubscribePayload is the payload of a SUBSCRIBE frame. The subscription
// id travels in the frame header.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// UnsubscribePayload is the payload of an UNSUBSCRIBE frame.
type UnsubscribePayload struct {
	Topic string `json:"topic,omitempty"`
}

// PublishPayload is the payload of a PUBLISH frame (client -> server).
type PublishPayload struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// DeliveryPayload is fanned out to every subscription on Topic.
type DeliveryPayload struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// ErrorPayload is the payload of an ERROR frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageTopic is the topic new chat messages of a room are delivered on.
func MessageTopic(roomID string) string { return "/sub/chat/rooms/" + roomID }

// ReceiptTopic is the topic read-receipt events of a room are delivered on.
func ReceiptTopic(roomID string) string { return "/sub/chat/rooms/" + roomID + "/read" }
