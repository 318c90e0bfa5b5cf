package hub

import "time"

// Message is the JSON envelope exchanged on observer connections
type Message struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Event     string         `json:"event,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Error     *ErrorBody     `json:"error,omitempty"`
	Token     string         `json:"token,omitempty"`
}

// ErrorBody is the error detail carried by error messages
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client message types
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// Server message types
const (
	TypeConnectionReady       = "connection.ready"
	TypeSubscriptionConfirmed = "subscription.confirmed"
	TypeEvent                 = "event"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Close codes for policy violations, sent before closing the connection
const (
	CloseInvalidAuth            = 4001
	CloseTokenExpired           = 4002
	CloseInsufficientPermission = 4003
	CloseRateLimited            = 4008
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func errorMessage(code, msg string) Message {
	return Message{
		Type:      TypeError,
		Timestamp: now(),
		Error:     &ErrorBody{Code: code, Message: msg},
	}
}
