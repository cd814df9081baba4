package proto

// Application close codes sent in the WebSocket close frame.
const (
	CloseMissingIdentity = 4400 // role/userId/device parameters missing or invalid
	CloseAuthFailed      = 4401 // bearer token rejected by the auth gate
	CloseOwnerMismatch   = 4403 // token owner differs from the requested userId
	CloseSuperseded      = 4409 // a newer connection took over the same key
)

// TypeClose is the last line a line-delimited TCP connection receives. It carries
// the same code a WebSocket client would get in its close frame.
const TypeClose = "close"

type ClosePayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Hello is the first line a TCP client sends: the handshake parameters that
// WebSocket clients put in the query string.
type Hello struct {
	Token      string `json:"token"`
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
}
