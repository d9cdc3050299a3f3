package chat

// Status is the connection state of a chat session.
type Status string

const (
	StatusDisconnected      Status = "disconnected"
	StatusConnecting        Status = "connecting"
	StatusConnected         Status = "connected"
	StatusConnectionError   Status = "connection_error"
	StatusConnectionTimeout Status = "connection_timeout"
)

// CanSend reports whether the compose box should be enabled.
func (s Status) CanSend() bool {
	return s == StatusConnected
}

// CanReconnect reports whether the manual reconnect action should be offered.
func (s Status) CanReconnect() bool {
	switch s {
	case StatusDisconnected, StatusConnectionError, StatusConnectionTimeout:
		return true
	default:
		return false
	}
}

// Label is the human readable status shown next to the conversation.
func (s Status) Label() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		return "Connected"
	case StatusConnectionError:
		return "Connection error"
	case StatusConnectionTimeout:
		return "Connection timed out"
	default:
		return "Disconnected"
	}
}
