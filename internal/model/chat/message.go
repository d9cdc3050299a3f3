package chat

import "time"

// Origin tells where a message in the log came from.
type Origin string

const (
	OriginIncoming Origin = "incoming"
	OriginOutgoing Origin = "outgoing"
	// OriginSystem marks locally synthesized status notices. They are never transmitted.
	OriginSystem Origin = "system"
)

// Message is one immutable entry of a session log. ID is local only and never sent over the wire.
type Message struct {
	ID        string    `json:"id"`
	Origin    Origin    `json:"origin"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IsSystem reports whether the message is a local status notice.
func (m Message) IsSystem() bool {
	return m.Origin == OriginSystem
}
