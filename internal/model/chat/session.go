package chat

import (
	"strings"
	"time"
)

// Role is the account type of a chat participant.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// Participant is one side of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Name returns the display name, falling back to the identifier.
func (p Participant) Name() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return p.ID
}

// Appointment binds a conversation to a scheduled visit.
type Appointment struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// SessionContext carries everything a chat session needs before it may connect.
type SessionContext struct {
	Self        Participant  `json:"self"`
	Partner     Participant  `json:"partner"`
	Appointment *Appointment `json:"appointment,omitempty"`
	Token       string       `json:"-"`
}

// Missing lists the required pieces that are absent, in a stable order.
func (c SessionContext) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.Self.ID) == "" {
		missing = append(missing, "self")
	}
	if strings.TrimSpace(c.Partner.ID) == "" {
		missing = append(missing, "partner")
	}
	if c.Appointment == nil || strings.TrimSpace(c.Appointment.ID) == "" {
		missing = append(missing, "appointment")
	}
	if strings.TrimSpace(c.Token) == "" {
		missing = append(missing, "token")
	}
	return missing
}

// Snapshot is a read-only copy of a session handed to presentation code.
type Snapshot struct {
	SessionID    string       `json:"sessionId"`
	Status       Status       `json:"status"`
	Partner      Participant  `json:"partner"`
	Appointment  *Appointment `json:"appointment,omitempty"`
	Messages     []Message    `json:"messages"`
	CanSend      bool         `json:"canSend"`
	CanReconnect bool         `json:"canReconnect"`
}
