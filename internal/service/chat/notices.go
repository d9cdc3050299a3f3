package chat

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/carelink/internal/model/chat"
)

const appointmentLayout = "2006-01-02 15:04"

const (
	noticeTimeout    = "Connection timed out. Please try reconnecting."
	noticeError      = "Connection error. Please try reconnecting."
	noticeClosed     = "Chat connection closed."
	noticeSendFailed = "Failed to send message: not connected."
)

func noticeMissing(missing []string) string {
	return fmt.Sprintf("Unable to start chat: missing %s.", strings.Join(missing, ", "))
}

func noticeConnected(partner chat.Participant, appt *chat.Appointment) string {
	if appt == nil || appt.ScheduledAt.IsZero() {
		return fmt.Sprintf("Connected to %s.", partner.Name())
	}
	return fmt.Sprintf("Connected to %s for the appointment on %s.",
		partner.Name(), appt.ScheduledAt.Format(appointmentLayout))
}

func noticeRemoteError(text string) string {
	return "Error: " + text
}
