package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// Target identifies the live chat endpoint for one conversation partner.
type Target struct {
	BaseURL       string
	RecipientID   string
	Token         string
	AppointmentID string
}

// URL builds <ws-scheme>://<host>[/prefix]/chat/ws/<recipient>?token=...[&appointment_id=...].
func (t Target) URL() (string, error) {
	if strings.TrimSpace(t.RecipientID) == "" {
		return "", fmt.Errorf("%w: recipient id is required", ErrInvalidTarget)
	}
	if strings.TrimSpace(t.Token) == "" {
		return "", fmt.Errorf("%w: token is required", ErrInvalidTarget)
	}

	u, err := url.Parse(strings.TrimSpace(t.BaseURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: base url %q has no host", ErrInvalidTarget, t.BaseURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/chat/ws/" + t.RecipientID
	u.RawPath = ""

	query := "token=" + url.QueryEscape(t.Token)
	if id := strings.TrimSpace(t.AppointmentID); id != "" {
		query += "&appointment_id=" + url.QueryEscape(id)
	}
	u.RawQuery = query
	u.Fragment = ""

	return u.String(), nil
}

// FormatFrame applies the "<recipientId>: <text>" framing agreed with the backend.
func FormatFrame(recipientID, text string) string {
	return recipientID + ": " + strings.TrimSpace(text)
}
