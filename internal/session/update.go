package session

import (
	"time"

	"github.com/your-org/facelock/pkg/dto"
)

// Update is the record published to sinks whenever the
// status/identity/confidence triple changes.
type Update struct {
	SessionID       string     `json:"session_id"`
	Status          Status     `json:"status"`
	CurrentIdentity *string    `json:"current_identity"`
	Confidence      Confidence `json:"confidence"`
	At              time.Time  `json:"at"`
}

func UpdateFrom(l Lock, at time.Time) Update {
	u := Update{
		SessionID:  l.SessionID,
		Status:     l.Status,
		Confidence: l.Confidence,
		At:         at,
	}
	if l.LockedIdentity != "" {
		id := l.LockedIdentity
		u.CurrentIdentity = &id
	}
	return u
}

// Identity returns the locked label or "" when none.
func (u Update) Identity() string {
	if u.CurrentIdentity == nil {
		return ""
	}
	return *u.CurrentIdentity
}

// DTO converts u to its wire form.
func (u Update) DTO() dto.SessionUpdate {
	return dto.SessionUpdate{
		SessionID:       u.SessionID,
		Status:          string(u.Status),
		CurrentIdentity: u.CurrentIdentity,
		Confidence:      string(u.Confidence),
		At:              u.At.UTC().Format(time.RFC3339Nano),
	}
}

func (u Update) sameAs(o Update) bool {
	return u.SessionID == o.SessionID &&
		u.Status == o.Status &&
		u.Confidence == o.Confidence &&
		u.Identity() == o.Identity()
}
