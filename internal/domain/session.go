package domain

import "time"

type SessionID string

type Status string

const (
	StatusOnline    Status = "online"
	StatusIdle      Status = "idle"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// Valid reports whether s can be set by a client. Offline is derived, never set.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusInvisible:
		return true
	}
	return false
}

// Visible is the status other participants see.
func (s Status) Visible() Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}

type Session struct {
	ID           SessionID `json:"id"`
	Identity     UserID    `json:"identity"`
	Device       DeviceID  `json:"device"`
	Status       Status    `json:"status"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}
