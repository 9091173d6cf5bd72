package registry

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Status is a session's coarse presence state.
type Status string

// Presence states.
const (
	StatusActive Status = "ACTIVE"
	StatusBusy   Status = "BUSY"
	StatusIdle   Status = "IDLE"
)

// ErrInvalidStatus is returned by ParseStatus for anything outside the three
// presence states.
var ErrInvalidStatus = errors.New("registry: invalid status")

// ParseStatus accepts any casing of ACTIVE, BUSY or IDLE. Only ASCII letters
// are folded.
func ParseStatus(s string) (Status, error) {
	if s == "" || strings.IndexFunc(s, notASCIILetter) >= 0 {
		return "", ErrInvalidStatus
	}
	// Casers carry state and are not shared between goroutines.
	upper := cases.Upper(language.Und).String(s)
	switch st := Status(upper); st {
	case StatusActive, StatusBusy, StatusIdle:
		return st, nil
	}
	return "", ErrInvalidStatus
}

func notASCIILetter(r rune) bool {
	return (r < 'a' || r > 'z') && (r < 'A' || r > 'Z')
}

// Conn is the outbound half of a client channel. Implementations must be
// comparable (pointer types in practice) since the registry indexes by them.
type Conn interface {
	Send(v any) error
	Close() error
	RemoteAddr() string
}

// Session is a copy of one registry entry. Values handed out by the Registry
// are snapshots; mutating them has no effect on the table.
type Session struct {
	ID           uuid.UUID
	Name         string
	Status       Status
	LastActivity time.Time
	Conn         Conn

	seq         uint64
	demotedFrom Status
}

// IdleFor returns how long the session has been silent as of now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
