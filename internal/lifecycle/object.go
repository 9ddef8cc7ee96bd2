package lifecycle

import (
	"fmt"
	"time"
)

// State is the lifecycle position of a stored object. Transitions only move
// forward: Active to Consumed or Expired, and either of those to Purged.
type State int

const (
	StateActive State = iota
	StateConsumed
	StateExpired
	StatePurged
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the payload may no longer be served.
func (s State) Terminal() bool { return s != StateActive }

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "consumed":
		return StateConsumed, nil
	case "expired":
		return StateExpired, nil
	case "purged":
		return StatePurged, nil
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Status is what pollers see: every terminal state collapses into Gone.
type Status int

const (
	StatusGone Status = iota
	StatusActive
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "gone"
}

// Metadata is supplied by the uploader.
type Metadata struct {
	Name        string
	ContentType string
}

// Options tune a single upload. Zero values take the manager defaults and
// values above the configured caps are clamped.
type Options struct {
	TTL           time.Duration
	MaxRetrievals int
}

// StoredObject is the record kept for one upload.
type StoredObject struct {
	Token        string
	BlobRef      string
	SizeBytes    int64
	ContentType  string
	OriginalName string
	SHA256       string

	CreatedAt     time.Time
	ExpiresAt     time.Time
	MaxRetrievals int

	RetrievalCount int
	State          State
	TerminalAt     time.Time
	// BlobDestroyed is set once the payload bytes have been deleted. A
	// terminal record with destroyed bytes is a tombstone.
	BlobDestroyed bool
}

// Tombstone reports whether only the record is left.
func (o StoredObject) Tombstone() bool {
	return o.State.Terminal() && o.BlobDestroyed
}
