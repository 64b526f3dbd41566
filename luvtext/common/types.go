package common

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies a single item in a text CRDT.
// It consists of the id of the client that created the item and a Lamport clock value.
type ID struct {
	Client string `json:"client"`
	Clock  uint64 `json:"clock"`
}

// Compare compares two ids.
// Returns:
//
//	-1 if id < other
//	 0 if id == other
//	 1 if id > other
//
// Ids with a higher clock are greater; equal clocks are ordered by client id.
func (id ID) Compare(other ID) int {
	if id.Clock < other.Clock {
		return -1
	}
	if id.Clock > other.Clock {
		return 1
	}
	return strings.Compare(id.Client, other.Client)
}

// Next returns the id created right after this one by the same client.
func (id ID) Next() ID {
	return ID{Client: id.Client, Clock: id.Clock + 1}
}

// String returns a string representation of the id.
func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Clock)
}

// NewClientID creates a new random client id for a CRDT document.
func NewClientID() string {
	return uuid.NewString()
}

// ShortID returns a short random id, used when the room does not provide a user id.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// Origin tags where an update applied to a document came from.
type Origin int

const (
	// OriginLocal marks edits made in this process.
	OriginLocal Origin = iota
	// OriginRemote marks updates received from other clients through the update log.
	OriginRemote
)

// String returns the name of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}
