package chat

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// RoomStatus tracks the 2-party session lifecycle. A room is pending until
// the server reports a second participant, transitions to accepted exactly
// once, and closed/expired are terminal.
type RoomStatus int

const (
	RoomStatusPending RoomStatus = iota
	RoomStatusAccepted
	RoomStatusClosed
	RoomStatusExpired
)

func (s RoomStatus) String() string {
	switch s {
	case RoomStatusPending:
		return "pending"
	case RoomStatusAccepted:
		return "accepted"
	case RoomStatusClosed:
		return "closed"
	case RoomStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Room identifies a 2-party session. The id is opaque and server-assigned;
// the join code is short, human-shareable, and client-generated.
type Room struct {
	ID          string
	JoinCode    string
	Status      RoomStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CreatedByMe bool
}

// NewRoom creates a local room record. The server-assigned id may be empty
// until the broker or signaling server reports it.
func NewRoom(id, joinCode string, createdByMe bool, ttl time.Duration) *Room {
	now := time.Now()
	return &Room{
		ID:          id,
		JoinCode:    joinCode,
		Status:      RoomStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		CreatedByMe: createdByMe,
	}
}

// Accept marks the room accepted. Returns false if the room already left
// pending; the pending→accepted transition happens at most once.
func (r *Room) Accept() bool {
	if r.Status != RoomStatusPending {
		return false
	}
	r.Status = RoomStatusAccepted
	return true
}

// Terminal reports whether the room can no longer be used.
func (r *Room) Terminal() bool {
	return r.Status == RoomStatusClosed || r.Status == RoomStatusExpired
}

// Word lists for join codes. Short, unambiguous, easy to read out loud.
var codeAdjectives = []string{
	"tiny", "happy", "sleepy", "fluffy", "cheery", "silly", "jolly", "cozy",
	"golden", "silver", "crimson", "emerald", "purple", "bright", "gentle",
	"brave", "calm", "swift", "silent", "bouncy", "fuzzy", "merry", "peppy",
}

var codeAnimals = []string{
	"kitten", "puppy", "bunny", "panda", "koala", "fox", "otter", "hedgehog",
	"squirrel", "hamster", "fawn", "lamb", "raccoon", "ferret", "beaver",
	"dolphin", "narwhal", "penguin", "flamingo", "sparrow", "robin", "toucan",
}

// GenerateJoinCode returns a human-shareable join code like
// "fluffy-otter-47".
func GenerateJoinCode() string {
	adjective := codeAdjectives[rand.IntN(len(codeAdjectives))]
	animal := codeAnimals[rand.IntN(len(codeAnimals))]
	return fmt.Sprintf("%s-%s-%d", adjective, animal, 10+rand.IntN(90))
}
