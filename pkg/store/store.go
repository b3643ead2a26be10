// Package store defines the external persistence boundary of the voxgate
// relay: user/personality/device profiles read once at session start, and
// conversation turns appended as they finalise.
//
// The relay and the provider adapters depend only on the interfaces in this
// package. Production uses the PostgreSQL implementation in store/postgres;
// tests and single-node development use [MemStore].
package store

import (
	"context"
	"errors"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Turn is one finalised utterance. Turns are immutable once appended.
type Turn struct {
	// Role is the speaker: user or assistant.
	Role Role

	// Text is the finalised transcript of the utterance.
	Text string

	// UserID keys the turn to the owning user.
	UserID string

	// PersonalityKey records which personality produced or received the turn.
	PersonalityKey string

	// CreatedAt is the finalisation timestamp.
	CreatedAt time.Time
}

// Device holds the per-device record consulted during authentication and
// playback-volume resolution.
type Device struct {
	ID         string
	MACAddress string

	// Volume is the device playback volume in percent.
	Volume int

	// IsOTA signals a pending over-the-air update to the device.
	IsOTA bool

	// IsReset signals the device should factory-reset on next boot.
	IsReset bool
}

// Personality selects the upstream provider and voice parameters for a user.
type Personality struct {
	// Key is the stable identifier used to scope chat history.
	Key string

	// Provider names the realtime provider backing this personality
	// (e.g., "doubao", "openai").
	Provider string

	// Voice is the provider-specific voice identifier.
	Voice string

	Title           string
	CharacterPrompt string

	// FirstMessagePrompt templates the assistant's opening line. The
	// placeholder {name} is substituted with the supervisee's name.
	FirstMessagePrompt string

	// PitchFactor adjusts device-side playback pitch; 1.0 is neutral.
	PitchFactor float64
}

// Profile is the full user record fetched once when a session starts.
type Profile struct {
	UserID string
	Email  string

	// SuperviseeName is the name of the child or person the assistant
	// talks to; used in prompt construction.
	SuperviseeName string
	SuperviseeAge  int

	Personality *Personality
	Device      *Device
}

// ProfileStore resolves authenticated identities to full profiles.
type ProfileStore interface {
	// UserByEmail returns the profile for the given verified email.
	// Returns ErrNotFound if no such user exists.
	UserByEmail(ctx context.Context, email string) (*Profile, error)
}

// ConversationStore persists and retrieves conversation turns.
type ConversationStore interface {
	// AppendTurn writes one finalised turn. Turns are independent rows;
	// no cross-session coordination is required.
	AppendTurn(ctx context.Context, turn Turn) error

	// ChatHistory returns the turns for (user, personality) in
	// chronological order, oldest first.
	ChatHistory(ctx context.Context, userID, personalityKey string) ([]Turn, error)
}

// DeviceStore reads per-device state.
type DeviceStore interface {
	// DeviceInfo returns the device record for the given user.
	// Returns ErrNotFound if the user has no registered device.
	DeviceInfo(ctx context.Context, userID string) (*Device, error)
}

// Store bundles all persistence operations the gateway consumes.
type Store interface {
	ProfileStore
	ConversationStore
	DeviceStore
}

// Fallback substitutes def for v when err is non-nil. It makes best-effort
// reads explicit at the call site:
//
//	vol := store.Fallback(device.Volume, err, 100)
func Fallback[T any](v T, err error, def T) T {
	if err != nil {
		return def
	}
	return v
}
