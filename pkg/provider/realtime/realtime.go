// Package realtime defines the Adapter contract for real-time
// speech/LLM providers.
//
// An adapter owns one upstream provider socket for the lifetime of one
// device session. It speaks that provider's wire protocol — JSON envelopes,
// base64 audio, or raw binary frames — and surfaces a single normalized
// event stream toward the session relay: response lifecycle notifications
// plus device-ready encoded audio packets. The relay never sees provider
// wire formats.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/MrWong99/voxgate/pkg/store"
)

// ConnectTimeout bounds how long Connect may wait for the upstream socket
// to open and accept its initial configuration. The bound is shared by all
// provider kinds so an unresponsive upstream can never deadlock a device
// session.
const ConnectTimeout = 10 * time.Second

var (
	// ErrConnectTimeout indicates the upstream did not report open (or
	// error) within ConnectTimeout. Terminal for the session.
	ErrConnectTimeout = errors.New("realtime: provider connect timeout")

	// ErrMissingCredentials indicates a required provider secret is absent
	// from configuration. Raised before any upstream dial.
	ErrMissingCredentials = errors.New("realtime: missing provider credentials")

	// ErrUnknownProvider indicates the resolved personality names a
	// provider no adapter is registered for.
	ErrUnknownProvider = errors.New("realtime: unknown provider")

	// ErrClosed is returned by submit methods after the adapter closed.
	ErrClosed = errors.New("realtime: adapter closed")
)

// EventType discriminates the normalized events an adapter emits.
type EventType int

const (
	// EventAudio carries one encoded audio packet for the device.
	EventAudio EventType = iota

	// EventResponseCreated signals the provider began generating a
	// response turn. Carries the current device volume.
	EventResponseCreated

	// EventResponseComplete signals the response turn finished streaming,
	// including its audio tail.
	EventResponseComplete

	// EventResponseError signals the provider abandoned the turn. The
	// session continues; the turn is not retried.
	EventResponseError

	// EventAudioCommitted acknowledges an end-of-speech marker was
	// forwarded upstream.
	EventAudioCommitted
)

// String returns the device-facing message name for control events.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventResponseCreated:
		return "RESPONSE.CREATED"
	case EventResponseComplete:
		return "RESPONSE.COMPLETE"
	case EventResponseError:
		return "RESPONSE.ERROR"
	case EventAudioCommitted:
		return "AUDIO.COMMITTED"
	}
	return "UNKNOWN"
}

// Event is one normalized occurrence on the provider side of a session.
type Event struct {
	Type EventType

	// Audio is the encoded packet for EventAudio; nil otherwise.
	Audio []byte

	// Volume is the device playback volume attached to
	// EventResponseCreated.
	Volume int
}

// Adapter is the per-session bridge to one upstream provider.
//
// The relay is responsible for queuing device audio until Connect returns;
// an adapter never buffers pre-connect input itself. Events() is closed when
// the upstream socket closes or fails — the relay treats that as session
// teardown. Callers must call Close when the session ends; Close is
// idempotent and also triggered by upstream closure.
type Adapter interface {
	// Connect dials the upstream, submits the initial session
	// configuration, and returns once the provider accepted it. Fails with
	// ErrConnectTimeout after the shared bound.
	Connect(ctx context.Context) error

	// SubmitAudio forwards one device audio chunk upstream in the
	// provider's envelope.
	SubmitAudio(chunk []byte) error

	// SubmitEndOfSpeech sends the provider's end-of-audio marker and emits
	// EventAudioCommitted.
	SubmitEndOfSpeech() error

	// SubmitInterrupt cancels the in-flight generation upstream.
	SubmitInterrupt() error

	// Events returns the normalized event stream. Closed on upstream
	// close or error; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that closed Events prematurely, or nil after
	// a clean shutdown.
	Err() error

	// Close tears down the upstream socket and the audio codec. Safe to
	// call more than once.
	Close() error
}

// Config carries the session-scoped inputs an adapter needs. It is built by
// the relay after authentication and profile resolution.
type Config struct {
	// Profile is the authenticated user profile, including personality
	// (voice, pitch) and device metadata.
	Profile *store.Profile

	// FirstMessage is the precomputed opening line the assistant speaks,
	// or empty for none.
	FirstMessage string

	// SystemPrompt is the precomputed instruction text derived from the
	// personality and chat history.
	SystemPrompt string

	// Capture, when non-nil, receives a copy of all raw device PCM for
	// diagnostics.
	Capture io.Writer

	// Conversations persists finalised turns.
	Conversations store.ConversationStore

	// Devices backs the best-effort volume read attached to
	// EventResponseCreated.
	Devices store.DeviceStore

	// OnClose, when non-nil, is invoked during adapter Close. The relay
	// installs a callback that runs at most once per session.
	OnClose func()
}

// Factory constructs an adapter for one session. Implementations capture
// provider credentials from process configuration.
type Factory func(cfg Config) (Adapter, error)
