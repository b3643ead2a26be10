// Package relay runs the per-device session loop: it greets the device,
// resolves and connects the provider adapter, and shuttles audio and
// control messages between the two sides until either closes.
//
// All provider events and device frames funnel through one goroutine, so
// ordering guarantees (audio before RESPONSE.COMPLETE, queued audio before
// live audio) fall out of the loop structure rather than locking.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/prompt"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/store"
)

const (
	// defaultVolume is the greeting volume_control when the profile has no
	// device record.
	defaultVolume = 20

	// defaultPitchFactor is the greeting pitch_factor when the personality
	// does not set one.
	defaultPitchFactor = 1.0
)

// Device instruction messages.
const (
	instructionEndOfSpeech = "end_of_speech"
	instructionInterrupt   = "INTERRUPT"
)

// greeting is the first JSON frame sent to a device after the upgrade.
type greeting struct {
	Type          string  `json:"type"`
	VolumeControl int     `json:"volume_control"`
	IsOTA         bool    `json:"is_ota"`
	IsReset       bool    `json:"is_reset"`
	PitchFactor   float64 `json:"pitch_factor"`
}

// serverMessage is a control notification sent to the device. VolumeControl
// is a pointer so a stored volume of zero still serializes on turn start
// while every other message omits the field.
type serverMessage struct {
	Type          string `json:"type"`
	Msg           string `json:"msg"`
	VolumeControl *int   `json:"volume_control,omitempty"`
}

// deviceMessage is a parsed JSON frame received from the device.
type deviceMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Deps bundles the process-level collaborators a session needs.
type Deps struct {
	// Registry resolves the personality's provider name to an adapter.
	Registry *realtime.Registry

	// Store backs conversation history, turn persistence and device
	// metadata lookups.
	Store store.Store

	// Metrics records session telemetry. When nil, DefaultMetrics is used.
	Metrics *observe.Metrics

	// Capture, when non-nil, receives a copy of all raw device PCM.
	Capture io.Writer

	// OnClose, when non-nil, runs exactly once when the session tears
	// down. The gateway uses it to release per-session capture files.
	OnClose func()
}

// Session relays one device connection to one provider session.
type Session struct {
	conn    *websocket.Conn
	profile *store.Profile
	deps    Deps
	log     *slog.Logger

	adapter realtime.Adapter
	closeCB sync.Once
}

// NewSession builds a session for an authenticated device connection.
func NewSession(conn *websocket.Conn, profile *store.Profile, deps Deps) *Session {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Session{
		conn:    conn,
		profile: profile,
		deps:    deps,
		log: slog.Default().With(
			"user", profile.UserID,
			"personality", personalityKey(profile),
		),
	}
}

func personalityKey(p *store.Profile) string {
	if p.Personality == nil {
		return ""
	}
	return p.Personality.Key
}

// frame is one raw message read from the device socket.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Run drives the session until the device disconnects, the provider stream
// ends, or ctx is cancelled. It always tears both sides down before
// returning.
func (s *Session) Run(ctx context.Context) error {
	start := time.Now()
	s.deps.Metrics.SessionStarted(ctx)
	defer func() {
		s.deps.Metrics.SessionEnded(context.WithoutCancel(ctx), time.Since(start).Seconds())
		s.teardown()
	}()

	if err := s.greet(ctx); err != nil {
		return fmt.Errorf("relay: greet device: %w", err)
	}

	adapter, providerName, err := s.newAdapter(ctx)
	if err != nil {
		return err
	}
	s.adapter = adapter

	// Dial in the background; device audio arriving meanwhile is queued
	// below so none of it is lost.
	connectDone := make(chan error, 1)
	dialStart := time.Now()
	go func() {
		connectDone <- adapter.Connect(ctx)
	}()

	frames := make(chan frame, 16)
	readErr := make(chan error, 1)
	go s.readLoop(ctx, frames, readErr)

	var pending [][]byte
	connected := false
	events := adapter.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-connectDone:
			connectDone = nil
			status := "ok"
			if err != nil {
				status = "error"
			}
			s.deps.Metrics.RecordProviderConnect(ctx, providerName, status, time.Since(dialStart).Seconds())
			if err != nil {
				s.log.Error("provider connect failed", "provider", providerName, "err", err)
				return fmt.Errorf("relay: provider connect: %w", err)
			}
			connected = true
			for _, chunk := range pending {
				if err := adapter.SubmitAudio(chunk); err != nil {
					return fmt.Errorf("relay: drain queued audio: %w", err)
				}
			}
			pending = nil
			s.log.Info("provider connected", "provider", providerName)

		case f, ok := <-frames:
			if !ok {
				err := <-readErr
				if err != nil && ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
					return fmt.Errorf("relay: device read: %w", err)
				}
				return nil
			}
			if err := s.handleDeviceFrame(f, connected, &pending); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				if err := adapter.Err(); err != nil {
					s.deps.Metrics.RecordProviderError(ctx, providerName)
					return fmt.Errorf("relay: provider stream: %w", err)
				}
				return nil
			}
			if err := s.handleProviderEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// greet sends the session greeting carrying device and personality
// parameters. Missing records fall back to conservative defaults.
func (s *Session) greet(ctx context.Context) error {
	g := greeting{
		Type:          "auth",
		VolumeControl: defaultVolume,
		PitchFactor:   defaultPitchFactor,
	}
	if d := s.profile.Device; d != nil {
		g.VolumeControl = d.Volume
		g.IsOTA = d.IsOTA
		g.IsReset = d.IsReset
	}
	if p := s.profile.Personality; p != nil && p.PitchFactor > 0 {
		g.PitchFactor = p.PitchFactor
	}
	return s.writeJSON(ctx, g)
}

// newAdapter builds the provider config and resolves the adapter.
func (s *Session) newAdapter(ctx context.Context) (realtime.Adapter, string, error) {
	if s.profile.Personality == nil {
		return nil, "", errors.New("relay: profile has no personality")
	}
	name := s.profile.Personality.Provider

	cfg := realtime.Config{
		Profile:      s.profile,
		FirstMessage: prompt.FirstMessage(s.profile),
		SystemPrompt: prompt.System(ctx, s.profile, s.deps.Store),
		Capture:      s.deps.Capture,
		OnClose:      s.fireOnClose,
	}
	if s.deps.Store != nil {
		cfg.Conversations = meteredConversations{s.deps.Store, s.deps.Metrics}
		cfg.Devices = s.deps.Store
	}

	adapter, err := s.deps.Registry.New(name, cfg)
	if err != nil {
		s.log.Error("provider resolution failed", "provider", name, "err", err)
		return nil, "", fmt.Errorf("relay: resolve provider: %w", err)
	}
	return adapter, name, nil
}

// readLoop reads device frames until the socket closes, then closes frames
// and reports the terminal error.
func (s *Session) readLoop(ctx context.Context, frames chan<- frame, readErr chan<- error) {
	defer close(frames)
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}
}

// handleDeviceFrame routes one device message: binary frames are audio,
// text frames are instructions.
func (s *Session) handleDeviceFrame(f frame, connected bool, pending *[][]byte) error {
	if f.typ == websocket.MessageBinary {
		if !connected {
			*pending = append(*pending, f.data)
			return nil
		}
		if err := s.adapter.SubmitAudio(f.data); err != nil {
			return fmt.Errorf("relay: submit audio: %w", err)
		}
		return nil
	}

	var msg deviceMessage
	if err := json.Unmarshal(f.data, &msg); err != nil {
		s.log.Warn("unparseable device message", "err", err)
		return nil
	}
	if msg.Type != "instruction" {
		s.log.Debug("ignoring device message", "type", msg.Type)
		return nil
	}

	switch msg.Msg {
	case instructionEndOfSpeech:
		if !connected {
			s.log.Warn("end_of_speech before provider connect; ignored")
			return nil
		}
		if err := s.adapter.SubmitEndOfSpeech(); err != nil {
			return fmt.Errorf("relay: end of speech: %w", err)
		}
	case instructionInterrupt:
		if !connected {
			return nil
		}
		if err := s.adapter.SubmitInterrupt(); err != nil {
			return fmt.Errorf("relay: interrupt: %w", err)
		}
	default:
		s.log.Debug("unknown instruction", "msg", msg.Msg)
	}
	return nil
}

// handleProviderEvent forwards one normalized provider event to the device.
func (s *Session) handleProviderEvent(ctx context.Context, ev realtime.Event) error {
	switch ev.Type {
	case realtime.EventAudio:
		if err := s.conn.Write(ctx, websocket.MessageBinary, ev.Audio); err != nil {
			return fmt.Errorf("relay: write audio: %w", err)
		}
		s.deps.Metrics.AudioPacketsOut.Add(ctx, 1)
		return nil

	case realtime.EventResponseCreated:
		v := ev.Volume
		return s.writeJSON(ctx, serverMessage{Type: "server", Msg: ev.Type.String(), VolumeControl: &v})

	case realtime.EventResponseComplete, realtime.EventResponseError, realtime.EventAudioCommitted:
		return s.writeJSON(ctx, serverMessage{Type: "server", Msg: ev.Type.String()})
	}
	return nil
}

func (s *Session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// meteredConversations counts persisted turns on top of the store. The
// wrapper lives here so the provider packages never import observe.
type meteredConversations struct {
	store.ConversationStore
	metrics *observe.Metrics
}

func (m meteredConversations) AppendTurn(ctx context.Context, turn store.Turn) error {
	if err := m.ConversationStore.AppendTurn(ctx, turn); err != nil {
		return err
	}
	m.metrics.RecordTurnPersisted(ctx, string(turn.Role))
	return nil
}

// fireOnClose runs the configured close callback exactly once, whether it
// fires from the adapter's Close or from session teardown.
func (s *Session) fireOnClose() {
	s.closeCB.Do(func() {
		if s.deps.OnClose != nil {
			s.deps.OnClose()
		}
	})
}

// teardown closes both legs. Safe against partially initialised sessions.
// CloseNow skips the close handshake: a device that stopped reading must
// not hold the teardown hostage.
func (s *Session) teardown() {
	if s.adapter != nil {
		s.adapter.Close()
	}
	s.conn.CloseNow()
	s.fireOnClose()
}
