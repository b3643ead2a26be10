// Package openai implements the realtime.Adapter interface for the OpenAI
// Realtime API over WebSocket.
//
// Unlike Doubao's envelope protocol, every message is a flat JSON object
// with a "type" discriminator. Device audio goes upstream as base64
// input_audio_buffer.append messages; synthesised audio arrives as
// response.audio.delta and is re-encoded through the audio frame codec.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/store"
)

var _ realtime.Adapter = (*Adapter)(nil)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"

	fallbackVolume = 100
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the upstream WebSocket URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithModel overrides the realtime model name.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter bridges one device session to the OpenAI Realtime API.
type Adapter struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
	cfg     realtime.Config

	conn   *websocket.Conn
	events chan realtime.Event
	pk     *audio.Packetizer

	mu              sync.Mutex
	errVal          error
	closed          bool
	eventsClosed    bool
	started         bool
	turnCreatedSent bool
	transcript      string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	emitters  sync.WaitGroup
}

// New creates an OpenAI adapter for one session. Fails with
// realtime.ErrMissingCredentials before any dial if the API key is absent.
func New(apiKey string, cfg realtime.Config, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key is required", realtime.ErrMissingCredentials)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		voice:   defaultVoice,
		cfg:     cfg,
		events:  make(chan realtime.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Profile != nil && cfg.Profile.Personality != nil && cfg.Profile.Personality.Voice != "" {
		a.voice = cfg.Profile.Personality.Voice
	}
	for _, o := range opts {
		o(a)
	}

	enc, err := audio.NewOpusEncoder(audio.DefaultParams)
	if err != nil {
		cancel()
		return nil, err
	}
	pk, err := audio.NewPacketizer(audio.DefaultParams, enc, func(packet []byte) {
		a.emit(realtime.Event{Type: realtime.EventAudio, Audio: packet})
	})
	if err != nil {
		cancel()
		return nil, err
	}
	a.pk = pk
	return a, nil
}

// Connect dials the upstream and submits the session.update configuration.
// The opening line, if configured, is injected as a conversation item and a
// response is requested immediately. Bounded by realtime.ConnectTimeout.
func (a *Adapter) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, realtime.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.dialURL(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + a.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: openai: %v", realtime.ErrConnectTimeout, err)
		}
		return fmt.Errorf("openai: dial: %w", err)
	}
	a.conn = conn

	if err := a.sendSessionUpdate(); err != nil {
		conn.Close(websocket.StatusInternalError, "session config failed")
		return fmt.Errorf("openai: session config: %w", err)
	}

	if a.cfg.FirstMessage != "" {
		if err := a.sendFirstMessage(); err != nil {
			conn.Close(websocket.StatusInternalError, "first message failed")
			return fmt.Errorf("openai: first message: %w", err)
		}
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.receiveLoop()

	return nil
}

// dialURL appends the model query parameter unless the base URL already
// carries one (test servers pass a fully-formed URL).
func (a *Adapter) dialURL() string {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return a.baseURL
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", a.model)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (a *Adapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return a.conn.Write(a.ctx, websocket.MessageText, data)
}

// sendSessionUpdate configures voice, formats and instructions. Server-side
// turn detection is disabled: the device sends an explicit end-of-speech
// instruction instead.
func (a *Adapter) sendSessionUpdate() error {
	return a.writeJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"voice":               a.voice,
			"instructions":        a.cfg.SystemPrompt,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"turn_detection":      nil,
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
}

// sendFirstMessage injects the opening line and asks for a spoken response.
func (a *Adapter) sendFirstMessage() error {
	if err := a.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": a.cfg.FirstMessage},
			},
		},
	}); err != nil {
		return err
	}
	return a.writeJSON(map[string]any{"type": "response.create"})
}

// ── Upstream event handling ────────────────────────────────────────────────────

// serverEvent covers the fields of all inbound messages this adapter reacts
// to.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// receiveLoop reads upstream messages and dispatches them. It owns the
// events channel: it closes it when it exits.
func (a *Adapter) receiveLoop() {
	defer a.closeEvents()

	for {
		_, data, err := a.conn.Read(a.ctx)
		if err != nil {
			if a.ctx.Err() == nil {
				a.setErr(err)
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("openai: unparseable server event", "err", err)
			continue
		}
		a.handleEvent(&ev)
	}
}

func (a *Adapter) handleEvent(ev *serverEvent) {
	switch ev.Type {
	case "response.created":
		a.beginTurn()

	case "response.audio.delta":
		if ev.Delta != "" {
			pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
			if err != nil {
				slog.Warn("openai: undecodable audio delta", "err", err)
				return
			}
			a.pk.Push(pcm)
		}

	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			a.mu.Lock()
			a.transcript += ev.Delta
			a.mu.Unlock()
		}

	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			a.persistTurn(store.RoleUser, ev.Transcript)
		}

	case "response.done":
		a.finishTurn()

	case "error":
		slog.Warn("openai: upstream error event",
			"type", ev.Error.Type, "code", ev.Error.Code, "message", ev.Error.Message)
		a.emit(realtime.Event{Type: realtime.EventResponseError})
		a.setTurnCreated(false)

	default:
		slog.Debug("openai: unhandled event", "type", ev.Type)
	}
}

// beginTurn resets the codec to a clean frame boundary and notifies the
// relay once per turn, with the current device volume attached.
func (a *Adapter) beginTurn() {
	a.mu.Lock()
	alreadySent := a.turnCreatedSent
	a.turnCreatedSent = true
	a.mu.Unlock()
	if alreadySent {
		return
	}

	volume := fallbackVolume
	if a.cfg.Devices != nil && a.cfg.Profile != nil {
		ctx, cancel := context.WithTimeout(a.ctx, 3*time.Second)
		dev, err := a.cfg.Devices.DeviceInfo(ctx, a.cfg.Profile.UserID)
		cancel()
		volume = store.Fallback(dev, err, &store.Device{Volume: fallbackVolume}).Volume
	}

	a.pk.Reset()
	a.emit(realtime.Event{Type: realtime.EventResponseCreated, Volume: volume})
}

// finishTurn flushes the padded audio tail, persists the assistant
// transcript and notifies the relay.
func (a *Adapter) finishTurn() {
	a.pk.Flush(true)

	a.mu.Lock()
	text := a.transcript
	a.transcript = ""
	a.mu.Unlock()

	if text != "" {
		a.persistTurn(store.RoleAssistant, text)
	}

	a.emit(realtime.Event{Type: realtime.EventResponseComplete})
	a.setTurnCreated(false)
}

func (a *Adapter) persistTurn(role store.Role, text string) {
	if a.cfg.Conversations == nil || a.cfg.Profile == nil {
		return
	}
	turn := store.Turn{
		Role:      role,
		Text:      text,
		UserID:    a.cfg.Profile.UserID,
		CreatedAt: time.Now(),
	}
	if a.cfg.Profile.Personality != nil {
		turn.PersonalityKey = a.cfg.Profile.Personality.Key
	}

	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := a.cfg.Conversations.AppendTurn(ctx, turn); err != nil {
		slog.Error("openai: persist turn failed", "role", role, "err", err)
	}
}

func (a *Adapter) setTurnCreated(v bool) {
	a.mu.Lock()
	a.turnCreatedSent = v
	a.mu.Unlock()
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errVal == nil {
		a.errVal = err
	}
}

// emit delivers one normalized event. The send happens outside the mutex:
// a full buffer blocks the receive loop as backpressure without stalling
// the submit methods or the relay's drain.
func (a *Adapter) emit(ev realtime.Event) {
	if !a.beginEmit() {
		return
	}
	defer a.emitters.Done()
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// emitDetached delivers ev without blocking the caller. Submit methods run
// on the relay goroutine, the channel's only consumer; a blocking send
// there would stall the drain it is waiting for.
func (a *Adapter) emitDetached(ev realtime.Event) {
	if !a.beginEmit() {
		return
	}
	select {
	case a.events <- ev:
		a.emitters.Done()
	default:
		go func() {
			defer a.emitters.Done()
			select {
			case a.events <- ev:
			case <-a.ctx.Done():
			}
		}()
	}
}

// beginEmit registers an in-flight send, reporting false once the channel
// is closing.
func (a *Adapter) beginEmit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eventsClosed {
		return false
	}
	a.emitters.Add(1)
	return true
}

func (a *Adapter) closeEvents() {
	a.mu.Lock()
	if a.eventsClosed {
		a.mu.Unlock()
		return
	}
	a.eventsClosed = true
	a.mu.Unlock()

	// Release parked senders, then wait for them so close can never race
	// an in-flight send.
	a.cancel()
	a.emitters.Wait()
	close(a.events)
}

// ── Submit methods ─────────────────────────────────────────────────────────────

// SubmitAudio forwards one device PCM chunk as input_audio_buffer.append.
func (a *Adapter) SubmitAudio(chunk []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	if a.cfg.Capture != nil {
		if _, err := a.cfg.Capture.Write(chunk); err != nil {
			slog.Debug("openai: capture write failed", "err", err)
		}
	}

	return a.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

// SubmitEndOfSpeech commits the input buffer, requests a response, and
// acknowledges the commit to the relay.
func (a *Adapter) SubmitEndOfSpeech() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	if err := a.writeJSON(map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	if err := a.writeJSON(map[string]any{"type": "response.create"}); err != nil {
		return err
	}
	a.emitDetached(realtime.Event{Type: realtime.EventAudioCommitted})
	return nil
}

// SubmitInterrupt cancels the in-flight response upstream.
func (a *Adapter) SubmitInterrupt() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	return a.writeJSON(map[string]any{"type": "response.cancel"})
}

// ── Accessors / teardown ───────────────────────────────────────────────────────

// Events returns the normalized event stream.
func (a *Adapter) Events() <-chan realtime.Event { return a.events }

// Err returns the error that terminated the event stream, if any.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

// Close tears down the upstream socket and the codec. Idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		started := a.started
		a.mu.Unlock()

		a.cancel()
		a.pk.Close()
		if a.conn != nil {
			a.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		if !started {
			a.closeEvents()
		}
		if a.cfg.OnClose != nil {
			a.cfg.OnClose()
		}
	})
	return nil
}
