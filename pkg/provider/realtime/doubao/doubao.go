// Package doubao implements the realtime.Adapter interface for the Doubao
// realtime speech service.
//
// The wire protocol is a JSON envelope {header:{message_id, namespace, name,
// appid}, payload:{…}} for control and text, with TTS audio delivered either
// base64-embedded in TTSResponse payloads or as raw binary frames on the
// same channel. Device audio is forwarded upstream as base64 AudioData
// messages; TTS output is re-encoded through the audio frame codec before it
// reaches the device.
package doubao

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/store"
)

// Compile-time assertion that Adapter satisfies the realtime interface.
var _ realtime.Adapter = (*Adapter)(nil)

const (
	defaultBaseURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	defaultVoice   = "zh_female_shuangkuaisisi_moon_bigtts"
	defaultModel   = "doubao-1.5-pro-32k"

	namespace = "SpeechToText"

	// asrSampleRate is the PCM rate the service expects for device audio.
	asrSampleRate = 16000

	// ttsSampleRate is the PCM rate of synthesised audio coming back.
	ttsSampleRate = 24000

	// firstMessageDelay is how long after the session config the opening
	// TextInput is sent. The service rejects text arriving before the
	// transcription session is fully established.
	firstMessageDelay = 500 * time.Millisecond

	// fallbackVolume is used when the best-effort device read fails.
	fallbackVolume = 100
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the upstream WebSocket URL. Primarily used in tests
// to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// WithVoice overrides the default TTS voice.
func WithVoice(voice string) Option {
	return func(a *Adapter) { a.voice = voice }
}

// WithModel overrides the LLM model name.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// ── Adapter ────────────────────────────────────────────────────────────────────

// Adapter bridges one device session to the Doubao realtime service.
type Adapter struct {
	appID   string
	token   string
	baseURL string
	voice   string
	model   string
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

	// transcript accumulates LLMResponseDelta text until TTSEnd.
	transcript string

	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	emitters      sync.WaitGroup
	firstMsgTimer *time.Timer
}

// New creates a Doubao adapter for one session. Fails with
// realtime.ErrMissingCredentials before any dial if the app id or access
// token is absent.
func New(appID, accessToken string, cfg realtime.Config, opts ...Option) (*Adapter, error) {
	if appID == "" || accessToken == "" {
		return nil, fmt.Errorf("%w: doubao app id and access token are required", realtime.ErrMissingCredentials)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		appID:   appID,
		token:   accessToken,
		baseURL: defaultBaseURL,
		voice:   defaultVoice,
		model:   defaultModel,
		cfg:     cfg,
		events:  make(chan realtime.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	if v := profileVoice(cfg.Profile); v != "" {
		a.voice = v
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

// profileVoice extracts the personality voice, if any.
func profileVoice(p *store.Profile) string {
	if p == nil || p.Personality == nil {
		return ""
	}
	return p.Personality.Voice
}

// Connect dials the upstream and submits the StartTranscription session
// configuration. The opening TextInput, if configured, is scheduled
// firstMessageDelay later. Bounded by realtime.ConnectTimeout.
func (a *Adapter) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, realtime.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.baseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			// Doubao's auth scheme separates scheme and token with "; ".
			"Authorization": []string{"Bearer; " + a.token},
		},
	})
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: doubao: %v", realtime.ErrConnectTimeout, err)
		}
		return fmt.Errorf("doubao: dial: %w", err)
	}
	a.conn = conn

	if err := a.sendSessionConfig(); err != nil {
		conn.Close(websocket.StatusInternalError, "session config failed")
		return fmt.Errorf("doubao: session config: %w", err)
	}

	if a.cfg.FirstMessage != "" {
		a.firstMsgTimer = time.AfterFunc(firstMessageDelay, a.sendFirstMessage)
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go a.receiveLoop()

	return nil
}

// ── Protocol message types ─────────────────────────────────────────────────────

type header struct {
	MessageID string `json:"message_id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	AppID     string `json:"appid"`
}

type envelope struct {
	Header  header `json:"header"`
	Payload any    `json:"payload"`
}

type inboundEnvelope struct {
	Header  header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type asrConfig struct {
	Language          string `json:"language"`
	Format            string `json:"format"`
	SampleRate        int    `json:"sample_rate"`
	EnablePunctuation bool   `json:"enable_punctuation"`
	EnableITN         bool   `json:"enable_itn"`
}

type ttsConfig struct {
	VoiceType   string  `json:"voice_type"`
	Encoding    string  `json:"encoding"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float64 `json:"speed_ratio"`
	VolumeRatio float64 `json:"volume_ratio"`
	PitchRatio  float64 `json:"pitch_ratio"`
}

type systemMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmConfig struct {
	ModelName      string          `json:"model_name"`
	SystemMessages []systemMessage `json:"system_messages"`
}

type startPayload struct {
	ASR asrConfig `json:"asr"`
	TTS ttsConfig `json:"tts"`
	LLM llmConfig `json:"llm"`
}

type audioPayload struct {
	Audio string `json:"audio"`
	IsEnd bool   `json:"is_end"`
}

type textPayload struct {
	Text string `json:"text"`
}

// resultPayload covers the fields of all inbound payloads this adapter
// reacts to; events carry only a subset each.
type resultPayload struct {
	Result string `json:"result"`
	Delta  string `json:"delta"`
	Audio  string `json:"audio"`
}

// newEnvelope assembles an outbound envelope with a fresh message id.
func (a *Adapter) newEnvelope(name string, payload any) envelope {
	return envelope{
		Header: header{
			MessageID: uuid.NewString(),
			Namespace: namespace,
			Name:      name,
			AppID:     a.appID,
		},
		Payload: payload,
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (a *Adapter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("doubao: marshal: %w", err)
	}
	return a.conn.Write(a.ctx, websocket.MessageText, data)
}

// sendSessionConfig submits the StartTranscription message carrying ASR,
// TTS and LLM settings for the session.
func (a *Adapter) sendSessionConfig() error {
	return a.writeJSON(a.newEnvelope("StartTranscription", startPayload{
		ASR: asrConfig{
			Language:          "zh-CN",
			Format:            "pcm",
			SampleRate:        asrSampleRate,
			EnablePunctuation: true,
			EnableITN:         true,
		},
		TTS: ttsConfig{
			VoiceType:   a.voice,
			Encoding:    "pcm",
			SampleRate:  ttsSampleRate,
			SpeedRatio:  1.0,
			VolumeRatio: 1.0,
			PitchRatio:  1.0,
		},
		LLM: llmConfig{
			ModelName: a.model,
			SystemMessages: []systemMessage{
				{Role: "system", Content: a.cfg.SystemPrompt},
			},
		},
	}))
}

// sendFirstMessage submits the assistant's opening line as TextInput.
func (a *Adapter) sendFirstMessage() {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if err := a.writeJSON(a.newEnvelope("TextInput", textPayload{Text: a.cfg.FirstMessage})); err != nil {
		slog.Warn("doubao: first message send failed", "err", err)
	}
}

// ── Upstream event handling ────────────────────────────────────────────────────

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

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.Header.Name == "" {
			// Some deployments multiplex raw PCM frames onto the control
			// channel with no envelope. Anything that does not parse is
			// treated as audio output; there is no framing guarantee.
			if len(data) > 0 {
				a.pk.Push(data)
			}
			continue
		}

		a.handleEvent(&env)
	}
}

func (a *Adapter) handleEvent(env *inboundEnvelope) {
	var payload resultPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			slog.Warn("doubao: malformed event payload", "event", env.Header.Name, "err", err)
			a.emit(realtime.Event{Type: realtime.EventResponseError})
			a.setTurnCreated(false)
			return
		}
	}

	switch env.Header.Name {
	case "TranscriptionStarted", "SentenceBegin", "LLMResponseEnd":
		slog.Debug("doubao: event", "name", env.Header.Name)

	case "SentenceEnd":
		if payload.Result != "" {
			a.persistTurn(store.RoleUser, payload.Result)
		}

	case "LLMResponseBegin":
		a.beginTurn()

	case "LLMResponseDelta":
		if payload.Delta != "" {
			a.mu.Lock()
			a.transcript += payload.Delta
			a.mu.Unlock()
		}

	case "TTSResponse":
		if payload.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(payload.Audio)
			if err != nil {
				slog.Warn("doubao: undecodable TTS audio", "err", err)
				return
			}
			a.pk.Push(pcm)
		}

	case "TTSEnd":
		a.finishTurn()

	case "Error":
		slog.Warn("doubao: upstream error event", "payload", string(env.Payload))
		a.emit(realtime.Event{Type: realtime.EventResponseError})
		a.setTurnCreated(false)

	default:
		slog.Debug("doubao: unhandled event", "name", env.Header.Name)
	}
}

// beginTurn handles LLMResponseBegin: once per turn it resets the codec to a
// clean frame boundary and notifies the relay, attaching the current device
// volume (best-effort, falling back to a default).
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

// finishTurn handles TTSEnd: flush the audio tail padded to a full frame,
// persist the accumulated assistant transcript, and notify the relay.
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

// persistTurn appends a finalised turn; failures are logged, never fatal to
// the session.
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
		slog.Error("doubao: persist turn failed", "role", role, "err", err)
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

// emit delivers one normalized event unless the channel already closed.
// The send happens outside the mutex: when the buffer is full the receive
// loop blocks here as backpressure, but submit methods can still take the
// lock and the relay can keep draining.
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

// emitDetached delivers ev without ever blocking the caller. Submit methods
// run on the relay goroutine, which is also the channel's only consumer;
// waiting on a full buffer there would stall the very drain that makes room.
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

// beginEmit registers an in-flight send. Reports false once the channel is
// closing; closeEvents waits for registered senders before close(events).
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

	// Release any sender parked on a full buffer, then wait for all
	// in-flight sends so close can never race one.
	a.cancel()
	a.emitters.Wait()
	close(a.events)
}

// ── Submit methods ─────────────────────────────────────────────────────────────

// SubmitAudio forwards one device PCM chunk upstream as base64 AudioData.
// A copy lands in the diagnostic capture writer when one is configured.
func (a *Adapter) SubmitAudio(chunk []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	if a.cfg.Capture != nil {
		if _, err := a.cfg.Capture.Write(chunk); err != nil {
			slog.Debug("doubao: capture write failed", "err", err)
		}
	}

	return a.writeJSON(a.newEnvelope("AudioData", audioPayload{
		Audio: base64.StdEncoding.EncodeToString(chunk),
		IsEnd: false,
	}))
}

// SubmitEndOfSpeech sends the empty is_end AudioData marker and
// acknowledges the commit to the relay.
func (a *Adapter) SubmitEndOfSpeech() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	if err := a.writeJSON(a.newEnvelope("AudioData", audioPayload{IsEnd: true})); err != nil {
		return err
	}
	a.emitDetached(realtime.Event{Type: realtime.EventAudioCommitted})
	return nil
}

// SubmitInterrupt cancels the in-flight generation with StopTranscription.
func (a *Adapter) SubmitInterrupt() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.mu.Unlock()

	return a.writeJSON(a.newEnvelope("StopTranscription", struct{}{}))
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

// Close tears down the upstream socket and the codec. Idempotent; safe to
// call concurrently with in-flight audio events.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		started := a.started
		a.mu.Unlock()

		if a.firstMsgTimer != nil {
			a.firstMsgTimer.Stop()
		}
		a.cancel()
		a.pk.Close()
		if a.conn != nil {
			a.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		if !started {
			// No receive loop to close the channel for us.
			a.closeEvents()
		}
		if a.cfg.OnClose != nil {
			a.cfg.OnClose()
		}
	})
	return nil
}
