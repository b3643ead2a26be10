package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/relay"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/provider/realtime/mock"
	"github.com/MrWong99/voxgate/pkg/store"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testProfile() *store.Profile {
	return &store.Profile{
		UserID:         "u1",
		Email:          "parent@example.com",
		SuperviseeName: "Mia",
		Personality: &store.Personality{
			Key:         "sunny",
			Provider:    "mock",
			PitchFactor: 1.2,
		},
		Device: &store.Device{ID: "d1", Volume: 35, IsOTA: true},
	}
}

// startSession runs a Session behind a test WebSocket server and returns the
// device-side client connection plus the channel Run's result lands on.
// Optional mutators adjust the session's Deps before it starts.
func startSession(t *testing.T, profile *store.Profile, adapter *mock.Adapter, mutate ...func(*relay.Deps)) (*websocket.Conn, chan error) {
	t.Helper()

	reg := realtime.NewRegistry()
	reg.Register("mock", func(cfg realtime.Config) (realtime.Adapter, error) {
		return adapter, nil
	})

	ms := store.NewMemStore()
	ms.AddProfile(profile)

	runErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		deps := relay.Deps{
			Registry: reg,
			Store:    ms,
		}
		for _, m := range mutate {
			m(&deps)
		}
		sess := relay.NewSession(conn, profile, deps)
		runErr <- sess.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("device dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn, runErr
}

// readDeviceJSON reads one text frame from the device side.
func readDeviceJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text frame, got %v", typ)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("device unmarshal: %v (%s)", err, data)
	}
}

func writeDevice(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("device write: %v", err)
	}
}

type greetingMsg struct {
	Type          string  `json:"type"`
	VolumeControl int     `json:"volume_control"`
	IsOTA         bool    `json:"is_ota"`
	IsReset       bool    `json:"is_reset"`
	PitchFactor   float64 `json:"pitch_factor"`
}

type serverMsg struct {
	Type          string `json:"type"`
	Msg           string `json:"msg"`
	VolumeControl *int   `json:"volume_control"`
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// ── Greeting ──────────────────────────────────────────────────────────────────

func TestSession_GreetsWithDeviceAndPersonality(t *testing.T) {
	t.Parallel()

	conn, _ := startSession(t, testProfile(), mock.New())

	var g greetingMsg
	readDeviceJSON(t, conn, &g)
	if g.Type != "auth" {
		t.Errorf("type = %q; want auth", g.Type)
	}
	if g.VolumeControl != 35 {
		t.Errorf("volume_control = %d; want 35", g.VolumeControl)
	}
	if !g.IsOTA || g.IsReset {
		t.Errorf("is_ota/is_reset = %v/%v; want true/false", g.IsOTA, g.IsReset)
	}
	if g.PitchFactor != 1.2 {
		t.Errorf("pitch_factor = %v; want 1.2", g.PitchFactor)
	}
}

func TestSession_GreetingDefaults(t *testing.T) {
	t.Parallel()

	profile := testProfile()
	profile.Device = nil
	profile.Personality.PitchFactor = 0

	conn, _ := startSession(t, profile, mock.New())

	var g greetingMsg
	readDeviceJSON(t, conn, &g)
	if g.VolumeControl != 20 {
		t.Errorf("volume_control = %d; want default 20", g.VolumeControl)
	}
	if g.PitchFactor != 1.0 {
		t.Errorf("pitch_factor = %v; want default 1.0", g.PitchFactor)
	}
}

// ── Audio queueing ────────────────────────────────────────────────────────────

func TestSession_QueuesAudioUntilConnectedAndPreservesOrder(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	release := adapter.HoldConnect()

	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	chunks := [][]byte{{1}, {2}, {3}}
	for _, c := range chunks {
		writeDevice(t, conn, websocket.MessageBinary, c)
	}

	// Nothing may reach the provider before connect completes.
	time.Sleep(50 * time.Millisecond)
	if got := adapter.Audio(); len(got) != 0 {
		t.Fatalf("adapter received %d chunks before connect; want 0", len(got))
	}

	release()

	waitFor(t, "queued audio drain", func() bool { return len(adapter.Audio()) == 3 })
	for i, c := range adapter.Audio() {
		if !bytes.Equal(c, chunks[i]) {
			t.Errorf("chunk[%d] = %v; want %v", i, c, chunks[i])
		}
	}

	// Live audio after the drain goes straight through, behind the queue.
	writeDevice(t, conn, websocket.MessageBinary, []byte{4})
	waitFor(t, "live audio", func() bool { return len(adapter.Audio()) == 4 })
	if got := adapter.Audio()[3]; !bytes.Equal(got, []byte{4}) {
		t.Errorf("chunk[3] = %v; want [4]", got)
	}
}

// ── Instructions ──────────────────────────────────────────────────────────────

func TestSession_EndOfSpeechForwardsAndAcknowledges(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	waitFor(t, "provider connect", adapter.Connected)
	writeDevice(t, conn, websocket.MessageText, []byte(`{"type":"instruction","msg":"end_of_speech"}`))

	waitFor(t, "end of speech call", func() bool { return adapter.EndOfSpeechCalls() == 1 })

	var msg serverMsg
	readDeviceJSON(t, conn, &msg)
	if msg.Type != "server" || msg.Msg != "AUDIO.COMMITTED" {
		t.Errorf("server message = %+v; want AUDIO.COMMITTED", msg)
	}
}

func TestSession_InterruptForwarded(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	waitFor(t, "provider connect", adapter.Connected)
	writeDevice(t, conn, websocket.MessageText, []byte(`{"type":"instruction","msg":"INTERRUPT"}`))

	waitFor(t, "interrupt call", func() bool { return adapter.InterruptCalls() == 1 })
}

func TestSession_IgnoresMalformedDeviceText(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	waitFor(t, "provider connect", adapter.Connected)
	writeDevice(t, conn, websocket.MessageText, []byte(`not json`))
	writeDevice(t, conn, websocket.MessageText, []byte(`{"type":"instruction","msg":"dance"}`))

	// The session must still be alive and routing.
	writeDevice(t, conn, websocket.MessageText, []byte(`{"type":"instruction","msg":"INTERRUPT"}`))
	waitFor(t, "interrupt after garbage", func() bool { return adapter.InterruptCalls() == 1 })
}

// ── Provider events ───────────────────────────────────────────────────────────

func TestSession_ForwardsProviderEventsInOrder(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	adapter.Emit(realtime.Event{Type: realtime.EventResponseCreated, Volume: 35})
	adapter.Emit(realtime.Event{Type: realtime.EventAudio, Audio: []byte{9, 9}})
	adapter.Emit(realtime.Event{Type: realtime.EventResponseComplete})

	var created serverMsg
	readDeviceJSON(t, conn, &created)
	if created.Msg != "RESPONSE.CREATED" || created.VolumeControl == nil || *created.VolumeControl != 35 {
		t.Errorf("first message = %+v; want RESPONSE.CREATED volume_control 35", created)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("device read: %v", err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(data, []byte{9, 9}) {
		t.Errorf("second frame = %v %v; want binary [9 9]", typ, data)
	}

	var complete serverMsg
	readDeviceJSON(t, conn, &complete)
	if complete.Msg != "RESPONSE.COMPLETE" {
		t.Errorf("third message = %+v; want RESPONSE.COMPLETE", complete)
	}
}

func TestSession_ResponseCreatedWireShape(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	// A stored volume of zero must still reach the device, under the
	// volume_control key the firmware parses.
	adapter.Emit(realtime.Event{Type: realtime.EventResponseCreated, Volume: 0})
	adapter.Emit(realtime.Event{Type: realtime.EventResponseComplete})

	var created map[string]any
	readDeviceJSON(t, conn, &created)
	if created["msg"] != "RESPONSE.CREATED" {
		t.Fatalf("first message = %v; want RESPONSE.CREATED", created)
	}
	v, ok := created["volume_control"]
	if !ok {
		t.Error("RESPONSE.CREATED lacks volume_control")
	} else if v != float64(0) {
		t.Errorf("volume_control = %v; want 0", v)
	}
	if _, ok := created["volume"]; ok {
		t.Error("RESPONSE.CREATED carries a stray volume key")
	}

	// Other control messages omit the field entirely.
	var complete map[string]any
	readDeviceJSON(t, conn, &complete)
	if _, ok := complete["volume_control"]; ok {
		t.Errorf("RESPONSE.COMPLETE carries volume_control: %v", complete)
	}
}

func TestSession_ResponseErrorForwarded(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, _ := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	adapter.Emit(realtime.Event{Type: realtime.EventResponseError})

	var msg serverMsg
	readDeviceJSON(t, conn, &msg)
	if msg.Msg != "RESPONSE.ERROR" {
		t.Errorf("message = %+v; want RESPONSE.ERROR", msg)
	}
}

// ── Failure and teardown paths ────────────────────────────────────────────────

func TestSession_UnknownProviderFailsSession(t *testing.T) {
	t.Parallel()

	profile := testProfile()
	profile.Personality.Provider = "nonexistent"

	conn, runErr := startSession(t, profile, mock.New())
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	select {
	case err := <-runErr:
		if !errors.Is(err, realtime.ErrUnknownProvider) {
			t.Errorf("Run = %v; want ErrUnknownProvider", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to fail")
	}
}

func TestSession_ConnectFailureFailsSession(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	adapter.FailConnect(realtime.ErrConnectTimeout)

	conn, runErr := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	select {
	case err := <-runErr:
		if !errors.Is(err, realtime.ErrConnectTimeout) {
			t.Errorf("Run = %v; want ErrConnectTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to fail")
	}
}

func TestSession_ProviderStreamFailureFailsSession(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, runErr := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	streamErr := errors.New("upstream went away")
	adapter.FailStream(streamErr)

	select {
	case err := <-runErr:
		if !errors.Is(err, streamErr) {
			t.Errorf("Run = %v; want wrapped %v", err, streamErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to fail")
	}
}

func TestSession_CleanProviderCloseEndsSessionWithoutError(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, runErr := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	adapter.Close()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v; want nil for clean provider close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to end")
	}
}

func TestSession_DeviceCloseClosesAdapter(t *testing.T) {
	t.Parallel()

	adapter := mock.New()
	conn, runErr := startSession(t, testProfile(), adapter)
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	waitFor(t, "provider connect", adapter.Connected)
	conn.Close(websocket.StatusNormalClosure, "device going away")

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run = %v; want nil for normal device close", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to end")
	}

	if err := adapter.SubmitAudio([]byte{1}); !errors.Is(err, realtime.ErrClosed) {
		t.Errorf("adapter not closed after device close; SubmitAudio = %v", err)
	}
}

func TestSession_CloseCallbackRunsExactlyOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	adapter := mock.New()
	conn, runErr := startSession(t, testProfile(), adapter, func(d *relay.Deps) {
		d.OnClose = func() { calls.Add(1) }
	})
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	waitFor(t, "provider connect", adapter.Connected)
	conn.Close(websocket.StatusNormalClosure, "device going away")

	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to end")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("close callback ran %d times; want exactly 1", got)
	}
}

func TestSession_CloseCallbackRunsWhenProviderNeverResolves(t *testing.T) {
	t.Parallel()

	profile := testProfile()
	profile.Personality.Provider = "nonexistent"

	var calls atomic.Int32
	conn, runErr := startSession(t, profile, mock.New(), func(d *relay.Deps) {
		d.OnClose = func() { calls.Add(1) }
	})
	var g greetingMsg
	readDeviceJSON(t, conn, &g)

	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to fail")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("close callback ran %d times; want exactly 1", got)
	}
}

func TestSession_TeardownDoesNotWaitForUnresponsiveDevice(t *testing.T) {
	t.Parallel()

	// A device that stops reading must not delay teardown: the close
	// handshake would block until the write timeout, so the session drops
	// the socket immediately instead.
	profile := testProfile()
	profile.Personality.Provider = "nonexistent"

	_, runErr := startSession(t, profile, mock.New())
	// The device side never reads the greeting or the close frame.

	start := time.Now()
	select {
	case <-runErr:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session to fail")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("teardown took %v with a non-reading device; want prompt return", elapsed)
	}
}
