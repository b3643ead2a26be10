// Package mock provides a scriptable in-memory realtime.Adapter for tests
// and local development. It records everything submitted to it and lets the
// caller inject normalized events at will.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/realtime"
)

var _ realtime.Adapter = (*Adapter)(nil)

// Adapter is a fake provider session. The zero value is not usable; create
// instances with New.
type Adapter struct {
	mu           sync.Mutex
	connectErr   error
	connectGate  chan struct{}
	connected    bool
	closed       bool
	eventsClosed bool
	audio        [][]byte
	endOfSpeech  int
	interrupts   int
	errVal       error

	events chan realtime.Event
}

// New returns an unconnected mock adapter.
func New() *Adapter {
	return &Adapter{events: make(chan realtime.Event, 64)}
}

// FailConnect makes the next Connect call return err.
func (a *Adapter) FailConnect(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// HoldConnect makes the next Connect call block until the returned release
// function is called (or its context ends). Must be set before Connect.
func (a *Adapter) HoldConnect() (release func()) {
	gate := make(chan struct{})
	a.mu.Lock()
	a.connectGate = gate
	a.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Connect implements realtime.Adapter.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	gate := a.connectGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return a.connectErr
	}
	a.connected = true
	return nil
}

// SubmitAudio implements realtime.Adapter. Chunks are recorded in order.
func (a *Adapter) SubmitAudio(chunk []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return realtime.ErrClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	a.audio = append(a.audio, cp)
	return nil
}

// SubmitEndOfSpeech implements realtime.Adapter. It emits
// EventAudioCommitted like the real adapters do.
func (a *Adapter) SubmitEndOfSpeech() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return realtime.ErrClosed
	}
	a.endOfSpeech++
	a.mu.Unlock()

	a.Emit(realtime.Event{Type: realtime.EventAudioCommitted})
	return nil
}

// SubmitInterrupt implements realtime.Adapter.
func (a *Adapter) SubmitInterrupt() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return realtime.ErrClosed
	}
	a.interrupts++
	return nil
}

// Events implements realtime.Adapter.
func (a *Adapter) Events() <-chan realtime.Event { return a.events }

// Err implements realtime.Adapter.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

// Close implements realtime.Adapter. The events channel closes with it.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if !a.eventsClosed {
		a.eventsClosed = true
		close(a.events)
	}
	return nil
}

// ── Scripting surface ─────────────────────────────────────────────────────────

// Emit injects one event into the stream. Dropped silently after Close.
func (a *Adapter) Emit(ev realtime.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.eventsClosed {
		return
	}
	a.events <- ev
}

// FailStream records err and closes the event stream, simulating an
// upstream failure mid-session.
func (a *Adapter) FailStream(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errVal == nil {
		a.errVal = err
	}
	if !a.eventsClosed {
		a.eventsClosed = true
		close(a.events)
	}
}

// Connected reports whether Connect succeeded.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Audio returns the submitted chunks in order.
func (a *Adapter) Audio() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.audio))
	copy(out, a.audio)
	return out
}

// EndOfSpeechCalls returns how many times SubmitEndOfSpeech was called.
func (a *Adapter) EndOfSpeechCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endOfSpeech
}

// InterruptCalls returns how many times SubmitInterrupt was called.
func (a *Adapter) InterruptCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupts
}
