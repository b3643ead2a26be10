// Package gateway accepts device WebSocket connections.
//
// Every upgrade request carries an HS256 JWT in the Authorization header.
// The gateway verifies it, resolves the account profile, optionally checks
// the device MAC address, and only then upgrades the connection and hands
// it to a [relay.Session]. Rejections happen before the upgrade with plain
// HTTP status codes; devices do not retry on 401.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxgate/internal/auth"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/relay"
	"github.com/MrWong99/voxgate/pkg/provider/realtime"
	"github.com/MrWong99/voxgate/pkg/store"
)

// ErrUnauthenticated indicates the upgrade request failed authentication.
// It always maps to HTTP 401 before the upgrade.
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// Device request headers.
const (
	headerMACAddress = "mac_address"
	headerWifiRSSI   = "x-wifi-rssi"
)

// Config carries the process-level collaborators the gateway needs.
type Config struct {
	// Verifier validates device bearer tokens.
	Verifier auth.Verifier

	// Store resolves profiles and backs session persistence.
	Store store.Store

	// Registry resolves provider adapters for sessions.
	Registry *realtime.Registry

	// Metrics records gateway telemetry. When nil, DefaultMetrics is used.
	Metrics *observe.Metrics

	// CaptureDir, when non-empty, enables per-session raw PCM capture
	// files in that directory.
	CaptureDir string
}

// Handler upgrades authenticated device connections and runs their sessions.
type Handler struct {
	cfg Config
	log *slog.Logger
}

// New builds a gateway handler. Verifier, Store and Registry are required.
func New(cfg Config) *Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Handler{cfg: cfg, log: slog.Default()}
}

// Register adds the device WebSocket route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws", h)
}

// ServeHTTP implements the upgrade endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profile, err := h.authenticate(r)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		} else {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	log := h.log.With("user", profile.UserID)
	if rssi := r.Header.Get(headerWifiRSSI); rssi != "" {
		log.Info("device wifi signal", "rssi", rssi)
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		h.cfg.Metrics.RecordRejectedUpgrade(ctx, "upgrade_failed")
		return
	}

	capture, closeCapture := h.openCapture(log)
	defer closeCapture()

	session := relay.NewSession(conn, profile, relay.Deps{
		Registry: h.cfg.Registry,
		Store:    h.cfg.Store,
		Metrics:  h.cfg.Metrics,
		Capture:  capture,
		OnClose:  closeCapture,
	})

	log.Info("session starting")
	if err := session.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("session ended with error", "err", err)
		return
	}
	log.Info("session ended")
}

// authenticate validates the bearer token and resolves the caller's profile.
// All authentication failures return errors wrapping [ErrUnauthenticated].
func (h *Handler) authenticate(r *http.Request) (*store.Profile, error) {
	ctx := r.Context()

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		h.cfg.Metrics.RecordRejectedUpgrade(ctx, "missing_token")
		h.log.Warn("upgrade rejected: missing bearer token")
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}

	claims, err := h.cfg.Verifier.Verify(token)
	if err != nil {
		h.cfg.Metrics.RecordRejectedUpgrade(ctx, "invalid_token")
		h.log.Warn("upgrade rejected: token verification failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	profile, err := h.cfg.Store.UserByEmail(ctx, claims.Email)
	if errors.Is(err, store.ErrNotFound) {
		h.cfg.Metrics.RecordRejectedUpgrade(ctx, "unknown_user")
		h.log.Warn("upgrade rejected: no profile for token identity")
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
	}
	if err != nil {
		h.log.Error("profile lookup failed", "err", err)
		return nil, fmt.Errorf("gateway: profile lookup: %w", err)
	}

	if mac := r.Header.Get(headerMACAddress); mac != "" {
		if profile.Device == nil || !strings.EqualFold(profile.Device.MACAddress, mac) {
			h.cfg.Metrics.RecordRejectedUpgrade(ctx, "mac_mismatch")
			h.log.Warn("upgrade rejected: device mac mismatch", "user", profile.UserID)
			return nil, fmt.Errorf("%w: device mac mismatch", ErrUnauthenticated)
		}
	}

	return profile, nil
}

// openCapture opens the per-session raw PCM capture file when capture is
// enabled. Capture failures never fail the session. The returned closer is
// idempotent: it runs both as the session's close callback and as a
// deferred backstop.
func (h *Handler) openCapture(log *slog.Logger) (io.Writer, func()) {
	if h.cfg.CaptureDir == "" {
		return nil, func() {}
	}

	name := filepath.Join(h.cfg.CaptureDir, fmt.Sprintf("debug_audio_%d.pcm", time.Now().Unix()))
	f, err := os.Create(name)
	if err != nil {
		log.Warn("audio capture disabled: cannot create file", "path", name, "err", err)
		return nil, func() {}
	}
	log.Info("capturing session audio", "path", name)
	var once sync.Once
	return f, func() {
		once.Do(func() {
			if err := f.Close(); err != nil {
				log.Warn("capture file close failed", "err", err)
			}
		})
	}
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
