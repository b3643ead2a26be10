package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/voxgate/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
auth:
  jwt_secret: "super-secret"
store:
  postgres_dsn: "postgres://localhost/voxgate"
providers:
  doubao:
    app_id: "app-1"
    access_token: "tok-1"
  openai:
    api_key: "sk-test"
    model: "gpt-4o-realtime-preview"
capture:
  enabled: true
  dir: "/var/lib/voxgate/capture"
`

func TestLoadFromReader_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q; want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q; want info", cfg.Server.LogLevel)
	}
	if cfg.Auth.JWTSecret != "super-secret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Providers.Doubao.AppID != "app-1" || cfg.Providers.Doubao.AccessToken != "tok-1" {
		t.Errorf("doubao = %+v; want app-1/tok-1", cfg.Providers.Doubao)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("openai api_key = %q", cfg.Providers.OpenAI.APIKey)
	}
	if !cfg.Capture.Enabled || cfg.Capture.Dir == "" {
		t.Errorf("capture = %+v; want enabled with dir", cfg.Capture)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
auth:
  jwt_secret: "s"
sever:
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidate_MissingJWTSecret(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_addr: ":8080"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing jwt_secret, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("error should mention jwt_secret, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
auth:
  jwt_secret: "s"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_DoubaoPartialCredentials(t *testing.T) {
	t.Parallel()

	yaml := `
auth:
  jwt_secret: "s"
providers:
  doubao:
    app_id: "app-1"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for app_id without access_token, got nil")
	}
	if !strings.Contains(err.Error(), "access_token") {
		t.Errorf("error should mention access_token, got: %v", err)
	}
}

func TestValidate_CaptureWithoutDir(t *testing.T) {
	t.Parallel()

	yaml := `
auth:
  jwt_secret: "s"
capture:
  enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for capture without dir, got nil")
	}
	if !strings.Contains(err.Error(), "capture.dir") {
		t.Errorf("error should mention capture.dir, got: %v", err)
	}
}

func TestValidate_PartialTLS(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  tls:
    cert_file: "/etc/voxgate/cert.pem"
auth:
  jwt_secret: "s"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS cert without key, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
capture:
  enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "jwt_secret", "capture.dir"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()

	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`"verbose" should be invalid`)
	}
}
