package fwlog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONHandlerIncludesWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger = logger.With(slog.String("version", "test"))
	logger.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["version"] != "test" || rec["msg"] != "hello" {
		t.Fatalf("got %+v", rec)
	}
}

func TestConfigureInstallsDefaultAndHonorsLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := Configure(Config{Level: "warn", Format: "text"})
	if logger != slog.Default() {
		t.Error("want Configure to install the built logger as the package default")
	}
	ctx := context.Background()
	if !logger.Enabled(ctx, slog.LevelWarn) {
		t.Error("want warn level enabled")
	}
	if logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("want info level filtered out at warn")
	}
}

func TestConfigureTextFormat(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger := Configure(Config{Level: "info", Format: "text"})
	if logger == nil {
		t.Fatal("want a non-nil logger")
	}
	// The only externally observable difference between json/text here is
	// the handler type; a JSON handler would indicate a wiring bug where the
	// format switch fell through to the json branch.
	if _, ok := logger.Handler().(*slog.TextHandler); !ok {
		t.Errorf("want Configure to build a text handler, got %T", logger.Handler())
	}
	// A text handler's output must not look like JSON (no leading brace).
	var buf bytes.Buffer
	textLogger := slog.New(slog.NewTextHandler(&buf, nil))
	textLogger.Info("hi")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("want text handler output not to look like JSON")
	}
}
