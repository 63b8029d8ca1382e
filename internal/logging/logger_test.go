package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/trailofbits/crs-core/internal/logging"
)

func TestInfoWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewLogger(logging.Config{Level: "info", Output: &buf})

	l.WithTask("downloader", "t1").Info("fetch ok", "bytes", 128)

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v (%s)", err, buf.String())
	}
	if line["task_id"] != "t1" || line["component"] != "downloader" {
		t.Fatalf("missing structured context: %v", line)
	}
	if line["bytes"] != float64(128) {
		t.Fatalf("missing field value: %v", line)
	}
}

func TestDebugSuppressedAboveLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.NewLogger(logging.Config{Level: "warn", Output: &buf})
	l.Debug("noisy")
	l.Info("still noisy")
	if strings.TrimSpace(buf.String()) != "" {
		t.Fatalf("expected no output below warn level, got %q", buf.String())
	}
}

func TestGlobalLoggerDelegates(t *testing.T) {
	var buf bytes.Buffer
	logging.InitGlobalLogger(logging.Config{Level: "info", Output: &buf})
	logging.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("global logger did not write expected message: %q", buf.String())
	}
}
