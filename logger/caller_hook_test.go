package logger_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"feedarchive/internal/metrics"
	"feedarchive/logger"
)

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var out map[string]interface{}
	if err := json.Unmarshal(lines[len(lines)-1], &out); err != nil {
		t.Fatalf("decode log line %q: %v", lines[len(lines)-1], err)
	}
	return out
}

func here(offset int) string {
	_, file, line, _ := runtime.Caller(1)
	return fmt.Sprintf("%s:%d", filepath.Base(file), line+offset)
}

func TestCallerPointsPastWrappers(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	log := logger.Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	want := here(1)
	log.WithComponent("test").WithField("k", 1).Warn("entry wrapper")
	if got := lastLine(t, &buf)["file"]; got != want {
		t.Fatalf("entry caller = %v, want %s", got, want)
	}

	want = here(1)
	metrics.EmitHandoffMetric(log, "execution@10.0.0.1")
	got := lastLine(t, &buf)
	if got["message"] != "metric" || got["file"] != want {
		t.Fatalf("metric caller = %v (%v), want %s", got["file"], got["message"], want)
	}
}
