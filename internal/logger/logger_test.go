package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeServiceLogger struct {
	infos, warnings, errors []string
}

func (f *fakeServiceLogger) Error(v ...interface{}) error {
	f.errors = append(f.errors, v[0].(string))
	return nil
}
func (f *fakeServiceLogger) Warning(v ...interface{}) error {
	f.warnings = append(f.warnings, v[0].(string))
	return nil
}
func (f *fakeServiceLogger) Info(v ...interface{}) error {
	f.infos = append(f.infos, v[0].(string))
	return nil
}
func (f *fakeServiceLogger) Errorf(format string, a ...interface{}) error   { return nil }
func (f *fakeServiceLogger) Warningf(format string, a ...interface{}) error { return nil }
func (f *fakeServiceLogger) Infof(format string, a ...interface{}) error    { return nil }

func TestSetupFansOut(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	logFile := filepath.Join(t.TempDir(), "sud.log")
	svc := &fakeServiceLogger{}
	logger, closer := Setup(Options{File: logFile, Level: "info", Service: svc})

	logger.With("component", "ingest").Warn("Upload failed", "file", "2025-03-14/raw/09-30.wav")
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Upload failed") || strings.Contains(string(data), "hidden") {
		t.Errorf("Unexpected file contents: %s", data)
	}
	if len(svc.warnings) != 1 || !strings.Contains(svc.warnings[0], "component=ingest") {
		t.Errorf("Expected one service warning with attrs, got %v", svc.warnings)
	}
	if strings.Contains(svc.warnings[0], "level=") {
		t.Errorf("Service message should not carry level: %s", svc.warnings[0])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
